package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"time"

	"conbadge.org/internal/obs"
)

// ErrTooLarge is returned when an archive exceeds Options.MaxBytes.
var ErrTooLarge = errors.New("archive: payload exceeds limit")

// Entry is one tar member, independent of the tar library.
type Entry struct {
	Name       string
	Kind       Kind
	LinkTarget string
	Mode       fs.FileMode
	Size       int64
	ModTime    time.Time
}

func entryFromHeader(hdr *tar.Header) Entry {
	e := Entry{
		Name:       hdr.Name,
		LinkTarget: hdr.Linkname,
		Mode:       fs.FileMode(hdr.Mode).Perm(),
		Size:       hdr.Size,
		ModTime:    hdr.ModTime,
	}
	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeGNUSparse:
		e.Kind = KindFile
	case tar.TypeDir:
		e.Kind = KindDir
	case tar.TypeSymlink:
		e.Kind = KindSymlink
	case tar.TypeLink:
		e.Kind = KindHardlink
	default:
		e.Kind = KindOther
	}
	return e
}

// Entries lazily yields the accepted members of tr. Rejected members are
// skipped, counted and logged. While an entry is being handled, its payload
// can be read from tr; advancing the sequence discards whatever is unread.
// onReject may be nil.
func (g *Guard) Entries(tr *tar.Reader, onReject func(Entry, Reason)) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for {
			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			// insecure names are judged by Check like any other
			if err != nil && !(errors.Is(err, tar.ErrInsecurePath) && hdr != nil) {
				yield(Entry{}, fmt.Errorf("read tar header: %w", err))
				return
			}
			e := entryFromHeader(hdr)
			reason, err := g.Check(e)
			if err != nil {
				yield(Entry{}, fmt.Errorf("check %s: %w", e.Name, err))
				return
			}
			if reason != Accepted {
				obs.ArchiveEntryRejected(string(reason))
				obs.Debug("archive_entry_rejected", map[string]any{
					"name":   e.Name,
					"kind":   e.Kind.String(),
					"reason": string(reason),
				})
				if onReject != nil {
					onReject(e, reason)
				}
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Result summarizes one extraction.
type Result struct {
	Accepted int
	Rejected int
	Bytes    int64
}

// Extract writes the accepted members of the tar stream r below base.
// Device and FIFO members pass validation but are not materialized. I/O
// errors abort; files already written stay in place.
func Extract(ctx context.Context, r io.Reader, base string, opts Options) (Result, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return Result{}, err
	}
	g, err := NewGuard(base, opts)
	if err != nil {
		return Result{}, err
	}
	var res Result
	tr := tar.NewReader(r)
	for e, err := range g.Entries(tr, func(Entry, Reason) { res.Rejected++ }) {
		if err != nil {
			return res, err
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := g.materialize(e, tr, opts.MaxBytes-res.Bytes)
		res.Bytes += n
		if err != nil {
			return res, err
		}
		res.Accepted++
	}
	return res, nil
}

func (g *Guard) materialize(e Entry, payload io.Reader, budget int64) (int64, error) {
	dirName, last := splitName(e.Name)
	parent, err := Canonical(under(g.base, dirName))
	if err != nil {
		return 0, err
	}
	if parent != g.base && !Contained(g.base, parent) {
		return 0, fmt.Errorf("archive: parent of %s escapes sandbox", e.Name)
	}
	dest := filepath.Join(parent, last)
	if last == "" || last == "." || last == ".." {
		if dest, err = Canonical(under(g.base, e.Name)); err != nil {
			return 0, err
		}
	}
	if !Contained(g.base, dest) {
		return 0, fmt.Errorf("archive: %s escapes sandbox", e.Name)
	}

	switch e.Kind {
	case KindDir:
		if err := os.MkdirAll(dest, dirMode(e.Mode)); err != nil {
			return 0, err
		}
		return 0, nil
	case KindOther:
		return 0, nil
	}

	if err := os.MkdirAll(parent, 0o755); err != nil {
		return 0, err
	}
	if err := removeNonDir(dest); err != nil {
		return 0, err
	}

	switch e.Kind {
	case KindSymlink:
		return 0, os.Symlink(e.LinkTarget, dest)
	case KindHardlink:
		src, err := Canonical(under(g.base, e.LinkTarget))
		if err != nil {
			return 0, err
		}
		return 0, os.Link(src, dest)
	default:
		return writeFile(dest, e.Mode, payload, budget, g.opts.MaxBytes > 0)
	}
}

func writeFile(dest string, mode fs.FileMode, payload io.Reader, budget int64, capped bool) (int64, error) {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode(mode))
	if err != nil {
		return 0, err
	}
	src := payload
	if capped {
		src = io.LimitReader(payload, budget+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", dest, err)
	}
	if capped && n > budget {
		return n, ErrTooLarge
	}
	return n, nil
}

// removeNonDir clears a previous member at dest so a later entry never
// writes through an earlier link.
func removeNonDir(dest string) error {
	fi, err := os.Lstat(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("archive: %s already exists as a directory", dest)
	}
	return os.Remove(dest)
}

func dirMode(m fs.FileMode) fs.FileMode {
	return (m & 0o755) | 0o700
}

func fileMode(m fs.FileMode) fs.FileMode {
	return (m & 0o755) | 0o600
}

// Package archive extracts untrusted tar bundles into a sandbox directory and
// packs directory trees into reproducible tar streams.
package archive

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Kind classifies an archive entry.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
	KindHardlink
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	case KindHardlink:
		return "hardlink"
	default:
		return "other"
	}
}

// Reason explains why an entry was rejected. The zero value means accepted.
type Reason string

const (
	Accepted    Reason = ""
	PathEscape  Reason = "path_escape"
	LinkEscape  Reason = "link_escape"
	HiddenEntry Reason = "hidden"
	OutOfScope  Reason = "out_of_scope"
)

// maxLinkHops bounds symlink expansion in Canonical.
const maxLinkHops = 40

var errLinkLoop = errors.New("archive: too many levels of symbolic links")

// Canonical returns the absolute form of p with symlinks resolved one
// component at a time, the way the kernel walks a path: a ".." that follows a
// link applies to the link's target, not to the link's name. Components that
// do not exist are taken verbatim.
func Canonical(p string) (string, error) {
	if !filepath.IsAbs(p) {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		p = wd + string(filepath.Separator) + p
	}
	vol := filepath.VolumeName(p)
	resolved := vol + string(filepath.Separator)
	pending := splitPath(p[len(vol):])
	hops := 0
	for len(pending) > 0 {
		part := pending[0]
		pending = pending[1:]
		switch part {
		case "", ".":
			continue
		case "..":
			resolved = filepath.Dir(resolved)
			continue
		}
		next := filepath.Join(resolved, part)
		fi, err := os.Lstat(next)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
				resolved = next
				continue
			}
			return "", err
		}
		if fi.Mode()&fs.ModeSymlink == 0 {
			resolved = next
			continue
		}
		if hops++; hops > maxLinkHops {
			return "", errLinkLoop
		}
		link, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(link) {
			lv := filepath.VolumeName(link)
			resolved = lv + string(filepath.Separator)
			link = link[len(lv):]
		}
		pending = append(splitPath(link), pending...)
	}
	return resolved, nil
}

func splitPath(p string) []string {
	return strings.Split(filepath.ToSlash(p), "/")
}

// under joins rel below base without lexical cleaning, leaving ".." for
// Canonical to apply after any link in front of it.
func under(base, rel string) string {
	return base + string(filepath.Separator) + filepath.FromSlash(rel)
}

// splitName splits a slash-separated member name into its parent and last
// component, ignoring trailing slashes.
func splitName(name string) (dir, last string) {
	name = strings.TrimRight(name, "/")
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// Contained reports whether the canonical path p lies strictly below the
// canonical directory base.
func Contained(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Hidden reports whether any component of the slash-separated name starts
// with a dot. Empty components are ignored.
func Hidden(name string) bool {
	for _, part := range strings.Split(name, "/") {
		if part != "" && part[0] == '.' {
			return true
		}
	}
	return false
}

// InScope reports whether name lies under the appName/ subtree. An empty
// appName admits everything.
func InScope(name, appName string) bool {
	if appName == "" {
		return true
	}
	return strings.HasPrefix(name, appName+"/")
}

// Options tune a Guard.
type Options struct {
	// AppName restricts extraction to the AppName/ subtree.
	AppName string
	// IncludeHidden admits dot-files and dot-directories.
	IncludeHidden bool
	// MaxBytes caps the total regular-file payload. Zero means no cap.
	MaxBytes int64
}

// Guard validates entries against one sandbox directory.
type Guard struct {
	base string
	opts Options
}

// NewGuard canonicalizes base once; every check is relative to that value.
func NewGuard(base string, opts Options) (*Guard, error) {
	canon, err := Canonical(base)
	if err != nil {
		return nil, err
	}
	return &Guard{base: canon, opts: opts}, nil
}

// Base is the canonical sandbox root.
func (g *Guard) Base() string { return g.base }

// Check applies containment, link, hidden and scope rules to e. Canonical
// paths are computed against the filesystem as it is now, so links written
// by earlier entries are taken into account.
func (g *Guard) Check(e Entry) (Reason, error) {
	target, err := Canonical(under(g.base, e.Name))
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(filepath.FromSlash(e.Name)) || !Contained(g.base, target) {
		return PathEscape, nil
	}
	if e.Kind == KindSymlink || e.Kind == KindHardlink {
		ok, err := g.linkContained(e)
		if err != nil {
			return "", err
		}
		if !ok {
			return LinkEscape, nil
		}
	}
	if !g.opts.IncludeHidden && Hidden(e.Name) {
		return HiddenEntry, nil
	}
	if !InScope(e.Name, g.opts.AppName) {
		return OutOfScope, nil
	}
	return Accepted, nil
}

// linkContained resolves the link target relative to the canonical directory
// holding the link. Hardlink targets name archive members, so they must also
// resolve inside the sandbox from its root.
func (g *Guard) linkContained(e Entry) (bool, error) {
	if e.LinkTarget == "" {
		return false, nil
	}
	target := filepath.FromSlash(e.LinkTarget)
	parent, _ := splitName(e.Name)
	dir, err := Canonical(under(g.base, parent))
	if err != nil {
		return false, err
	}
	resolved := target
	if !filepath.IsAbs(target) {
		resolved = under(dir, e.LinkTarget)
	}
	resolved, err = Canonical(resolved)
	if err != nil {
		return false, err
	}
	if !Contained(g.base, resolved) {
		return false, nil
	}
	if e.Kind != KindHardlink {
		return true, nil
	}
	if filepath.IsAbs(target) {
		return false, nil
	}
	fromRoot, err := Canonical(under(g.base, e.LinkTarget))
	if err != nil {
		return false, err
	}
	return Contained(g.base, fromRoot), nil
}

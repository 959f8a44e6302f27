package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"
)

// Packer writes directory trees into one tar stream. Output depends only on
// tree contents, names, modes and whole-second mtimes: entries are visited in
// lexical order and ownership fields are zeroed.
type Packer struct {
	tw *tar.Writer
}

func NewPacker(w io.Writer) *Packer {
	return &Packer{tw: tar.NewWriter(w)}
}

// Add appends src, recursively, under the archive name arcName.
func (p *Packer) Add(src, arcName string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return err
	}
	var link string
	if fi.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(src); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		// sockets and other unsupported kinds are left out
		return nil
	}
	normalizeHeader(hdr, arcName)

	if err := p.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", arcName, err)
	}
	switch {
	case fi.Mode().IsRegular():
		return p.copyFile(src, arcName)
	case fi.IsDir():
		children, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := p.Add(filepath.Join(src, child.Name()), path.Join(arcName, child.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Packer) copyFile(src, arcName string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(p.tw, f); err != nil {
		return fmt.Errorf("write %s: %w", arcName, err)
	}
	return nil
}

// Close writes the end-of-archive marker. It does not close the underlying writer.
func (p *Packer) Close() error {
	return p.tw.Close()
}

// Pack writes a complete archive of src named arcName to w.
func Pack(w io.Writer, src, arcName string) error {
	p := NewPacker(w)
	if err := p.Add(src, arcName); err != nil {
		return errors.Join(err, p.Close())
	}
	return p.Close()
}

func normalizeHeader(hdr *tar.Header, arcName string) {
	hdr.Name = filepath.ToSlash(arcName)
	if hdr.Typeflag == tar.TypeDir {
		hdr.Name += "/"
	}
	hdr.Uid = 0
	hdr.Gid = 0
	hdr.Uname = ""
	hdr.Gname = ""
	hdr.ModTime = hdr.ModTime.Truncate(time.Second)
	if hdr.Typeflag == tar.TypeSymlink {
		// link times cannot be set portably, so they are not recorded
		hdr.ModTime = time.Unix(0, 0)
	}
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}
	hdr.PAXRecords = nil
	hdr.Format = tar.FormatUnknown
}

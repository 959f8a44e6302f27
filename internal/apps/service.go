package apps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"conbadge.org/internal/archive"
	"conbadge.org/internal/obs"
)

// Registry stores uploaded bundles and serves update archives built from them.
type Registry struct {
	store     Store
	mediaRoot string
	maxBytes  int64
	now       func() time.Time
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMaxBytes caps both the uploaded archive and its extracted payload.
func WithMaxBytes(n int64) Option {
	return func(r *Registry) { r.maxBytes = n }
}

func NewRegistry(store Store, mediaRoot string, opts ...Option) *Registry {
	r := &Registry{store: store, mediaRoot: mediaRoot, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// info is written next to the app files so a badge knows what it runs.
type info struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Title   string `json:"title"`
}

// Upload reserves a new version of name, keeps the raw archive, extracts the
// members under <name>/ into the version sandbox and then publishes it. On any
// failure the record and files of the new version are removed again.
func (r *Registry) Upload(ctx context.Context, name, title string, blob io.Reader) (Bundle, archive.Result, error) {
	if err := Validate(name, title); err != nil {
		return Bundle{}, archive.Result{}, err
	}
	b, err := r.store.Create(ctx, name, title, r.now().UTC())
	if err != nil {
		return Bundle{}, archive.Result{}, err
	}
	res, created, err := r.install(ctx, b, blob)
	if err != nil {
		r.discard(b, created)
		return Bundle{}, res, err
	}
	if err := r.store.Publish(ctx, b.Name, b.Version); err != nil {
		r.discard(b, true)
		return Bundle{}, res, fmt.Errorf("publish %s v%d: %w", b.Name, b.Version, err)
	}
	obs.Info("app_uploaded", map[string]any{
		"app":      b.Name,
		"version":  b.Version,
		"accepted": res.Accepted,
		"rejected": res.Rejected,
		"bytes":    res.Bytes,
	})
	return b, res, nil
}

// install reports whether it created the version sandbox, so a failed upload
// never removes files it does not own.
func (r *Registry) install(ctx context.Context, b Bundle, blob io.Reader) (archive.Result, bool, error) {
	dir := SandboxDir(r.mediaRoot, b.Name, b.Version)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return archive.Result{}, false, err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return archive.Result{}, false, fmt.Errorf("%w: %s v%d", ErrConflict, b.Name, b.Version)
		}
		return archive.Result{}, false, err
	}
	blobPath := BlobPath(r.mediaRoot, b.Name, b.Version)
	if err := r.saveBlob(blobPath, blob); err != nil {
		if errors.Is(err, ErrConflict) {
			// the blob belongs to someone else; only the directory is ours
			_ = os.RemoveAll(dir)
			return archive.Result{}, false, err
		}
		return archive.Result{}, true, err
	}

	f, err := os.Open(blobPath)
	if err != nil {
		return archive.Result{}, true, err
	}
	defer f.Close()
	res, err := archive.Extract(ctx, f, dir, archive.Options{AppName: b.Name, MaxBytes: r.maxBytes})
	if err != nil {
		return res, true, fmt.Errorf("extract %s v%d: %w", b.Name, b.Version, err)
	}
	return res, true, writeInfo(filepath.Join(dir, b.Name), b)
}

func (r *Registry) saveBlob(path string, blob io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrConflict
		}
		return err
	}
	src := blob
	if r.maxBytes > 0 {
		src = io.LimitReader(blob, r.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("save archive: %w", err)
	}
	if r.maxBytes > 0 && n > r.maxBytes {
		return archive.ErrTooLarge
	}
	return nil
}

func writeInfo(appDir string, b Bundle) error {
	fi, err := os.Lstat(appDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.Mkdir(appDir, 0o755); err != nil {
			return err
		}
	case err != nil:
		return err
	case !fi.IsDir():
		return fmt.Errorf("%w: %s is not a directory", ErrInvalid, b.Name)
	}
	payload, err := json.Marshal(info{Name: b.Name, Version: b.Version, Title: b.Title})
	if err != nil {
		return err
	}
	path := filepath.Join(appDir, "info.json")
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (r *Registry) discard(b Bundle, created bool) {
	// the request context may already be done; cleanup must still happen
	ctx := context.Background()
	if err := r.store.Delete(ctx, b.Name, b.Version); err != nil && !errors.Is(err, ErrNotFound) {
		obs.Warn("app_discard_failed", map[string]any{"app": b.Name, "version": b.Version, "error": err.Error()})
	}
	if !created {
		return
	}
	_ = os.RemoveAll(SandboxDir(r.mediaRoot, b.Name, b.Version))
	_ = os.Remove(BlobPath(r.mediaRoot, b.Name, b.Version))
}

// Latest lists the newest version of every app.
func (r *Registry) Latest(ctx context.Context) ([]Bundle, error) {
	return r.store.Latest(ctx)
}

// Updates returns the bundles a badge reporting installed should receive.
// Every planned tree must exist on disk.
func (r *Registry) Updates(ctx context.Context, installed map[string]any) ([]Bundle, error) {
	latest, err := r.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	plan := Plan(installed, latest)
	for _, b := range plan {
		fi, err := os.Lstat(r.treeDir(b))
		if err != nil {
			return nil, fmt.Errorf("%w: %s v%d: %v", ErrMissingFiles, b.Name, b.Version, err)
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("%w: %s v%d is not a directory", ErrMissingFiles, b.Name, b.Version)
		}
	}
	return plan, nil
}

func (r *Registry) treeDir(b Bundle) string {
	return filepath.Join(SandboxDir(r.mediaRoot, b.Name, b.Version), b.Name)
}

// WriteUpdate writes one tar archive holding the <name>/ tree of every bundle.
func (r *Registry) WriteUpdate(w io.Writer, bundles []Bundle) error {
	p := archive.NewPacker(w)
	for _, b := range bundles {
		if err := p.Add(r.treeDir(b), b.Name); err != nil {
			return errors.Join(fmt.Errorf("pack %s v%d: %w", b.Name, b.Version, err), p.Close())
		}
	}
	return p.Close()
}

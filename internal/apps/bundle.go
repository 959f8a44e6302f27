// Package apps keeps the catalogue of uploaded app bundles, their sandboxed
// files on disk, and the plan of which bundles a badge still needs.
package apps

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

const (
	MaxNameLength  = 20
	MaxTitleLength = 42
)

var (
	ErrInvalid  = errors.New("apps: invalid bundle")
	ErrConflict = errors.New("apps: bundle version already exists")
	ErrNotFound = errors.New("apps: not found")
	// ErrMissingFiles means a published version has no tree on disk.
	ErrMissingFiles = errors.New("apps: bundle files missing")
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// Bundle is one uploaded version of an app.
type Bundle struct {
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps bundle records. Create reserves the next version for the name;
// the version stays invisible to Latest until Publish marks it ready.
type Store interface {
	Create(ctx context.Context, name, title string, at time.Time) (Bundle, error)
	Publish(ctx context.Context, name string, version int) error
	Delete(ctx context.Context, name string, version int) error
	// Latest returns the newest published version of every app, ordered by name.
	Latest(ctx context.Context) ([]Bundle, error)
}

// Validate checks the operator-supplied fields.
func Validate(name, title string) error {
	if name == "" || len(name) > MaxNameLength || !nameRe.MatchString(name) {
		return fmt.Errorf("%w: app name must be 1-%d alphanumeric characters", ErrInvalid, MaxNameLength)
	}
	if title == "" || len(title) > MaxTitleLength {
		return fmt.Errorf("%w: title must be 1-%d characters", ErrInvalid, MaxTitleLength)
	}
	return nil
}

// Slug names the on-disk directory for an app. It only spreads names across
// directories and carries no security meaning.
func Slug(name string) string {
	sum := blake3.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}

// SandboxDir is the extraction root for one version: <media>/apps/<slug>/v<version>.
func SandboxDir(mediaRoot, name string, version int) string {
	return filepath.Join(mediaRoot, "apps", Slug(name), "v"+strconv.Itoa(version))
}

// BlobPath is where the uploaded archive is kept: <media>/apps/<slug>/v<version>.tar.
func BlobPath(mediaRoot, name string, version int) string {
	return SandboxDir(mediaRoot, name, version) + ".tar"
}

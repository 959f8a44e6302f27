package badge

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const secretBytes = 32

// ErrInvalidImage reports an image payload that is neither a byte list nor base64.
var ErrInvalidImage = errors.New("badge: invalid image")

// Registrar enrolls badges and manages the fields a badge may change about itself.
type Registrar struct {
	store Store
	key   []byte
	now   func() time.Time
	salt  func() []byte
}

// Option configures Registrar.
type Option func(*Registrar)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registrar) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistrar binds a store to the install-wide registration key.
func NewRegistrar(store Store, installKey string, opts ...Option) (*Registrar, error) {
	if store == nil {
		return nil, errors.New("badge: store is required")
	}
	if strings.TrimSpace(installKey) == "" {
		return nil, errors.New("badge: registration key is required")
	}
	r := &Registrar{
		store: store,
		key:   []byte(installKey),
		now:   func() time.Time { return time.Now().UTC() },
		salt: func() []byte {
			id := uuid.New()
			return id[:]
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register creates a badge with a freshly derived secret. The secret is
// returned once and never changes afterwards.
func (r *Registrar) Register(ctx context.Context, id, mac string) (Badge, error) {
	id = strings.TrimSpace(id)
	mac = strings.TrimSpace(mac)
	if id == "" || mac == "" || len(id) > MaxIDLength || len(mac) > MaxMACLength {
		return Badge{}, &RegistrationError{Message: "Invalid request!", Status: http.StatusBadRequest}
	}
	if _, err := r.store.Get(ctx, id); err == nil {
		return Badge{}, alreadyRegistered()
	} else if !errors.Is(err, ErrNotFound) {
		return Badge{}, err
	}

	now := r.now()
	secret, err := r.deriveSecret(id, mac, now)
	if err != nil {
		return Badge{}, err
	}
	b := Badge{
		ID:           id,
		MAC:          mac,
		Secret:       secret,
		RegisteredAt: now,
		ChangedAt:    now,
	}
	if err := r.store.Create(ctx, b); err != nil {
		if errors.Is(err, ErrConflict) {
			return Badge{}, alreadyRegistered()
		}
		return Badge{}, err
	}
	return b, nil
}

// Lookup returns the badge with the given id or ErrNotFound.
func (r *Registrar) Lookup(ctx context.Context, id string) (Badge, error) {
	return r.store.Get(ctx, id)
}

func (r *Registrar) Rename(ctx context.Context, id, name string) error {
	if len(name) > MaxNameLength {
		return &RegistrationError{Message: "Name too long!", Status: http.StatusBadRequest}
	}
	return r.store.UpdateName(ctx, id, name, r.now())
}

func (r *Registrar) SetImage(ctx context.Context, id string, image []byte) error {
	return r.store.UpdateImage(ctx, id, image, r.now())
}

func (r *Registrar) ClearImage(ctx context.Context, id string) error {
	return r.store.UpdateImage(ctx, id, nil, r.now())
}

// deriveSecret expands the install key with per-badge context and fresh
// randomness, so two registrations of the same id never share a secret.
func (r *Registrar) deriveSecret(id, mac string, at time.Time) (string, error) {
	info := strings.Join([]string{id, mac, at.Format(time.RFC3339Nano)}, "\x00")
	kdf := hkdf.New(sha256.New, r.key, r.salt(), []byte(info))
	out := make([]byte, secretBytes)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return "", fmt.Errorf("derive secret: %w", err)
	}
	return hex.EncodeToString(out), nil
}

func alreadyRegistered() error {
	return &RegistrationError{Message: "Badge already registered!", Status: http.StatusForbidden}
}

// ParseImage accepts either a JSON array of byte values or a base64 string.
func ParseImage(raw json.RawMessage) ([]byte, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrInvalidImage
	}
	switch raw[0] {
	case '[':
		var values []int
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, ErrInvalidImage
		}
		out := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return nil, ErrInvalidImage
			}
			out[i] = byte(v)
		}
		return out, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, ErrInvalidImage
		}
		out, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, ErrInvalidImage
		}
		return out, nil
	default:
		return nil, ErrInvalidImage
	}
}

// Package badge owns registered device identities and their pre-shared secrets.
package badge

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const (
	MaxIDLength   = 64
	MaxMACLength  = 17
	MaxNameLength = 255
)

var (
	ErrNotFound = errors.New("badge: not found")
	ErrConflict = errors.New("badge: already exists")
)

// Badge is a registered device.
type Badge struct {
	ID           string    `json:"id"`
	MAC          string    `json:"mac"`
	Secret       string    `json:"-"`
	Name         string    `json:"name"`
	Image        []byte    `json:"-"`
	RegisteredAt time.Time `json:"registered_at"`
	ChangedAt    time.Time `json:"changed_at"`
}

// Store persists badges. Secrets are immutable once created.
type Store interface {
	Create(ctx context.Context, b Badge) error
	Get(ctx context.Context, id string) (Badge, error)
	UpdateName(ctx context.Context, id, name string, at time.Time) error
	// UpdateImage replaces the stored image; nil clears it.
	UpdateImage(ctx context.Context, id string, image []byte, at time.Time) error
}

// RegistrationError is returned to the device verbatim.
type RegistrationError struct {
	Message string
	Status  int
}

func (e *RegistrationError) Error() string { return e.Message }

// StatusCode is the HTTP status the error maps to.
func (e *RegistrationError) StatusCode() int {
	if e.Status == 0 {
		return http.StatusBadRequest
	}
	return e.Status
}

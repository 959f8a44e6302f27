package auth

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrLimitReached = errors.New("auth: issuance limit reached")
	ErrDuplicateID  = errors.New("auth: duplicate token id")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Messages returned to devices. Badges match on these strings.
const (
	MsgBadgeUnknown     = "Badge does not exist!"
	MsgUnknownBadge     = "Unknown badge!"
	MsgInvalidSignature = "Invalid signature!"
	MsgInvalidSession   = "Invalid session!"
	MsgInvalidRequest   = "Invalid request!"
	MsgInvalidToken     = "Invalid token."
	MsgSessionExpired   = "Session expired."
	MsgLimitReached     = "Badge has reached its limit for auth codes for the moment! Try again later."
	MsgCodeCollision    = "Could not create an AuthCode!"
)

// AuthenticationError is a device-facing authentication failure.
type AuthenticationError struct {
	Message string
	Status  int
}

func (e *AuthenticationError) Error() string { return e.Message }

// StatusCode defaults to 400 when no explicit status was set.
func (e *AuthenticationError) StatusCode() int {
	if e.Status == 0 {
		return http.StatusBadRequest
	}
	return e.Status
}

func authError(msg string, status int) error {
	return &AuthenticationError{Message: msg, Status: status}
}

// IsAuthenticationError reports whether err carries a device-facing message.
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

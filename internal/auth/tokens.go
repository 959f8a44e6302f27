package auth

import (
	"context"
	"time"
)

// Class separates short-lived auth codes from sessions.
type Class int

const (
	ClassEphemeral Class = iota
	ClassSession
)

func (c Class) String() string {
	switch c {
	case ClassEphemeral:
		return "ephemeral"
	case ClassSession:
		return "session"
	default:
		return "unknown"
	}
}

// Token is an auth code or session bound to one badge.
type Token struct {
	ID       string
	BadgeID  string
	Class    Class
	IssuedAt time.Time
}

// Policy holds lifetimes and issuance limits.
type Policy struct {
	EphemeralTTL time.Duration
	SessionTTL   time.Duration
	// CodeLimit caps live ephemeral codes per badge.
	CodeLimit int
	// CodeDigits is the hex width of ephemeral codes.
	CodeDigits int
}

// TTL returns the lifetime for the class.
func (p Policy) TTL(c Class) time.Duration {
	if c == ClassSession {
		return p.SessionTTL
	}
	return p.EphemeralTTL
}

// Expired reports whether tok has outlived its class lifetime at now.
func (p Policy) Expired(tok Token, now time.Time) bool {
	return now.Sub(tok.IssuedAt) > p.TTL(tok.Class)
}

// TokenStore persists tokens. Implementations serialize per badge.
type TokenStore interface {
	// CreateEphemeral inserts tok unless its badge already holds limit
	// ephemeral codes issued at or after liveSince. Returns ErrLimitReached
	// or ErrDuplicateID, and ErrNotFound when the badge does not exist.
	CreateEphemeral(ctx context.Context, tok Token, limit int, liveSince time.Time) error
	// Find returns the token regardless of class or age, or ErrNotFound.
	Find(ctx context.Context, id string) (Token, error)
	// Exchange removes oldID and inserts next in one step. Exactly one
	// concurrent caller succeeds; the others get ErrNotFound.
	Exchange(ctx context.Context, oldID string, next Token) error
	// DeleteExpired removes tokens of class issued before cutoff.
	DeleteExpired(ctx context.Context, class Class, cutoff time.Time) (int64, error)
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"conbadge.org/internal/ids"
	"conbadge.org/internal/obs"
)

// Manager runs the two-tier token lifecycle: badges obtain short-lived auth
// codes by signature and trade them for sessions.
type Manager struct {
	store      TokenStore
	policy     Policy
	now        func() time.Time
	newCode    func() (string, error)
	newSession func() string
}

// ManagerOption configures Manager behavior.
type ManagerOption func(*Manager)

// WithClock overrides the time source used for issuance and expiry.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithCodeGenerator replaces the ephemeral code source.
func WithCodeGenerator(gen func() (string, error)) ManagerOption {
	return func(m *Manager) {
		if gen != nil {
			m.newCode = gen
		}
	}
}

// WithSessionGenerator replaces the session id source.
func WithSessionGenerator(gen func() string) ManagerOption {
	return func(m *Manager) {
		if gen != nil {
			m.newSession = gen
		}
	}
}

func NewManager(store TokenStore, policy Policy, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("auth: token store is required")
	}
	if policy.EphemeralTTL <= 0 || policy.SessionTTL <= 0 {
		return nil, errors.New("auth: token lifetimes must be positive")
	}
	if policy.CodeLimit < 1 {
		return nil, errors.New("auth: code limit must be positive")
	}
	if policy.CodeDigits <= 0 {
		policy.CodeDigits = 16
	}
	m := &Manager{
		store:      store,
		policy:     policy,
		now:        func() time.Time { return time.Now().UTC() },
		newSession: uuid.NewString,
	}
	digits := policy.CodeDigits
	m.newCode = func() (string, error) { return ids.Hex(digits) }
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Policy returns the lifetimes and limits in effect.
func (m *Manager) Policy() Policy { return m.policy }

// IssueEphemeral mints a new auth code for badgeID. A colliding id is retried
// once after another sweep.
func (m *Manager) IssueEphemeral(ctx context.Context, badgeID string) (Token, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := m.SweepExpired(ctx); err != nil {
			return Token{}, err
		}
		id, err := m.newCode()
		if err != nil {
			return Token{}, fmt.Errorf("generate code: %w", err)
		}
		now := m.now()
		tok := Token{ID: id, BadgeID: badgeID, Class: ClassEphemeral, IssuedAt: now}
		err = m.store.CreateEphemeral(ctx, tok, m.policy.CodeLimit, now.Add(-m.policy.EphemeralTTL))
		switch {
		case err == nil:
			obs.TokenIssued(ClassEphemeral.String())
			return tok, nil
		case errors.Is(err, ErrLimitReached):
			obs.AuthFailure("code_limit")
			return Token{}, authError(MsgLimitReached, http.StatusBadRequest)
		case errors.Is(err, ErrDuplicateID):
			continue
		case errors.Is(err, ErrNotFound):
			obs.AuthFailure("unknown_badge")
			return Token{}, authError(MsgBadgeUnknown, http.StatusBadRequest)
		default:
			return Token{}, err
		}
	}
	return Token{}, authError(MsgCodeCollision, http.StatusInternalServerError)
}

// Promote consumes tokenID and returns a new session for the same badge.
// Any class may be presented; an expired token is reported rather than swept.
func (m *Manager) Promote(ctx context.Context, tokenID string) (Token, error) {
	if tokenID == "" {
		return Token{}, authError(MsgInvalidToken, http.StatusUnauthorized)
	}
	old, err := m.store.Find(ctx, tokenID)
	if errors.Is(err, ErrNotFound) {
		obs.AuthFailure("unknown_token")
		return Token{}, authError(MsgInvalidToken, http.StatusUnauthorized)
	}
	if err != nil {
		return Token{}, err
	}
	now := m.now()
	if m.policy.Expired(old, now) {
		obs.AuthFailure("expired_token")
		return Token{}, authError(MsgSessionExpired, http.StatusUnauthorized)
	}

	for attempt := 0; attempt < 2; attempt++ {
		next := Token{ID: m.newSession(), BadgeID: old.BadgeID, Class: ClassSession, IssuedAt: now}
		err = m.store.Exchange(ctx, old.ID, next)
		switch {
		case err == nil:
			obs.TokenIssued(ClassSession.String())
			return next, nil
		case errors.Is(err, ErrNotFound):
			obs.AuthFailure("consumed_token")
			return Token{}, authError(MsgInvalidToken, http.StatusUnauthorized)
		case errors.Is(err, ErrDuplicateID):
			continue
		case errors.Is(err, ErrNotFound):
			obs.AuthFailure("unknown_badge")
			return Token{}, authError(MsgBadgeUnknown, http.StatusBadRequest)
		default:
			return Token{}, err
		}
	}
	return Token{}, authError(MsgCodeCollision, http.StatusInternalServerError)
}

// Resolve maps a live session token to its badge id. The token is not consumed.
func (m *Manager) Resolve(ctx context.Context, tokenID string) (string, error) {
	tok, err := m.store.Find(ctx, tokenID)
	if errors.Is(err, ErrNotFound) {
		return "", authError(MsgInvalidSession, http.StatusBadRequest)
	}
	if err != nil {
		return "", err
	}
	if tok.Class != ClassSession || m.policy.Expired(tok, m.now()) {
		return "", authError(MsgInvalidSession, http.StatusBadRequest)
	}
	return tok.BadgeID, nil
}

// SweepExpired deletes tokens past their class lifetime.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	now := m.now()
	var total int64
	for _, class := range []Class{ClassEphemeral, ClassSession} {
		n, err := m.store.DeleteExpired(ctx, class, now.Add(-m.policy.TTL(class)))
		total += n
		if err != nil {
			return total, fmt.Errorf("sweep %s tokens: %w", class, err)
		}
	}
	if total > 0 {
		obs.TokensSwept(total)
	}
	return total, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.SweepExpired(ctx)
			if err != nil && ctx.Err() == nil {
				obs.Warn("token_sweep_failed", map[string]any{"error": err.Error()})
				continue
			}
			if n > 0 {
				obs.Debug("token_sweep", map[string]any{"removed": n})
			}
		}
	}
}

package auth

import (
	"context"
	"errors"
	"net/http"

	"conbadge.org/internal/badge"
	"conbadge.org/internal/obs"
)

// Request is the part of an inbound call the verifier looks at.
type Request struct {
	Method    string
	Path      string
	Body      []byte
	BadgeID   string // X-Id
	Signature string // X-Signature
	Session   string // Authorization
}

// BadgeLookup resolves badge ids to their stored record.
type BadgeLookup interface {
	Lookup(ctx context.Context, id string) (badge.Badge, error)
}

// SessionResolver maps a session token to its badge id.
type SessionResolver interface {
	Resolve(ctx context.Context, tokenID string) (string, error)
}

// Verifier authenticates requests either by signature or by session token.
type Verifier struct {
	badges   BadgeLookup
	sessions SessionResolver
}

func NewVerifier(badges BadgeLookup, sessions SessionResolver) *Verifier {
	return &Verifier{badges: badges, sessions: sessions}
}

// Authenticate resolves the badge behind req. The signature path wins when
// X-Id is present.
func (v *Verifier) Authenticate(ctx context.Context, req Request) (badge.Badge, error) {
	switch {
	case req.BadgeID != "":
		b, err := v.badges.Lookup(ctx, req.BadgeID)
		if errors.Is(err, badge.ErrNotFound) {
			obs.AuthFailure("unknown_badge")
			return badge.Badge{}, authError(MsgBadgeUnknown, http.StatusBadRequest)
		}
		if err != nil {
			return badge.Badge{}, err
		}
		if !VerifySignature(b.Secret, req.Method, req.Path, req.Body, req.Signature) {
			obs.AuthFailure("bad_signature")
			return badge.Badge{}, authError(MsgInvalidSignature, http.StatusBadRequest)
		}
		return b, nil
	case req.Session != "":
		badgeID, err := v.sessions.Resolve(ctx, req.Session)
		if err != nil {
			if IsAuthenticationError(err) {
				obs.AuthFailure("bad_session")
			}
			return badge.Badge{}, err
		}
		b, err := v.badges.Lookup(ctx, badgeID)
		if errors.Is(err, badge.ErrNotFound) {
			return badge.Badge{}, authError(MsgInvalidSession, http.StatusBadRequest)
		}
		return b, err
	default:
		return badge.Badge{}, authError(MsgInvalidRequest, http.StatusBadRequest)
	}
}

// Identify is Authenticate for endpoints that tolerate anonymous callers:
// authentication failures yield nil, other errors are returned.
func (v *Verifier) Identify(ctx context.Context, req Request) (*badge.Badge, error) {
	b, err := v.Authenticate(ctx, req)
	if err != nil {
		if IsAuthenticationError(err) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

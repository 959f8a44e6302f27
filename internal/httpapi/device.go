package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"conbadge.org/internal/audit"
	"conbadge.org/internal/auth"
	"conbadge.org/internal/badge"
	"conbadge.org/internal/obs"
)

func (in *inbound) authRequest(r *http.Request) auth.Request {
	return auth.Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Body:      in.raw,
		BadgeID:   strings.TrimSpace(r.Header.Get("X-Id")),
		Signature: strings.TrimSpace(r.Header.Get("X-Signature")),
		Session:   strings.TrimSpace(r.Header.Get(authHeader)),
	}
}

// authenticated reads the body and resolves the calling badge.
func (a *API) authenticated(w http.ResponseWriter, r *http.Request) (*inbound, badge.Badge, context.Context, bool) {
	in, err := readInbound(r)
	if err != nil {
		a.fail(w, r, err)
		return nil, badge.Badge{}, nil, false
	}
	b, ctx, ok := a.authenticate(w, r, in)
	return in, b, ctx, ok
}

func (a *API) authenticate(w http.ResponseWriter, r *http.Request, in *inbound) (badge.Badge, context.Context, bool) {
	b, err := a.verifier.Authenticate(r.Context(), in.authRequest(r))
	if err != nil {
		a.fail(w, r, err)
		return badge.Badge{}, nil, false
	}
	return b, auth.ContextWithBadge(r.Context(), b.ID), true
}

// Register creates a badge and returns its secret exactly once.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	in, err := readInbound(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	id, _ := in.str("id")
	mac, _ := in.str("mac")
	b, err := a.badges.Register(r.Context(), id, mac)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ctx := auth.ContextWithBadge(r.Context(), b.ID)
	_ = audit.LogEvent(ctx, audit.BadgeRegistered, map[string]any{"mac": b.MAC})
	respondOK(w, http.StatusOK, map[string]any{"secret": b.Secret})
}

// Auth issues an auth code to a signed request, or exchanges a presented
// code for a session.
func (a *API) Auth(w http.ResponseWriter, r *http.Request) {
	in, err := readInbound(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	b, err := a.verifier.Identify(r.Context(), in.authRequest(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if b != nil {
		ctx := auth.ContextWithBadge(r.Context(), b.ID)
		tok, err := a.sessions.IssueEphemeral(ctx, b.ID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		_ = audit.LogEvent(ctx, audit.CodeIssued, nil)
		respondOK(w, http.StatusOK, map[string]any{"token": tok.ID})
		return
	}
	if code, ok := in.str("auth"); ok {
		session, err := a.sessions.Promote(r.Context(), code)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		ctx := auth.ContextWithBadge(r.Context(), session.BadgeID)
		_ = audit.LogEvent(ctx, audit.SessionIssued, nil)
		respondOK(w, http.StatusOK, map[string]any{"token": session.ID})
		return
	}
	a.fail(w, r, &auth.AuthenticationError{Message: auth.MsgInvalidRequest, Status: http.StatusBadRequest})
}

func (a *API) Name(w http.ResponseWriter, r *http.Request) {
	in, err := readInbound(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	// a missing name is reported before the signature is checked
	name, ok := in.str("name")
	if !ok {
		a.fail(w, r, &APIError{Message: "No name sent!"})
		return
	}
	b, ctx, ok := a.authenticate(w, r, in)
	if !ok {
		return
	}
	if err := a.badges.Rename(ctx, b.ID, name); err != nil {
		a.fail(w, r, badgeError(err))
		return
	}
	_ = audit.LogEvent(ctx, audit.BadgeRenamed, map[string]any{"name": name})
	w.WriteHeader(http.StatusNoContent)
}

// Image returns the stored image, or replaces it when the body carries one.
func (a *API) Image(w http.ResponseWriter, r *http.Request) {
	in, b, ctx, ok := a.authenticated(w, r)
	if !ok {
		return
	}
	if !in.has("image") {
		image := make([]int, len(b.Image))
		for i, v := range b.Image {
			image[i] = int(v)
		}
		respondOK(w, http.StatusOK, map[string]any{"image": image})
		return
	}
	image, err := badge.ParseImage(in.fields["image"])
	if err != nil {
		a.fail(w, r, &APIError{Message: "Invalid image sent!"})
		return
	}
	if err := a.badges.SetImage(ctx, b.ID, image); err != nil {
		a.fail(w, r, badgeError(err))
		return
	}
	_ = audit.LogEvent(ctx, audit.BadgeImageSet, map[string]any{"bytes": len(image)})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ClearImage(w http.ResponseWriter, r *http.Request) {
	_, b, ctx, ok := a.authenticated(w, r)
	if !ok {
		return
	}
	if err := a.badges.ClearImage(ctx, b.ID); err != nil {
		a.fail(w, r, badgeError(err))
		return
	}
	_ = audit.LogEvent(ctx, audit.BadgeImageClear, nil)
	w.WriteHeader(http.StatusNoContent)
}

// OTAUpdate streams one tar holding every app newer than the versions the
// badge reports, or answers 204 when it is up to date.
func (a *API) OTAUpdate(w http.ResponseWriter, r *http.Request) {
	in, err := readInbound(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	b, err := a.verifier.Identify(r.Context(), in.authRequest(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if b == nil {
		obs.OTAUpdate("unknown_badge")
		a.fail(w, r, &auth.AuthenticationError{Message: auth.MsgUnknownBadge, Status: http.StatusNotFound})
		return
	}
	ctx := auth.ContextWithBadge(r.Context(), b.ID)

	bundles, err := a.apps.Updates(ctx, in.object("versions"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if len(bundles) == 0 {
		obs.OTAUpdate("up_to_date")
		obs.Debug("ota_no_updates", map[string]any{
			"request_id": RequestIDFromContext(ctx),
			"badge_id":   b.ID,
			"message":    "No updates available",
		})
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/force-download")
	w.Header().Set("Content-Disposition", "attachment; filename=update.tar")
	w.Header().Add("Vary", "Accept-Encoding")
	var out io.Writer = w
	var gz *gzip.Writer
	if acceptsGzip(r.Header.Get("Accept-Encoding")) {
		w.Header().Set("Content-Encoding", "gzip")
		gz = gzip.NewWriter(w)
		out = gz
	}
	w.WriteHeader(http.StatusOK)

	err = a.apps.WriteUpdate(out, bundles)
	if gz != nil {
		err = errors.Join(err, gz.Close())
	}
	if err != nil {
		// status is already sent
		obs.OTAUpdate("error")
		a.logError(r, err)
		return
	}
	obs.OTAUpdate("served")
	served := make(map[string]any, len(bundles))
	for _, bundle := range bundles {
		served[bundle.Name] = bundle.Version
	}
	_ = audit.LogEvent(ctx, audit.UpdateServed, map[string]any{"apps": served})
}

func acceptsGzip(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "gzip") {
			continue
		}
		params = strings.TrimSpace(params)
		if q, ok := strings.CutPrefix(params, "q="); ok {
			if v, err := strconv.ParseFloat(strings.TrimSpace(q), 64); err == nil && v == 0 {
				return false
			}
		}
		return true
	}
	return false
}

// badgeError turns a vanished badge into the device-facing message.
func badgeError(err error) error {
	if errors.Is(err, badge.ErrNotFound) {
		return &auth.AuthenticationError{Message: auth.MsgBadgeUnknown, Status: http.StatusBadRequest}
	}
	return err
}

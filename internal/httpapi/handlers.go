// Package httpapi serves the badge device API, the operator API and the
// operational endpoints over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/atomic"

	"conbadge.org/internal/apps"
	"conbadge.org/internal/auth"
	"conbadge.org/internal/badge"
	"conbadge.org/internal/obs"
)

const serviceName = "conbadge-api"

// Pinger is satisfied by the Postgres store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness: the process must be serving and the database,
// when there is one, reachable.
type ReadyProbe struct {
	DB      Pinger
	Serving *atomic.Bool
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Serving != nil && !rp.Serving.Load() {
		return errors.New("not serving")
	}
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

// Deps wires the API to its services.
type Deps struct {
	Badges   *badge.Registrar
	Sessions *auth.Manager
	Apps     *apps.Registry
	// Admin may be nil, which disables the operator endpoints.
	Admin *auth.AdminTokens
	Ready ReadyProbe

	Version        string
	MaxBodyBytes   int64
	MaxUploadBytes int64
	RateBurst      int
	RatePerSecond  int
	Clock          func() time.Time
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	badges     *badge.Registrar
	sessions   *auth.Manager
	verifier   *auth.Verifier
	apps       *apps.Registry
	admin      *auth.AdminTokens
	readyProbe ReadyProbe
	version    string
	now        func() time.Time

	maxBody    int64
	maxUpload  int64
	rateBurst  int
	ratePerSec int
}

func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		badges:     d.Badges,
		sessions:   d.Sessions,
		verifier:   auth.NewVerifier(d.Badges, d.Sessions),
		apps:       d.Apps,
		admin:      d.Admin,
		readyProbe: d.Ready,
		version:    d.Version,
		now:        d.Clock,
		maxBody:    d.MaxBodyBytes,
		maxUpload:  d.MaxUploadBytes,
		rateBurst:  d.RateBurst,
		ratePerSec: d.RatePerSecond,
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	if a.maxUpload <= 0 {
		a.maxUpload = 32 << 20
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}

	device := func(h http.HandlerFunc) http.Handler { return MaxBodyBytes(h, a.maxBody) }

	// badge endpoints
	a.mux.Handle("POST /register", device(a.Register))
	a.mux.Handle("GET /auth", device(a.Auth))
	a.mux.Handle("POST /auth", device(a.Auth))
	a.mux.Handle("POST /ota_update", device(a.OTAUpdate))
	a.mux.Handle("POST /name", device(a.Name))
	a.mux.Handle("GET /image", device(a.Image))
	a.mux.Handle("POST /image", device(a.Image))
	a.mux.Handle("GET /clear_image", device(a.ClearImage))
	a.mux.Handle("POST /clear_image", device(a.ClearImage))

	// operator endpoints
	a.mux.Handle("POST /admin/apps", a.requireAdmin(auth.RoleUploader, MaxBodyBytes(http.HandlerFunc(a.UploadApp), a.maxUpload)))
	a.mux.Handle("GET /admin/apps", a.requireAdmin(auth.RoleUploader, http.HandlerFunc(a.ListApps)))

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "Not found!")
	})

	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = XTime(h, a.now)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) logError(r *http.Request, err error) {
	obs.Error("request_failed", map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"method":     r.Method,
		"path":       r.URL.Path,
		"error":      err.Error(),
	})
}

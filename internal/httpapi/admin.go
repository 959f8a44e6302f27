package httpapi

import (
	"archive/tar"
	"errors"
	"io"
	"net/http"

	"conbadge.org/internal/apps"
	"conbadge.org/internal/archive"
	"conbadge.org/internal/audit"
)

// UploadApp accepts a multipart form with name, title and file (a tar) and
// publishes it as the next version of the app.
func (a *API) UploadApp(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		respondError(w, r, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	b, res, err := a.apps.Upload(r.Context(), r.FormValue("name"), r.FormValue("title"), file)
	switch {
	case err == nil:
	case errors.Is(err, apps.ErrInvalid):
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, apps.ErrConflict):
		respondError(w, r, http.StatusConflict, "app version already exists")
		return
	case errors.Is(err, archive.ErrTooLarge):
		respondError(w, r, http.StatusRequestEntityTooLarge, "archive too large")
		return
	case errors.Is(err, tar.ErrHeader), errors.Is(err, tar.ErrFieldTooLong), errors.Is(err, io.ErrUnexpectedEOF):
		respondError(w, r, http.StatusBadRequest, "invalid archive")
		return
	default:
		a.fail(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.AppUploaded, map[string]any{
		"app":      b.Name,
		"version":  b.Version,
		"accepted": res.Accepted,
		"rejected": res.Rejected,
	})
	respondOK(w, http.StatusCreated, map[string]any{
		"app":      b,
		"accepted": res.Accepted,
		"rejected": res.Rejected,
		"bytes":    res.Bytes,
	})
}

// ListApps returns the newest version of every app.
func (a *API) ListApps(w http.ResponseWriter, r *http.Request) {
	latest, err := a.apps.Latest(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if latest == nil {
		latest = []apps.Bundle{}
	}
	respondOK(w, http.StatusOK, map[string]any{"apps": latest})
}

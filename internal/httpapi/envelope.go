package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
)

// APIError is a malformed-request failure reported to the caller verbatim.
type APIError struct {
	Message string
	Status  int
}

func (e *APIError) Error() string { return e.Message }

func (e *APIError) StatusCode() int {
	if e.Status == 0 {
		return http.StatusBadRequest
	}
	return e.Status
}

// statusError is implemented by every error whose message is safe to return.
type statusError interface {
	error
	StatusCode() int
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// respondOK wraps payload in the success envelope.
func respondOK(w http.ResponseWriter, code int, payload any) {
	writeJSON(w, code, map[string]any{
		"success":  true,
		"response": payload,
	})
}

func respondError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeJSON(w, code, map[string]any{
		"success":    false,
		"response":   map[string]any{"message": message},
		"request_id": RequestIDFromContext(r.Context()),
	})
}

// fail maps err onto the error envelope. Errors without a status are logged
// and hidden behind a generic 500.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	var se statusError
	if errors.As(err, &se) {
		respondError(w, r, se.StatusCode(), se.Error())
		return
	}
	a.logError(r, err)
	respondError(w, r, http.StatusInternalServerError, "internal error")
}

// inbound is a request body read once, so the raw bytes stay available for
// signature checks while JSON fields are decoded for handlers.
type inbound struct {
	raw    []byte
	fields map[string]json.RawMessage
}

// readInbound parses a JSON object body for POST requests declared as
// application/json or text/json; any other request gets empty fields.
func readInbound(r *http.Request) (*inbound, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &APIError{Message: "Request body too large!", Status: http.StatusRequestEntityTooLarge}
		}
		return nil, &APIError{Message: "Could not read request body!"}
	}
	in := &inbound{raw: raw}
	if r.Method != http.MethodPost || len(bytes.TrimSpace(raw)) == 0 || !isJSONRequest(r) {
		return in, nil
	}
	if err := json.Unmarshal(raw, &in.fields); err != nil {
		return nil, &APIError{Message: err.Error()}
	}
	return in, nil
}

func isJSONRequest(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/json" || mediaType == "text/json"
}

func (in *inbound) has(key string) bool {
	raw, ok := in.fields[key]
	return ok && string(raw) != "null"
}

// str reads a scalar field as text; JSON numbers are kept in their literal form.
func (in *inbound) str(key string) (string, bool) {
	if !in.has(key) {
		return "", false
	}
	raw := in.fields[key]
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// object decodes an object field, keeping numbers as json.Number.
func (in *inbound) object(key string) map[string]any {
	if !in.has(key) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(in.fields[key]))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return out
}

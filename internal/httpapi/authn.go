package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"conbadge.org/internal/auth"
	"conbadge.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// requireAdmin admits requests carrying an operator token with role.
func (a *API) requireAdmin(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.admin == nil {
			respondError(w, r, http.StatusServiceUnavailable, "admin access is not configured")
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		claims, err := a.admin.ParseAndValidate(token)
		if err != nil {
			obs.AuthFailure("admin_token")
			unauthorized(w, r, "invalid token")
			return
		}
		if !claims.HasRole(role) {
			w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
			respondError(w, r, http.StatusForbidden, "missing role "+role)
			return
		}
		ctx := auth.ContextWithOperator(r.Context(), claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="conbadge"`)
	respondError(w, r, http.StatusUnauthorized, message)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type authContextKey string

const contextKeyAuth authContextKey = "fhirgate-auth"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid bearer token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the Authorization header and marks the context authenticated.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), false
	}
	if err := r.validator.Validate(req.Context(), token); err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), false
	}
	return context.WithValue(req.Context(), contextKeyAuth, true), true
}

// streamToken extracts a bearer credential from the Authorization header
// or, for EventSource clients that cannot set headers, the token query
// parameter.
func streamToken(req *http.Request) (string, error) {
	if header := strings.TrimSpace(req.Header.Get("Authorization")); header != "" {
		return bearerToken(header)
	}
	token := strings.TrimSpace(req.URL.Query().Get("token"))
	if token == "" {
		return "", errors.New("missing bearer credential")
	}
	return token, nil
}

// authenticatedFromContext reports whether the request passed auth.
func authenticatedFromContext(ctx context.Context) bool {
	ok, _ := ctx.Value(contextKeyAuth).(bool)
	return ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

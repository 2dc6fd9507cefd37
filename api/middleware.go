package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/murmur/session"
)

type contextKey int

const identityKey contextKey = iota

// RequireSession authenticates the session cookies and stores the
// resulting session.Identity on the request context.
func (a *API) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.auth.AuthenticateRequest(r)
		if err != nil {
			if errors.Is(err, session.ErrUnauthorized) {
				a.audit.logFailure(AuditAuthRejected, r, "session rejected",
					slog.String("path", r.URL.Path))
			}
			a.mapError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromContext returns the identity stored by RequireSession.
func IdentityFromContext(ctx context.Context) (session.Identity, bool) {
	id, ok := ctx.Value(identityKey).(session.Identity)
	return id, ok
}

// secureCookies reports whether session cookies get the Secure attribute.
// Outside dev mode they always do.
func (a *API) secureCookies(r *http.Request) bool {
	return !a.devMode || requestIsSecure(r)
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

package rest

import (
	"context"
	"net/http"
	"strings"

	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
	"github.com/meshline/ds-gateway/internal/handler/marshaller"
	"github.com/meshline/ds-gateway/internal/service"
)

type contextKey string

const (
	// sessionContextKey is the key used to store/retrieve the
	// authenticated session from context.
	sessionContextKey contextKey = "session"
)

// RequireSession creates a middleware for bearer-authenticated routes.
func RequireSession(sessions service.Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// [PRE_AUTH] Resolve the bearer token before the handler runs
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				token = ""
			}
			sess, err := sessions.Authenticate(r.Context(), token)
			if err != nil {
				marshaller.WriteError(w, wire.AsError(err))
				return
			}

			// [ENRICHMENT] Inject the session into the context for downstream handlers
			ctx := context.WithValue(r.Context(), sessionContextKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFrom is a helper to extract the session from context safely.
func SessionFrom(ctx context.Context) (model.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey).(model.Session)
	return sess, ok
}

// noStore keeps session and presence payloads out of shared caches.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

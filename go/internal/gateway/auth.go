package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/courtside/scoreboard/go/clients/auth_client"
)

type contextKey string

const identityContextKey contextKey = "identity"

// AnonymousIdentity is attached when no token is presented and the
// deployment allows anonymous spectators.
var AnonymousIdentity = auth_client.Identity{UserID: "anonymous", Role: auth_client.RoleViewer}

// AuthMiddleware resolves bearer tokens through the auth collaborator
// and attaches the identity to the request context.
type AuthMiddleware struct {
	resolver       auth_client.Resolver
	allowAnonymous bool
}

// NewAuthMiddleware creates the middleware. allowAnonymous admits
// requests without a token as read-only viewers.
func NewAuthMiddleware(resolver auth_client.Resolver, allowAnonymous bool) *AuthMiddleware {
	return &AuthMiddleware{resolver: resolver, allowAnonymous: allowAnonymous}
}

// Middleware resolves the caller's identity. Requests with a bad token
// are rejected; requests with no token pass as anonymous viewers when
// the deployment policy allows it.
func (m *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.Resolve(r)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
	})
}

// Resolve extracts and resolves the identity from a request without
// touching the response. Used by the websocket handler, which cannot
// reply with JSON once upgraded.
func (m *AuthMiddleware) Resolve(r *http.Request) (auth_client.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		if m.allowAnonymous {
			return AnonymousIdentity, nil
		}
		return auth_client.Identity{}, errMissingToken
	}
	if m.resolver == nil {
		// No auth collaborator configured: tokens cannot be verified, so
		// a presented token grants nothing beyond spectator access.
		if m.allowAnonymous {
			return AnonymousIdentity, nil
		}
		return auth_client.Identity{}, errBadToken
	}
	identity, err := m.resolver.ResolveIdentity(r.Context(), token)
	if err != nil {
		log.Warn().Err(err).Msg("identity resolution failed")
		return auth_client.Identity{}, errBadToken
	}
	return identity, nil
}

// RequireControl gates mutating endpoints on the Control or Admin role.
func RequireControl(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || !identity.CanControl() {
			writeJSONError(w, http.StatusForbidden, "control or admin role required")
			return
		}
		next(w, r)
	}
}

// RequireAdmin gates administrative endpoints on the Admin role.
func RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || identity.Role != auth_client.RoleAdmin {
			writeJSONError(w, http.StatusForbidden, "admin role required")
			return
		}
		next(w, r)
	}
}

func withIdentity(ctx context.Context, identity auth_client.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext returns the identity attached by the middleware.
func IdentityFromContext(ctx context.Context) (auth_client.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(auth_client.Identity)
	return identity, ok
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// Websocket clients cannot set headers from browsers; accept a query
	// fallback for the upgrade request.
	return r.URL.Query().Get("token")
}

type authError string

func (e authError) Error() string { return string(e) }

const (
	errMissingToken authError = "missing bearer token"
	errBadToken     authError = "invalid bearer token"
)

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"veriscan.app/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/guest",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// withAuth resolves the bearer token into a subject and stores it on the
// context. A missing or unreadable token is not a rejection here: handlers
// decide whether the request needs an identity, and in unverified mode some
// accept an explicit userId instead. An invalid signature, however, is
// always a rejection once verification is on.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.resolver == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		sub, err := a.resolver.Resolve(token)
		if err != nil {
			switch {
			case errors.Is(err, identity.ErrInvalidToken):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}
		if sub == nil {
			// Unverified mode could not read the token; the handler may
			// still accept an explicit identifier.
			next.ServeHTTP(w, r)
			return
		}

		ctx := identity.ContextWithSubject(r.Context(), sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// subjectFor returns the caller's identity for ledger and scan operations.
// The bearer subject wins; the userId query parameter is honored only while
// the resolver trusts upstream verification.
func (a *API) subjectFor(r *http.Request) (*identity.Subject, bool) {
	if sub, ok := identity.SubjectFromContext(r.Context()); ok {
		return sub, true
	}
	if a.resolver != nil && a.resolver.Verifying() {
		return nil, false
	}
	if id := strings.TrimSpace(r.URL.Query().Get("userId")); id != "" {
		return &identity.Subject{ID: id, Guest: identity.IsGuestHandle(id)}, true
	}
	return nil, false
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

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

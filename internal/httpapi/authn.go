package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"idgate.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/register",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.directory == nil {
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
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		account, err := a.directory.AuthenticateToken(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, identity.ErrInvalidToken):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		keys, err := a.directory.EffectivePermissions(r.Context(), account.ID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		perms := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			perms[k] = struct{}{}
		}

		ctx := identity.ContextWithPrincipal(r.Context(), identity.Principal{
			Account:     account,
			Permissions: perms,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensurePermission writes a 401/403 and returns false when the caller
// lacks the permission.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, perm string) bool {
	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !principal.HasPermission(perm) {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return false
	}
	return true
}

// ensureSelfOrPermission allows an account to address itself even
// without the directory-wide permission.
func (a *API) ensureSelfOrPermission(w http.ResponseWriter, r *http.Request, accountID, perm string) bool {
	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if principal.Account.ID == accountID {
		return true
	}
	if !principal.HasPermission(perm) {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return false
	}
	return true
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

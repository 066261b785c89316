package identity

import (
	"context"
	"strings"
)

// Principal is an authenticated account with its aggregated
// permission set resolved.
type Principal struct {
	Account     Account
	Permissions map[string]struct{}
}

// HasPermission reports whether the principal holds the given
// resource.code key. Superusers implicitly hold every permission.
func (p Principal) HasPermission(key string) bool {
	if p.Account.IsSuperuser {
		return true
	}
	_, ok := p.Permissions[key]
	return ok
}

// Principal loads an account and resolves its effective permissions.
func (s *Service) Principal(ctx context.Context, accountID string) (Principal, error) {
	account, err := s.store.FindAccount(ctx, accountID)
	if err != nil {
		return Principal{}, err
	}
	keys, err := s.store.EffectivePermissions(ctx, accountID)
	if err != nil {
		return Principal{}, err
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return Principal{Account: account, Permissions: set}, nil
}

type ctxKey string

const principalKey ctxKey = "identity_principal"

// ContextWithPrincipal stores the authenticated principal in the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// ActorIDFromContext returns the authenticated account id from context.
func ActorIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || strings.TrimSpace(p.Account.ID) == "" {
		return "", false
	}
	return p.Account.ID, true
}

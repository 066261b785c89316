package identity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"idgate.org/internal/identity"
	"idgate.org/internal/store/memory"
)

func newTestService(t *testing.T) (*identity.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	issuer, err := identity.NewTokenIssuer("service-test-secret")
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	svc, err := identity.NewService(store, issuer)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	return svc, store
}

func seedAccount(t *testing.T, store *memory.Store, username, email, phone, password string) identity.Account {
	t.Helper()
	hash, err := identity.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	acc := identity.Account{
		ID:           "acc-" + username,
		Username:     username,
		Email:        email,
		Phone:        phone,
		PasswordHash: hash,
		IsActive:     true,
		DateJoined:   time.Now().UTC(),
	}
	if err := store.CreateAccount(context.Background(), &acc); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return acc
}

func TestAuthenticateResolvesAnyIdentifier(t *testing.T) {
	svc, store := newTestService(t)
	seedAccount(t, store, "thiri", "thiri@example.com", "+959123450001", "hunter2hunter2")

	for _, login := range []string{
		"thiri",
		"THIRI",
		"thiri@example.com",
		"Thiri@Example.COM",
		"+959123450001",
	} {
		result, err := svc.Authenticate(context.Background(), login, "hunter2hunter2")
		if err != nil {
			t.Fatalf("Authenticate(%q): %v", login, err)
		}
		if result.Account.Username != "thiri" {
			t.Fatalf("Authenticate(%q): resolved wrong account %q", login, result.Account.Username)
		}
		if result.Tokens.Access == "" || result.Tokens.Refresh == "" {
			t.Fatalf("Authenticate(%q): missing tokens", login)
		}
		if result.Account.LastLogin == nil {
			t.Fatalf("Authenticate(%q): last login not recorded", login)
		}
	}
}

func TestAuthenticateFailures(t *testing.T) {
	svc, store := newTestService(t)
	acc := seedAccount(t, store, "thiri", "thiri@example.com", "+959123450001", "hunter2hunter2")

	if _, err := svc.Authenticate(context.Background(), "thiri", "wrong"); !errors.Is(err, identity.ErrAuthenticationFailed) {
		t.Fatalf("wrong password: expected ErrAuthenticationFailed, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "nobody", "hunter2hunter2"); !errors.Is(err, identity.ErrAuthenticationFailed) {
		t.Fatalf("unknown login: expected ErrAuthenticationFailed, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "", ""); !errors.Is(err, identity.ErrAuthenticationFailed) {
		t.Fatalf("blank credentials: expected ErrAuthenticationFailed, got %v", err)
	}

	off := false
	if _, err := store.UpdateAccount(context.Background(), acc.ID, identity.AccountUpdate{IsActive: &off}); err != nil {
		t.Fatalf("disable account: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "thiri", "hunter2hunter2"); !errors.Is(err, identity.ErrAccountDisabled) {
		t.Fatalf("disabled account: expected ErrAccountDisabled, got %v", err)
	}
}

func TestLastLoginAdvances(t *testing.T) {
	svc, store := newTestService(t)
	seedAccount(t, store, "thiri", "thiri@example.com", "+959123450001", "hunter2hunter2")

	first, err := svc.Authenticate(context.Background(), "thiri", "hunter2hunter2")
	if err != nil {
		t.Fatalf("first Authenticate: %v", err)
	}
	second, err := svc.Authenticate(context.Background(), "thiri", "hunter2hunter2")
	if err != nil {
		t.Fatalf("second Authenticate: %v", err)
	}
	if second.Account.LastLogin.Before(*first.Account.LastLogin) {
		t.Fatalf("last login went backwards: %v then %v", first.Account.LastLogin, second.Account.LastLogin)
	}
}

func TestRefreshRequiresLivingAccount(t *testing.T) {
	svc, store := newTestService(t)
	acc := seedAccount(t, store, "thiri", "thiri@example.com", "+959123450001", "hunter2hunter2")

	result, err := svc.Authenticate(context.Background(), "thiri", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	access, _, err := svc.Refresh(context.Background(), result.Tokens.Refresh)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if access == "" {
		t.Fatal("expected new access token")
	}

	if err := store.DeleteAccount(context.Background(), acc.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, _, err := svc.Refresh(context.Background(), result.Tokens.Refresh); !errors.Is(err, identity.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after account removal, got %v", err)
	}
}

func TestRegisterRejectsMismatchedPasswords(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Register(context.Background(), identity.RegisterInput{
		Username:        "newbie",
		Email:           "newbie@example.com",
		Phone:           "+959123450009",
		Password:        "password-one",
		ConfirmPassword: "password-two",
	})
	var verr *identity.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Fields["confirm_password"] == "" {
		t.Fatalf("expected confirm_password detail, got %v", verr.Fields)
	}
	if !errors.Is(err, identity.ErrInvalidInput) {
		t.Fatalf("ValidationError should match ErrInvalidInput")
	}

	// The account must not exist after the failed registration.
	if _, err := svc.Authenticate(context.Background(), "newbie", "password-one"); !errors.Is(err, identity.ErrAuthenticationFailed) {
		t.Fatalf("expected no account, got %v", err)
	}
}

func TestRegisterConflictsAreCaseInsensitive(t *testing.T) {
	svc, store := newTestService(t)
	seedAccount(t, store, "thiri", "thiri@example.com", "+959123450001", "hunter2hunter2")

	_, err := svc.Register(context.Background(), identity.RegisterInput{
		Username:        "different",
		Email:           "THIRI@example.com",
		Phone:           "+959123450002",
		Password:        "fresh-password",
		ConfirmPassword: "fresh-password",
	})
	if !errors.Is(err, identity.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate email, got %v", err)
	}
}

func TestCreateAccountAttachesMemberships(t *testing.T) {
	svc, _ := newTestService(t)
	group, err := svc.CreateGroup(context.Background(), "operators", nil)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	active := false
	acc, err := svc.CreateAccount(context.Background(), identity.CreateAccountInput{
		RegisterInput: identity.RegisterInput{
			Username:        "provisioned",
			Email:           "Provisioned@Example.com",
			Phone:           "+959123450009",
			Password:        "prov-pass",
			ConfirmPassword: "prov-pass",
		},
		IsActive: &active,
		IsStaff:  true,
		Groups:   []string{group.ID},
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if acc.Email != "provisioned@example.com" {
		t.Fatalf("expected lower-cased email, got %q", acc.Email)
	}
	if acc.IsActive || !acc.IsStaff {
		t.Fatalf("unexpected flags: %+v", acc)
	}

	groups, err := svc.AccountGroups(context.Background(), acc.ID)
	if err != nil {
		t.Fatalf("AccountGroups: %v", err)
	}
	if len(groups) != 1 || groups[0].ID != group.ID {
		t.Fatalf("unexpected memberships: %+v", groups)
	}
}

func TestCreateAccountUnknownGroupLeavesNoAccount(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateAccount(context.Background(), identity.CreateAccountInput{
		RegisterInput: identity.RegisterInput{
			Username:        "provisioned",
			Email:           "provisioned@example.com",
			Phone:           "+959123450009",
			Password:        "prov-pass",
			ConfirmPassword: "prov-pass",
		},
		Groups: []string{"grp-missing"},
	})
	if !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown group, got %v", err)
	}

	if _, err := svc.Authenticate(context.Background(), "provisioned", "prov-pass"); !errors.Is(err, identity.ErrAuthenticationFailed) {
		t.Fatalf("expected no account left behind, got %v", err)
	}
}

func TestEffectivePermissionsUnionDedupes(t *testing.T) {
	svc, store := newTestService(t)
	acc := seedAccount(t, store, "thiri", "thiri@example.com", "+959123450001", "hunter2hunter2")

	perms, err := svc.ListPermissions(context.Background())
	if err != nil {
		t.Fatalf("ListPermissions: %v", err)
	}
	byKey := map[string]string{}
	for _, p := range perms {
		byKey[p.Key()] = p.ID
	}
	viewID := byKey[identity.PermViewDirectory]
	manageID := byKey[identity.PermManageGroups]

	group, err := svc.CreateGroup(context.Background(), "viewers", []string{viewID, manageID})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	groups := []string{group.ID}
	direct := []string{viewID}
	if _, err := svc.UpdateAccount(context.Background(), acc.ID, identity.AccountUpdate{
		Groups:            &groups,
		DirectPermissions: &direct,
	}); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}

	keys, err := svc.EffectivePermissions(context.Background(), acc.ID)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected deduplicated union of 2, got %v", keys)
	}
	seen := map[string]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	if !seen[identity.PermViewDirectory] || !seen[identity.PermManageGroups] {
		t.Fatalf("unexpected keys: %v", keys)
	}

	// Removing the group removes only the group-inherited permission.
	if err := svc.DeleteGroup(context.Background(), group.ID); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
	keys, err = svc.EffectivePermissions(context.Background(), acc.ID)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if len(keys) != 1 || keys[0] != identity.PermViewDirectory {
		t.Fatalf("expected only the direct grant, got %v", keys)
	}
}

func TestListAccountsValidation(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.ListAccounts(context.Background(), identity.AccountFilter{Status: "dormant"}); !errors.Is(err, identity.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad status, got %v", err)
	}
	if _, err := svc.ListAccounts(context.Background(), identity.AccountFilter{Role: "owner"}); !errors.Is(err, identity.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad role, got %v", err)
	}
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, -1)
	if _, err := svc.ListAccounts(context.Background(), identity.AccountFilter{StartDate: &start, EndDate: &end}); !errors.Is(err, identity.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for inverted range, got %v", err)
	}
}

func TestRoleAndStatusLabels(t *testing.T) {
	cases := []struct {
		acc    identity.Account
		role   string
		status string
	}{
		{identity.Account{IsSuperuser: true, IsStaff: true, IsActive: true}, "Admin", "Active"},
		{identity.Account{IsStaff: true, IsActive: true}, "Staff", "Active"},
		{identity.Account{IsActive: true}, "User", "Active"},
		{identity.Account{}, "User", "Inactive"},
	}
	for _, tc := range cases {
		if got := identity.RoleLabel(tc.acc); got != tc.role {
			t.Errorf("RoleLabel(%+v) = %q, want %q", tc.acc, got, tc.role)
		}
		if got := identity.StatusLabel(tc.acc); got != tc.status {
			t.Errorf("StatusLabel(%+v) = %q, want %q", tc.acc, got, tc.status)
		}
	}
}

func TestSnapshotRendersDisplayTimes(t *testing.T) {
	store := memory.New()
	issuer, err := identity.NewTokenIssuer("service-test-secret")
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	svc, err := identity.NewService(store, issuer, identity.WithDisplayZone(time.UTC))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	joined := time.Date(2025, 6, 26, 16, 15, 30, 0, time.UTC)
	snap := svc.Snapshot(identity.Account{
		ID:         "acc-1",
		Username:   "thiri",
		DateJoined: joined,
	})
	if snap.DateJoined != "2025-06-26 04:15:30 PM" {
		t.Fatalf("unexpected date_joined rendering: %q", snap.DateJoined)
	}
	if snap.LastLogin != "" {
		t.Fatalf("expected empty last_login, got %q", snap.LastLogin)
	}
}

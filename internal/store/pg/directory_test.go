package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"idgate.org/internal/identity"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func accountRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "username", "email", "phone", "password_hash",
		"is_active", "is_staff", "is_superuser", "date_joined", "last_login",
	})
}

func TestFindAccountByLoginSingleQuery(t *testing.T) {
	store, mock := newMockStore(t)
	joined := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)select .* from accounts\s+where lower\(username\) = lower\(\$1\)\s+or lower\(email\) = lower\(\$1\)\s+or lower\(phone\) = lower\(\$1\)`).
		WithArgs("Thiri@Example.COM").
		WillReturnRows(accountRows().AddRow(
			"acc-1", "thiri", "thiri@example.com", "+959123450001", "hash",
			true, false, false, joined, nil,
		))

	acc, err := store.FindAccountByLogin(context.Background(), "Thiri@Example.COM")
	if err != nil {
		t.Fatalf("FindAccountByLogin: %v", err)
	}
	if acc.ID != "acc-1" || acc.LastLogin != nil {
		t.Fatalf("unexpected account: %+v", acc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindAccountByLoginNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`(?s)select .* from accounts`).
		WithArgs("ghost").
		WillReturnRows(accountRows())

	if _, err := store.FindAccountByLogin(context.Background(), "ghost"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateAccountMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`insert into accounts`).
		WithArgs("acc-1", "thiri", "thiri@example.com", "+959123450001", "hash",
			true, false, false, sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{
			Code:           "23505",
			ConstraintName: "accounts_email_lower_idx",
		})

	err := store.CreateAccount(context.Background(), &identity.Account{
		ID:           "acc-1",
		Username:     "thiri",
		Email:        "thiri@example.com",
		Phone:        "+959123450001",
		PasswordHash: "hash",
		IsActive:     true,
		DateJoined:   time.Now().UTC(),
	})
	if !errors.Is(err, identity.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err == nil || !errors.Is(err, identity.ErrConflict) || err.Error() != "identity: already exists: email already in use" {
		t.Fatalf("expected field-specific conflict, got %v", err)
	}
}

func TestRecordLoginUnknownAccount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`update accounts set last_login = \$2 where id = \$1`).
		WithArgs("ghost", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.RecordLogin(context.Background(), "ghost", time.Now().UTC()); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEffectivePermissionsSingleUnionQuery(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`(?s)select distinct p\.resource \|\| '\.' \|\| p\.code\s+from permissions p\s+where p\.id in \(\s*select permission_id from account_permissions where account_id = \$1\s+union`).
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).
			AddRow("directory.group.manage").
			AddRow("directory.view"))

	keys, err := store.EffectivePermissions(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if len(keys) != 2 || keys[0] != "directory.group.manage" || keys[1] != "directory.view" {
		t.Fatalf("unexpected keys: %v", keys)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateAccountReplacesSetsInOneTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	joined := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`update accounts set is_staff = \$1 where id = \$2`).
		WithArgs(true, "acc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`delete from account_groups where account_id = \$1`).
		WithArgs("acc-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`insert into account_groups \(account_id, group_id\) values \(\$1, \$2\)`).
		WithArgs("acc-1", "grp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`select .* from accounts where id = \$1`).
		WithArgs("acc-1").
		WillReturnRows(accountRows().AddRow(
			"acc-1", "thiri", "thiri@example.com", "+959123450001", "hash",
			true, true, false, joined, nil,
		))
	mock.ExpectCommit()

	staff := true
	groups := []string{"grp-1"}
	acc, err := store.UpdateAccount(context.Background(), "acc-1", identity.AccountUpdate{
		IsStaff: &staff,
		Groups:  &groups,
	})
	if err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if !acc.IsStaff {
		t.Fatalf("expected staff flag applied: %+v", acc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateAccountNoRowsIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`update accounts set username = \$1 where id = \$2`).
		WithArgs("ghost-name", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	name := "ghost-name"
	if _, err := store.UpdateAccount(context.Background(), "ghost", identity.AccountUpdate{Username: &name}); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListAccountsBuildsFilteredQuery(t *testing.T) {
	store, mock := newMockStore(t)
	joined := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`select .*count\(\*\) over\(\) as total from accounts where \(username ilike \$1 or email ilike \$1 or phone ilike \$1\) and is_staff = true and is_superuser = false order by date_joined, username limit \$2 offset \$3`).
		WithArgs("%thiri%", 25, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "username", "email", "phone", "password_hash",
			"is_active", "is_staff", "is_superuser", "date_joined", "last_login", "total",
		}).AddRow("acc-1", "thiri", "thiri@example.com", "+959123450001", "hash",
			true, true, false, joined, nil, 1))

	page, err := store.ListAccounts(context.Background(), identity.AccountFilter{
		Search:   "thiri",
		Role:     "staff",
		Page:     1,
		PageSize: 25,
	})
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].Username != "thiri" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateGroupRollsBackOnBadPermission(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`insert into groups \(id, name\) values \(\$1, \$2\)`).
		WithArgs("grp-1", "ops").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into group_permissions \(group_id, permission_id\) values \(\$1, \$2\)`).
		WithArgs("grp-1", "missing").
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "group_permissions_permission_id_fkey"})
	mock.ExpectRollback()

	group := identity.Group{ID: "grp-1", Name: "ops"}
	if err := store.CreateGroup(context.Background(), &group, []string{"missing"}); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing permission, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnsurePermissionsUpserts(t *testing.T) {
	store, mock := newMockStore(t)

	for _, p := range identity.BuiltinPermissions {
		mock.ExpectExec(`(?s)insert into permissions .*on conflict \(resource, code\) do nothing`).
			WithArgs(p.Resource+":"+p.Code, p.Code, p.Name, p.Resource).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	if err := store.EnsurePermissions(context.Background(), identity.BuiltinPermissions); err != nil {
		t.Fatalf("EnsurePermissions: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

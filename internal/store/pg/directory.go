package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"idgate.org/internal/identity"
)

var _ identity.DirectoryStore = (*Store)(nil)

const accountColumns = `id, username, email, phone, password_hash, is_active, is_staff, is_superuser, date_joined, last_login`

func scanAccount(row interface{ Scan(...any) error }) (identity.Account, error) {
	var (
		a         identity.Account
		lastLogin sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.Phone, &a.PasswordHash,
		&a.IsActive, &a.IsStaff, &a.IsSuperuser, &a.DateJoined, &lastLogin)
	if err != nil {
		return identity.Account{}, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		a.LastLogin = &t
	}
	return a, nil
}

// conflictField maps a unique-constraint name to the offending field so
// callers can report a precise Conflict.
func conflictField(constraint string) string {
	switch {
	case strings.Contains(constraint, "username"):
		return "username"
	case strings.Contains(constraint, "email"):
		return "email"
	case strings.Contains(constraint, "phone"):
		return "phone"
	case strings.Contains(constraint, "name"):
		return "name"
	default:
		return ""
	}
}

func mapUniqueViolation(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			if field := conflictField(pgErr.ConstraintName); field != "" {
				return fmt.Errorf("%w: %s already in use", identity.ErrConflict, field)
			}
			return identity.ErrConflict
		case pgErrForeignKeyViolation:
			return identity.ErrNotFound
		}
	}
	return err
}

func (s *Store) CreateAccount(ctx context.Context, a *identity.Account) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into accounts (id, username, email, phone, password_hash, is_active, is_staff, is_superuser, date_joined)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.Username, a.Email, a.Phone, a.PasswordHash, a.IsActive, a.IsStaff, a.IsSuperuser, a.DateJoined)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return nil
}

func (s *Store) FindAccount(ctx context.Context, id string) (identity.Account, error) {
	if s.db == nil {
		return identity.Account{}, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Account{}, identity.ErrNotFound
	}
	return a, err
}

// FindAccountByLogin resolves a login string against the three unique
// login columns in one query; the lower() expression indexes turn each
// predicate into a key lookup.
func (s *Store) FindAccountByLogin(ctx context.Context, login string) (identity.Account, error) {
	if s.db == nil {
		return identity.Account{}, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+accountColumns+`
		from accounts
		where lower(username) = lower($1)
		   or lower(email) = lower($1)
		   or lower(phone) = lower($1)
	`, login)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Account{}, identity.ErrNotFound
	}
	return a, err
}

func (s *Store) ListAccounts(ctx context.Context, f identity.AccountFilter) (identity.Page[identity.Account], error) {
	if s.db == nil {
		return identity.Page[identity.Account]{}, errors.New("database connection unavailable")
	}

	var (
		where []string
		args  []any
		idx   = 1
	)
	appendClause := func(clause string, value any) {
		where = append(where, fmt.Sprintf(clause, idx))
		args = append(args, value)
		idx++
	}

	if f.Search != "" {
		pattern := "%" + escapeLike(f.Search) + "%"
		where = append(where, fmt.Sprintf(
			"(username ilike $%d or email ilike $%d or phone ilike $%d)", idx, idx, idx))
		args = append(args, pattern)
		idx++
	}
	if f.IsActive != nil {
		appendClause("is_active = $%d", *f.IsActive)
	}
	if f.IsStaff != nil {
		appendClause("is_staff = $%d", *f.IsStaff)
	}
	if f.IsSuperuser != nil {
		appendClause("is_superuser = $%d", *f.IsSuperuser)
	}
	switch f.Status {
	case "active":
		where = append(where, "is_active = true")
	case "inactive":
		where = append(where, "is_active = false")
	}
	switch f.Role {
	case "admin":
		where = append(where, "is_superuser = true")
	case "staff":
		where = append(where, "is_staff = true and is_superuser = false")
	case "user":
		where = append(where, "is_staff = false and is_superuser = false")
	}
	if f.StartDate != nil {
		appendClause("date_joined >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		// Inclusive upper bound on the calendar day.
		appendClause("date_joined < $%d", f.EndDate.AddDate(0, 0, 1))
	}

	query := `select ` + accountColumns + `, count(*) over() as total from accounts`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += fmt.Sprintf(" order by date_joined, username limit $%d offset $%d", idx, idx+1)
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return identity.Page[identity.Account]{}, err
	}
	defer rows.Close()

	var page identity.Page[identity.Account]
	for rows.Next() {
		var (
			a         identity.Account
			lastLogin sql.NullTime
			total     int
		)
		if err := rows.Scan(&a.ID, &a.Username, &a.Email, &a.Phone, &a.PasswordHash,
			&a.IsActive, &a.IsStaff, &a.IsSuperuser, &a.DateJoined, &lastLogin, &total); err != nil {
			return identity.Page[identity.Account]{}, err
		}
		if lastLogin.Valid {
			t := lastLogin.Time
			a.LastLogin = &t
		}
		page.Items = append(page.Items, a)
		page.Total = total
	}
	if err := rows.Err(); err != nil {
		return identity.Page[identity.Account]{}, err
	}
	if page.Items == nil && f.Page > 1 {
		// Past the last page; recover the total for the caller.
		if err := s.db.QueryRowContext(ctx, countQuery(where), args[:len(args)-2]...).Scan(&page.Total); err != nil {
			return identity.Page[identity.Account]{}, err
		}
	}
	return page, nil
}

func countQuery(where []string) string {
	q := `select count(*) from accounts`
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	return q
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func (s *Store) UpdateAccount(ctx context.Context, id string, upd identity.AccountUpdate) (identity.Account, error) {
	if s.db == nil {
		return identity.Account{}, errors.New("database connection unavailable")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return identity.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		sets []string
		args []any
		idx  = 1
	)
	set := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if upd.Username != nil {
		set("username", *upd.Username)
	}
	if upd.Email != nil {
		set("email", *upd.Email)
	}
	if upd.Phone != nil {
		set("phone", *upd.Phone)
	}
	if upd.Password != nil {
		set("password_hash", *upd.Password)
	}
	if upd.IsActive != nil {
		set("is_active", *upd.IsActive)
	}
	if upd.IsStaff != nil {
		set("is_staff", *upd.IsStaff)
	}
	if upd.IsSuperuser != nil {
		set("is_superuser", *upd.IsSuperuser)
	}

	if len(sets) > 0 {
		query := fmt.Sprintf(`update accounts set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return identity.Account{}, mapUniqueViolation(err)
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return identity.Account{}, err
		}
		if aff == 0 {
			return identity.Account{}, identity.ErrNotFound
		}
	}

	if upd.Groups != nil {
		if err := replaceSet(ctx, tx, "account_groups", "account_id", "group_id", id, *upd.Groups); err != nil {
			return identity.Account{}, err
		}
	}
	if upd.DirectPermissions != nil {
		if err := replaceSet(ctx, tx, "account_permissions", "account_id", "permission_id", id, *upd.DirectPermissions); err != nil {
			return identity.Account{}, err
		}
	}

	row := tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Account{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return identity.Account{}, err
	}
	return account, nil
}

// replaceSet swaps the full m2m set for one owner inside the caller's
// transaction so a partial replacement is never observable.
func replaceSet(ctx context.Context, tx *sql.Tx, table, ownerCol, memberCol, ownerID string, memberIDs []string) error {
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where %s = $1`, table, ownerCol), ownerID); err != nil {
		return err
	}
	for _, memberID := range memberIDs {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`insert into %s (%s, %s) values ($1, $2)`, table, ownerCol, memberCol),
			ownerID, memberID); err != nil {
			return mapUniqueViolation(err)
		}
	}
	return nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `delete from accounts where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *Store) RecordLogin(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `update accounts set last_login = $2 where id = $1`, id, at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *Store) AccountGroups(ctx context.Context, accountID string) ([]identity.Group, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select g.id, g.name
		from groups g
		join account_groups ag on ag.group_id = g.id
		where ag.account_id = $1
		order by g.name
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []identity.Group
	for rows.Next() {
		var g identity.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *Store) AccountDirectPermissions(ctx context.Context, accountID string) ([]identity.Permission, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.code, p.name, p.resource
		from permissions p
		join account_permissions ap on ap.permission_id = p.id
		where ap.account_id = $1
		order by p.resource, p.code
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// EffectivePermissions unions the direct and group-inherited relational
// paths in one statement, avoiding an application-side merge that could
// observe the two paths at different instants.
func (s *Store) EffectivePermissions(ctx context.Context, accountID string) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.resource || '.' || p.code
		from permissions p
		where p.id in (
			select permission_id from account_permissions where account_id = $1
			union
			select gp.permission_id
			from group_permissions gp
			join account_groups ag on ag.group_id = gp.group_id
			where ag.account_id = $1
		)
		order by 1
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) CreateGroup(ctx context.Context, g *identity.Group, permissionIDs []string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `insert into groups (id, name) values ($1, $2)`, g.ID, g.Name); err != nil {
		return mapUniqueViolation(err)
	}
	for _, pid := range permissionIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into group_permissions (group_id, permission_id) values ($1, $2)
		`, g.ID, pid); err != nil {
			return mapUniqueViolation(err)
		}
	}
	return tx.Commit()
}

func (s *Store) FindGroup(ctx context.Context, id string) (identity.Group, error) {
	if s.db == nil {
		return identity.Group{}, errors.New("database connection unavailable")
	}
	var g identity.Group
	err := s.db.QueryRowContext(ctx, `select id, name from groups where id = $1`, id).Scan(&g.ID, &g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Group{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Group{}, err
	}
	perms, err := s.groupPermissions(ctx, id)
	if err != nil {
		return identity.Group{}, err
	}
	g.Permissions = perms
	return g, nil
}

func (s *Store) groupPermissions(ctx context.Context, groupID string) ([]identity.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.code, p.name, p.resource
		from permissions p
		join group_permissions gp on gp.permission_id = p.id
		where gp.group_id = $1
		order by p.resource, p.code
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func (s *Store) ListGroups(ctx context.Context, f identity.GroupFilter) (identity.Page[identity.Group], error) {
	if s.db == nil {
		return identity.Page[identity.Group]{}, errors.New("database connection unavailable")
	}

	var (
		where []string
		args  []any
		idx   = 1
	)
	if f.Search != "" {
		where = append(where, fmt.Sprintf("name ilike $%d", idx))
		args = append(args, "%"+escapeLike(f.Search)+"%")
		idx++
	}
	if len(f.PermissionIDs) > 0 {
		placeholders := make([]string, len(f.PermissionIDs))
		for i, pid := range f.PermissionIDs {
			placeholders[i] = fmt.Sprintf("$%d", idx)
			args = append(args, pid)
			idx++
		}
		where = append(where, fmt.Sprintf(
			"exists (select 1 from group_permissions gp where gp.group_id = groups.id and gp.permission_id in (%s))",
			strings.Join(placeholders, ", ")))
	}

	query := `select id, name, count(*) over() as total from groups`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += fmt.Sprintf(" order by name limit $%d offset $%d", idx, idx+1)
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return identity.Page[identity.Group]{}, err
	}
	defer rows.Close()

	var page identity.Page[identity.Group]
	for rows.Next() {
		var (
			g     identity.Group
			total int
		)
		if err := rows.Scan(&g.ID, &g.Name, &total); err != nil {
			return identity.Page[identity.Group]{}, err
		}
		page.Items = append(page.Items, g)
		page.Total = total
	}
	if err := rows.Err(); err != nil {
		return identity.Page[identity.Group]{}, err
	}
	for i := range page.Items {
		perms, err := s.groupPermissions(ctx, page.Items[i].ID)
		if err != nil {
			return identity.Page[identity.Group]{}, err
		}
		page.Items[i].Permissions = perms
	}
	return page, nil
}

func (s *Store) UpdateGroup(ctx context.Context, id string, upd identity.GroupUpdate) (identity.Group, error) {
	if s.db == nil {
		return identity.Group{}, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return identity.Group{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if upd.Name != nil {
		res, err := tx.ExecContext(ctx, `update groups set name = $2 where id = $1`, id, *upd.Name)
		if err != nil {
			return identity.Group{}, mapUniqueViolation(err)
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return identity.Group{}, err
		}
		if aff == 0 {
			return identity.Group{}, identity.ErrNotFound
		}
	} else {
		var exists int
		if err := tx.QueryRowContext(ctx, `select 1 from groups where id = $1`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return identity.Group{}, identity.ErrNotFound
			}
			return identity.Group{}, err
		}
	}

	if upd.Permissions != nil {
		if err := replaceSet(ctx, tx, "group_permissions", "group_id", "permission_id", id, *upd.Permissions); err != nil {
			return identity.Group{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return identity.Group{}, err
	}
	return s.FindGroup(ctx, id)
}

func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `delete from groups where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]identity.Permission, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, code, name, resource
		from permissions
		order by resource, code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func (s *Store) EnsurePermissions(ctx context.Context, perms []identity.Permission) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = p.Resource + ":" + p.Code
		}
		if _, err := s.db.ExecContext(ctx, `
			insert into permissions (id, code, name, resource)
			values ($1, $2, $3, $4)
			on conflict (resource, code) do nothing
		`, id, p.Code, p.Name, p.Resource); err != nil {
			return err
		}
	}
	return nil
}

func collectPermissions(rows *sql.Rows) ([]identity.Permission, error) {
	var perms []identity.Permission
	for rows.Next() {
		var p identity.Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Resource); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

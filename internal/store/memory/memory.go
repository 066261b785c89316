// Package memory implements identity.DirectoryStore with in-process
// maps. It backs tests and local development without PostgreSQL.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"idgate.org/internal/identity"
)

type Store struct {
	mu sync.RWMutex

	accounts    map[string]identity.Account
	groups      map[string]identity.Group
	permissions map[string]identity.Permission

	// Normalized-key indexes over the three login fields; resolution
	// is a single lookup rather than three scans.
	byUsername map[string]string
	byEmail    map[string]string
	byPhone    map[string]string

	memberships  map[string]map[string]struct{} // account -> group set
	directGrants map[string]map[string]struct{} // account -> permission set
	groupGrants  map[string]map[string]struct{} // group -> permission set
}

var _ identity.DirectoryStore = (*Store)(nil)

// New builds an empty in-memory directory store.
func New() *Store {
	return &Store{
		accounts:     make(map[string]identity.Account),
		groups:       make(map[string]identity.Group),
		permissions:  make(map[string]identity.Permission),
		byUsername:   make(map[string]string),
		byEmail:      make(map[string]string),
		byPhone:      make(map[string]string),
		memberships:  make(map[string]map[string]struct{}),
		directGrants: make(map[string]map[string]struct{}),
		groupGrants:  make(map[string]map[string]struct{}),
	}
}

func fold(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (s *Store) CreateAccount(_ context.Context, a *identity.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnique(a.Username, a.Email, a.Phone, ""); err != nil {
		return err
	}
	s.accounts[a.ID] = *a
	s.index(*a)
	return nil
}

func (s *Store) checkUnique(username, email, phone, excludeID string) error {
	if id, ok := s.byUsername[fold(username)]; ok && id != excludeID {
		return fmt.Errorf("%w: username already in use", identity.ErrConflict)
	}
	if id, ok := s.byEmail[fold(email)]; ok && id != excludeID {
		return fmt.Errorf("%w: email already in use", identity.ErrConflict)
	}
	if id, ok := s.byPhone[fold(phone)]; ok && id != excludeID {
		return fmt.Errorf("%w: phone already in use", identity.ErrConflict)
	}
	return nil
}

func (s *Store) index(a identity.Account) {
	s.byUsername[fold(a.Username)] = a.ID
	s.byEmail[fold(a.Email)] = a.ID
	s.byPhone[fold(a.Phone)] = a.ID
}

func (s *Store) unindex(a identity.Account) {
	delete(s.byUsername, fold(a.Username))
	delete(s.byEmail, fold(a.Email))
	delete(s.byPhone, fold(a.Phone))
}

func (s *Store) FindAccount(_ context.Context, id string) (identity.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return identity.Account{}, identity.ErrNotFound
	}
	return a, nil
}

func (s *Store) FindAccountByLogin(_ context.Context, login string) (identity.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := fold(login)
	for _, idx := range []map[string]string{s.byUsername, s.byEmail, s.byPhone} {
		if id, ok := idx[key]; ok {
			return s.accounts[id], nil
		}
	}
	return identity.Account{}, identity.ErrNotFound
}

func (s *Store) ListAccounts(_ context.Context, f identity.AccountFilter) (identity.Page[identity.Account], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []identity.Account
	search := fold(f.Search)
	for _, a := range s.accounts {
		if search != "" &&
			!strings.Contains(fold(a.Username), search) &&
			!strings.Contains(fold(a.Email), search) &&
			!strings.Contains(fold(a.Phone), search) {
			continue
		}
		if f.IsActive != nil && a.IsActive != *f.IsActive {
			continue
		}
		if f.IsStaff != nil && a.IsStaff != *f.IsStaff {
			continue
		}
		if f.IsSuperuser != nil && a.IsSuperuser != *f.IsSuperuser {
			continue
		}
		if f.Status != "" && a.IsActive != (f.Status == "active") {
			continue
		}
		if !matchesRole(a, f.Role) {
			continue
		}
		if f.StartDate != nil && a.DateJoined.Before(*f.StartDate) {
			continue
		}
		// end_date is inclusive: anything before the start of the next day passes.
		if f.EndDate != nil && !a.DateJoined.Before(f.EndDate.AddDate(0, 0, 1)) {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].DateJoined.Equal(matched[j].DateJoined) {
			return matched[i].Username < matched[j].Username
		}
		return matched[i].DateJoined.Before(matched[j].DateJoined)
	})

	total := len(matched)
	return identity.Page[identity.Account]{
		Items: paginate(matched, f.Page, f.PageSize),
		Total: total,
	}, nil
}

func matchesRole(a identity.Account, role string) bool {
	switch role {
	case "":
		return true
	case "admin":
		return a.IsSuperuser
	case "staff":
		return a.IsStaff && !a.IsSuperuser
	case "user":
		return !a.IsStaff && !a.IsSuperuser
	default:
		return false
	}
}

func paginate[T any](items []T, page, size int) []T {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		return items
	}
	start := (page - 1) * size
	if start >= len(items) {
		return nil
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (s *Store) UpdateAccount(_ context.Context, id string, upd identity.AccountUpdate) (identity.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return identity.Account{}, identity.ErrNotFound
	}

	next := a
	if upd.Username != nil {
		next.Username = *upd.Username
	}
	if upd.Email != nil {
		next.Email = *upd.Email
	}
	if upd.Phone != nil {
		next.Phone = *upd.Phone
	}
	if upd.Password != nil {
		next.PasswordHash = *upd.Password
	}
	if upd.IsActive != nil {
		next.IsActive = *upd.IsActive
	}
	if upd.IsStaff != nil {
		next.IsStaff = *upd.IsStaff
	}
	if upd.IsSuperuser != nil {
		next.IsSuperuser = *upd.IsSuperuser
	}
	if err := s.checkUnique(next.Username, next.Email, next.Phone, id); err != nil {
		return identity.Account{}, err
	}

	// Validate replacement sets before mutating anything so a failed
	// update leaves no partial state behind.
	if upd.Groups != nil {
		for _, gid := range *upd.Groups {
			if _, ok := s.groups[gid]; !ok {
				return identity.Account{}, fmt.Errorf("%w: group %s", identity.ErrNotFound, gid)
			}
		}
	}
	if upd.DirectPermissions != nil {
		for _, pid := range *upd.DirectPermissions {
			if _, ok := s.permissions[pid]; !ok {
				return identity.Account{}, fmt.Errorf("%w: permission %s", identity.ErrNotFound, pid)
			}
		}
	}

	s.unindex(a)
	s.accounts[id] = next
	s.index(next)
	if upd.Groups != nil {
		s.memberships[id] = toSet(*upd.Groups)
	}
	if upd.DirectPermissions != nil {
		s.directGrants[id] = toSet(*upd.DirectPermissions)
	}
	return next, nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s *Store) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return identity.ErrNotFound
	}
	s.unindex(a)
	delete(s.accounts, id)
	delete(s.memberships, id)
	delete(s.directGrants, id)
	return nil
}

func (s *Store) RecordLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return identity.ErrNotFound
	}
	a.LastLogin = &at
	s.accounts[id] = a
	return nil
}

func (s *Store) AccountGroups(_ context.Context, accountID string) ([]identity.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, identity.ErrNotFound
	}
	var groups []identity.Group
	for gid := range s.memberships[accountID] {
		groups = append(groups, s.groupLocked(gid))
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

func (s *Store) AccountDirectPermissions(_ context.Context, accountID string) ([]identity.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, identity.ErrNotFound
	}
	var perms []identity.Permission
	for pid := range s.directGrants[accountID] {
		perms = append(perms, s.permissions[pid])
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Key() < perms[j].Key() })
	return perms, nil
}

func (s *Store) EffectivePermissions(_ context.Context, accountID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, identity.ErrNotFound
	}
	set := make(map[string]struct{})
	for pid := range s.directGrants[accountID] {
		set[s.permissions[pid].Key()] = struct{}{}
	}
	for gid := range s.memberships[accountID] {
		for pid := range s.groupGrants[gid] {
			set[s.permissions[pid].Key()] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) groupLocked(id string) identity.Group {
	g := s.groups[id]
	var perms []identity.Permission
	for pid := range s.groupGrants[id] {
		perms = append(perms, s.permissions[pid])
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Key() < perms[j].Key() })
	g.Permissions = perms
	return g
}

func (s *Store) CreateGroup(_ context.Context, g *identity.Group, permissionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.groups {
		if fold(existing.Name) == fold(g.Name) {
			return fmt.Errorf("%w: group name already in use", identity.ErrConflict)
		}
	}
	for _, pid := range permissionIDs {
		if _, ok := s.permissions[pid]; !ok {
			return fmt.Errorf("%w: permission %s", identity.ErrNotFound, pid)
		}
	}
	s.groups[g.ID] = identity.Group{ID: g.ID, Name: g.Name}
	s.groupGrants[g.ID] = toSet(permissionIDs)
	return nil
}

func (s *Store) FindGroup(_ context.Context, id string) (identity.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.groups[id]; !ok {
		return identity.Group{}, identity.ErrNotFound
	}
	return s.groupLocked(id), nil
}

func (s *Store) ListGroups(_ context.Context, f identity.GroupFilter) (identity.Page[identity.Group], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []identity.Group
	search := fold(f.Search)
	for id := range s.groups {
		g := s.groupLocked(id)
		if search != "" && !strings.Contains(fold(g.Name), search) {
			continue
		}
		if len(f.PermissionIDs) > 0 && !groupHasAny(s.groupGrants[id], f.PermissionIDs) {
			continue
		}
		matched = append(matched, g)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	total := len(matched)
	return identity.Page[identity.Group]{
		Items: paginate(matched, f.Page, f.PageSize),
		Total: total,
	}, nil
}

func groupHasAny(grants map[string]struct{}, ids []string) bool {
	for _, id := range ids {
		if _, ok := grants[id]; ok {
			return true
		}
	}
	return false
}

func (s *Store) UpdateGroup(_ context.Context, id string, upd identity.GroupUpdate) (identity.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return identity.Group{}, identity.ErrNotFound
	}
	if upd.Name != nil {
		for gid, existing := range s.groups {
			if gid != id && fold(existing.Name) == fold(*upd.Name) {
				return identity.Group{}, fmt.Errorf("%w: group name already in use", identity.ErrConflict)
			}
		}
		g.Name = *upd.Name
	}
	if upd.Permissions != nil {
		for _, pid := range *upd.Permissions {
			if _, ok := s.permissions[pid]; !ok {
				return identity.Group{}, fmt.Errorf("%w: permission %s", identity.ErrNotFound, pid)
			}
		}
		s.groupGrants[id] = toSet(*upd.Permissions)
	}
	s.groups[id] = g
	return s.groupLocked(id), nil
}

func (s *Store) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return identity.ErrNotFound
	}
	delete(s.groups, id)
	delete(s.groupGrants, id)
	for aid, set := range s.memberships {
		delete(set, id)
		s.memberships[aid] = set
	}
	return nil
}

func (s *Store) ListPermissions(_ context.Context) ([]identity.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perms := make([]identity.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Key() < perms[j].Key() })
	return perms, nil
}

func (s *Store) EnsurePermissions(_ context.Context, perms []identity.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if s.findPermissionByKeyLocked(p.Key()) != "" {
			continue
		}
		if p.ID == "" {
			p.ID = fmt.Sprintf("perm-%d", len(s.permissions)+1)
		}
		s.permissions[p.ID] = p
	}
	return nil
}

func (s *Store) findPermissionByKeyLocked(key string) string {
	for id, p := range s.permissions {
		if p.Key() == key {
			return id
		}
	}
	return ""
}

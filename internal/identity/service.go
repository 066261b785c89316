package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service provides authentication, token issuance, permission
// aggregation, and directory CRUD on top of a DirectoryStore.
type Service struct {
	store         DirectoryStore
	tokens        *TokenIssuer
	now           func() time.Time
	displayZone   *time.Location
	validatePhone PhoneValidator
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithDisplayZone sets the timezone used for rendered timestamps.
func WithDisplayZone(loc *time.Location) ServiceOption {
	return func(s *Service) error {
		if loc != nil {
			s.displayZone = loc
		}
		return nil
	}
}

// WithPhoneValidator replaces the default phone syntax check.
func WithPhoneValidator(fn PhoneValidator) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.validatePhone = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store DirectoryStore, tokens *TokenIssuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity: store is required")
	}
	if tokens == nil {
		return nil, errors.New("identity: token issuer is required")
	}
	svc := &Service{
		store:         store,
		tokens:        tokens,
		now:           time.Now,
		displayZone:   DefaultDisplayZone,
		validatePhone: E164Validator,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// EnsureBuiltins ensures the predefined permission catalog exists.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	return s.store.EnsurePermissions(ctx, BuiltinPermissions)
}

// AccountSnapshot is the caller-facing account shape with display
// timestamps rendered in the fixed zone.
type AccountSnapshot struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	DateJoined string `json:"date_joined"`
	LastLogin  string `json:"last_login,omitempty"`
}

// Snapshot renders an account for responses.
func (s *Service) Snapshot(a Account) AccountSnapshot {
	joined := a.DateJoined
	return AccountSnapshot{
		ID:         a.ID,
		Username:   a.Username,
		Email:      a.Email,
		Phone:      a.Phone,
		DateJoined: FormatDisplayTime(&joined, s.displayZone),
		LastLogin:  FormatDisplayTime(a.LastLogin, s.displayZone),
	}
}

// LoginResult bundles the minted token pair with the authenticated
// account, last-login already refreshed.
type LoginResult struct {
	Tokens  TokenPair
	Account Account
}

// Authenticate resolves login against username, email, or phone under
// case-insensitive comparison, verifies the password and the active
// flag, records the login instant, and mints a token pair.
func (s *Service) Authenticate(ctx context.Context, login, password string) (LoginResult, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return LoginResult{}, ErrAuthenticationFailed
	}
	account, err := s.store.FindAccountByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, ErrAuthenticationFailed
		}
		return LoginResult{}, err
	}
	if err := VerifyPassword(account.PasswordHash, password); err != nil {
		return LoginResult{}, ErrAuthenticationFailed
	}
	if !account.IsActive {
		return LoginResult{}, ErrAccountDisabled
	}

	now := s.now().UTC()
	if err := s.store.RecordLogin(ctx, account.ID, now); err != nil {
		return LoginResult{}, err
	}
	account.LastLogin = &now

	pair, err := s.tokens.Pair(account.ID)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Tokens: pair, Account: account}, nil
}

// Refresh validates a refresh token and mints a new access token for
// its subject. The account must still exist and be active.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, time.Time, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return "", time.Time{}, ErrInvalidToken
	}
	account, err := s.store.FindAccount(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", time.Time{}, ErrInvalidToken
		}
		return "", time.Time{}, err
	}
	if !account.IsActive {
		return "", time.Time{}, ErrAccountDisabled
	}
	return s.tokens.Access(account.ID)
}

// AuthenticateToken validates an access token and loads its account.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (Account, error) {
	claims, err := s.tokens.VerifyAccess(token)
	if err != nil {
		return Account{}, ErrInvalidToken
	}
	account, err := s.store.FindAccount(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, ErrInvalidToken
		}
		return Account{}, err
	}
	if !account.IsActive {
		return Account{}, ErrInvalidToken
	}
	return account, nil
}

// Register validates input, creates the account, and mints an initial
// token pair. Uniqueness collisions surface as ErrConflict.
func (s *Service) Register(ctx context.Context, in RegisterInput) (LoginResult, error) {
	if err := s.validateNewAccount(&in); err != nil {
		return LoginResult{}, err
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return LoginResult{}, err
	}
	account := Account{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Email:        in.Email,
		Phone:        in.Phone,
		PasswordHash: hash,
		IsActive:     true,
		DateJoined:   s.now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, &account); err != nil {
		return LoginResult{}, err
	}
	pair, err := s.tokens.Pair(account.ID)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Tokens: pair, Account: account}, nil
}

// validateNewAccount normalises and validates the identifier and
// password fields shared by Register and CreateAccount. It mutates in
// in place (trimming, lower-casing email).
func (s *Service) validateNewAccount(in *RegisterInput) error {
	fields := map[string]string{}
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	if in.Username == "" {
		fields["username"] = "This field is required."
	}
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		fields["email"] = "A valid email is required."
	}
	if in.Phone == "" {
		fields["phone"] = "This field is required."
	} else if err := s.validatePhone(in.Phone); err != nil {
		fields["phone"] = err.Error()
	}
	if in.Password == "" {
		fields["password"] = "This field is required."
	}
	if in.Password != in.ConfirmPassword {
		fields["confirm_password"] = "Passwords do not match."
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// CreateAccount provisions an account on behalf of an operator. Unlike
// Register it can set flags and attach memberships and grants in the
// same operation, and it does not mint tokens.
func (s *Service) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	if err := s.validateNewAccount(&in.RegisterInput); err != nil {
		return Account{}, err
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return Account{}, err
	}
	account := Account{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Email:        in.Email,
		Phone:        in.Phone,
		PasswordHash: hash,
		IsActive:     true,
		IsStaff:      in.IsStaff,
		IsSuperuser:  in.IsSuperuser,
		DateJoined:   s.now().UTC(),
	}
	if in.IsActive != nil {
		account.IsActive = *in.IsActive
	}
	if err := s.store.CreateAccount(ctx, &account); err != nil {
		return Account{}, err
	}
	if len(in.Groups) > 0 || len(in.DirectPermissions) > 0 {
		upd := AccountUpdate{}
		if len(in.Groups) > 0 {
			upd.Groups = &in.Groups
		}
		if len(in.DirectPermissions) > 0 {
			upd.DirectPermissions = &in.DirectPermissions
		}
		updated, err := s.store.UpdateAccount(ctx, account.ID, upd)
		if err != nil {
			// Unknown group or permission ids fail the whole request;
			// remove the half-created record.
			_ = s.store.DeleteAccount(ctx, account.ID)
			return Account{}, err
		}
		account = updated
	}
	return account, nil
}

// EffectivePermissions computes the deduplicated union of direct and
// group-inherited permissions as resource.code keys. Hits the store
// once; repeated calls are stable absent mutation.
func (s *Service) EffectivePermissions(ctx context.Context, accountID string) ([]string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	return s.store.EffectivePermissions(ctx, accountID)
}

// GetAccount loads one account by id.
func (s *Service) GetAccount(ctx context.Context, id string) (Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Account{}, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	return s.store.FindAccount(ctx, id)
}

// AccountGroups lists the groups the account belongs to.
func (s *Service) AccountGroups(ctx context.Context, id string) ([]Group, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	return s.store.AccountGroups(ctx, id)
}

// AccountDirectPermissions lists permissions granted to the account
// itself, excluding anything inherited through groups.
func (s *Service) AccountDirectPermissions(ctx context.Context, id string) ([]Permission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	return s.store.AccountDirectPermissions(ctx, id)
}

// ListAccounts returns a filtered, paginated account page.
func (s *Service) ListAccounts(ctx context.Context, f AccountFilter) (Page[Account], error) {
	f.Search = strings.TrimSpace(f.Search)
	f.Status = strings.ToLower(strings.TrimSpace(f.Status))
	f.Role = strings.ToLower(strings.TrimSpace(f.Role))
	switch f.Status {
	case "", "active", "inactive":
	default:
		return Page[Account]{}, fmt.Errorf("%w: status must be active or inactive", ErrInvalidInput)
	}
	switch f.Role {
	case "", "admin", "staff", "user":
	default:
		return Page[Account]{}, fmt.Errorf("%w: role must be admin, staff, or user", ErrInvalidInput)
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return Page[Account]{}, fmt.Errorf("%w: end_date precedes start_date", ErrInvalidInput)
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 200 {
		f.PageSize = 25
	}
	return s.store.ListAccounts(ctx, f)
}

// UpdateAccount applies a partial update. Membership and direct grant
// replacements are atomic with the field changes.
func (s *Service) UpdateAccount(ctx context.Context, id string, upd AccountUpdate) (Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Account{}, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	if upd.Username != nil {
		trimmed := strings.TrimSpace(*upd.Username)
		if trimmed == "" {
			return Account{}, newValidationError("username", "This field may not be blank.")
		}
		upd.Username = &trimmed
	}
	if upd.Email != nil {
		trimmed := strings.TrimSpace(strings.ToLower(*upd.Email))
		if trimmed == "" || !strings.Contains(trimmed, "@") {
			return Account{}, newValidationError("email", "A valid email is required.")
		}
		upd.Email = &trimmed
	}
	if upd.Phone != nil {
		trimmed := strings.TrimSpace(*upd.Phone)
		if err := s.validatePhone(trimmed); err != nil {
			return Account{}, newValidationError("phone", err.Error())
		}
		upd.Phone = &trimmed
	}
	if upd.Password != nil {
		if *upd.Password == "" {
			return Account{}, newValidationError("password", "This field may not be blank.")
		}
		hash, err := HashPassword(*upd.Password)
		if err != nil {
			return Account{}, err
		}
		upd.Password = &hash
	}
	return s.store.UpdateAccount(ctx, id, upd)
}

// DeleteAccount removes an account and its memberships and grants.
func (s *Service) DeleteAccount(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	return s.store.DeleteAccount(ctx, id)
}

// CreateGroup creates a group with an optional initial permission set.
func (s *Service) CreateGroup(ctx context.Context, name string, permissionIDs []string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, newValidationError("name", "This field is required.")
	}
	group := Group{ID: uuid.NewString(), Name: name}
	if err := s.store.CreateGroup(ctx, &group, dedupeStrings(permissionIDs)); err != nil {
		return Group{}, err
	}
	return s.store.FindGroup(ctx, group.ID)
}

// GetGroup loads one group with its permissions.
func (s *Service) GetGroup(ctx context.Context, id string) (Group, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Group{}, fmt.Errorf("%w: group id is required", ErrInvalidInput)
	}
	return s.store.FindGroup(ctx, id)
}

// ListGroups returns a filtered, paginated group page.
func (s *Service) ListGroups(ctx context.Context, f GroupFilter) (Page[Group], error) {
	f.Search = strings.TrimSpace(f.Search)
	f.PermissionIDs = dedupeStrings(f.PermissionIDs)
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 200 {
		f.PageSize = 25
	}
	return s.store.ListGroups(ctx, f)
}

// UpdateGroup applies a partial update. A present Permissions field
// replaces the whole set; an explicit empty list clears it.
func (s *Service) UpdateGroup(ctx context.Context, id string, upd GroupUpdate) (Group, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Group{}, fmt.Errorf("%w: group id is required", ErrInvalidInput)
	}
	if upd.Name != nil {
		trimmed := strings.TrimSpace(*upd.Name)
		if trimmed == "" {
			return Group{}, newValidationError("name", "This field may not be blank.")
		}
		upd.Name = &trimmed
	}
	if upd.Permissions != nil {
		deduped := dedupeStrings(*upd.Permissions)
		if deduped == nil {
			deduped = []string{}
		}
		upd.Permissions = &deduped
	}
	return s.store.UpdateGroup(ctx, id, upd)
}

// DeleteGroup removes a group; members lose its inherited permissions.
func (s *Service) DeleteGroup(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: group id is required", ErrInvalidInput)
	}
	return s.store.DeleteGroup(ctx, id)
}

// ListPermissions returns the permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

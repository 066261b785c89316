package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"idgate.org/internal/identity"
)

const dateLayout = "2006-01-02"

type accountResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	IsActive    bool   `json:"is_active"`
	IsStaff     bool   `json:"is_staff"`
	IsSuperuser bool   `json:"is_superuser"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	DateJoined  string `json:"date_joined"`
	LastLogin   string `json:"last_login,omitempty"`
}

// accountDetailResponse extends the list shape with membership and
// direct-grant ids on single-account reads.
type accountDetailResponse struct {
	accountResponse
	Groups      []string `json:"groups"`
	Permissions []string `json:"permissions"`
}

type accountListResponse struct {
	Items    []accountResponse `json:"items"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// flexibleList accepts either a JSON array or a string holding an
// encoded JSON array. A string that fails to parse degrades to an
// empty list instead of failing the request.
type flexibleList struct {
	set    bool
	values []string
}

func (f *flexibleList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	f.set = true
	if data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		var items []any
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			f.values = []string{}
			return nil
		}
		f.values = stringifyItems(items)
		return nil
	}
	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	f.values = stringifyItems(items)
	return nil
}

func stringifyItems(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case float64:
			out = append(out, strconv.FormatFloat(v, 'f', -1, 64))
		}
	}
	return out
}

type createAccountRequest struct {
	Username        string       `json:"username"`
	Email           string       `json:"email"`
	Phone           string       `json:"phone"`
	Password        string       `json:"password"`
	ConfirmPassword string       `json:"confirm_password"`
	IsActive        *bool        `json:"is_active"`
	IsStaff         bool         `json:"is_staff"`
	IsSuperuser     bool         `json:"is_superuser"`
	Groups          flexibleList `json:"groups"`
	Permissions     flexibleList `json:"permissions"`
}

type updateAccountRequest struct {
	Username    *string      `json:"username"`
	Email       *string      `json:"email"`
	Phone       *string      `json:"phone"`
	Password    *string      `json:"password"`
	IsActive    *bool        `json:"is_active"`
	IsStaff     *bool        `json:"is_staff"`
	IsSuperuser *bool        `json:"is_superuser"`
	Groups      flexibleList `json:"groups"`
	Permissions flexibleList `json:"permissions"`
}

func (a *API) renderAccount(acc identity.Account) accountResponse {
	snap := a.directory.Snapshot(acc)
	return accountResponse{
		ID:          snap.ID,
		Username:    snap.Username,
		Email:       snap.Email,
		Phone:       snap.Phone,
		IsActive:    acc.IsActive,
		IsStaff:     acc.IsStaff,
		IsSuperuser: acc.IsSuperuser,
		Role:        identity.RoleLabel(acc),
		Status:      identity.StatusLabel(acc),
		DateJoined:  snap.DateJoined,
		LastLogin:   snap.LastLogin,
	}
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listAccounts(w, r)
	case http.MethodPost:
		a.createAccount(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, identity.PermManageAccounts) {
		return
	}
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	in := identity.CreateAccountInput{
		RegisterInput: identity.RegisterInput{
			Username:        req.Username,
			Email:           req.Email,
			Phone:           req.Phone,
			Password:        req.Password,
			ConfirmPassword: req.ConfirmPassword,
		},
		IsActive:    req.IsActive,
		IsStaff:     req.IsStaff,
		IsSuperuser: req.IsSuperuser,
	}
	if req.Groups.set {
		in.Groups = req.Groups.values
	}
	if req.Permissions.set {
		in.DirectPermissions = req.Permissions.values
	}

	acc, err := a.directory.CreateAccount(r.Context(), in)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}

	a.audit(r.Context(), "directory.account.create", "account", acc.ID, map[string]string{
		"username": acc.Username,
	})
	w.Header().Set("Location", "/v1/accounts/"+acc.ID)
	writeJSON(w, http.StatusCreated, a.renderAccount(acc))
}

func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/accounts/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]
	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			a.getAccount(w, r, id)
		case http.MethodPatch:
			a.updateAccount(w, r, id)
		case http.MethodDelete:
			a.deleteAccount(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}
	case len(parts) == 2 && parts[1] == "permissions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getAccountPermissions(w, r, id)
	case len(parts) == 2 && parts[1] == "groups":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getAccountGroups(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, identity.PermViewDirectory) {
		return
	}
	filter, err := parseAccountFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	page, err := a.directory.ListAccounts(r.Context(), filter)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	items := make([]accountResponse, 0, len(page.Items))
	for _, acc := range page.Items {
		items = append(items, a.renderAccount(acc))
	}
	writeJSON(w, http.StatusOK, accountListResponse{
		Items:    items,
		Total:    page.Total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	})
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request, id string) {
	if !a.ensureSelfOrPermission(w, r, id, identity.PermViewDirectory) {
		return
	}
	acc, err := a.directory.GetAccount(r.Context(), id)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	groups, err := a.directory.AccountGroups(r.Context(), id)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	grants, err := a.directory.AccountDirectPermissions(r.Context(), id)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	detail := accountDetailResponse{
		accountResponse: a.renderAccount(acc),
		Groups:          make([]string, 0, len(groups)),
		Permissions:     make([]string, 0, len(grants)),
	}
	for _, g := range groups {
		detail.Groups = append(detail.Groups, g.ID)
	}
	for _, p := range grants {
		detail.Permissions = append(detail.Permissions, p.ID)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) getAccountPermissions(w http.ResponseWriter, r *http.Request, id string) {
	if !a.ensureSelfOrPermission(w, r, id, identity.PermViewDirectory) {
		return
	}
	if _, err := a.directory.GetAccount(r.Context(), id); err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	keys, err := a.directory.EffectivePermissions(r.Context(), id)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":  id,
		"permissions": keys,
	})
}

func (a *API) getAccountGroups(w http.ResponseWriter, r *http.Request, id string) {
	if !a.ensureSelfOrPermission(w, r, id, identity.PermViewDirectory) {
		return
	}
	if _, err := a.directory.GetAccount(r.Context(), id); err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	groups, err := a.directory.AccountGroups(r.Context(), id)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	items := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		items = append(items, renderGroup(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": id,
		"groups":     items,
	})
}

func (a *API) updateAccount(w http.ResponseWriter, r *http.Request, id string) {
	if !a.ensurePermission(w, r, identity.PermManageAccounts) {
		return
	}
	var req updateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	upd := identity.AccountUpdate{
		Username:    req.Username,
		Email:       req.Email,
		Phone:       req.Phone,
		Password:    req.Password,
		IsActive:    req.IsActive,
		IsStaff:     req.IsStaff,
		IsSuperuser: req.IsSuperuser,
	}
	if req.Groups.set {
		values := req.Groups.values
		upd.Groups = &values
	}
	if req.Permissions.set {
		values := req.Permissions.values
		upd.DirectPermissions = &values
	}

	acc, err := a.directory.UpdateAccount(r.Context(), id, upd)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}

	a.audit(r.Context(), "directory.account.update", "account", acc.ID, map[string]string{
		"username": acc.Username,
	})
	writeJSON(w, http.StatusOK, a.renderAccount(acc))
}

func (a *API) deleteAccount(w http.ResponseWriter, r *http.Request, id string) {
	if !a.ensurePermission(w, r, identity.PermManageAccounts) {
		return
	}
	if err := a.directory.DeleteAccount(r.Context(), id); err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	a.audit(r.Context(), "directory.account.delete", "account", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func parseAccountFilter(q url.Values) (identity.AccountFilter, error) {
	var f identity.AccountFilter
	f.Search = q.Get("search")
	f.Status = q.Get("status")
	f.Role = q.Get("role")

	var err error
	if f.IsActive, err = parseBoolParam(q, "is_active"); err != nil {
		return f, err
	}
	if f.IsStaff, err = parseBoolParam(q, "is_staff"); err != nil {
		return f, err
	}
	if f.IsSuperuser, err = parseBoolParam(q, "is_superuser"); err != nil {
		return f, err
	}
	if f.StartDate, err = parseDateParam(q, "start_date"); err != nil {
		return f, err
	}
	if f.EndDate, err = parseDateParam(q, "end_date"); err != nil {
		return f, err
	}
	if f.Page, err = parseIntParam(q, "page", 1); err != nil {
		return f, err
	}
	if f.PageSize, err = parseIntParam(q, "page_size", 25); err != nil {
		return f, err
	}
	return f, nil
}

func parseBoolParam(q url.Values, name string) (*bool, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, &paramError{name: name, want: "true or false"}
	}
	return &v, nil
}

func parseDateParam(q url.Values, name string) (*time.Time, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, &paramError{name: name, want: "YYYY-MM-DD"}
	}
	return &t, nil
}

func parseIntParam(q url.Values, name string, def int) (int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, &paramError{name: name, want: "a positive integer"}
	}
	return v, nil
}

type paramError struct {
	name string
	want string
}

func (e *paramError) Error() string {
	return e.name + " must be " + e.want
}

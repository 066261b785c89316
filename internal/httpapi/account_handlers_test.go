package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"idgate.org/internal/identity"
)

func (c *apiClient) permissionIDsByKey(headers map[string]string) map[string]string {
	c.t.Helper()
	resp := c.get("/v1/permissions", nil, headers)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected permissions status: %d", resp.StatusCode)
	}
	payload := decode[struct {
		Items []permissionResponse `json:"items"`
	}](c.t, resp)
	out := make(map[string]string)
	for _, p := range payload.Items {
		out[p.Key] = p.ID
	}
	return out
}

type accountGroupsPayload struct {
	AccountID string          `json:"account_id"`
	Groups    []groupResponse `json:"groups"`
}

func TestListAccountsFilters(t *testing.T) {
	api := newTestAPI(t)
	api.seedAccount("admin", "admin@example.com", "+959100000001", "admin-pass", true)
	staff := api.seedAccount("staffer", "staffer@example.com", "+959100000002", "staff-pass", false)
	api.seedAccount("plain", "plain@example.com", "+959100000003", "plain-pass", false)

	st := true
	if _, err := api.store.UpdateAccount(context.Background(), staff.ID, identity.AccountUpdate{IsStaff: &st}); err != nil {
		t.Fatalf("mark staff: %v", err)
	}

	token := api.obtainToken("admin", "admin-pass")
	headers := authHeaderFor(token)

	resp := api.get("/v1/accounts", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	all := decode[accountListResponse](t, resp)
	if all.Total != 3 {
		t.Fatalf("expected 3 accounts, got %d", all.Total)
	}

	resp = api.get("/v1/accounts", url.Values{"role": []string{"staff"}}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	staffPage := decode[accountListResponse](t, resp)
	if staffPage.Total != 1 || staffPage.Items[0].Username != "staffer" {
		t.Fatalf("unexpected staff page: %+v", staffPage)
	}
	if staffPage.Items[0].Role != "Staff" {
		t.Fatalf("unexpected role label: %q", staffPage.Items[0].Role)
	}

	resp = api.get("/v1/accounts", url.Values{"search": []string{"plain@"}}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	searched := decode[accountListResponse](t, resp)
	if searched.Total != 1 || searched.Items[0].Username != "plain" {
		t.Fatalf("unexpected search result: %+v", searched)
	}
}

func TestListAccountsRejectsBadDate(t *testing.T) {
	api := newTestAPI(t)
	api.seedAccount("admin", "admin@example.com", "+959100000001", "admin-pass", true)
	token := api.obtainToken("admin", "admin-pass")

	resp := api.get("/v1/accounts", url.Values{"start_date": []string{"31-12-2025"}}, authHeaderFor(token))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed date, got %d", resp.StatusCode)
	}
}

func TestUpdateAccountAcceptsStringOrListGroups(t *testing.T) {
	api := newTestAPI(t)
	api.seedAccount("admin", "admin@example.com", "+959100000001", "admin-pass", true)
	target := api.seedAccount("plain", "plain@example.com", "+959100000003", "plain-pass", false)
	token := api.obtainToken("admin", "admin-pass")
	headers := authHeaderFor(token)

	resp := api.post("/v1/groups", map[string]any{"name": "operators"}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected group status: %d", resp.StatusCode)
	}
	group := decode[groupResponse](t, resp)

	// JSON list form.
	resp = api.do(http.MethodPatch, "/v1/accounts/"+target.ID, map[string]any{
		"groups": []string{group.ID},
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected patch status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/accounts/"+target.ID+"/groups", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected groups status: %d", resp.StatusCode)
	}
	withList := decode[accountGroupsPayload](t, resp)
	if len(withList.Groups) != 1 || withList.Groups[0].Name != "operators" {
		t.Fatalf("unexpected groups after list patch: %+v", withList)
	}

	// Encoded-string form must behave identically.
	resp = api.do(http.MethodPatch, "/v1/accounts/"+target.ID, map[string]any{
		"groups": `["` + group.ID + `"]`,
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected patch status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/accounts/"+target.ID+"/groups", nil, headers)
	withString := decode[accountGroupsPayload](t, resp)
	if len(withString.Groups) != 1 || withString.Groups[0].ID != group.ID {
		t.Fatalf("unexpected groups after string patch: %+v", withString)
	}

	// A malformed encoded string degrades to an empty replacement set.
	resp = api.do(http.MethodPatch, "/v1/accounts/"+target.ID, map[string]any{
		"groups": "{not json",
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected patch status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/accounts/"+target.ID+"/groups", nil, headers)
	cleared := decode[accountGroupsPayload](t, resp)
	if len(cleared.Groups) != 0 {
		t.Fatalf("expected memberships cleared, got %+v", cleared)
	}
}

func TestEffectivePermissionsCombineDirectAndGroup(t *testing.T) {
	api := newTestAPI(t)
	api.seedAccount("admin", "admin@example.com", "+959100000001", "admin-pass", true)
	target := api.seedAccount("plain", "plain@example.com", "+959100000003", "plain-pass", false)
	token := api.obtainToken("admin", "admin-pass")
	headers := authHeaderFor(token)

	perms := api.permissionIDsByKey(headers)
	viewID := perms["directory.view"]
	groupManageID := perms["directory.group.manage"]
	if viewID == "" || groupManageID == "" {
		t.Fatalf("missing builtin permissions: %v", perms)
	}

	resp := api.post("/v1/groups", map[string]any{
		"name":        "viewers",
		"permissions": []string{viewID, groupManageID},
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected group status: %d", resp.StatusCode)
	}
	group := decode[groupResponse](t, resp)

	// Direct grant overlaps with a group grant: the union must dedupe.
	resp = api.do(http.MethodPatch, "/v1/accounts/"+target.ID, map[string]any{
		"groups":      []string{group.ID},
		"permissions": []string{viewID},
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected patch status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/accounts/"+target.ID+"/permissions", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected permissions status: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	keys, _ := payload["permissions"].([]any)
	if len(keys) != 2 {
		t.Fatalf("expected 2 distinct permissions, got %v", keys)
	}
	seen := map[any]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	if !seen["directory.view"] || !seen["directory.group.manage"] {
		t.Fatalf("unexpected permission keys: %v", keys)
	}

	// The detail read separates direct grants from inherited ones.
	resp = api.get("/v1/accounts/"+target.ID, nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected detail status: %d", resp.StatusCode)
	}
	detail := decode[accountDetailResponse](t, resp)
	if len(detail.Groups) != 1 || detail.Groups[0] != group.ID {
		t.Fatalf("unexpected detail groups: %+v", detail.Groups)
	}
	if len(detail.Permissions) != 1 || detail.Permissions[0] != viewID {
		t.Fatalf("unexpected detail permissions: %+v", detail.Permissions)
	}
}

func TestAdminCreateAccount(t *testing.T) {
	api := newTestAPI(t)
	api.seedAccount("admin", "admin@example.com", "+959100000001", "admin-pass", true)
	token := api.obtainToken("admin", "admin-pass")
	headers := authHeaderFor(token)

	resp := api.post("/v1/groups", map[string]any{"name": "operators"}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected group status: %d", resp.StatusCode)
	}
	group := decode[groupResponse](t, resp)

	resp = api.post("/v1/accounts", map[string]any{
		"username":         "provisioned",
		"email":            "Provisioned@Example.com",
		"phone":            "+959100000009",
		"password":         "prov-pass",
		"confirm_password": "prov-pass",
		"is_staff":         true,
		"groups":           `["` + group.ID + `"]`,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "/v1/accounts/") {
		t.Fatalf("unexpected Location header: %q", loc)
	}
	created := decode[accountResponse](t, resp)
	if created.Email != "provisioned@example.com" || created.Role != "Staff" {
		t.Fatalf("unexpected created payload: %+v", created)
	}

	resp = api.get("/v1/accounts/"+created.ID+"/groups", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected groups status: %d", resp.StatusCode)
	}
	attached := decode[accountGroupsPayload](t, resp)
	if len(attached.Groups) != 1 || attached.Groups[0].ID != group.ID {
		t.Fatalf("unexpected memberships: %+v", attached)
	}

	// The provisioned credentials work immediately.
	resp = api.post("/v1/auth/login", map[string]any{
		"login": "provisioned", "password": "prov-pass",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected provisioned login 200, got %d", resp.StatusCode)
	}
}

func TestAdminCreateAccountValidation(t *testing.T) {
	api := newTestAPI(t)
	api.seedAccount("admin", "admin@example.com", "+959100000001", "admin-pass", true)
	api.seedAccount("plain", "plain@example.com", "+959100000003", "plain-pass", false)
	headers := authHeaderFor(api.obtainToken("admin", "admin-pass"))

	resp := api.post("/v1/accounts", map[string]any{
		"username":         "mismatch",
		"email":            "mismatch@example.com",
		"phone":            "+959100000010",
		"password":         "one",
		"confirm_password": "two",
	}, headers)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	fields, _ := body["fields"].(map[string]any)
	if fields["confirm_password"] == nil {
		t.Fatalf("expected confirm_password field error, got %v", body)
	}

	// Non-managers cannot provision accounts.
	resp = api.post("/v1/accounts", map[string]any{
		"username":         "sneaky",
		"email":            "sneaky@example.com",
		"phone":            "+959100000011",
		"password":         "pw",
		"confirm_password": "pw",
	}, authHeaderFor(api.obtainToken("plain", "plain-pass")))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestDeleteAccount(t *testing.T) {
	api := newTestAPI(t)
	api.seedAccount("admin", "admin@example.com", "+959100000001", "admin-pass", true)
	target := api.seedAccount("plain", "plain@example.com", "+959100000003", "plain-pass", false)
	token := api.obtainToken("admin", "admin-pass")
	headers := authHeaderFor(token)

	resp := api.do(http.MethodDelete, "/v1/accounts/"+target.ID, nil, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/accounts/"+target.ID, nil, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestAccountCanReadItselfOnly(t *testing.T) {
	api := newTestAPI(t)
	self := api.seedAccount("plain", "plain@example.com", "+959100000003", "plain-pass", false)
	other := api.seedAccount("other", "other@example.com", "+959100000004", "other-pass", false)
	token := api.obtainToken("plain", "plain-pass")
	headers := authHeaderFor(token)

	resp := api.get("/v1/accounts/"+self.ID, nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected self read 200, got %d", resp.StatusCode)
	}
	me := decode[accountResponse](t, resp)
	if me.Username != "plain" || me.Status != "Active" || me.Role != "User" {
		t.Fatalf("unexpected self payload: %+v", me)
	}

	resp = api.get("/v1/accounts/"+other.ID, nil, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 reading another account, got %d", resp.StatusCode)
	}
}

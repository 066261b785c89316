package httpapi

import (
	"net/http"
	"strings"

	"idgate.org/internal/identity"
)

type permissionResponse struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Resource string `json:"resource"`
	Key      string `json:"key"`
}

type groupResponse struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Permissions []permissionResponse `json:"permissions"`
}

type groupListResponse struct {
	Items    []groupResponse `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

type createGroupRequest struct {
	Name        string       `json:"name"`
	Permissions flexibleList `json:"permissions"`
}

type updateGroupRequest struct {
	Name        *string      `json:"name"`
	Permissions flexibleList `json:"permissions"`
}

func renderPermission(p identity.Permission) permissionResponse {
	return permissionResponse{
		ID:       p.ID,
		Code:     p.Code,
		Name:     p.Name,
		Resource: p.Resource,
		Key:      p.Key(),
	}
}

func renderGroup(g identity.Group) groupResponse {
	perms := make([]permissionResponse, 0, len(g.Permissions))
	for _, p := range g.Permissions {
		perms = append(perms, renderPermission(p))
	}
	return groupResponse{ID: g.ID, Name: g.Name, Permissions: perms}
}

func (a *API) handleGroupsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listGroups(w, r)
	case http.MethodPost:
		a.createGroup(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleGroupResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/groups/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getGroup(w, r, id)
	case http.MethodPatch:
		a.updateGroup(w, r, id)
	case http.MethodDelete:
		a.deleteGroup(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) listGroups(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, identity.PermViewDirectory) {
		return
	}
	q := r.URL.Query()
	filter := identity.GroupFilter{
		Search:        q.Get("search"),
		PermissionIDs: q["permission"],
	}
	var err error
	if filter.Page, err = parseIntParam(q, "page", 1); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if filter.PageSize, err = parseIntParam(q, "page_size", 25); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	page, err := a.directory.ListGroups(r.Context(), filter)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	items := make([]groupResponse, 0, len(page.Items))
	for _, g := range page.Items {
		items = append(items, renderGroup(g))
	}
	writeJSON(w, http.StatusOK, groupListResponse{
		Items:    items,
		Total:    page.Total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	})
}

func (a *API) createGroup(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, identity.PermManageGroups) {
		return
	}
	var req createGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	group, err := a.directory.CreateGroup(r.Context(), req.Name, req.Permissions.values)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}

	a.audit(r.Context(), "directory.group.create", "group", group.ID, map[string]string{
		"name": group.Name,
	})
	w.Header().Set("Location", "/v1/groups/"+group.ID)
	writeJSON(w, http.StatusCreated, renderGroup(group))
}

func (a *API) getGroup(w http.ResponseWriter, r *http.Request, id string) {
	if !a.ensurePermission(w, r, identity.PermViewDirectory) {
		return
	}
	group, err := a.directory.GetGroup(r.Context(), id)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, renderGroup(group))
}

func (a *API) updateGroup(w http.ResponseWriter, r *http.Request, id string) {
	if !a.ensurePermission(w, r, identity.PermManageGroups) {
		return
	}
	var req updateGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	upd := identity.GroupUpdate{Name: req.Name}
	if req.Permissions.set {
		values := req.Permissions.values
		upd.Permissions = &values
	}

	group, err := a.directory.UpdateGroup(r.Context(), id, upd)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}

	a.audit(r.Context(), "directory.group.update", "group", group.ID, map[string]string{
		"name": group.Name,
	})
	writeJSON(w, http.StatusOK, renderGroup(group))
}

func (a *API) deleteGroup(w http.ResponseWriter, r *http.Request, id string) {
	if !a.ensurePermission(w, r, identity.PermManageGroups) {
		return
	}
	if err := a.directory.DeleteGroup(r.Context(), id); err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	a.audit(r.Context(), "directory.group.delete", "group", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, identity.PermViewDirectory) {
		return
	}
	perms, err := a.directory.ListPermissions(r.Context())
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	items := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		items = append(items, renderPermission(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

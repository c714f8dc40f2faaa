package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"authgate.org/internal/auth"
)

type createRoleRequest struct {
	Name        string   `json:"name"`
	GuardName   string   `json:"guard_name"`
	Permissions []string `json:"permissions"`
}

type updateRoleRequest struct {
	Name        *string   `json:"name"`
	Permissions *[]string `json:"permissions"`
}

type permissionRequest struct {
	Name      string `json:"name"`
	GuardName string `json:"guard_name"`
}

type roleMembershipRequest struct {
	Role      string `json:"role"`
	GuardName string `json:"guard_name"`
}

type permissionGrantRequest struct {
	Permission string `json:"permission"`
	GuardName  string `json:"guard_name"`
}

// --- /users ---

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, auth.PermUsersView) {
		return
	}

	q := r.URL.Query()
	filter := auth.UserFilter{
		Search:  q.Get("search"),
		Name:    q.Get("name"),
		Email:   q.Get("email"),
		Role:    q.Get("role"),
		Page:    queryInt(q.Get("page"), 1),
		PerPage: queryInt(q.Get("per_page"), 10),
	}

	users, total, err := a.rbac.UsersWithRoles(r.Context(), filter)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": users,
		"meta": map[string]any{
			"page":     filter.Page,
			"per_page": filter.PerPage,
			"total":    total,
		},
	})
}

// handleUserResource routes /users/{id}/roles and /users/{id}/permissions.
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]
	switch parts[1] {
	case "roles":
		a.handleUserRoles(w, r, userID)
	case "permissions":
		a.handleUserPermissions(w, r, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		return
	}
	if !a.ensurePermission(w, r, auth.PermUsersManage) {
		return
	}
	var req roleMembershipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var (
		roles []string
		err   error
		event string
	)
	if r.Method == http.MethodPost {
		roles, err = a.rbac.AssignRole(r.Context(), userID, req.Role, req.GuardName)
		event = "rbac.user.assign_role"
	} else {
		roles, err = a.rbac.RemoveRole(r.Context(), userID, req.Role, req.GuardName)
		event = "rbac.user.remove_role"
	}
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	a.audit(r.Context(), event, "user", userID, map[string]string{
		"role": req.Role,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"roles":   roles,
	})
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		return
	}
	if !a.ensurePermission(w, r, auth.PermUsersManage) {
		return
	}
	var req permissionGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var (
		err   error
		event string
	)
	if r.Method == http.MethodPost {
		err = a.rbac.GrantPermission(r.Context(), userID, req.Permission, req.GuardName)
		event = "rbac.user.grant_permission"
	} else {
		err = a.rbac.RevokePermission(r.Context(), userID, req.Permission, req.GuardName)
		event = "rbac.user.revoke_permission"
	}
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	a.audit(r.Context(), event, "user", userID, map[string]string{
		"permission": req.Permission,
	})
	w.WriteHeader(http.StatusNoContent)
}

// --- /roles ---

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, auth.PermRolesManage) {
			return
		}
		roles, err := a.rbac.RolesWithPermissions(r.Context(), r.URL.Query().Get("guard"))
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": roles})
	case http.MethodPost:
		if !a.ensurePermission(w, r, auth.PermRolesManage) {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.CreateRole(r.Context(), req.Name, req.GuardName, req.Permissions)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.role.create", "role", role.ID, map[string]string{
			"name": role.Name,
		})
		w.Header().Set("Location", fmt.Sprintf("/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	roleID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/roles/"), "/")
	if roleID == "" || strings.Contains(roleID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if !a.ensurePermission(w, r, auth.PermRolesManage) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		role, err := a.rbac.GetRole(r.Context(), roleID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPut:
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.UpdateRole(r.Context(), roleID, auth.RoleUpdate{
			Name:        req.Name,
			Permissions: req.Permissions,
		})
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.role.update", "role", roleID, map[string]string{
			"name": role.Name,
		})
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if err := a.rbac.DeleteRole(r.Context(), roleID); err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.role.delete", "role", roleID, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

// --- /permissions ---

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, auth.PermPermissionsManage) {
			return
		}
		perms, err := a.rbac.ListPermissions(r.Context(), r.URL.Query().Get("guard"))
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": perms})
	case http.MethodPost:
		if !a.ensurePermission(w, r, auth.PermPermissionsManage) {
			return
		}
		var req permissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perm, err := a.rbac.CreatePermission(r.Context(), req.Name, req.GuardName)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.permission.create", "permission", perm.ID, map[string]string{
			"name": perm.Name,
		})
		w.Header().Set("Location", fmt.Sprintf("/permissions/%s", perm.ID))
		writeJSON(w, http.StatusCreated, perm)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handlePermissionResource(w http.ResponseWriter, r *http.Request) {
	permID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/permissions/"), "/")
	if permID == "" || strings.Contains(permID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if !a.ensurePermission(w, r, auth.PermPermissionsManage) {
		return
	}

	switch r.Method {
	case http.MethodPut:
		var req permissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perm, err := a.rbac.UpdatePermission(r.Context(), permID, req.Name)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.permission.update", "permission", permID, map[string]string{
			"name": perm.Name,
		})
		writeJSON(w, http.StatusOK, perm)
	case http.MethodDelete:
		if err := a.rbac.DeletePermission(r.Context(), permID); err != nil {
			handleRBACError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.permission.delete", "permission", permID, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodDelete)
	}
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

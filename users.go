package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	scopeOwn = "own"
	scopeOrg = "org"
)

const (
	entryRaw = "raw"
	entrySFG = "sfg"
	entryFG  = "fg"
)

func parseEntryType(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case entryRaw:
		return entryRaw, true
	case entrySFG:
		return entrySFG, true
	case entryFG:
		return entryFG, true
	default:
		return "", false
	}
}

type role struct {
	ID                 uuid.UUID `json:"id"`
	Name               string    `json:"name"`
	CanViewDashboard   bool      `json:"can_view_dashboard"`
	CanManageData      bool      `json:"can_manage_data"`
	CanManageUsers     bool      `json:"can_manage_users"`
	CanManageRoles     bool      `json:"can_manage_roles"`
	CanAddRaw          bool      `json:"can_add_raw"`
	CanAddSFG          bool      `json:"can_add_sfg"`
	CanAddFG           bool      `json:"can_add_fg"`
	CanEditRaw         bool      `json:"can_edit_raw"`
	CanEditSFG         bool      `json:"can_edit_sfg"`
	CanEditFG          bool      `json:"can_edit_fg"`
	CanBulkDeleteRaw   bool      `json:"can_bulk_delete_raw"`
	CanBulkDeleteSFG   bool      `json:"can_bulk_delete_sfg"`
	CanBulkDeleteFG    bool      `json:"can_bulk_delete_fg"`
	CanExportDashboard bool      `json:"can_export_dashboard"`
	EntryScope         string    `json:"entry_scope"`
	DashboardScope     string    `json:"dashboard_scope"`
}

type user struct {
	ID           uuid.UUID
	Name         string
	Username     string
	Email        string
	PasswordHash []byte
	Role         role
	IsActive     bool
	CreatedAt    time.Time
}

type userDTO struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Role      role      `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

func toUserDTO(u user) userDTO {
	return userDTO{
		ID:        u.ID,
		Name:      u.Name,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
	}
}

func canAddEntry(ro role, entryType string) bool {
	switch entryType {
	case entryRaw:
		return ro.CanAddRaw
	case entrySFG:
		return ro.CanAddSFG
	case entryFG:
		return ro.CanAddFG
	}
	return false
}

func canEditEntry(ro role, entryType string) bool {
	switch entryType {
	case entryRaw:
		return ro.CanEditRaw
	case entrySFG:
		return ro.CanEditSFG
	case entryFG:
		return ro.CanEditFG
	}
	return false
}

func canBulkDeleteEntry(ro role, entryType string) bool {
	switch entryType {
	case entryRaw:
		return ro.CanBulkDeleteRaw
	case entrySFG:
		return ro.CanBulkDeleteSFG
	case entryFG:
		return ro.CanBulkDeleteFG
	}
	return false
}

// entryScopeFilter returns the user id entry reads and writes are
// restricted to, or nil when the role sees the whole organization.
func entryScopeFilter(u user) *uuid.UUID {
	if u.Role.EntryScope == scopeOrg {
		return nil
	}
	id := u.ID
	return &id
}

func dashboardScopeFilter(u user) *uuid.UUID {
	if u.Role.DashboardScope == scopeOrg {
		return nil
	}
	id := u.ID
	return &id
}

const roleColumns = `id, name, can_view_dashboard, can_manage_data, can_manage_users, can_manage_roles,
	can_add_raw, can_add_sfg, can_add_fg,
	can_edit_raw, can_edit_sfg, can_edit_fg,
	can_bulk_delete_raw, can_bulk_delete_sfg, can_bulk_delete_fg,
	can_export_dashboard, entry_scope, dashboard_scope`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (role, error) {
	var ro role
	err := row.Scan(
		&ro.ID, &ro.Name, &ro.CanViewDashboard, &ro.CanManageData, &ro.CanManageUsers, &ro.CanManageRoles,
		&ro.CanAddRaw, &ro.CanAddSFG, &ro.CanAddFG,
		&ro.CanEditRaw, &ro.CanEditSFG, &ro.CanEditFG,
		&ro.CanBulkDeleteRaw, &ro.CanBulkDeleteSFG, &ro.CanBulkDeleteFG,
		&ro.CanExportDashboard, &ro.EntryScope, &ro.DashboardScope,
	)
	return ro, err
}

const userSelect = `SELECT u.id, u.name, u.username, COALESCE(u.email, ''), u.password_hash, u.is_active, u.created_at,
	r.id, r.name, r.can_view_dashboard, r.can_manage_data, r.can_manage_users, r.can_manage_roles,
	r.can_add_raw, r.can_add_sfg, r.can_add_fg,
	r.can_edit_raw, r.can_edit_sfg, r.can_edit_fg,
	r.can_bulk_delete_raw, r.can_bulk_delete_sfg, r.can_bulk_delete_fg,
	r.can_export_dashboard, r.entry_scope, r.dashboard_scope
	FROM users u JOIN roles r ON r.id = u.role_id`

func scanUser(row rowScanner) (user, error) {
	var u user
	err := row.Scan(
		&u.ID, &u.Name, &u.Username, &u.Email, &u.PasswordHash, &u.IsActive, &u.CreatedAt,
		&u.Role.ID, &u.Role.Name, &u.Role.CanViewDashboard, &u.Role.CanManageData, &u.Role.CanManageUsers, &u.Role.CanManageRoles,
		&u.Role.CanAddRaw, &u.Role.CanAddSFG, &u.Role.CanAddFG,
		&u.Role.CanEditRaw, &u.Role.CanEditSFG, &u.Role.CanEditFG,
		&u.Role.CanBulkDeleteRaw, &u.Role.CanBulkDeleteSFG, &u.Role.CanBulkDeleteFG,
		&u.Role.CanExportDashboard, &u.Role.EntryScope, &u.Role.DashboardScope,
	)
	return u, err
}

func (s *serverState) userByID(ctx context.Context, id uuid.UUID) (user, bool, error) {
	row := s.db.QueryRowContext(ctx, userSelect+` WHERE u.id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return user{}, false, nil
	}
	if err != nil {
		return user{}, false, err
	}
	return u, true, nil
}

func (s *serverState) userByUsername(ctx context.Context, username string) (user, bool, error) {
	row := s.db.QueryRowContext(ctx, userSelect+` WHERE u.username = ?`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return user{}, false, nil
	}
	if err != nil {
		return user{}, false, err
	}
	return u, true, nil
}

func (s *serverState) roleByID(ctx context.Context, id uuid.UUID) (role, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = ?`, id)
	ro, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return role{}, false, nil
	}
	if err != nil {
		return role{}, false, err
	}
	return ro, true, nil
}

func (s *serverState) handleListUsers(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !currentUser.Role.CanManageUsers {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return
	}

	rows, err := s.db.QueryContext(r.Context(), userSelect+` ORDER BY u.username`)
	if err != nil {
		log.Printf("list users: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	defer rows.Close()

	users := []userDTO{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			log.Printf("scan user: %v", err)
			errorJSON(w, http.StatusInternalServerError, "failed to list users")
			return
		}
		users = append(users, toUserDTO(u))
	}
	if err := rows.Err(); err != nil {
		log.Printf("list users: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	respondJSON(w, http.StatusOK, users)
}

type userCreateRequest struct {
	Name     string    `json:"name"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Password string    `json:"password"`
	RoleID   uuid.UUID `json:"role_id"`
}

func (s *serverState) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !currentUser.Role.CanManageUsers {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return
	}

	var req userCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Username = strings.TrimSpace(strings.ToLower(req.Username))
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Name == "" || req.Username == "" {
		errorJSON(w, http.StatusBadRequest, "name and username are required")
		return
	}
	if len(req.Password) < 8 {
		errorJSON(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if _, found, err := s.roleByID(r.Context(), req.RoleID); err != nil {
		log.Printf("lookup role: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to create user")
		return
	} else if !found {
		errorJSON(w, http.StatusBadRequest, "role not found")
		return
	}
	if _, exists, err := s.userByUsername(r.Context(), req.Username); err != nil {
		log.Printf("lookup user: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to create user")
		return
	} else if exists {
		errorJSON(w, http.StatusConflict, "username already taken")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("hash password: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	id := uuid.New()
	var email any
	if req.Email != "" {
		email = req.Email
	}
	_, err = s.db.ExecContext(r.Context(), `
		INSERT INTO users (id, name, username, email, password_hash, role_id, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		id, req.Name, req.Username, email, hash, req.RoleID, time.Now().UTC())
	if err != nil {
		log.Printf("insert user: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	created, _, err := s.userByID(r.Context(), id)
	if err != nil {
		log.Printf("reload user: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	respondJSON(w, http.StatusCreated, toUserDTO(created))
}

type userUpdateRequest struct {
	Name     *string    `json:"name"`
	Email    *string    `json:"email"`
	Password *string    `json:"password"`
	RoleID   *uuid.UUID `json:"role_id"`
	IsActive *bool      `json:"is_active"`
}

func (s *serverState) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !currentUser.Role.CanManageUsers {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid user id")
		return
	}
	target, found, err := s.userByID(r.Context(), id)
	if err != nil {
		log.Printf("lookup user: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to update user")
		return
	}
	if !found {
		errorJSON(w, http.StatusNotFound, "user not found")
		return
	}

	var req userUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != nil {
		target.Name = strings.TrimSpace(*req.Name)
		if target.Name == "" {
			errorJSON(w, http.StatusBadRequest, "name cannot be empty")
			return
		}
	}
	if req.Email != nil {
		target.Email = strings.TrimSpace(strings.ToLower(*req.Email))
	}
	if req.RoleID != nil {
		if _, roleFound, err := s.roleByID(r.Context(), *req.RoleID); err != nil {
			log.Printf("lookup role: %v", err)
			errorJSON(w, http.StatusInternalServerError, "failed to update user")
			return
		} else if !roleFound {
			errorJSON(w, http.StatusBadRequest, "role not found")
			return
		}
		target.Role.ID = *req.RoleID
	}
	if req.IsActive != nil {
		target.IsActive = *req.IsActive
	}
	if req.Password != nil {
		if len(*req.Password) < 8 {
			errorJSON(w, http.StatusBadRequest, "password must be at least 8 characters")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("hash password: %v", err)
			errorJSON(w, http.StatusInternalServerError, "failed to update user")
			return
		}
		target.PasswordHash = hash
	}

	var email any
	if target.Email != "" {
		email = target.Email
	}
	_, err = s.db.ExecContext(r.Context(), `
		UPDATE users SET name = ?, email = ?, password_hash = ?, role_id = ?, is_active = ? WHERE id = ?`,
		target.Name, email, target.PasswordHash, target.Role.ID, target.IsActive, id)
	if err != nil {
		log.Printf("update user: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to update user")
		return
	}

	// Deactivation invalidates live sessions; streams notice on their
	// next ping cycle at the latest.
	if req.IsActive != nil && !*req.IsActive {
		s.dropSessionsForUser(id)
	}

	updated, _, err := s.userByID(r.Context(), id)
	if err != nil {
		log.Printf("reload user: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to update user")
		return
	}
	respondJSON(w, http.StatusOK, toUserDTO(updated))
}

func (s *serverState) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !currentUser.Role.CanManageUsers {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if id == currentUser.ID {
		errorJSON(w, http.StatusBadRequest, "cannot deactivate yourself")
		return
	}

	res, err := s.db.ExecContext(r.Context(), `UPDATE users SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		log.Printf("deactivate user: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to deactivate user")
		return
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		errorJSON(w, http.StatusNotFound, "user not found")
		return
	}
	s.dropSessionsForUser(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *serverState) handleListRoles(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !currentUser.Role.CanManageUsers && !currentUser.Role.CanManageRoles {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		log.Printf("list roles: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list roles")
		return
	}
	defer rows.Close()

	roles := []role{}
	for rows.Next() {
		ro, err := scanRole(rows)
		if err != nil {
			log.Printf("scan role: %v", err)
			errorJSON(w, http.StatusInternalServerError, "failed to list roles")
			return
		}
		roles = append(roles, ro)
	}
	if err := rows.Err(); err != nil {
		log.Printf("list roles: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list roles")
		return
	}
	respondJSON(w, http.StatusOK, roles)
}

func validScope(scope string) bool {
	return scope == scopeOwn || scope == scopeOrg
}

func (s *serverState) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !currentUser.Role.CanManageRoles {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return
	}

	var req role
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		errorJSON(w, http.StatusBadRequest, "role name is required")
		return
	}
	if req.EntryScope == "" {
		req.EntryScope = scopeOwn
	}
	if req.DashboardScope == "" {
		req.DashboardScope = scopeOwn
	}
	if !validScope(req.EntryScope) || !validScope(req.DashboardScope) {
		errorJSON(w, http.StatusBadRequest, "scope must be 'own' or 'org'")
		return
	}

	req.ID = uuid.New()
	_, err := s.db.ExecContext(r.Context(), `
		INSERT INTO roles (`+roleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Name, req.CanViewDashboard, req.CanManageData, req.CanManageUsers, req.CanManageRoles,
		req.CanAddRaw, req.CanAddSFG, req.CanAddFG,
		req.CanEditRaw, req.CanEditSFG, req.CanEditFG,
		req.CanBulkDeleteRaw, req.CanBulkDeleteSFG, req.CanBulkDeleteFG,
		req.CanExportDashboard, req.EntryScope, req.DashboardScope)
	if err != nil {
		if isUniqueViolation(err) {
			errorJSON(w, http.StatusConflict, "a role with that name already exists")
			return
		}
		log.Printf("insert role: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to create role")
		return
	}
	respondJSON(w, http.StatusCreated, req)
}

func (s *serverState) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !currentUser.Role.CanManageRoles {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid role id")
		return
	}
	existing, found, err := s.roleByID(r.Context(), id)
	if err != nil {
		log.Printf("lookup role: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to update role")
		return
	}
	if !found {
		errorJSON(w, http.StatusNotFound, "role not found")
		return
	}

	req := existing
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ID = id
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		errorJSON(w, http.StatusBadRequest, "role name is required")
		return
	}
	if !validScope(req.EntryScope) || !validScope(req.DashboardScope) {
		errorJSON(w, http.StatusBadRequest, "scope must be 'own' or 'org'")
		return
	}

	_, err = s.db.ExecContext(r.Context(), `
		UPDATE roles SET name = ?, can_view_dashboard = ?, can_manage_data = ?, can_manage_users = ?, can_manage_roles = ?,
			can_add_raw = ?, can_add_sfg = ?, can_add_fg = ?,
			can_edit_raw = ?, can_edit_sfg = ?, can_edit_fg = ?,
			can_bulk_delete_raw = ?, can_bulk_delete_sfg = ?, can_bulk_delete_fg = ?,
			can_export_dashboard = ?, entry_scope = ?, dashboard_scope = ?
		WHERE id = ?`,
		req.Name, req.CanViewDashboard, req.CanManageData, req.CanManageUsers, req.CanManageRoles,
		req.CanAddRaw, req.CanAddSFG, req.CanAddFG,
		req.CanEditRaw, req.CanEditSFG, req.CanEditFG,
		req.CanBulkDeleteRaw, req.CanBulkDeleteSFG, req.CanBulkDeleteFG,
		req.CanExportDashboard, req.EntryScope, req.DashboardScope, id)
	if err != nil {
		if isUniqueViolation(err) {
			errorJSON(w, http.StatusConflict, "a role with that name already exists")
			return
		}
		log.Printf("update role: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to update role")
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *serverState) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !currentUser.Role.CanManageRoles {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid role id")
		return
	}

	var inUse int
	if err := s.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM users WHERE role_id = ?`, id).Scan(&inUse); err != nil {
		log.Printf("count role users: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to delete role")
		return
	}
	if inUse > 0 {
		errorJSON(w, http.StatusConflict, "role is assigned to users")
		return
	}

	res, err := s.db.ExecContext(r.Context(), `DELETE FROM roles WHERE id = ?`, id)
	if err != nil {
		log.Printf("delete role: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to delete role")
		return
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		errorJSON(w, http.StatusNotFound, "role not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

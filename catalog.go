package main

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type item struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Unit       string     `json:"unit"`
	Price      *float64   `json:"price,omitempty"`
	CategoryID *uuid.UUID `json:"category_id,omitempty"`
}

type category struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	GroupID uuid.UUID `json:"group_id"`
}

type categoryGroup struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	Subcategories []category `json:"subcategories"`
}

type warehouse struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type inventorySession struct {
	ID     uuid.UUID `json:"id"`
	Code   string    `json:"code"`
	Name   string    `json:"name"`
	Status string    `json:"status"`
}

type unit struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

func (s *serverState) requireManageData(w http.ResponseWriter, r *http.Request) (user, bool) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return user{}, false
	}
	if !currentUser.Role.CanManageData {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return user{}, false
	}
	return currentUser, true
}

func (s *serverState) handleListItems(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}

	query := `SELECT id, name, unit, price, category_id FROM items`
	args := []any{}
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		query += ` WHERE name LIKE ? COLLATE NOCASE`
		args = append(args, "%"+q+"%")
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("list items: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	defer rows.Close()

	items := []item{}
	for rows.Next() {
		var it item
		var price sql.NullFloat64
		var categoryID uuid.NullUUID
		if err := rows.Scan(&it.ID, &it.Name, &it.Unit, &price, &categoryID); err != nil {
			log.Printf("scan item: %v", err)
			errorJSON(w, http.StatusInternalServerError, "failed to list items")
			return
		}
		if price.Valid {
			it.Price = &price.Float64
		}
		if categoryID.Valid {
			id := categoryID.UUID
			it.CategoryID = &id
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		log.Printf("list items: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	respondJSON(w, http.StatusOK, items)
}

type itemRequest struct {
	Name       string     `json:"name"`
	Unit       string     `json:"unit"`
	Price      *float64   `json:"price"`
	CategoryID *uuid.UUID `json:"category_id"`
}

func (s *serverState) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireManageData(w, r); !ok {
		return
	}

	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)
	if req.Name == "" || req.Unit == "" {
		errorJSON(w, http.StatusBadRequest, "name and unit are required")
		return
	}

	it := item{ID: uuid.New(), Name: req.Name, Unit: req.Unit, Price: req.Price, CategoryID: req.CategoryID}
	var categoryID uuid.NullUUID
	if req.CategoryID != nil {
		categoryID = uuid.NullUUID{UUID: *req.CategoryID, Valid: true}
	}
	var price sql.NullFloat64
	if req.Price != nil {
		price = sql.NullFloat64{Float64: *req.Price, Valid: true}
	}

	_, err := s.db.ExecContext(r.Context(),
		`INSERT INTO items (id, name, unit, price, category_id) VALUES (?, ?, ?, ?, ?)`,
		it.ID, it.Name, it.Unit, price, categoryID)
	if err != nil {
		if isUniqueViolation(err) {
			errorJSON(w, http.StatusConflict, "an item with that name already exists")
			return
		}
		if isForeignKeyViolation(err) {
			errorJSON(w, http.StatusBadRequest, "category not found")
			return
		}
		log.Printf("insert item: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to create item")
		return
	}
	respondJSON(w, http.StatusCreated, it)
}

func (s *serverState) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireManageData(w, r); !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid item id")
		return
	}

	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)
	if req.Name == "" || req.Unit == "" {
		errorJSON(w, http.StatusBadRequest, "name and unit are required")
		return
	}

	var categoryID uuid.NullUUID
	if req.CategoryID != nil {
		categoryID = uuid.NullUUID{UUID: *req.CategoryID, Valid: true}
	}
	var price sql.NullFloat64
	if req.Price != nil {
		price = sql.NullFloat64{Float64: *req.Price, Valid: true}
	}

	res, err := s.db.ExecContext(r.Context(),
		`UPDATE items SET name = ?, unit = ?, price = ?, category_id = ? WHERE id = ?`,
		req.Name, req.Unit, price, categoryID, id)
	if err != nil {
		if isUniqueViolation(err) {
			errorJSON(w, http.StatusConflict, "an item with that name already exists")
			return
		}
		if isForeignKeyViolation(err) {
			errorJSON(w, http.StatusBadRequest, "category not found")
			return
		}
		log.Printf("update item: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to update item")
		return
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		errorJSON(w, http.StatusNotFound, "item not found")
		return
	}
	respondJSON(w, http.StatusOK, item{ID: id, Name: req.Name, Unit: req.Unit, Price: req.Price, CategoryID: req.CategoryID})
}

func (s *serverState) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireManageData(w, r); !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid item id")
		return
	}

	var inUse int
	if err := s.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM entries WHERE item_id = ?`, id).Scan(&inUse); err != nil {
		log.Printf("count item entries: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to delete item")
		return
	}
	if inUse > 0 {
		errorJSON(w, http.StatusConflict, "item has logged entries")
		return
	}

	res, err := s.db.ExecContext(r.Context(), `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		log.Printf("delete item: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to delete item")
		return
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		errorJSON(w, http.StatusNotFound, "item not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *serverState) handleListCategoryGroups(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT g.id, g.name, c.id, c.name
		FROM category_groups g
		LEFT JOIN categories c ON c.group_id = g.id
		ORDER BY g.name, c.name`)
	if err != nil {
		log.Printf("list category groups: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list categories")
		return
	}
	defer rows.Close()

	groups := []categoryGroup{}
	index := map[uuid.UUID]int{}
	for rows.Next() {
		var groupID uuid.UUID
		var groupName string
		var catID uuid.NullUUID
		var catName sql.NullString
		if err := rows.Scan(&groupID, &groupName, &catID, &catName); err != nil {
			log.Printf("scan category group: %v", err)
			errorJSON(w, http.StatusInternalServerError, "failed to list categories")
			return
		}
		pos, exists := index[groupID]
		if !exists {
			pos = len(groups)
			index[groupID] = pos
			groups = append(groups, categoryGroup{ID: groupID, Name: groupName, Subcategories: []category{}})
		}
		if catID.Valid {
			groups[pos].Subcategories = append(groups[pos].Subcategories, category{
				ID:      catID.UUID,
				Name:    catName.String,
				GroupID: groupID,
			})
		}
	}
	if err := rows.Err(); err != nil {
		log.Printf("list category groups: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list categories")
		return
	}
	respondJSON(w, http.StatusOK, groups)
}

func (s *serverState) handleCreateCategoryGroup(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireManageData(w, r); !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		errorJSON(w, http.StatusBadRequest, "name is required")
		return
	}

	group := categoryGroup{ID: uuid.New(), Name: req.Name, Subcategories: []category{}}
	if _, err := s.db.ExecContext(r.Context(),
		`INSERT INTO category_groups (id, name) VALUES (?, ?)`, group.ID, group.Name); err != nil {
		if isUniqueViolation(err) {
			errorJSON(w, http.StatusConflict, "a group with that name already exists")
			return
		}
		log.Printf("insert category group: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to create group")
		return
	}
	respondJSON(w, http.StatusCreated, group)
}

func (s *serverState) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireManageData(w, r); !ok {
		return
	}

	var req struct {
		Name    string    `json:"name"`
		GroupID uuid.UUID `json:"group_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.GroupID == uuid.Nil {
		errorJSON(w, http.StatusBadRequest, "name and group_id are required")
		return
	}

	cat := category{ID: uuid.New(), Name: req.Name, GroupID: req.GroupID}
	if _, err := s.db.ExecContext(r.Context(),
		`INSERT INTO categories (id, name, group_id) VALUES (?, ?, ?)`, cat.ID, cat.Name, cat.GroupID); err != nil {
		if isUniqueViolation(err) {
			errorJSON(w, http.StatusConflict, "a category with that name already exists in this group")
			return
		}
		if isForeignKeyViolation(err) {
			errorJSON(w, http.StatusBadRequest, "group not found")
			return
		}
		log.Printf("insert category: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to create category")
		return
	}
	respondJSON(w, http.StatusCreated, cat)
}

func (s *serverState) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireManageData(w, r); !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid category id")
		return
	}

	res, err := s.db.ExecContext(r.Context(), `DELETE FROM categories WHERE id = ?`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			errorJSON(w, http.StatusConflict, "category is referenced by items or entries")
			return
		}
		log.Printf("delete category: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to delete category")
		return
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		errorJSON(w, http.StatusNotFound, "category not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *serverState) handleListWarehouses(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `SELECT id, name FROM warehouses ORDER BY name`)
	if err != nil {
		log.Printf("list warehouses: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list warehouses")
		return
	}
	defer rows.Close()

	warehouses := []warehouse{}
	for rows.Next() {
		var wh warehouse
		if err := rows.Scan(&wh.ID, &wh.Name); err != nil {
			log.Printf("scan warehouse: %v", err)
			errorJSON(w, http.StatusInternalServerError, "failed to list warehouses")
			return
		}
		warehouses = append(warehouses, wh)
	}
	if err := rows.Err(); err != nil {
		log.Printf("list warehouses: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list warehouses")
		return
	}
	respondJSON(w, http.StatusOK, warehouses)
}

func (s *serverState) handleCreateWarehouse(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireManageData(w, r); !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		errorJSON(w, http.StatusBadRequest, "name is required")
		return
	}

	wh := warehouse{ID: uuid.New(), Name: req.Name}
	if _, err := s.db.ExecContext(r.Context(),
		`INSERT INTO warehouses (id, name) VALUES (?, ?)`, wh.ID, wh.Name); err != nil {
		if isUniqueViolation(err) {
			errorJSON(w, http.StatusConflict, "a warehouse with that name already exists")
			return
		}
		log.Printf("insert warehouse: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to create warehouse")
		return
	}
	respondJSON(w, http.StatusCreated, wh)
}

func (s *serverState) handleDeleteWarehouse(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireManageData(w, r); !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid warehouse id")
		return
	}

	var inUse int
	if err := s.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM entries WHERE warehouse_id = ?`, id).Scan(&inUse); err != nil {
		log.Printf("count warehouse entries: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to delete warehouse")
		return
	}
	if inUse > 0 {
		errorJSON(w, http.StatusConflict, "warehouse has logged entries")
		return
	}

	res, err := s.db.ExecContext(r.Context(), `DELETE FROM warehouses WHERE id = ?`, id)
	if err != nil {
		log.Printf("delete warehouse: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to delete warehouse")
		return
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		errorJSON(w, http.StatusNotFound, "warehouse not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *serverState) handleListInventorySessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `SELECT id, code, name, status FROM inv_sessions ORDER BY code`)
	if err != nil {
		log.Printf("list sessions: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	defer rows.Close()

	sessions := []inventorySession{}
	for rows.Next() {
		var is inventorySession
		if err := rows.Scan(&is.ID, &is.Code, &is.Name, &is.Status); err != nil {
			log.Printf("scan session: %v", err)
			errorJSON(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}
		sessions = append(sessions, is)
	}
	if err := rows.Err(); err != nil {
		log.Printf("list sessions: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (s *serverState) handleCreateInventorySession(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireManageData(w, r); !ok {
		return
	}

	var req struct {
		Code string `json:"code"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Code = strings.TrimSpace(strings.ToUpper(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	if req.Code == "" || req.Name == "" {
		errorJSON(w, http.StatusBadRequest, "code and name are required")
		return
	}

	is := inventorySession{ID: uuid.New(), Code: req.Code, Name: req.Name, Status: "active"}
	if _, err := s.db.ExecContext(r.Context(),
		`INSERT INTO inv_sessions (id, code, name, status) VALUES (?, ?, ?, ?)`,
		is.ID, is.Code, is.Name, is.Status); err != nil {
		if isUniqueViolation(err) {
			errorJSON(w, http.StatusConflict, "a session with that code already exists")
			return
		}
		log.Printf("insert session: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	respondJSON(w, http.StatusCreated, is)
}

func (s *serverState) handleUpdateInventorySession(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireManageData(w, r); !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid session id")
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Status = strings.TrimSpace(strings.ToLower(req.Status))
	if req.Status != "active" && req.Status != "closed" {
		errorJSON(w, http.StatusBadRequest, "status must be 'active' or 'closed'")
		return
	}

	res, err := s.db.ExecContext(r.Context(), `UPDATE inv_sessions SET status = ? WHERE id = ?`, req.Status, id)
	if err != nil {
		log.Printf("update session: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to update session")
		return
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		errorJSON(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *serverState) handleListUnits(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `SELECT id, name FROM units ORDER BY name`)
	if err != nil {
		log.Printf("list units: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list units")
		return
	}
	defer rows.Close()

	units := []unit{}
	for rows.Next() {
		var un unit
		if err := rows.Scan(&un.ID, &un.Name); err != nil {
			log.Printf("scan unit: %v", err)
			errorJSON(w, http.StatusInternalServerError, "failed to list units")
			return
		}
		units = append(units, un)
	}
	if err := rows.Err(); err != nil {
		log.Printf("list units: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list units")
		return
	}
	respondJSON(w, http.StatusOK, units)
}

func (s *serverState) handleCreateUnit(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireManageData(w, r); !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(strings.ToLower(req.Name))
	if req.Name == "" {
		errorJSON(w, http.StatusBadRequest, "name is required")
		return
	}

	un := unit{ID: uuid.New(), Name: req.Name}
	if _, err := s.db.ExecContext(r.Context(),
		`INSERT INTO units (id, name) VALUES (?, ?)`, un.ID, un.Name); err != nil {
		if isUniqueViolation(err) {
			errorJSON(w, http.StatusConflict, "a unit with that name already exists")
			return
		}
		log.Printf("insert unit: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to create unit")
		return
	}
	respondJSON(w, http.StatusCreated, un)
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type entry struct {
	ID           uuid.UUID
	SessionID    uuid.UUID
	ItemID       uuid.UUID
	CategoryID   uuid.NullUUID
	Type         string
	Unit         string
	Qty          float64
	WarehouseID  uuid.UUID
	Batch        sql.NullString
	Mfg          sql.NullString
	Exp          sql.NullString
	PriceAtEntry sql.NullFloat64
	CreatedAt    time.Time
	UserID       uuid.UUID

	OwnerUsername string
	OwnerName     string
}

type entryOwnerDTO struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Name     string    `json:"name,omitempty"`
}

type entryDTO struct {
	ID           uuid.UUID      `json:"id"`
	SessionID    uuid.UUID      `json:"session_id"`
	ItemID       uuid.UUID      `json:"item_id"`
	CategoryID   *uuid.UUID     `json:"category_id,omitempty"`
	Type         string         `json:"type"`
	Unit         string         `json:"unit"`
	Qty          float64        `json:"qty"`
	WarehouseID  uuid.UUID      `json:"warehouse_id"`
	Batch        *string        `json:"batch,omitempty"`
	Mfg          *string        `json:"mfg,omitempty"`
	Exp          *string        `json:"exp,omitempty"`
	PriceAtEntry *float64       `json:"price_at_entry,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	EntryDate    string         `json:"entry_date"`
	UserID       uuid.UUID      `json:"user_id"`
	User         *entryOwnerDTO `json:"user,omitempty"`
}

// toEntryDTO is the read-model serialization shared by API responses and
// stream events: canonical lowercase type, owner flattened to
// id/username/name.
func toEntryDTO(e entry) entryDTO {
	dto := entryDTO{
		ID:          e.ID,
		SessionID:   e.SessionID,
		ItemID:      e.ItemID,
		Type:        strings.ToLower(e.Type),
		Unit:        e.Unit,
		Qty:         e.Qty,
		WarehouseID: e.WarehouseID,
		CreatedAt:   e.CreatedAt,
		EntryDate:   e.CreatedAt.UTC().Format("2006-01-02"),
		UserID:      e.UserID,
		User: &entryOwnerDTO{
			ID:       e.UserID,
			Username: e.OwnerUsername,
			Name:     e.OwnerName,
		},
	}
	if e.CategoryID.Valid {
		id := e.CategoryID.UUID
		dto.CategoryID = &id
	}
	if e.Batch.Valid {
		v := e.Batch.String
		dto.Batch = &v
	}
	if e.Mfg.Valid {
		v := e.Mfg.String
		dto.Mfg = &v
	}
	if e.Exp.Valid {
		v := e.Exp.String
		dto.Exp = &v
	}
	if e.PriceAtEntry.Valid {
		v := e.PriceAtEntry.Float64
		dto.PriceAtEntry = &v
	}
	return dto
}

const entrySelect = `SELECT e.id, e.session_id, e.item_id, e.category_id, e.type, e.unit, e.qty,
	e.warehouse_id, e.batch, e.mfg, e.exp, e.price_at_entry, e.created_at, e.user_id,
	u.username, u.name
	FROM entries e JOIN users u ON u.id = e.user_id`

func scanEntry(row rowScanner) (entry, error) {
	var e entry
	err := row.Scan(
		&e.ID, &e.SessionID, &e.ItemID, &e.CategoryID, &e.Type, &e.Unit, &e.Qty,
		&e.WarehouseID, &e.Batch, &e.Mfg, &e.Exp, &e.PriceAtEntry, &e.CreatedAt, &e.UserID,
		&e.OwnerUsername, &e.OwnerName,
	)
	return e, err
}

func (s *serverState) entryByID(ctx context.Context, id uuid.UUID) (entry, bool, error) {
	row := s.db.QueryRowContext(ctx, entrySelect+` WHERE e.id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, err
	}
	return e, true, nil
}

func (s *serverState) listEntries(ctx context.Context, ownerID *uuid.UUID, entryType string, limit, offset int) ([]entry, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if ownerID != nil {
		where = append(where, "e.user_id = ?")
		args = append(args, *ownerID)
	}
	if entryType != "" {
		where = append(where, "e.type = ?")
		args = append(args, entryType)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries e WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		entrySelect+` WHERE `+cond+` ORDER BY e.created_at DESC, e.id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

type entryPage struct {
	Items   []entryDTO `json:"items"`
	Total   int        `json:"total"`
	Limit   int        `json:"limit"`
	Offset  int        `json:"offset"`
	HasNext bool       `json:"has_next"`
}

func (s *serverState) handleListEntries(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	entryType := ""
	if raw := r.URL.Query().Get("type"); raw != "" {
		parsed, valid := parseEntryType(raw)
		if !valid {
			errorJSON(w, http.StatusBadRequest, "invalid entry type")
			return
		}
		entryType = parsed
	}
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 500 {
		errorJSON(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		errorJSON(w, http.StatusBadRequest, "offset must not be negative")
		return
	}

	entries, total, err := s.listEntries(r.Context(), entryScopeFilter(currentUser), entryType, limit, offset)
	if err != nil {
		log.Printf("list entries: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to list entries")
		return
	}

	items := make([]entryDTO, 0, len(entries))
	for _, e := range entries {
		items = append(items, toEntryDTO(e))
	}
	respondJSON(w, http.StatusOK, entryPage{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasNext: offset+len(items) < total,
	})
}

type entryCreateRequest struct {
	SessionID    uuid.UUID  `json:"session_id"`
	ItemID       uuid.UUID  `json:"item_id"`
	CategoryID   *uuid.UUID `json:"category_id"`
	Type         string     `json:"type"`
	Unit         string     `json:"unit"`
	Qty          float64    `json:"qty"`
	WarehouseID  uuid.UUID  `json:"warehouse_id"`
	Batch        *string    `json:"batch"`
	PriceAtEntry *float64   `json:"price_at_entry"`
	Mfg          *string    `json:"mfg"`
	Exp          *string    `json:"exp"`
	EntryDate    string     `json:"entry_date"`
}

// normalizeLabel trims free-text month/year labels; blank collapses to NULL.
func normalizeLabel(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: trimmed, Valid: true}
}

// combineEntryDate keeps the clock time of base but moves it to the given
// calendar date, so backdated counts sort correctly among same-day entries.
func combineEntryDate(entryDate string, base time.Time) (time.Time, error) {
	if entryDate == "" {
		return base, nil
	}
	d, err := time.Parse("2006-01-02", entryDate)
	if err != nil {
		return time.Time{}, err
	}
	base = base.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(),
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), time.UTC), nil
}

func (s *serverState) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req entryCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	entryType, valid := parseEntryType(req.Type)
	if !valid {
		errorJSON(w, http.StatusBadRequest, "invalid entry type")
		return
	}
	if !canAddEntry(currentUser.Role, entryType) {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return
	}
	req.Unit = strings.TrimSpace(req.Unit)
	if req.SessionID == uuid.Nil || req.ItemID == uuid.Nil || req.WarehouseID == uuid.Nil || req.Unit == "" {
		errorJSON(w, http.StatusBadRequest, "session_id, item_id, warehouse_id and unit are required")
		return
	}

	createdAt, err := combineEntryDate(req.EntryDate, time.Now().UTC())
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "entry_date must be YYYY-MM-DD")
		return
	}

	e := entry{
		ID:          uuid.New(),
		SessionID:   req.SessionID,
		ItemID:      req.ItemID,
		Type:        entryType,
		Unit:        req.Unit,
		Qty:         req.Qty,
		WarehouseID: req.WarehouseID,
		Batch:       normalizeLabel(req.Batch),
		Mfg:         normalizeLabel(req.Mfg),
		Exp:         normalizeLabel(req.Exp),
		CreatedAt:   createdAt,
		UserID:      currentUser.ID,
	}
	if req.CategoryID != nil {
		e.CategoryID = uuid.NullUUID{UUID: *req.CategoryID, Valid: true}
	}
	if req.PriceAtEntry != nil {
		e.PriceAtEntry = sql.NullFloat64{Float64: *req.PriceAtEntry, Valid: true}
	}

	_, err = s.db.ExecContext(r.Context(), `
		INSERT INTO entries (id, session_id, item_id, category_id, type, unit, qty,
			warehouse_id, batch, mfg, exp, price_at_entry, created_at, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.ItemID, e.CategoryID, e.Type, e.Unit, e.Qty,
		e.WarehouseID, e.Batch, e.Mfg, e.Exp, e.PriceAtEntry, e.CreatedAt, e.UserID)
	if err != nil {
		if isForeignKeyViolation(err) {
			errorJSON(w, http.StatusBadRequest, "unknown session, item, category or warehouse")
			return
		}
		log.Printf("insert entry: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to create entry")
		return
	}

	created, _, err := s.entryByID(r.Context(), e.ID)
	if err != nil {
		log.Printf("reload entry: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to create entry")
		return
	}

	dto := toEntryDTO(created)
	s.broker.notifyEntryCreated(dto)
	respondJSON(w, http.StatusCreated, dto)
}

type entryUpdateRequest struct {
	Qty          *float64   `json:"qty"`
	WarehouseID  *uuid.UUID `json:"warehouse_id"`
	Batch        *string    `json:"batch"`
	PriceAtEntry *float64   `json:"price_at_entry"`
	Mfg          *string    `json:"mfg"`
	Exp          *string    `json:"exp"`
	EntryDate    string     `json:"entry_date"`
}

func (s *serverState) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	e, found, err := s.entryByID(r.Context(), id)
	if err != nil {
		log.Printf("lookup entry: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to update entry")
		return
	}
	if !found {
		errorJSON(w, http.StatusNotFound, "entry not found")
		return
	}
	if !canEditEntry(currentUser.Role, e.Type) {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return
	}
	if scoped := entryScopeFilter(currentUser); scoped != nil && e.UserID != *scoped {
		errorJSON(w, http.StatusForbidden, "forbidden")
		return
	}

	var req entryUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Qty != nil {
		e.Qty = *req.Qty
	}
	if req.WarehouseID != nil {
		e.WarehouseID = *req.WarehouseID
	}
	if req.Batch != nil {
		e.Batch = normalizeLabel(req.Batch)
	}
	if req.PriceAtEntry != nil {
		e.PriceAtEntry = sql.NullFloat64{Float64: *req.PriceAtEntry, Valid: true}
	}
	if req.Mfg != nil {
		e.Mfg = normalizeLabel(req.Mfg)
	}
	if req.Exp != nil {
		e.Exp = normalizeLabel(req.Exp)
	}
	e.CreatedAt, err = combineEntryDate(req.EntryDate, e.CreatedAt)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "entry_date must be YYYY-MM-DD")
		return
	}

	_, err = s.db.ExecContext(r.Context(), `
		UPDATE entries SET qty = ?, warehouse_id = ?, batch = ?, price_at_entry = ?,
			mfg = ?, exp = ?, created_at = ?
		WHERE id = ?`,
		e.Qty, e.WarehouseID, e.Batch, e.PriceAtEntry, e.Mfg, e.Exp, e.CreatedAt, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			errorJSON(w, http.StatusBadRequest, "unknown warehouse")
			return
		}
		log.Printf("update entry: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to update entry")
		return
	}

	updated, _, err := s.entryByID(r.Context(), id)
	if err != nil {
		log.Printf("reload entry: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to update entry")
		return
	}

	dto := toEntryDTO(updated)
	s.broker.notifyEntryUpdated(dto)
	respondJSON(w, http.StatusOK, dto)
}

func (s *serverState) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	e, found, err := s.entryByID(r.Context(), id)
	if err != nil {
		log.Printf("lookup entry: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to delete entry")
		return
	}
	if !found {
		errorJSON(w, http.StatusNotFound, "entry not found")
		return
	}
	if !canBulkDeleteEntry(currentUser.Role, e.Type) {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return
	}
	if scoped := entryScopeFilter(currentUser); scoped != nil && e.UserID != *scoped {
		errorJSON(w, http.StatusForbidden, "forbidden")
		return
	}

	if _, err := s.db.ExecContext(r.Context(), `DELETE FROM entries WHERE id = ?`, id); err != nil {
		log.Printf("delete entry: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to delete entry")
		return
	}

	s.broker.notifyEntryDeleted(e.ID.String(), e.Type)
	w.WriteHeader(http.StatusNoContent)
}

type bulkDeleteRequest struct {
	EntryIDs []uuid.UUID `json:"entry_ids"`
}

func (s *serverState) handleBulkDeleteEntries(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req bulkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}

	seen := make(map[uuid.UUID]struct{}, len(req.EntryIDs))
	ids := make([]uuid.UUID, 0, len(req.EntryIDs))
	for _, id := range req.EntryIDs {
		if id == uuid.Nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	found := make(map[uuid.UUID]entry, len(ids))
	var missing []string
	for _, id := range ids {
		e, exists, err := s.entryByID(r.Context(), id)
		if err != nil {
			log.Printf("lookup entry: %v", err)
			errorJSON(w, http.StatusInternalServerError, "failed to delete entries")
			return
		}
		if !exists {
			missing = append(missing, id.String())
			continue
		}
		found[id] = e
	}
	if len(missing) > 0 {
		respondJSON(w, http.StatusNotFound, map[string]any{
			"error":             "entries not found",
			"missing_entry_ids": missing,
		})
		return
	}

	scoped := entryScopeFilter(currentUser)
	for _, id := range ids {
		e := found[id]
		if !canBulkDeleteEntry(currentUser.Role, e.Type) {
			errorJSON(w, http.StatusForbidden, "permission denied")
			return
		}
		if scoped != nil && e.UserID != *scoped {
			errorJSON(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(r.Context(),
		`DELETE FROM entries WHERE id IN (`+placeholders+`)`, args...); err != nil {
		log.Printf("bulk delete entries: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to delete entries")
		return
	}

	for _, id := range ids {
		e := found[id]
		s.broker.notifyEntryDeleted(e.ID.String(), e.Type)
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}

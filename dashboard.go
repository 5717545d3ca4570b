package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Valuation everywhere prefers the price captured on the entry, falling
// back to the item's catalog price.
const valuationExpr = `e.qty * COALESCE(e.price_at_entry, i.price, 0)`

type dashboardCard struct {
	GroupID    uuid.UUID `json:"group_id"`
	GroupName  string    `json:"group_name"`
	Categories int       `json:"categories"`
	Items      int       `json:"items"`
	Counted    int       `json:"counted"`
	TotalValue float64   `json:"total_value"`
}

type dashboardRow struct {
	ItemID       uuid.UUID `json:"item_id"`
	ItemName     string    `json:"item_name"`
	Unit         string    `json:"unit"`
	GroupName    string    `json:"group_name,omitempty"`
	CategoryName string    `json:"category_name,omitempty"`
	Batches      int       `json:"batches"`
	EntriesCount int       `json:"entries_logged"`
	TotalQty     float64   `json:"total_qty"`
	TotalValue   float64   `json:"total_value"`
}

type dashboardSummary struct {
	Cards []dashboardCard `json:"cards"`
	Table []dashboardRow  `json:"table"`
}

func (s *serverState) dashboardCards(ctx context.Context, ownerID *uuid.UUID) ([]dashboardCard, error) {
	entryCond := ""
	args := []any{}
	if ownerID != nil {
		entryCond = " AND e.user_id = ?"
		args = append(args, *ownerID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.name,
			COUNT(DISTINCT c.id),
			COUNT(DISTINCT i.id),
			COUNT(DISTINCT e.item_id),
			COALESCE(SUM(`+valuationExpr+`), 0)
		FROM category_groups g
		LEFT JOIN categories c ON c.group_id = g.id
		LEFT JOIN items i ON i.category_id = c.id
		LEFT JOIN entries e ON e.item_id = i.id`+entryCond+`
		GROUP BY g.id, g.name
		ORDER BY g.name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cards := []dashboardCard{}
	for rows.Next() {
		var c dashboardCard
		if err := rows.Scan(&c.GroupID, &c.GroupName, &c.Categories, &c.Items, &c.Counted, &c.TotalValue); err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

func (s *serverState) dashboardTable(ctx context.Context, ownerID *uuid.UUID) ([]dashboardRow, error) {
	entryCond := ""
	args := []any{}
	if ownerID != nil {
		entryCond = " AND e.user_id = ?"
		args = append(args, *ownerID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.name, i.unit, COALESCE(g.name, ''), COALESCE(c.name, ''),
			COUNT(DISTINCT e.batch),
			COUNT(e.id),
			COALESCE(SUM(e.qty), 0),
			COALESCE(SUM(`+valuationExpr+`), 0)
		FROM items i
		LEFT JOIN categories c ON c.id = i.category_id
		LEFT JOIN category_groups g ON g.id = c.group_id
		LEFT JOIN entries e ON e.item_id = i.id`+entryCond+`
		GROUP BY i.id, i.name, i.unit, g.name, c.name
		ORDER BY i.name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	table := []dashboardRow{}
	for rows.Next() {
		var row dashboardRow
		if err := rows.Scan(&row.ItemID, &row.ItemName, &row.Unit, &row.GroupName, &row.CategoryName,
			&row.Batches, &row.EntriesCount, &row.TotalQty, &row.TotalValue); err != nil {
			return nil, err
		}
		table = append(table, row)
	}
	return table, rows.Err()
}

func (s *serverState) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !currentUser.Role.CanViewDashboard {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return
	}

	scoped := dashboardScopeFilter(currentUser)
	cards, err := s.dashboardCards(r.Context(), scoped)
	if err != nil {
		log.Printf("dashboard cards: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to build dashboard")
		return
	}
	table, err := s.dashboardTable(r.Context(), scoped)
	if err != nil {
		log.Printf("dashboard table: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to build dashboard")
		return
	}
	respondJSON(w, http.StatusOK, dashboardSummary{Cards: cards, Table: table})
}

type dashboardDetail struct {
	Item    item       `json:"item"`
	Entries []entryDTO `json:"entries"`
	Total   int        `json:"total"`
	Limit   int        `json:"limit"`
	Offset  int        `json:"offset"`
}

func (s *serverState) handleDashboardDetail(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !currentUser.Role.CanViewDashboard {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return
	}

	itemID, err := uuid.Parse(chi.URLParam(r, "itemID"))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid item id")
		return
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

	var it item
	var price sql.NullFloat64
	var categoryID uuid.NullUUID
	err = s.db.QueryRowContext(r.Context(),
		`SELECT id, name, unit, price, category_id FROM items WHERE id = ?`, itemID).
		Scan(&it.ID, &it.Name, &it.Unit, &price, &categoryID)
	if errors.Is(err, sql.ErrNoRows) {
		errorJSON(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		log.Printf("lookup item: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to build detail")
		return
	}
	if price.Valid {
		it.Price = &price.Float64
	}
	if categoryID.Valid {
		id := categoryID.UUID
		it.CategoryID = &id
	}

	scoped := dashboardScopeFilter(currentUser)
	cond := `e.item_id = ?`
	args := []any{itemID}
	if scoped != nil {
		cond += ` AND e.user_id = ?`
		args = append(args, *scoped)
	}

	var total int
	if err := s.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM entries e WHERE `+cond, args...).Scan(&total); err != nil {
		log.Printf("count detail entries: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to build detail")
		return
	}

	rows, err := s.db.QueryContext(r.Context(),
		entrySelect+` WHERE `+cond+` ORDER BY e.created_at DESC, e.id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		log.Printf("list detail entries: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to build detail")
		return
	}
	defer rows.Close()

	entries := []entryDTO{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			log.Printf("scan detail entry: %v", err)
			errorJSON(w, http.StatusInternalServerError, "failed to build detail")
			return
		}
		entries = append(entries, toEntryDTO(e))
	}
	if err := rows.Err(); err != nil {
		log.Printf("list detail entries: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to build detail")
		return
	}

	respondJSON(w, http.StatusOK, dashboardDetail{
		Item:    it,
		Entries: entries,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// handleDashboardExport streams the summary table as CSV.
func (s *serverState) handleDashboardExport(w http.ResponseWriter, r *http.Request) {
	currentUser, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !currentUser.Role.CanExportDashboard {
		errorJSON(w, http.StatusForbidden, "permission denied")
		return
	}

	table, err := s.dashboardTable(r.Context(), dashboardScopeFilter(currentUser))
	if err != nil {
		log.Printf("dashboard export: %v", err)
		errorJSON(w, http.StatusInternalServerError, "failed to export dashboard")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="dashboard-summary.csv"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"Item", "Group", "Category", "Unit", "Batches", "Entries", "Total Qty", "Total Value"})
	for _, row := range table {
		_ = cw.Write([]string{
			row.ItemName,
			row.GroupName,
			row.CategoryName,
			row.Unit,
			strconv.Itoa(row.Batches),
			strconv.Itoa(row.EntriesCount),
			formatAmount(row.TotalQty, 3),
			formatAmount(row.TotalValue, 2),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		log.Printf("write dashboard csv: %v", err)
	}
}

func formatAmount(v float64, decimals int) string {
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

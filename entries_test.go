package main

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryLifecyclePublishesEvents(t *testing.T) {
	srv, ts := newTestServer(t)
	u := insertTestUser(t, srv, "counter1", "password123", fullAccessRole("Entry Role"))
	cookie := sessionFor(t, srv, u)
	cat := insertTestCatalog(t, srv, 10)

	sub := srv.broker.subscribe()
	t.Cleanup(func() { srv.broker.unsubscribe(sub) })

	price := 3.5
	batch := "B-1"
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/entries/", cookie, entryCreateRequest{
		SessionID:    cat.SessionID,
		ItemID:       cat.ItemID,
		CategoryID:   &cat.CategoryID,
		Type:         "RAW",
		Unit:         "kg",
		Qty:          5,
		WarehouseID:  cat.WarehouseID,
		Batch:        &batch,
		PriceAtEntry: &price,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeJSON[entryDTO](t, resp)
	assert.Equal(t, "raw", created.Type)
	assert.Equal(t, 5.0, created.Qty)
	require.NotNil(t, created.Batch)
	assert.Equal(t, "B-1", *created.Batch)
	require.NotNil(t, created.PriceAtEntry)
	assert.Equal(t, 3.5, *created.PriceAtEntry)
	require.NotNil(t, created.User)
	assert.Equal(t, "counter1", created.User.Username)

	env := recvEnvelope(t, sub)
	require.Equal(t, eventEntryCreated, env.Type)
	createdPayload, ok := env.Payload.(entryDTO)
	require.True(t, ok)
	assert.Equal(t, created.ID, createdPayload.ID)
	assert.Equal(t, "raw", createdPayload.Type)
	assert.Equal(t, 5.0, createdPayload.Qty)

	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/v1/entries/%s", ts.URL, created.ID), cookie,
		map[string]any{"qty": 7.5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeJSON[entryDTO](t, resp)
	assert.Equal(t, 7.5, updated.Qty)

	env = recvEnvelope(t, sub)
	require.Equal(t, eventEntryUpdated, env.Type)
	updatedPayload, ok := env.Payload.(entryDTO)
	require.True(t, ok)
	assert.Equal(t, created.ID, updatedPayload.ID)
	assert.Equal(t, 7.5, updatedPayload.Qty)

	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/v1/entries/%s", ts.URL, created.ID), cookie, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	env = recvEnvelope(t, sub)
	require.Equal(t, eventEntryDeleted, env.Type)
	assert.Equal(t, entryTombstone{ID: created.ID.String(), Type: "raw"}, env.Payload)
}

func TestCreateEntryValidation(t *testing.T) {
	srv, ts := newTestServer(t)
	u := insertTestUser(t, srv, "counter1", "password123", fullAccessRole("Entry Role"))
	cookie := sessionFor(t, srv, u)
	cat := insertTestCatalog(t, srv, 10)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/entries/", cookie, entryCreateRequest{
		SessionID:   cat.SessionID,
		ItemID:      cat.ItemID,
		Type:        "liquid",
		Unit:        "kg",
		Qty:         1,
		WarehouseID: cat.WarehouseID,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/entries/", cookie, entryCreateRequest{
		SessionID: cat.SessionID,
		ItemID:    cat.ItemID,
		Type:      "raw",
		Unit:      "",
		Qty:       1,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/entries/", cookie, entryCreateRequest{
		SessionID:   cat.SessionID,
		ItemID:      cat.ItemID,
		Type:        "raw",
		Unit:        "kg",
		Qty:         1,
		WarehouseID: cat.WarehouseID,
		EntryDate:   "20-05-2026",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown warehouse trips the foreign key, not a 500.
	bogus := uuid.New()
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/entries/", cookie, entryCreateRequest{
		SessionID:   cat.SessionID,
		ItemID:      cat.ItemID,
		Type:        "raw",
		Unit:        "kg",
		Qty:         1,
		WarehouseID: bogus,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateEntryPermissionPerType(t *testing.T) {
	srv, ts := newTestServer(t)
	ro := fullAccessRole("Raw Only")
	ro.CanAddSFG = false
	ro.CanAddFG = false
	u := insertTestUser(t, srv, "rawonly", "password123", ro)
	cookie := sessionFor(t, srv, u)
	cat := insertTestCatalog(t, srv, 10)

	req := entryCreateRequest{
		SessionID:   cat.SessionID,
		ItemID:      cat.ItemID,
		Type:        "sfg",
		Unit:        "kg",
		Qty:         1,
		WarehouseID: cat.WarehouseID,
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/entries/", cookie, req)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req.Type = "raw"
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/entries/", cookie, req)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func createTestEntry(t *testing.T, ts string, cookie *http.Cookie, cat testCatalog, entryType string, qty float64) entryDTO {
	t.Helper()
	resp := doJSON(t, http.MethodPost, ts+"/api/v1/entries/", cookie, entryCreateRequest{
		SessionID:   cat.SessionID,
		ItemID:      cat.ItemID,
		Type:        entryType,
		Unit:        "kg",
		Qty:         qty,
		WarehouseID: cat.WarehouseID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeJSON[entryDTO](t, resp)
}

func TestListEntriesFiltersAndPaginates(t *testing.T) {
	srv, ts := newTestServer(t)
	u := insertTestUser(t, srv, "lister", "password123", fullAccessRole("List Role"))
	cookie := sessionFor(t, srv, u)
	cat := insertTestCatalog(t, srv, 10)

	for i := 0; i < 3; i++ {
		createTestEntry(t, ts.URL, cookie, cat, "raw", float64(i+1))
	}
	createTestEntry(t, ts.URL, cookie, cat, "fg", 9)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/entries/?type=raw", cookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decodeJSON[entryPage](t, resp)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 3)
	for _, it := range page.Items {
		assert.Equal(t, "raw", it.Type)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/entries/?limit=2", cookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = decodeJSON[entryPage](t, resp)
	assert.Equal(t, 4, page.Total)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasNext)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/entries/?limit=2&offset=2", cookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = decodeJSON[entryPage](t, resp)
	assert.Len(t, page.Items, 2)
	assert.False(t, page.HasNext)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/entries/?limit=0", cookie, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/entries/?type=mystery", cookie, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEntryOwnScopeIsolation(t *testing.T) {
	srv, ts := newTestServer(t)
	cat := insertTestCatalog(t, srv, 10)

	ownRole := fullAccessRole("Own Scope")
	ownRole.EntryScope = scopeOwn
	alice := insertTestUser(t, srv, "alice", "password123", ownRole)
	aliceCookie := sessionFor(t, srv, alice)

	otherRole := fullAccessRole("Own Scope B")
	otherRole.EntryScope = scopeOwn
	bob := insertTestUser(t, srv, "bob", "password123", otherRole)
	bobCookie := sessionFor(t, srv, bob)

	aliceEntry := createTestEntry(t, ts.URL, aliceCookie, cat, "raw", 4)
	createTestEntry(t, ts.URL, bobCookie, cat, "raw", 6)

	// Each own-scoped user lists only their own entries.
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/entries/", bobCookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decodeJSON[entryPage](t, resp)
	require.Len(t, page.Items, 1)
	assert.Equal(t, bob.ID, page.Items[0].UserID)

	// And cannot touch someone else's.
	resp = doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/v1/entries/%s", ts.URL, aliceEntry.ID), bobCookie,
		map[string]any{"qty": 1})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/v1/entries/%s", ts.URL, aliceEntry.ID), bobCookie, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// An org-scoped supervisor sees and edits everything.
	boss := insertTestUser(t, srv, "boss", "password123", fullAccessRole("Supervisor"))
	bossCookie := sessionFor(t, srv, boss)
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/entries/", bossCookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = decodeJSON[entryPage](t, resp)
	assert.Equal(t, 2, page.Total)
}

func TestBulkDeleteEntries(t *testing.T) {
	srv, ts := newTestServer(t)
	u := insertTestUser(t, srv, "bulker", "password123", fullAccessRole("Bulk Role"))
	cookie := sessionFor(t, srv, u)
	cat := insertTestCatalog(t, srv, 10)

	sub := srv.broker.subscribe()
	t.Cleanup(func() { srv.broker.unsubscribe(sub) })

	first := createTestEntry(t, ts.URL, cookie, cat, "raw", 1)
	second := createTestEntry(t, ts.URL, cookie, cat, "sfg", 2)
	keep := createTestEntry(t, ts.URL, cookie, cat, "fg", 3)
	for i := 0; i < 3; i++ {
		env := recvEnvelope(t, sub)
		require.Equal(t, eventEntryCreated, env.Type)
	}

	// A missing id fails the whole batch and names the stragglers.
	ghost := uuid.New()
	resp := doJSON(t, http.MethodDelete, ts.URL+"/api/v1/entries/bulk", cookie, bulkDeleteRequest{
		EntryIDs: []uuid.UUID{first.ID, ghost},
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeJSON[map[string]any](t, resp)
	assert.Equal(t, "entries not found", body["error"])
	assert.Equal(t, []any{ghost.String()}, body["missing_entry_ids"])

	// Duplicates collapse; the batch deletes once per entry.
	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/entries/bulk", cookie, bulkDeleteRequest{
		EntryIDs: []uuid.UUID{first.ID, second.ID, first.ID},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	deleted := map[string]string{}
	for i := 0; i < 2; i++ {
		env := recvEnvelope(t, sub)
		require.Equal(t, eventEntryDeleted, env.Type)
		tomb, ok := env.Payload.(entryTombstone)
		require.True(t, ok)
		deleted[tomb.ID] = tomb.Type
	}
	assert.Equal(t, map[string]string{
		first.ID.String():  "raw",
		second.ID.String(): "sfg",
	}, deleted)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/entries/", cookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decodeJSON[entryPage](t, resp)
	require.Len(t, page.Items, 1)
	assert.Equal(t, keep.ID, page.Items[0].ID)

	// An empty batch is a no-op.
	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/entries/bulk", cookie, bulkDeleteRequest{})
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestBulkDeleteRequiresPermission(t *testing.T) {
	srv, ts := newTestServer(t)
	cat := insertTestCatalog(t, srv, 10)

	ro := fullAccessRole("No FG Delete")
	ro.CanBulkDeleteFG = false
	u := insertTestUser(t, srv, "limited", "password123", ro)
	cookie := sessionFor(t, srv, u)

	fg := createTestEntry(t, ts.URL, cookie, cat, "fg", 1)
	raw := createTestEntry(t, ts.URL, cookie, cat, "raw", 1)

	resp := doJSON(t, http.MethodDelete, ts.URL+"/api/v1/entries/bulk", cookie, bulkDeleteRequest{
		EntryIDs: []uuid.UUID{raw.ID, fg.ID},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Nothing was deleted: the batch is all-or-nothing.
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/entries/", cookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decodeJSON[entryPage](t, resp)
	assert.Equal(t, 2, page.Total)
}

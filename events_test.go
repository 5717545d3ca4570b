package main

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectedEventHasNoPayload(t *testing.T) {
	raw, err := json.Marshal(connectedEvent())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connected"}`, string(raw))
}

func TestEntryDeletedEventTombstone(t *testing.T) {
	raw, err := json.Marshal(entryDeletedEvent("abc-123", "RAW"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"entry.deleted","payload":{"id":"abc-123","type":"raw"}}`, string(raw))
}

func TestEntryCreatedEventCarriesDTO(t *testing.T) {
	dto := entryDTO{ID: uuid.New(), Type: "fg", Qty: 2.5}
	env := entryCreatedEvent(dto)
	assert.Equal(t, eventEntryCreated, env.Type)
	assert.Equal(t, dto, env.Payload)

	env = entryUpdatedEvent(dto)
	assert.Equal(t, eventEntryUpdated, env.Type)
	assert.Equal(t, dto, env.Payload)
}

func TestToEntryDTO(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	userID := uuid.New()
	catID := uuid.New()
	e := entry{
		ID:            uuid.New(),
		SessionID:     uuid.New(),
		ItemID:        uuid.New(),
		CategoryID:    uuid.NullUUID{UUID: catID, Valid: true},
		Type:          "SFG",
		Unit:          "kg",
		Qty:           12.5,
		WarehouseID:   uuid.New(),
		Batch:         sql.NullString{String: "B-7", Valid: true},
		PriceAtEntry:  sql.NullFloat64{Float64: 3.25, Valid: true},
		CreatedAt:     created,
		UserID:        userID,
		OwnerUsername: "counter1",
		OwnerName:     "Counter One",
	}

	dto := toEntryDTO(e)
	assert.Equal(t, "sfg", dto.Type)
	assert.Equal(t, "2026-03-14", dto.EntryDate)
	require.NotNil(t, dto.CategoryID)
	assert.Equal(t, catID, *dto.CategoryID)
	require.NotNil(t, dto.Batch)
	assert.Equal(t, "B-7", *dto.Batch)
	require.NotNil(t, dto.PriceAtEntry)
	assert.Equal(t, 3.25, *dto.PriceAtEntry)
	assert.Nil(t, dto.Mfg)
	assert.Nil(t, dto.Exp)
	require.NotNil(t, dto.User)
	assert.Equal(t, userID, dto.User.ID)
	assert.Equal(t, "counter1", dto.User.Username)
	assert.Equal(t, "Counter One", dto.User.Name)
}

func TestToEntryDTOOmitsNullFields(t *testing.T) {
	dto := toEntryDTO(entry{Type: "raw", CreatedAt: time.Now()})
	raw, err := json.Marshal(dto)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.NotContains(t, m, "category_id")
	assert.NotContains(t, m, "batch")
	assert.NotContains(t, m, "mfg")
	assert.NotContains(t, m, "exp")
	assert.NotContains(t, m, "price_at_entry")
}

func TestCombineEntryDate(t *testing.T) {
	base := time.Date(2026, 5, 20, 14, 30, 15, 0, time.UTC)

	same, err := combineEntryDate("", base)
	require.NoError(t, err)
	assert.Equal(t, base, same)

	moved, err := combineEntryDate("2026-05-01", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 14, 30, 15, 0, time.UTC), moved)

	_, err = combineEntryDate("01/05/2026", base)
	assert.Error(t, err)
}

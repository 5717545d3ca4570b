package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialEntryStream(t *testing.T, baseURL string, cookie *http.Cookie) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/v1/entries/stream"

	header := http.Header{}
	if cookie != nil {
		header.Set("Cookie", cookie.String())
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func readStreamEvent(t *testing.T, conn *websocket.Conn) (string, map[string]any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg.Type, msg.Payload
}

func TestEntryStreamRejectsAnonymous(t *testing.T) {
	srv, ts := newTestServer(t)

	// The upgrade itself succeeds; the policy-violation close arrives as
	// the first and only frame.
	conn := dialEntryStream(t, ts.URL, nil)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "unauthorized", closeErr.Text)

	assert.Equal(t, 0, srv.broker.subscriberCount())
}

func TestEntryStreamRejectsStaleSession(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dialEntryStream(t, ts.URL, &http.Cookie{Name: sessionCookieName, Value: "expired"})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestEntryStreamDeliversEvents(t *testing.T) {
	srv, ts := newTestServer(t)
	u := insertTestUser(t, srv, "streamer", "password123", fullAccessRole("Stream Role"))
	cookie := sessionFor(t, srv, u)

	conn := dialEntryStream(t, ts.URL, cookie)

	// The handshake frame doubles as the subscription barrier: once it
	// arrives, subsequent publishes are guaranteed to reach this client.
	eventType, payload := readStreamEvent(t, conn)
	assert.Equal(t, eventConnected, eventType)
	assert.Nil(t, payload)
	require.Equal(t, 1, srv.broker.subscriberCount())

	entryID := uuid.New()
	dto := entryDTO{ID: entryID, Type: "raw", Unit: "kg", Qty: 5, UserID: u.ID}
	srv.broker.notifyEntryCreated(dto)

	eventType, payload = readStreamEvent(t, conn)
	assert.Equal(t, eventEntryCreated, eventType)
	require.NotNil(t, payload)
	assert.Equal(t, entryID.String(), payload["id"])
	assert.Equal(t, "raw", payload["type"])
	assert.Equal(t, 5.0, payload["qty"])

	srv.broker.notifyEntryDeleted(entryID.String(), "RAW")
	eventType, payload = readStreamEvent(t, conn)
	assert.Equal(t, eventEntryDeleted, eventType)
	assert.Equal(t, entryID.String(), payload["id"])
	assert.Equal(t, "raw", payload["type"])
}

func TestEntryStreamUnsubscribesOnDisconnect(t *testing.T) {
	srv, ts := newTestServer(t)
	u := insertTestUser(t, srv, "leaver", "password123", fullAccessRole("Leaver Role"))
	cookie := sessionFor(t, srv, u)

	conn := dialEntryStream(t, ts.URL, cookie)
	eventType, _ := readStreamEvent(t, conn)
	require.Equal(t, eventConnected, eventType)
	require.Equal(t, 1, srv.broker.subscriberCount())

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return srv.broker.subscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEntryStreamSupportsMultipleClients(t *testing.T) {
	srv, ts := newTestServer(t)
	u := insertTestUser(t, srv, "fanout", "password123", fullAccessRole("Fanout Role"))
	cookie := sessionFor(t, srv, u)

	first := dialEntryStream(t, ts.URL, cookie)
	second := dialEntryStream(t, ts.URL, cookie)
	for _, conn := range []*websocket.Conn{first, second} {
		eventType, _ := readStreamEvent(t, conn)
		require.Equal(t, eventConnected, eventType)
	}
	require.Equal(t, 2, srv.broker.subscriberCount())

	id := uuid.New()
	srv.broker.notifyEntryDeleted(id.String(), "fg")

	for _, conn := range []*websocket.Conn{first, second} {
		eventType, payload := readStreamEvent(t, conn)
		assert.Equal(t, eventEntryDeleted, eventType)
		assert.Equal(t, id.String(), payload["id"])
	}
}

package main

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
	wsMaxMessage = 4 * 1024
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow same-origin cookies; adjust if you introduce cross-origin usage.
		return true
	},
}

// handleEntryStream bridges one websocket connection to the entry broker.
// Identity comes from the session cookie of the originating request; a
// missing, unknown or inactive principal gets a policy-violation close
// before any subscription exists.
func (s *serverState) handleEntryStream(w http.ResponseWriter, r *http.Request) {
	currentUser, authenticated := s.userFromRequest(r)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade entry stream: %v", err)
		return
	}

	if !authenticated || !currentUser.IsActive {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}

	s.streamEntries(conn)
}

// streamEntries runs the session loop: forward broker envelopes to the
// client, keep the connection alive with pings, and tear down on client
// disconnect or server shutdown. The subscription is released on every
// exit path.
func (s *serverState) streamEntries(conn *websocket.Conn) {
	sub := s.broker.subscribe()
	defer func() {
		s.broker.unsubscribe(sub)
		_ = conn.Close()
	}()

	// One persistent read stays outstanding for the whole session. The
	// protocol defines no client commands, so inbound frames are discarded;
	// the read exists solely to notice disconnection promptly.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(wsMaxMessage)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					log.Printf("entry stream read: %v", err)
				}
				return
			}
		}
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(connectedEvent()); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-sub:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readerDone:
			return
		case <-s.shutdown:
			return
		}
	}
}

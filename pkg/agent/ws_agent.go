// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/siphub/siphub-go/pkg/routing"
)

// websocketHub fans routing events out to all connected websocket
// sessions. Slow sessions are dropped rather than back-pressuring the
// engine.
type websocketHub struct {
	upgrader websocket.Upgrader

	mutex    sync.Mutex
	sessions map[*websocket.Conn]chan routing.Event
	closed   bool
}

func newWebsocketHub() *websocketHub {
	return &websocketHub{
		upgrader: websocket.Upgrader{},
		sessions: make(map[*websocket.Conn]chan routing.Event),
	}
}

// handleUpgrade is the HTTP handler for /v1/events.
func (hub *websocketHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	events := make(chan routing.Event, 32)

	hub.mutex.Lock()
	if hub.closed {
		hub.mutex.Unlock()
		_ = conn.Close()
		return
	}
	hub.sessions[conn] = events
	hub.mutex.Unlock()

	log.WithField("client", conn.RemoteAddr()).Debug("Websocket session started")

	go hub.writer(conn, events)
}

func (hub *websocketHub) writer(conn *websocket.Conn, events chan routing.Event) {
	defer hub.drop(conn)

	for event := range events {
		if err := conn.WriteJSON(event); err != nil {
			log.WithFields(log.Fields{
				"client": conn.RemoteAddr(),
				"error":  err,
			}).Debug("Websocket write failed")
			return
		}
	}
}

func (hub *websocketHub) drop(conn *websocket.Conn) {
	hub.mutex.Lock()
	delete(hub.sessions, conn)
	hub.mutex.Unlock()

	_ = conn.Close()
}

// broadcast is attached as the engine's event sink.
func (hub *websocketHub) broadcast(event routing.Event) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	for conn, events := range hub.sessions {
		select {
		case events <- event:
		default:
			// Session cannot keep up; detach it.
			delete(hub.sessions, conn)
			close(events)
		}
	}
}

func (hub *websocketHub) close() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	hub.closed = true
	for conn, events := range hub.sessions {
		delete(hub.sessions, conn)
		close(events)
		_ = conn.Close()
	}
}

// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package agent exposes the hub's operator surface: a small REST API
// for inspection and message injection, and a websocket stream of
// routing events.
package agent

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/siphub/siphub-go/pkg/opv2"
	"github.com/siphub/siphub-go/pkg/routing"
)

// maxInjectLen bounds an injected payload.
const maxInjectLen = 1 << 20

// RestAgent serves the admin API on a mux router.
type RestAgent struct {
	engine *routing.Engine
	router *mux.Router
	srv    *http.Server
	ws     *websocketHub
}

// injectRequest is the JSON body of POST /v1/messages.
type injectRequest struct {
	Recipient string `json:"recipient"`
	TTL       int32  `json:"ttl"`
	Code      string `json:"code"`
	Payload   string `json:"payload"` // hex
}

// NewRestAgent builds the agent around an engine and registers its
// routes. Start runs the HTTP server; the router is exposed for
// tests.
func NewRestAgent(engine *routing.Engine, listenAddress string) *RestAgent {
	ra := &RestAgent{
		engine: engine,
		router: mux.NewRouter(),
		ws:     newWebsocketHub(),
	}

	ra.router.HandleFunc("/v1/status", ra.handleStatus).Methods(http.MethodGet)
	ra.router.HandleFunc("/v1/peers", ra.handlePeers).Methods(http.MethodGet)
	ra.router.HandleFunc("/v1/queue", ra.handleQueue).Methods(http.MethodGet)
	ra.router.HandleFunc("/v1/messages", ra.handleInject).Methods(http.MethodPost)
	ra.router.HandleFunc("/v1/events", ra.ws.handleUpgrade)

	ra.srv = &http.Server{
		Addr:    listenAddress,
		Handler: ra.router,
	}

	engine.SetEventSink(ra.ws.broadcast)

	return ra
}

// Router exposes the handler, e.g. for tests.
func (ra *RestAgent) Router() *mux.Router {
	return ra.router
}

// Start serves the admin API in its own goroutine.
func (ra *RestAgent) Start() {
	log.WithField("address", ra.srv.Addr).Info("Starting admin agent")

	go func() {
		if err := ra.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Admin agent failed")
		}
	}()
}

// Close stops the HTTP server and all websocket sessions.
func (ra *RestAgent) Close() error {
	ra.ws.close()
	return ra.srv.Close()
}

func (ra *RestAgent) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]interface{}{
		"id":    ra.engine.NodeID().String(),
		"peers": len(ra.engine.Peers()),
	})
}

func (ra *RestAgent) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers := make([]string, 0)
	for _, peer := range ra.engine.Peers() {
		peers = append(peers, peer.String())
	}

	writeJSON(w, map[string]interface{}{"peers": peers})
}

func (ra *RestAgent) handleQueue(w http.ResponseWriter, _ *http.Request) {
	keys, err := ra.engine.QueueKeys()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if keys == nil {
		keys = make([]string, 0)
	}

	writeJSON(w, map[string]interface{}{"keys": keys})
}

// handleInject routes a message on behalf of the operator, e.g. from
// the spool tool. A negative TTL is normalized by the engine.
func (ra *RestAgent) handleInject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxInjectLen)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	recipient, err := opv2.ParsePeerID(req.Recipient)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var code opv2.MessageCode
	switch req.Code {
	case "command", "":
		code = opv2.Command
	case "entity":
		code = opv2.Entity
	case "application":
		code = opv2.Application
	default:
		http.Error(w, "unknown code", http.StatusBadRequest)
		return
	}

	payload, err := hex.DecodeString(req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m := opv2.NewMessage(recipient, req.TTL, code, payload)

	log.WithFields(log.Fields{
		"message": m,
	}).Info("Admin agent injects message")

	go ra.engine.RouteMessage(context.Background(), m)

	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Writing admin response failed")
	}
}

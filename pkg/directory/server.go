// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package directory

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/siphub/siphub-go/pkg/keystore"
	"github.com/siphub/siphub-go/pkg/opv2"
)

// Server hosts a directory service over HTTP: peers announce their
// signed cookies with PUT and resolve fingerprints with GET. Announced
// cookies are verified before they enter the table.
type Server struct {
	table  *Table
	router *mux.Router
	srv    *http.Server
}

// NewServer prepares a directory service listening on listenAddress.
func NewServer(listenAddress string) *Server {
	s := &Server{
		table:  NewTable(),
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/v1/peers/{id}", s.handleGet).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/peers/{id}", s.handlePut).Methods(http.MethodPut)

	s.srv = &http.Server{
		Addr:    listenAddress,
		Handler: s.router,
	}

	return s
}

// Router exposes the handler, e.g. for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Table exposes the backing store, e.g. for seeding.
func (s *Server) Table() *Table {
	return s.table
}

// Start serves until Close, in its own goroutine.
func (s *Server) Start() {
	log.WithField("address", s.srv.Addr).Info("Starting directory server")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Directory server failed")
		}
	}()
}

func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := opv2.ParsePeerID(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cookie, err := s.table.Lookup(r.Context(), id)
	if err != nil {
		http.Error(w, "unknown peer", http.StatusNotFound)
		return
	}

	raw, err := opv2.MarshalCookie(*cookie)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/bson")
	_, _ = w.Write(raw)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id, err := opv2.ParsePeerID(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCookieLen))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cookie, err := opv2.UnmarshalCookie(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if cookie.Key != id {
		http.Error(w, "cookie key does not match path", http.StatusBadRequest)
		return
	}
	if err := keystore.VerifyCookie(cookie); err != nil {
		log.WithFields(log.Fields{
			"peer":  id,
			"error": err,
		}).Info("Rejecting announce with bad cookie")

		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	s.table.Put(cookie)

	log.WithFields(log.Fields{
		"peer": id,
		"kind": cookie.Body.Kind(),
	}).Debug("Directory stored announce")

	w.WriteHeader(http.StatusNoContent)
}

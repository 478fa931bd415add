// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"context"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/siphub/siphub-go/pkg/keystore"
	"github.com/siphub/siphub-go/pkg/opv2"
	"github.com/siphub/siphub-go/pkg/overlay"
)

// processLocal handles a message addressed to this hub.
func (e *Engine) processLocal(ctx context.Context, conn *overlay.Connection, m opv2.Message) {
	switch m.Code {
	case opv2.Entity:
		e.handleEntity(ctx, conn, m)

	case opv2.Application:
		e.handleApplication(m)

	case opv2.Command:
		// Reserved for ping and session control. Unknown commands are
		// accepted and ignored.
		log.WithFields(log.Fields{
			"command": string(m.Payload),
		}).Debug("Received command")

	default:
		log.WithField("message", m).Warn("Received message with unknown code")
	}
}

// handleEntity imports a peer's cookie. The first cookie for a peer
// fulfils its latch, registers the carrying connection as a path to
// that peer and answers with our own cookie; repeated cookies are
// no-ops.
func (e *Engine) handleEntity(ctx context.Context, conn *overlay.Connection, m opv2.Message) {
	cookie, err := opv2.UnmarshalCookie(m.Payload)
	if err != nil {
		log.WithFields(log.Fields{
			"message": m,
			"error":   err,
		}).Warn("Discarding malformed cookie")
		return
	}

	if err := keystore.VerifyCookie(cookie); err != nil {
		log.WithFields(log.Fields{
			"cookie": cookie,
			"error":  err,
		}).Warn("Discarding cookie that failed verification")
		return
	}

	if !e.latchFor(cookie.Key).TrySet(cookie.PublicKey) {
		log.WithField("peer", cookie.Key).Debug("Entity keys already known")
		return
	}

	log.WithFields(log.Fields{
		"peer": cookie.Key,
		"kind": cookie.Body.Kind(),
	}).Info("Imported entity keys")

	e.emit("entity-imported", cookie.Key.String(), cookie.Body.Kind().String())

	// A cookie arriving over a live connection marks that connection
	// as a path towards the announced peer.
	if conn != nil {
		e.registerConnection(conn, cookie.Key)

		bootstrap := opv2.NewMessage(cookie.Key, 0, opv2.Command, nil)
		if err := conn.Send(bootstrap); err != nil {
			log.WithFields(log.Fields{
				"peer":  cookie.Key,
				"error": err,
			}).Debug("Bootstrap message was not sent")
		}
	}

	// Complete the exchange from the peer's perspective.
	e.RouteMessage(ctx, e.entityMessage(cookie.Key))
}

// handleApplication decrypts an end-to-end payload and hands it to
// the signaling adapter. Unreadable payloads are dropped and logged.
func (e *Engine) handleApplication(m opv2.Message) {
	plaintext, err := e.ks.DecryptVerify(m.Payload, nil)
	if err != nil {
		log.WithFields(log.Fields{
			"message": m,
			"error":   err,
		}).Warn("Dropping unreadable application payload")
		return
	}

	e.signalingMutex.RLock()
	handler := e.signaling
	e.signalingMutex.RUnlock()

	if handler == nil {
		log.WithField("message", m).Debug("No signaling adapter attached, dropping payload")
		return
	}

	handler.HandleInbound(plaintext)
}

// entityMessage synthesizes an Entity message carrying our signed
// cookie.
func (e *Engine) entityMessage(recipient opv2.PeerID) opv2.Message {
	m := opv2.NewMessage(recipient, e.conf.StartTTL, opv2.Entity, e.selfCookie)
	if e.conf.IdempotenceKeys {
		m.ID = uuid.NewString()
	}
	return m
}

// GetEntityKeys returns the armored public key material of a peer,
// retrieving it on demand: an unfulfilled latch triggers an entity
// exchange by routing our cookie to the peer, whose reply fulfils the
// latch. No internal timeout is imposed; cancellation comes from the
// caller's context.
func (e *Engine) GetEntityKeys(ctx context.Context, peer opv2.PeerID) ([]byte, error) {
	latch := e.latchFor(peer)

	if !latch.Fulfilled() {
		log.WithField("peer", peer).Info("Requesting entity keys")
		e.RouteMessage(ctx, e.entityMessage(peer))
	}

	return latch.Await(ctx)
}

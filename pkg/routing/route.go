// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/siphub/siphub-go/pkg/directory"
	"github.com/siphub/siphub-go/pkg/opv2"
	"github.com/siphub/siphub-go/pkg/overlay"
)

// RouteMessage forwards a message towards its recipient. A negative
// TTL is first rewritten to the configured start TTL, normalizing
// externally injected messages. The policy, in order: direct
// connections (parallel fan-out), directory consultation (hub dial,
// user fan-out, node indirection), store-and-forward fallback.
// Senders never observe a failure; whatever cannot be routed is
// enqueued.
func (e *Engine) RouteMessage(ctx context.Context, m opv2.Message) {
	_ = e.route(ctx, m)
}

// route reports whether the message found a path. A false return
// means the message was enqueued or dropped by policy, which lets the
// flush loops stop instead of spinning on an unroutable message.
func (e *Engine) route(ctx context.Context, m opv2.Message) bool {
	if m.TTL < 0 {
		log.WithFields(log.Fields{
			"message":   m,
			"start_ttl": e.conf.StartTTL,
		}).Debug("Rewriting negative TTL")

		m.TTL = e.conf.StartTTL
	}

	if e.conf.TTLZeroDrop && m.TTL == 0 {
		log.WithField("message", m).Debug("Dropping message with exhausted TTL")
		e.emit("ttl-drop", m.Recipient.String(), "")
		return false
	}

	if conns := e.connsFor(m.Recipient); len(conns) > 0 {
		return e.fanOut(m, conns)
	}

	cookie, err := e.directory.Lookup(ctx, m.Recipient)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			log.WithFields(log.Fields{
				"recipient": m.Recipient,
				"error":     err,
			}).Warn("Directory lookup erred")
		}

		e.enqueue(m.Recipient.String(), m)
		return false
	}

	switch body := cookie.Body.(type) {
	case opv2.HubBody:
		return e.dialAndForward(ctx, body, m)

	case opv2.UserBody:
		// A user is reached through every node it owns, in parallel.
		var routed = false

		var wg sync.WaitGroup
		var once sync.Once

		wg.Add(len(body.OwnedNodes))
		for _, node := range body.OwnedNodes {
			go func(node opv2.PeerID) {
				defer wg.Done()

				copied := m
				copied.Recipient = node
				if e.route(ctx, copied) {
					once.Do(func() { routed = true })
				}
			}(node)
		}
		wg.Wait()

		return routed

	case opv2.NodeBody:
		if body.MostRecentlySeenBy == e.nodeID {
			e.enqueue(body.MostRecentlySeenBy.String(), m)
			return false
		}
		return e.routeVia(ctx, body.MostRecentlySeenBy, m)

	default:
		e.enqueue(m.Recipient.String(), m)
		return false
	}
}

// fanOut emits the message with a decremented TTL on every connection
// of the set in parallel. Duplicates downstream are permitted; no
// order is guaranteed across the paths. If no path accepted the
// message, it is enqueued.
func (e *Engine) fanOut(m opv2.Message, conns []*overlay.Connection) bool {
	out := m.Hop()

	var messageSent = false

	var wg sync.WaitGroup
	var once sync.Once

	wg.Add(len(conns))

	for _, conn := range conns {
		go func(conn *overlay.Connection) {
			defer wg.Done()

			if err := conn.Send(out); err != nil {
				log.WithFields(log.Fields{
					"message": out,
					"conn":    conn,
					"error":   err,
				}).Warn("Sending message failed")
			} else {
				log.WithFields(log.Fields{
					"message": out,
					"conn":    conn,
				}).Debug("Sending message succeeded")

				once.Do(func() { messageSent = true })
			}
		}(conn)
	}

	wg.Wait()

	if messageSent {
		e.emit("forwarded", m.Recipient.String(), "")
		return true
	}

	log.WithField("message", m).Info("No path accepted the message")
	e.enqueue(m.Recipient.String(), m)
	return false
}

// dialAndForward reaches a hub without an existing connection: dial
// its service endpoint with a bounded timeout, run the handshake,
// register the fresh connection and route again, which now finds the
// direct path and performs the one TTL decrement. A timeout enqueues
// instead of dropping.
func (e *Engine) dialAndForward(ctx context.Context, hub opv2.HubBody, m opv2.Message) bool {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	log.WithFields(log.Fields{
		"recipient": m.Recipient,
		"endpoint":  hub.ServiceURI,
	}).Info("Dialing hub on demand")

	conn, err := overlay.Dial(dialCtx, hub.ServiceURI, e.ks, e.statusChan)
	if err != nil {
		log.WithFields(log.Fields{
			"endpoint": hub.ServiceURI,
			"error":    err,
		}).Warn("Dialing hub failed")

		e.enqueue(m.Recipient.String(), m)
		return false
	}

	if err := e.OpenConnection(dialCtx, conn, nil); err != nil {
		e.enqueue(m.Recipient.String(), m)
		return false
	}

	return e.route(ctx, m)
}

// routeVia forwards a message, unchanged in its recipient, through a
// next-hop hub: over an existing connection to that hub, or by
// dialing it after a directory lookup.
func (e *Engine) routeVia(ctx context.Context, nextHop opv2.PeerID, m opv2.Message) bool {
	if conns := e.connsFor(nextHop); len(conns) > 0 {
		return e.fanOut(m, conns)
	}

	cookie, err := e.directory.Lookup(ctx, nextHop)
	if err != nil {
		e.enqueue(m.Recipient.String(), m)
		return false
	}

	if hub, ok := cookie.Body.(opv2.HubBody); ok {
		return e.dialAndForwardVia(ctx, hub, m, nextHop)
	}

	e.enqueue(m.Recipient.String(), m)
	return false
}

// dialAndForwardVia dials the next-hop hub and sends the message over
// the fresh connection, keeping the original recipient.
func (e *Engine) dialAndForwardVia(ctx context.Context, hub opv2.HubBody, m opv2.Message, nextHop opv2.PeerID) bool {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := overlay.Dial(dialCtx, hub.ServiceURI, e.ks, e.statusChan)
	if err != nil {
		e.enqueue(m.Recipient.String(), m)
		return false
	}

	if err := e.OpenConnection(dialCtx, conn, nil); err != nil {
		e.enqueue(m.Recipient.String(), m)
		return false
	}

	if conns := e.connsFor(nextHop); len(conns) > 0 {
		return e.fanOut(m, conns)
	}

	e.enqueue(m.Recipient.String(), m)
	return false
}

// enqueue stores an undeliverable message for a later flush.
func (e *Engine) enqueue(key string, m opv2.Message) {
	if err := e.queue.Enqueue(key, m); err != nil {
		log.WithFields(log.Fields{
			"key":     key,
			"message": m,
			"error":   err,
		}).Error("Enqueueing message failed")
		return
	}

	log.WithFields(log.Fields{
		"key":     key,
		"message": m,
	}).Info("Stored message for later delivery")

	e.emit("enqueued", key, "")
}

// FlushMessages re-routes stored messages. With a key, only that
// key's FIFO is drained; with an empty key, every keyed FIFO. Safe
// under concurrent enqueues; a drain stops as soon as a message finds
// no route again, or when the context finishes.
func (e *Engine) FlushMessages(ctx context.Context, key string) {
	if key == "" {
		keys, err := e.queue.Keys()
		if err != nil {
			log.WithError(err).Warn("Listing queue keys failed")
			return
		}

		for _, k := range keys {
			e.flushKey(ctx, k)
		}
		return
	}

	e.flushKey(ctx, key)
}

func (e *Engine) flushKey(ctx context.Context, key string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m, err := e.queue.DequeueByKey(key)
		if err != nil {
			log.WithFields(log.Fields{
				"key":   key,
				"error": err,
			}).Warn("Dequeueing message failed")
			return
		}
		if m == nil {
			return
		}

		log.WithFields(log.Fields{
			"key":     key,
			"message": m,
		}).Info("Retrying message from queue")

		if !e.route(ctx, *m) {
			// Re-enqueued; another attempt right now would loop.
			return
		}
	}
}

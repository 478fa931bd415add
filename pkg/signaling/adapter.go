// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package signaling bridges a local UDP SIP endpoint to end-to-end
// encrypted application messages on the overlay. The adapter only
// reads the From, To and Call-ID headers; the protocol's semantics
// stay with the local user agent and the remote peer.
package signaling

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/siphub/siphub-go/pkg/keystore"
	"github.com/siphub/siphub-go/pkg/opv2"
	"github.com/siphub/siphub-go/pkg/routing"
)

const (
	// DefaultListenAddress is where the adapter awaits the local user
	// agent.
	DefaultListenAddress = "127.0.0.1:5060"

	// DefaultSentinelHost replaces the From host on inbound requests,
	// so the user agent answers through the adapter.
	DefaultSentinelHost = "overlay.invalid"

	// keyFetchTimeout bounds the wait for a remote peer's keys; the
	// exchange itself has no timeout of its own.
	keyFetchTimeout = 30 * time.Second

	maxDatagramLen = 1 << 16
)

// Adapter moves SIP between the loopback endpoint and the overlay:
// outbound messages are encrypted towards the peer named in their To
// or remembered caller route; inbound payloads are decrypted by the
// engine and delivered here for forwarding to the user agent.
type Adapter struct {
	engine       *routing.Engine
	ks           *keystore.KeyStore
	sentinelHost string

	conn *net.UDPConn

	// clientMutex guards the last seen user agent address, the target
	// for inbound traffic.
	clientMutex sync.RWMutex
	clientAddr  *net.UDPAddr

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewAdapter binds the UDP endpoint and attaches itself to the
// engine's inbound application path.
func NewAdapter(engine *routing.Engine, ks *keystore.KeyStore, listenAddress, sentinelHost string) (*Adapter, error) {
	if listenAddress == "" {
		listenAddress = DefaultListenAddress
	}
	if sentinelHost == "" {
		sentinelHost = DefaultSentinelHost
	}

	addr, err := net.ResolveUDPAddr("udp", listenAddress)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		engine:       engine,
		ks:           ks,
		sentinelHost: sentinelHost,
		conn:         conn,
		stopSyn:      make(chan struct{}),
		stopAck:      make(chan struct{}),
	}

	engine.SetSignaling(a)
	go a.handler()

	log.WithField("address", conn.LocalAddr()).Info("Signaling adapter listening")

	return a, nil
}

// Close stops the adapter and its UDP endpoint.
func (a *Adapter) Close() error {
	close(a.stopSyn)
	err := a.conn.Close()
	<-a.stopAck
	return err
}

// handler reads datagrams from the local user agent and pushes each
// towards the overlay.
func (a *Adapter) handler() {
	defer close(a.stopAck)

	buff := make([]byte, maxDatagramLen)
	for {
		n, addr, err := a.conn.ReadFromUDP(buff)
		if err != nil {
			select {
			case <-a.stopSyn:
				return
			default:
			}

			log.WithError(err).Warn("Reading signaling datagram failed")
			return
		}

		a.clientMutex.Lock()
		a.clientAddr = addr
		a.clientMutex.Unlock()

		raw := make([]byte, n)
		copy(raw, buff[:n])

		// The key fetch may block on a remote exchange; keep reading.
		go a.submit(raw)
	}
}

// submit resolves the recipient of one outbound SIP message, encrypts
// the raw bytes and routes them. Unparsable traffic is dropped
// silently at this boundary.
func (a *Adapter) submit(raw []byte) {
	msg, err := ParseSIPMessage(raw)
	if err != nil {
		log.WithError(err).Debug("Dropping unparsable signaling datagram")
		return
	}

	var recipient opv2.PeerID

	if msg.Request {
		to, err := msg.ToURI()
		if err != nil {
			log.WithError(err).Debug("Dropping request without usable To")
			return
		}
		recipient, err = opv2.ParsePeerID(to.User)
		if err != nil {
			log.WithFields(log.Fields{
				"user":  to.User,
				"error": err,
			}).Debug("Dropping request whose To user is no fingerprint")
			return
		}
		if recipient == a.engine.NodeID() {
			log.Debug("Dropping request addressed to ourselves")
			return
		}
	} else {
		callID, ok := msg.CallID()
		if !ok {
			log.Debug("Dropping response without Call-ID")
			return
		}

		peer, ok := a.engine.TakeCaller(callID)
		if !ok {
			log.WithField("call_id", callID).Debug("Dropping response for unknown dialog")
			return
		}
		recipient = peer
	}

	ctx, cancel := context.WithTimeout(context.Background(), keyFetchTimeout)
	defer cancel()

	keys, err := a.engine.GetEntityKeys(ctx, recipient)
	if err != nil {
		log.WithFields(log.Fields{
			"peer":  recipient,
			"error": err,
		}).Warn("Entity keys not available, dropping signaling message")
		return
	}

	ciphertext, err := a.ks.EncryptSign(raw, keys)
	if err != nil {
		log.WithFields(log.Fields{
			"peer":  recipient,
			"error": err,
		}).Warn("Encrypting signaling message failed")
		return
	}

	// The negative TTL is normalized to the configured start TTL.
	a.engine.RouteMessage(context.Background(), opv2.NewMessage(recipient, -1, opv2.Application, ciphertext))
}

// HandleInbound receives the decrypted payload of an application
// message. Requests get their From host rewritten to the sentinel and
// their return route remembered; everything is then forwarded to the
// local user agent.
func (a *Adapter) HandleInbound(raw []byte) {
	msg, err := ParseSIPMessage(raw)
	if err != nil {
		log.WithError(err).Debug("Dropping unparsable inbound payload")
		return
	}

	out := raw

	if msg.Request {
		if callID, ok := msg.CallID(); ok {
			if from, err := msg.FromURI(); err == nil {
				if peer, err := opv2.ParsePeerID(from.User); err == nil {
					a.engine.RememberCaller(callID, peer)
				} else {
					log.WithField("user", from.User).Debug("From user is no fingerprint, response routing unavailable")
				}
			}
		}

		if err := msg.RewriteFromHost(a.sentinelHost); err != nil {
			log.WithError(err).Debug("From rewrite failed, forwarding untouched")
		} else {
			out = msg.Serialize()
		}
	}

	a.clientMutex.RLock()
	client := a.clientAddr
	a.clientMutex.RUnlock()

	if client == nil {
		log.Debug("No local user agent seen yet, dropping inbound signaling")
		return
	}

	if _, err := a.conn.WriteToUDP(out, client); err != nil {
		log.WithFields(log.Fields{
			"client": client,
			"error":  err,
		}).Warn("Forwarding to local user agent failed")
	}
}

// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package overlay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/siphub/siphub-go/pkg/keystore"
	"github.com/siphub/siphub-go/pkg/opv2"
	"github.com/siphub/siphub-go/pkg/overlay/internal"
)

const (
	// handshakeTimeout is how long the listener side waits for the
	// dialer to open the handshake stream.
	handshakeTimeout = 5 * time.Second

	// keepalivePeriod is the interval of the "PING" command.
	keepalivePeriod = 5 * time.Second
)

// ErrNoRoute is returned by Send if no writable stream matches the
// recipient.
var ErrNoRoute = errors.New("no writable stream for recipient")

// outboundStream is a stream's write side plus the mutex serializing
// record writes, keeping per-stream FIFO order.
type outboundStream struct {
	stream quic.Stream
	mu     sync.Mutex
}

// Connection owns one QUIC connection to one neighbor. It carries a
// (PeerID, stream) pair per authenticated peer behind that neighbor,
// runs a receive and a keepalive goroutine per pair, and publishes
// inbound messages on its status channel.
type Connection struct {
	ks        *keystore.KeyStore
	qc        quic.Connection
	dialer    bool
	reporting chan<- Status

	mu       sync.RWMutex
	inbound  map[opv2.PeerID]quic.Stream
	outbound map[opv2.PeerID]*outboundStream
	cancels  map[opv2.PeerID]context.CancelFunc
	joins    map[opv2.PeerID]chan struct{}
}

// NewConnection wraps an established QUIC connection. All inbound
// messages and peer-loss events are published on the given status
// channel, which the owner must drain.
func NewConnection(ks *keystore.KeyStore, qc quic.Connection, dialer bool, reporting chan<- Status) *Connection {
	return &Connection{
		ks:        ks,
		qc:        qc,
		dialer:    dialer,
		reporting: reporting,
		inbound:   make(map[opv2.PeerID]quic.Stream),
		outbound:  make(map[opv2.PeerID]*outboundStream),
		cancels:   make(map[opv2.PeerID]context.CancelFunc),
		joins:     make(map[opv2.PeerID]chan struct{}),
	}
}

func (c *Connection) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return fmt.Sprintf("Connection(remote=%v, dialer=%v, peers=%d)",
		c.qc.RemoteAddr(), c.dialer, len(c.outbound))
}

// Dialer reports whether this side initiated the QUIC connection.
func (c *Connection) Dialer() bool {
	return c.dialer
}

// RemoteAddr is the transport address of the neighbor.
func (c *Connection) RemoteAddr() net.Addr {
	return c.qc.RemoteAddr()
}

// Handshake performs one mutual authentication on this connection and
// registers the resulting stream pair. On a fresh connection this is
// the first handshake; on an established one it adds another peer
// pairing, replacing a previous pairing for the same PeerID. Returns
// the remote PeerID and its armored public key.
func (c *Connection) Handshake(ctx context.Context) (opv2.PeerID, []byte, error) {
	var stream quic.Stream
	var err error

	if c.dialer {
		stream, err = c.qc.OpenStreamSync(ctx)
	} else {
		acceptCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		stream, err = c.qc.AcceptStream(acceptCtx)
		cancel()
	}
	if err != nil {
		return opv2.PeerID{}, nil, internal.NewHandshakeError("handshake stream", internal.ConnectionError, err)
	}

	peer, remoteKey, err := newHandshake(c.ks, c.qc, stream, c.dialer).run(ctx)
	if err != nil {
		var herr *internal.HandshakeError
		if errors.As(err, &herr) {
			log.WithFields(log.Fields{
				"conn":     c,
				"error":    herr,
				"internal": herr.Unwrap(),
			}).Warn("Handshake failure")
			_ = c.qc.CloseWithError(herr.Code, herr.Msg)
		} else {
			log.WithFields(log.Fields{
				"conn":  c,
				"error": err,
			}).Error("Non handshake-related error during handshake")
			_ = c.qc.CloseWithError(internal.LocalError, "local error")
		}
		return opv2.PeerID{}, nil, err
	}

	log.WithFields(log.Fields{
		"conn": c,
		"peer": peer,
	}).Info("Handshake succeeded")

	c.registerPeer(peer, stream)
	return peer, remoteKey, nil
}

// registerPeer installs the stream pair for a peer and starts its
// receive and keepalive goroutines. A previous pairing for the same
// peer is cancelled and joined first, its stream dropped.
func (c *Connection) registerPeer(peer opv2.PeerID, stream quic.Stream) {
	c.mu.Lock()
	if cancel, ok := c.cancels[peer]; ok {
		prevStream := c.inbound[peer]
		prevJoin := c.joins[peer]
		c.mu.Unlock()

		cancel()
		prevStream.CancelRead(internal.StreamShutdown)
		<-prevJoin

		log.WithFields(log.Fields{
			"conn": c,
			"peer": peer,
		}).Debug("Replaced previous stream pair")

		c.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	join := make(chan struct{})

	c.inbound[peer] = stream
	c.outbound[peer] = &outboundStream{stream: stream}
	c.cancels[peer] = cancel
	c.joins[peer] = join
	c.mu.Unlock()

	go c.receiveLoop(ctx, peer, stream, join)
	go c.keepalive(ctx, peer)
}

// receiveLoop reads BSON records off one stream until cancellation,
// stream loss or a protocol violation.
func (c *Connection) receiveLoop(ctx context.Context, peer opv2.PeerID, stream quic.Stream, join chan struct{}) {
	defer close(join)

	reader := bufio.NewReader(stream)

	for {
		msg, err := opv2.ReadMessage(reader)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}

			c.classifyReadError(peer, stream, err)
			c.report(ctx, NewPeerDisappeared(c, peer))
			return
		}

		c.report(ctx, NewReceivedMessage(c, peer, msg))
	}
}

func (c *Connection) classifyReadError(peer opv2.PeerID, stream quic.Stream, err error) {
	var netErr net.Error
	var appErr *quic.ApplicationError
	var streamErr *quic.StreamError

	switch {
	case errors.Is(err, io.EOF):
		log.WithFields(log.Fields{
			"conn": c,
			"peer": peer,
		}).Debug("Peer closed its stream")

	case errors.As(err, &netErr) && netErr.Timeout():
		log.WithFields(log.Fields{
			"conn":  c,
			"peer":  peer,
			"error": netErr,
		}).Debug("Peer timed out")

	case errors.As(err, &appErr):
		log.WithFields(log.Fields{
			"peer":       peer,
			"remote":     appErr.Remote,
			"error code": appErr.ErrorCode,
			"error msg":  appErr.ErrorMessage,
		}).Debug("Connection to peer closed")

	case errors.As(err, &streamErr):
		log.WithFields(log.Fields{
			"conn":  c,
			"peer":  peer,
			"error": streamErr,
		}).Debug("Stream to peer reset")

	default:
		// Malformed record: a protocol violation, drop the stream.
		log.WithFields(log.Fields{
			"conn":  c,
			"peer":  peer,
			"error": err,
		}).Warn("Protocol violation on inbound stream")

		stream.CancelRead(internal.StreamViolation)
	}
}

// keepalive emits a "PING" command towards the peer every five
// seconds until cancellation.
func (c *Connection) keepalive(ctx context.Context, peer opv2.PeerID) {
	ticker := time.NewTicker(keepalivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			ping := opv2.NewMessage(peer, 0, opv2.Command, []byte("PING"))
			if err := c.Send(ping); err != nil {
				log.WithFields(log.Fields{
					"conn":  c,
					"peer":  peer,
					"error": err,
				}).Debug("Keepalive failed")
			}
		}
	}
}

func (c *Connection) report(ctx context.Context, status Status) {
	select {
	case c.reporting <- status:
	case <-ctx.Done():
	}
}

// Send serializes one message onto the outbound stream selected for
// its recipient. Writes to the same stream are serialized by the
// stream's mutex; the caller is never suspended longer than the
// underlying write. Without a matching stream, ErrNoRoute is returned.
func (c *Connection) Send(m opv2.Message) error {
	c.mu.RLock()
	out := c.bestOutboundStream(m.Recipient)
	c.mu.RUnlock()

	if out == nil {
		return ErrNoRoute
	}

	out.mu.Lock()
	defer out.mu.Unlock()

	return opv2.WriteMessage(out.stream, m)
}

// bestOutboundStream picks the stream for a target. The probe runs
// against the outbound map; with no exact match and exactly one
// stream, that stream is used, since a single-peer neighbor receives
// everything. Callers must hold c.mu.
func (c *Connection) bestOutboundStream(target opv2.PeerID) *outboundStream {
	if out, ok := c.outbound[target]; ok {
		return out
	}

	if len(c.outbound) == 1 {
		for _, out := range c.outbound {
			return out
		}
	}

	return nil
}

// HasPeer reports whether a stream pair for the peer exists.
func (c *Connection) HasPeer(peer opv2.PeerID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.outbound[peer]
	return ok
}

// Peers lists all PeerIDs with a registered stream pair.
func (c *Connection) Peers() []opv2.PeerID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	peers := make([]opv2.PeerID, 0, len(c.outbound))
	for peer := range c.outbound {
		peers = append(peers, peer)
	}
	return peers
}

// Close cancels all per-peer goroutines, joins them and closes the
// QUIC connection. Errors occurring during teardown are absorbed so
// that disposal is total.
func (c *Connection) Close() error {
	c.mu.Lock()
	cancels := c.cancels
	inbound := c.inbound
	joins := c.joins

	c.cancels = make(map[opv2.PeerID]context.CancelFunc)
	c.inbound = make(map[opv2.PeerID]quic.Stream)
	c.outbound = make(map[opv2.PeerID]*outboundStream)
	c.joins = make(map[opv2.PeerID]chan struct{})
	c.mu.Unlock()

	for peer, cancel := range cancels {
		cancel()
		inbound[peer].CancelRead(internal.StreamShutdown)
	}
	for _, join := range joins {
		<-join
	}

	return c.qc.CloseWithError(internal.ApplicationShutdown, "hub shutting down")
}

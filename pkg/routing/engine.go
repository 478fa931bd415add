// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package routing implements the hub's inner processing: the routing
// table over all neighbor connections, dispatch of inbound messages,
// TTL-bounded forwarding with store-and-forward fallback, on-demand
// hub dialing and the entity-key exchange.
package routing

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/siphub/siphub-go/pkg/directory"
	"github.com/siphub/siphub-go/pkg/keystore"
	"github.com/siphub/siphub-go/pkg/opv2"
	"github.com/siphub/siphub-go/pkg/overlay"
	"github.com/siphub/siphub-go/pkg/storage"
)

const (
	// dialTimeout bounds the on-demand dial towards another hub.
	dialTimeout = 5 * time.Second

	// flushInterval is the cadence of the full queue drain.
	flushInterval = time.Minute
)

// DefaultStartTTL is the hop budget applied to synthesized messages
// and to externally injected messages with a negative TTL.
const DefaultStartTTL = 99

// SignalingHandler receives the decrypted payload of inbound
// application messages, usually the signaling adapter.
type SignalingHandler interface {
	HandleInbound(raw []byte)
}

// Config carries the engine's identity and policy knobs.
type Config struct {
	Hostname     string
	ServiceURI   string
	DirectoryURI string
	Owners       []opv2.PeerID

	// StartTTL defaults to DefaultStartTTL if zero.
	StartTTL int32

	// TTLZeroDrop makes the sender drop messages whose TTL is already
	// zero instead of emitting them for one more hop.
	TTLZeroDrop bool

	// IdempotenceKeys stamps the Entity (cookie) messages the engine
	// synthesizes with a unique ID so endpoints may deduplicate fan-out
	// copies. Application and command messages carry no ID.
	IdempotenceKeys bool
}

// connSet is the set of live connections towards one peer. Multiple
// direct paths are permitted and tried in parallel.
type connSet struct {
	mu    sync.Mutex
	conns []*overlay.Connection
}

func (cs *connSet) insert(conn *overlay.Connection) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, known := range cs.conns {
		if known == conn {
			return
		}
	}
	cs.conns = append(cs.conns, conn)
}

// remove drops conn and reports the number of remaining members.
func (cs *connSet) remove(conn *overlay.Connection) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for i, known := range cs.conns {
		if known == conn {
			cs.conns = append(cs.conns[:i], cs.conns[i+1:]...)
			break
		}
	}
	return len(cs.conns)
}

func (cs *connSet) snapshot() []*overlay.Connection {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return append([]*overlay.Connection(nil), cs.conns...)
}

// Engine owns the routing table and performs all forwarding decisions.
type Engine struct {
	nodeID opv2.PeerID
	conf   Config

	ks        *keystore.KeyStore
	queue     storage.MessageQueue
	directory directory.Directory
	cron      *Cron

	// selfCookie is our signed hub cookie, pre-serialized.
	selfCookie []byte

	// connections: Map[opv2.PeerID]*connSet
	connections sync.Map
	// entityKeys: Map[opv2.PeerID]*Latch
	entityKeys sync.Map
	// callerMap: Map[string]opv2.PeerID
	callerMap sync.Map

	flushMutex  sync.Mutex
	flushCancel map[opv2.PeerID]context.CancelFunc
	flushJoin   map[opv2.PeerID]chan struct{}

	statusChan chan overlay.Status

	signalingMutex sync.RWMutex
	signaling      SignalingHandler

	eventMutex sync.RWMutex
	eventSink  func(Event)

	stopSyn chan struct{}
	stopAck chan struct{}
}

// Event is a routing decision surfaced to observers like the admin
// agent's websocket stream.
type Event struct {
	Kind   string    `json:"kind"`
	Peer   string    `json:"peer,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// NewEngine assembles an Engine around the given key material, queue
// and directory and starts its background handling.
func NewEngine(ks *keystore.KeyStore, queue storage.MessageQueue, dir directory.Directory, conf Config) (*Engine, error) {
	if conf.StartTTL == 0 {
		conf.StartTTL = DefaultStartTTL
	}

	e := &Engine{
		nodeID:      ks.PeerID(),
		conf:        conf,
		ks:          ks,
		queue:       queue,
		directory:   dir,
		cron:        NewCron(),
		flushCancel: make(map[opv2.PeerID]context.CancelFunc),
		flushJoin:   make(map[opv2.PeerID]chan struct{}),
		statusChan:  make(chan overlay.Status, 100),
		stopSyn:     make(chan struct{}),
		stopAck:     make(chan struct{}),
	}

	cookie := opv2.NewCookie(opv2.PeerID{}, nil, opv2.HubBody{
		Hostname:     conf.Hostname,
		DirectoryURI: conf.DirectoryURI,
		ServiceURI:   conf.ServiceURI,
		Owners:       conf.Owners,
	})
	if err := ks.SignCookie(&cookie); err != nil {
		return nil, err
	}

	raw, err := opv2.MarshalCookie(cookie)
	if err != nil {
		return nil, err
	}
	e.selfCookie = raw

	if err := e.cron.Register("flush_queued", func() {
		e.FlushMessages(context.Background(), "")
	}, flushInterval); err != nil {
		log.WithError(err).Warn("Failed to register flush_queued at cron")
	}

	go e.handler()

	return e, nil
}

// NodeID is the hub's own PeerID.
func (e *Engine) NodeID() opv2.PeerID {
	return e.nodeID
}

// SelfCookie is our signed hub cookie, serialized.
func (e *Engine) SelfCookie() []byte {
	return e.selfCookie
}

// Channel is the status channel all connections of this engine report
// into, to be passed to listeners and dialers.
func (e *Engine) Channel() chan overlay.Status {
	return e.statusChan
}

// SetSignaling attaches the handler for decrypted application
// payloads.
func (e *Engine) SetSignaling(h SignalingHandler) {
	e.signalingMutex.Lock()
	defer e.signalingMutex.Unlock()

	e.signaling = h
}

// SetEventSink attaches an observer for routing events.
func (e *Engine) SetEventSink(sink func(Event)) {
	e.eventMutex.Lock()
	defer e.eventMutex.Unlock()

	e.eventSink = sink
}

func (e *Engine) emit(kind, peer, detail string) {
	e.eventMutex.RLock()
	sink := e.eventSink
	e.eventMutex.RUnlock()

	if sink != nil {
		sink(Event{Kind: kind, Peer: peer, Detail: detail, Time: time.Now()})
	}
}

// handler does the Engine's background work: dispatching inbound
// messages and reacting to vanished peers.
func (e *Engine) handler() {
	for {
		select {
		case <-e.stopSyn:
			e.cron.Stop()
			e.teardown()
			close(e.stopAck)
			return

		case status := <-e.statusChan:
			switch status.Type {
			case overlay.ReceivedMessage:
				e.dispatch(context.Background(), status.Conn, *status.Message)

			case overlay.PeerDisappeared:
				e.CloseConnection(status.Conn, status.Peer)

			default:
				log.WithFields(log.Fields{
					"status": status,
				}).Warn("Received Status with unknown type")
			}
		}
	}
}

// dispatch classifies one inbound message: processing for us, routing
// for everyone else.
func (e *Engine) dispatch(ctx context.Context, conn *overlay.Connection, m opv2.Message) {
	if m.Recipient == e.nodeID {
		e.processLocal(ctx, conn, m)
	} else {
		e.RouteMessage(ctx, m)
	}
}

// RegisterInbound is the register function handed to the overlay
// listener: it runs the handshake and inserts the connection.
func (e *Engine) RegisterInbound(conn *overlay.Connection) {
	if err := e.OpenConnection(context.Background(), conn, nil); err != nil {
		log.WithFields(log.Fields{
			"conn":  conn,
			"error": err,
		}).Warn("Inbound connection failed to open")
	}
}

// OpenConnection performs the handshake on conn, registers the
// authenticated peer in the routing table and spawns a fresh flush
// task for it. An optional bootstrap message is sent on the fresh
// connection first. The authenticated peer's key material fulfils its
// entity latch.
func (e *Engine) OpenConnection(ctx context.Context, conn *overlay.Connection, bootstrap *opv2.Message) error {
	peer, remoteKey, err := conn.Handshake(ctx)
	if err != nil {
		return err
	}

	e.latchFor(peer).TrySet(remoteKey)
	e.registerConnection(conn, peer)

	if bootstrap != nil {
		if err := conn.Send(*bootstrap); err != nil {
			log.WithFields(log.Fields{
				"peer":  peer,
				"error": err,
			}).Debug("Bootstrap message was not sent")
		}
	}

	// The dialer announces itself right after the handshake.
	if conn.Dialer() {
		announcement := e.entityMessage(peer)
		if err := conn.Send(announcement); err != nil {
			log.WithFields(log.Fields{
				"peer":  peer,
				"error": err,
			}).Warn("Self-announcement was not sent")
		}
	}

	e.emit("peer-connected", peer.String(), conn.RemoteAddr().String())
	return nil
}

// registerConnection union-inserts conn under peer and restarts the
// peer's flush task: a prior task is cancelled and joined, then a
// fresh one spawned under a fresh cancel handle.
func (e *Engine) registerConnection(conn *overlay.Connection, peer opv2.PeerID) {
	set, _ := e.connections.LoadOrStore(peer, &connSet{})
	set.(*connSet).insert(conn)

	// A joined task may itself be stuck registering a connection, so
	// the join must happen outside the mutex.
	e.cancelFlushTask(peer)

	ctx, cancel := context.WithCancel(context.Background())
	join := make(chan struct{})

	e.flushMutex.Lock()
	e.flushCancel[peer] = cancel
	e.flushJoin[peer] = join
	e.flushMutex.Unlock()

	go func() {
		defer close(join)
		e.FlushMessages(ctx, peer.String())
	}()

	log.WithFields(log.Fields{
		"peer": peer,
		"conn": conn,
	}).Info("Registered connection")
}

// cancelFlushTask removes, cancels and joins the flush task of a
// peer, if one runs.
func (e *Engine) cancelFlushTask(peer opv2.PeerID) {
	e.flushMutex.Lock()
	cancel, ok := e.flushCancel[peer]
	join := e.flushJoin[peer]
	if ok {
		delete(e.flushCancel, peer)
		delete(e.flushJoin, peer)
	}
	e.flushMutex.Unlock()

	if ok {
		cancel()
		<-join
	}
}

// CloseConnection removes conn from the peer's set, cancels and joins
// the peer's flush task and disposes conn once no set references it
// anymore. Errors during teardown are absorbed.
func (e *Engine) CloseConnection(conn *overlay.Connection, peer opv2.PeerID) {
	e.cancelFlushTask(peer)

	if set, ok := e.connections.Load(peer); ok {
		if remaining := set.(*connSet).remove(conn); remaining == 0 {
			e.connections.Delete(peer)
		}
	}

	if !e.referenced(conn) {
		if err := conn.Close(); err != nil {
			log.WithFields(log.Fields{
				"conn":  conn,
				"error": err,
			}).Debug("Closing connection erred")
		}
	}

	log.WithFields(log.Fields{
		"peer": peer,
	}).Info("Closed connection")

	e.emit("peer-disconnected", peer.String(), "")
}

// referenced reports whether any set in the routing table still holds
// conn.
func (e *Engine) referenced(conn *overlay.Connection) bool {
	found := false
	e.connections.Range(func(_, value interface{}) bool {
		for _, known := range value.(*connSet).snapshot() {
			if known == conn {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// connsFor snapshots the connection set towards a peer.
func (e *Engine) connsFor(peer opv2.PeerID) []*overlay.Connection {
	if set, ok := e.connections.Load(peer); ok {
		return set.(*connSet).snapshot()
	}
	return nil
}

// Peers lists all peers with at least one live connection.
func (e *Engine) Peers() []opv2.PeerID {
	var peers []opv2.PeerID
	e.connections.Range(func(key, _ interface{}) bool {
		peers = append(peers, key.(opv2.PeerID))
		return true
	})
	return peers
}

// HasConnection reports whether at least one live connection towards
// the peer exists.
func (e *Engine) HasConnection(peer opv2.PeerID) bool {
	return len(e.connsFor(peer)) > 0
}

// ConnectTo dials an overlay endpoint and opens the connection,
// running the handshake and registering the peer. Used for statically
// configured neighbors and discovery hits.
func (e *Engine) ConnectTo(ctx context.Context, endpoint string) error {
	conn, err := overlay.Dial(ctx, endpoint, e.ks, e.statusChan)
	if err != nil {
		return err
	}

	return e.OpenConnection(ctx, conn, nil)
}

// latchFor fetches or inserts the entity-key latch of a peer.
func (e *Engine) latchFor(peer opv2.PeerID) *Latch {
	latch, _ := e.entityKeys.LoadOrStore(peer, NewLatch())
	return latch.(*Latch)
}

// PrimeEntityKeys publishes key material for a peer obtained out of
// band. First publisher wins, like every latch write.
func (e *Engine) PrimeEntityKeys(peer opv2.PeerID, keys []byte) {
	e.latchFor(peer).TrySet(keys)
}

// RememberCaller stores the response route for a signaling dialog.
func (e *Engine) RememberCaller(callID string, peer opv2.PeerID) {
	e.callerMap.Store(callID, peer)
}

// TakeCaller consumes the response route for a signaling dialog.
func (e *Engine) TakeCaller(callID string) (opv2.PeerID, bool) {
	if peer, ok := e.callerMap.LoadAndDelete(callID); ok {
		return peer.(opv2.PeerID), true
	}
	return opv2.PeerID{}, false
}

// QueueKeys lists the keys currently holding undeliverable messages.
func (e *Engine) QueueKeys() ([]string, error) {
	return e.queue.Keys()
}

// teardown closes all connections and the queue, joining every flush
// task first. Cancellation-class errors are swallowed so disposal is
// total.
func (e *Engine) teardown() {
	e.flushMutex.Lock()
	cancels := e.flushCancel
	joins := e.flushJoin
	e.flushCancel = make(map[opv2.PeerID]context.CancelFunc)
	e.flushJoin = make(map[opv2.PeerID]chan struct{})
	e.flushMutex.Unlock()

	for peer, cancel := range cancels {
		cancel()
		<-joins[peer]
	}

	var closeErr *multierror.Error

	seen := make(map[*overlay.Connection]struct{})
	e.connections.Range(func(key, value interface{}) bool {
		for _, conn := range value.(*connSet).snapshot() {
			if _, ok := seen[conn]; ok {
				continue
			}
			seen[conn] = struct{}{}
			if err := conn.Close(); err != nil {
				closeErr = multierror.Append(closeErr, err)
			}
		}
		e.connections.Delete(key)
		return true
	})

	if err := e.queue.Close(); err != nil {
		closeErr = multierror.Append(closeErr, err)
	}

	if err := closeErr.ErrorOrNil(); err != nil {
		log.WithError(err).Debug("Teardown finished with absorbed errors")
	}
}

// Close shuts the Engine down, tearing down all connections.
func (e *Engine) Close() {
	close(e.stopSyn)
	<-e.stopAck
}

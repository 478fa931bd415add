// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"context"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/siphub/siphub-go/pkg/directory"
	"github.com/siphub/siphub-go/pkg/keystore"
	"github.com/siphub/siphub-go/pkg/opv2"
	"github.com/siphub/siphub-go/pkg/overlay"
	"github.com/siphub/siphub-go/pkg/storage"
)

func newTestKeyStore(t *testing.T, name string) *keystore.KeyStore {
	t.Helper()

	entity, err := openpgp.NewEntity(name, "", name+"@example.org", &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
	})
	if err != nil {
		t.Fatalf("generating key pair failed: %v", err)
	}

	ks, err := keystore.NewFromEntity(entity)
	if err != nil {
		t.Fatalf("creating KeyStore failed: %v", err)
	}
	return ks
}

// newTestEngine assembles an Engine over a fresh badger queue and a
// static directory table.
func newTestEngine(t *testing.T, ks *keystore.KeyStore, conf Config) (*Engine, storage.MessageQueue, *directory.Table) {
	t.Helper()

	queue, err := storage.NewBadgerQueue(t.TempDir())
	if err != nil {
		t.Fatalf("opening queue failed: %v", err)
	}

	table := directory.NewTable()

	engine, err := NewEngine(ks, queue, table, conf)
	if err != nil {
		t.Fatalf("creating engine failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, queue, table
}

// testPeer is a bare remote peer: a listener answering handshakes and
// collecting everything it receives, without an engine of its own.
type testPeer struct {
	ks       *keystore.KeyStore
	listener *overlay.Listener
	received chan opv2.Message
}

func startTestPeer(t *testing.T, name string) *testPeer {
	t.Helper()

	p := &testPeer{
		ks:       newTestKeyStore(t, name),
		received: make(chan opv2.Message, 64),
	}

	reporting := make(chan overlay.Status, 64)
	go func() {
		for status := range reporting {
			if status.Type == overlay.ReceivedMessage {
				p.received <- *status.Message
			}
		}
	}()

	listener, err := overlay.NewListener("127.0.0.1:0", "", "", p.ks, reporting, func(conn *overlay.Connection) {
		_, _, _ = conn.Handshake(context.Background())
	})
	if err != nil {
		t.Fatalf("creating listener failed: %v", err)
	}
	if err := listener.Start(); err != nil {
		t.Fatalf("starting listener failed: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	p.listener = listener
	return p
}

func (p *testPeer) addr() string {
	return p.listener.Addr().String()
}

// awaitCode waits for the next received message with the given code,
// skipping keepalives and announcements of other codes.
func (p *testPeer) awaitCode(t *testing.T, code opv2.MessageCode) opv2.Message {
	t.Helper()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case m := <-p.received:
			if m.Code == code {
				return m
			}
		case <-deadline:
			t.Fatalf("no %v message arrived", code)
		}
	}
}

func signedHubCookie(t *testing.T, ks *keystore.KeyStore, serviceURI string) opv2.Cookie {
	t.Helper()

	c := opv2.NewCookie(opv2.PeerID{}, nil, opv2.HubBody{
		Hostname:   "test-hub",
		ServiceURI: serviceURI,
	})
	if err := ks.SignCookie(&c); err != nil {
		t.Fatalf("signing cookie failed: %v", err)
	}
	return c
}

// TestStoreAndForward covers the queue fallback: no route and no
// directory entry stores the message; a fresh connection for the
// recipient flushes it out again.
func TestStoreAndForward(t *testing.T) {
	ksA := newTestKeyStore(t, "hub-a")
	engine, queue, _ := newTestEngine(t, ksA, Config{Hostname: "a"})

	peer := startTestPeer(t, "peer-x")
	recipient := peer.ks.PeerID()

	engine.RouteMessage(context.Background(), opv2.NewMessage(recipient, 5, opv2.Application, []byte("later")))

	stored, err := queue.DequeueByKey(recipient.String())
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if stored == nil {
		t.Fatal("unroutable message was not enqueued")
	}
	if stored.TTL != 5 {
		t.Errorf("stored TTL %d, want 5", stored.TTL)
	}

	// Put it back and let a fresh connection flush it.
	if err := queue.Enqueue(recipient.String(), *stored); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := overlay.Dial(ctx, peer.addr(), ksA, engine.Channel())
	if err != nil {
		t.Fatalf("dialing failed: %v", err)
	}
	if err := engine.OpenConnection(ctx, conn, nil); err != nil {
		t.Fatalf("opening connection failed: %v", err)
	}

	flushed := peer.awaitCode(t, opv2.Application)
	if flushed.TTL != 4 {
		t.Errorf("flushed message has TTL %d, want 4", flushed.TTL)
	}

	// Queue must be empty again; give the flush task a moment.
	deadline := time.Now().Add(5 * time.Second)
	for {
		m, err := queue.DequeueByKey(recipient.String())
		if err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		if m == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queue still holds the flushed message")
		}
		if err := queue.Enqueue(recipient.String(), *m); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TestFanOut routes one message while two connections towards the
// recipient exist and expects a copy with decremented TTL on each.
func TestFanOut(t *testing.T) {
	ksA := newTestKeyStore(t, "hub-a")
	engine, _, _ := newTestEngine(t, ksA, Config{Hostname: "a"})

	peer := startTestPeer(t, "peer-b")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		conn, err := overlay.Dial(ctx, peer.addr(), ksA, engine.Channel())
		if err != nil {
			t.Fatalf("dial %d failed: %v", i, err)
		}
		if err := engine.OpenConnection(ctx, conn, nil); err != nil {
			t.Fatalf("open %d failed: %v", i, err)
		}
	}

	if got := len(engine.connsFor(peer.ks.PeerID())); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}

	engine.RouteMessage(ctx, opv2.NewMessage(peer.ks.PeerID(), 3, opv2.Application, []byte("twice")))

	for i := 0; i < 2; i++ {
		m := peer.awaitCode(t, opv2.Application)
		if m.TTL != 2 {
			t.Errorf("copy %d has TTL %d, want 2", i, m.TTL)
		}
	}
}

// TestHubRelay covers the on-demand dial: the directory knows the
// recipient as a hub, no connection exists, so the engine dials,
// authenticates and forwards with a single TTL decrement.
func TestHubRelay(t *testing.T) {
	ksA := newTestKeyStore(t, "hub-a")
	engine, _, table := newTestEngine(t, ksA, Config{Hostname: "a"})

	peer := startTestPeer(t, "hub-y")
	table.Put(signedHubCookie(t, peer.ks, peer.addr()))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	engine.RouteMessage(ctx, opv2.NewMessage(peer.ks.PeerID(), 3, opv2.Application, []byte("relayed")))

	m := peer.awaitCode(t, opv2.Application)
	if m.TTL != 2 {
		t.Errorf("relayed message has TTL %d, want 2", m.TTL)
	}

	if got := len(engine.connsFor(peer.ks.PeerID())); got != 1 {
		t.Errorf("dialed connection was not registered, set has %d members", got)
	}
}

// TestNegativeTTLRewrite pins the rewrite rule: routing a message
// with a negative TTL equals routing it with the start TTL.
func TestNegativeTTLRewrite(t *testing.T) {
	ksA := newTestKeyStore(t, "hub-a")
	engine, queue, _ := newTestEngine(t, ksA, Config{Hostname: "a", StartTTL: 42})

	recipient := newTestKeyStore(t, "nobody").PeerID()

	engine.RouteMessage(context.Background(), opv2.NewMessage(recipient, -7, opv2.Command, nil))

	stored, err := queue.DequeueByKey(recipient.String())
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if stored == nil {
		t.Fatal("message was not enqueued")
	}
	if stored.TTL != 42 {
		t.Errorf("stored TTL %d, want the start TTL 42", stored.TTL)
	}
}

// TestTTLZeroDrop covers both sides of the ttl-zero policy knob.
func TestTTLZeroDrop(t *testing.T) {
	ksA := newTestKeyStore(t, "hub-a")
	engine, queue, _ := newTestEngine(t, ksA, Config{Hostname: "a", TTLZeroDrop: true})

	recipient := newTestKeyStore(t, "nobody").PeerID()

	engine.RouteMessage(context.Background(), opv2.NewMessage(recipient, 0, opv2.Command, nil))

	if m, err := queue.DequeueByKey(recipient.String()); err != nil || m != nil {
		t.Errorf("dropped message appeared in the queue: %v, %v", m, err)
	}

	// Without the knob, the exhausted message still takes its hop
	// towards the queue.
	permissive, queue2, _ := newTestEngine(t, newTestKeyStore(t, "hub-b"), Config{Hostname: "b"})
	permissive.RouteMessage(context.Background(), opv2.NewMessage(recipient, 0, opv2.Command, nil))

	if m, err := queue2.DequeueByKey(recipient.String()); err != nil || m == nil {
		t.Errorf("message vanished without the drop knob: %v, %v", m, err)
	}
}

// TestUserFanOut re-addresses a message to every node a user owns.
func TestUserFanOut(t *testing.T) {
	ksA := newTestKeyStore(t, "hub-a")
	engine, queue, table := newTestEngine(t, ksA, Config{Hostname: "a"})

	ksUser := newTestKeyStore(t, "user")
	node1 := newTestKeyStore(t, "node-1").PeerID()
	node2 := newTestKeyStore(t, "node-2").PeerID()

	userCookie := opv2.NewCookie(opv2.PeerID{}, nil, opv2.UserBody{OwnedNodes: []opv2.PeerID{node1, node2}})
	if err := ksUser.SignCookie(&userCookie); err != nil {
		t.Fatalf("signing cookie failed: %v", err)
	}
	table.Put(userCookie)

	engine.RouteMessage(context.Background(), opv2.NewMessage(ksUser.PeerID(), 9, opv2.Application, []byte("to-user")))

	for _, node := range []opv2.PeerID{node1, node2} {
		m, err := queue.DequeueByKey(node.String())
		if err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		if m == nil {
			t.Errorf("no message queued for node %v", node)
			continue
		}
		if m.Recipient != node {
			t.Errorf("queued recipient %v, want %v", m.Recipient, node)
		}
	}
}

// TestNodeSeenBySelf enqueues under the last-seen-hub key.
func TestNodeSeenBySelf(t *testing.T) {
	ksA := newTestKeyStore(t, "hub-a")
	engine, queue, table := newTestEngine(t, ksA, Config{Hostname: "a"})

	ksNode := newTestKeyStore(t, "node")
	nodeCookie := opv2.NewCookie(opv2.PeerID{}, nil, opv2.NodeBody{MostRecentlySeenBy: ksA.PeerID()})
	if err := ksNode.SignCookie(&nodeCookie); err != nil {
		t.Fatalf("signing cookie failed: %v", err)
	}
	table.Put(nodeCookie)

	engine.RouteMessage(context.Background(), opv2.NewMessage(ksNode.PeerID(), 3, opv2.Application, nil))

	m, err := queue.DequeueByKey(ksA.PeerID().String())
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if m == nil {
		t.Error("message was not enqueued under the last-seen-hub key")
	}
}

// TestEntityImport feeds a signed cookie through local processing and
// expects latch fulfilment exactly once plus a routed reply.
func TestEntityImport(t *testing.T) {
	ksA := newTestKeyStore(t, "hub-a")
	engine, queue, _ := newTestEngine(t, ksA, Config{Hostname: "a"})

	ksC := newTestKeyStore(t, "hub-c")
	cookie := signedHubCookie(t, ksC, "hub-c.example.org:4242")
	raw, err := opv2.MarshalCookie(cookie)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	msg := opv2.NewMessage(ksA.PeerID(), 1, opv2.Entity, raw)
	engine.handleEntity(context.Background(), nil, msg)

	if !engine.latchFor(ksC.PeerID()).Fulfilled() {
		t.Fatal("latch was not fulfilled")
	}

	// The reply with our cookie found no route and must be queued.
	reply, err := queue.DequeueByKey(ksC.PeerID().String())
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if reply == nil || reply.Code != opv2.Entity {
		t.Fatalf("no entity reply was routed: %v", reply)
	}

	replyCookie, err := opv2.UnmarshalCookie(reply.Payload)
	if err != nil {
		t.Fatalf("reply cookie unmarshal failed: %v", err)
	}
	if replyCookie.Key != ksA.PeerID() {
		t.Errorf("reply carries cookie of %v", replyCookie.Key)
	}

	// A second import of the same cookie is a no-op.
	engine.handleEntity(context.Background(), nil, msg)
	if again, err := queue.DequeueByKey(ksC.PeerID().String()); err != nil || again != nil {
		t.Errorf("repeated entity import routed another reply: %v, %v", again, err)
	}
}

// TestEntityImportRejectsBadCookie leaves the latch unset for cookies
// failing verification.
func TestEntityImportRejectsBadCookie(t *testing.T) {
	ksA := newTestKeyStore(t, "hub-a")
	engine, _, _ := newTestEngine(t, ksA, Config{Hostname: "a"})

	ksC := newTestKeyStore(t, "hub-c")
	ksM := newTestKeyStore(t, "mallory")

	cookie := signedHubCookie(t, ksC, "hub-c.example.org:4242")
	cookie.PublicKey = ksM.PublicArmored()

	raw, err := opv2.MarshalCookie(cookie)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	engine.handleEntity(context.Background(), nil, opv2.NewMessage(ksA.PeerID(), 1, opv2.Entity, raw))

	if engine.latchFor(ksC.PeerID()).Fulfilled() {
		t.Error("latch was fulfilled by a cookie failing verification")
	}
}

// TestGetEntityKeys resolves instantly for known peers and blocks on
// the latch otherwise.
func TestGetEntityKeys(t *testing.T) {
	ksA := newTestKeyStore(t, "hub-a")
	engine, queue, _ := newTestEngine(t, ksA, Config{Hostname: "a"})

	peer := newTestKeyStore(t, "peer")
	engine.latchFor(peer.PeerID()).TrySet(peer.PublicArmored())

	keys, err := engine.GetEntityKeys(context.Background(), peer.PeerID())
	if err != nil {
		t.Fatalf("GetEntityKeys failed: %v", err)
	}
	if id, err := keystore.Fingerprint(keys); err != nil || id != peer.PeerID() {
		t.Errorf("returned key material mismatches: %v, %v", id, err)
	}

	// Unknown peer: the call triggers an entity exchange and blocks
	// until cancellation.
	unknown := newTestKeyStore(t, "unknown").PeerID()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := engine.GetEntityKeys(ctx, unknown); err == nil {
		t.Error("GetEntityKeys for an unknown peer returned without keys")
	}

	if m, err := queue.DequeueByKey(unknown.String()); err != nil || m == nil || m.Code != opv2.Entity {
		t.Errorf("no entity exchange was routed: %v, %v", m, err)
	}
}

// TestCallerMap pins the consume semantics of the response route
// memory.
func TestCallerMap(t *testing.T) {
	ksA := newTestKeyStore(t, "hub-a")
	engine, _, _ := newTestEngine(t, ksA, Config{Hostname: "a"})

	caller := newTestKeyStore(t, "caller").PeerID()
	engine.RememberCaller("cid1", caller)

	got, ok := engine.TakeCaller("cid1")
	if !ok || got != caller {
		t.Errorf("TakeCaller returned %v, %v", got, ok)
	}

	if _, ok := engine.TakeCaller("cid1"); ok {
		t.Error("caller entry was not consumed")
	}
}

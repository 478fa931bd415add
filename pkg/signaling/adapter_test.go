// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package signaling

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/siphub/siphub-go/pkg/directory"
	"github.com/siphub/siphub-go/pkg/keystore"
	"github.com/siphub/siphub-go/pkg/opv2"
	"github.com/siphub/siphub-go/pkg/routing"
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

type fixture struct {
	ks      *keystore.KeyStore
	engine  *routing.Engine
	queue   storage.MessageQueue
	adapter *Adapter
	client  *net.UDPConn
}

// newFixture wires an engine, an adapter on an ephemeral port and a
// local "user agent" socket that has already introduced itself.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	ks := newTestKeyStore(t, "hub")

	queue, err := storage.NewBadgerQueue(t.TempDir())
	if err != nil {
		t.Fatalf("opening queue failed: %v", err)
	}

	engine, err := routing.NewEngine(ks, queue, directory.NewTable(), routing.Config{Hostname: "hub"})
	if err != nil {
		t.Fatalf("creating engine failed: %v", err)
	}
	t.Cleanup(engine.Close)

	adapter, err := NewAdapter(engine, ks, "127.0.0.1:0", "")
	if err != nil {
		t.Fatalf("creating adapter failed: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Close() })

	client, err := net.DialUDP("udp", nil, adapter.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("creating client socket failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return &fixture{
		ks:      ks,
		engine:  engine,
		queue:   queue,
		adapter: adapter,
		client:  client,
	}
}

func invite(to opv2.PeerID, from, callID string) []byte {
	return []byte(fmt.Sprintf(
		"INVITE sip:%s@hub.example.org SIP/2.0\r\n"+
			"To: <sip:%s@hub.example.org>\r\n"+
			"From: <sip:%s@client.example.org>;tag=77\r\n"+
			"Call-ID: %s\r\n"+
			"CSeq: 1 INVITE\r\n"+
			"\r\n", to, to, from, callID))
}

// awaitQueued polls the queue until a message for key appears.
func awaitQueued(t *testing.T, queue storage.MessageQueue, key string) opv2.Message {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		m, err := queue.DequeueByKey(key)
		if err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		if m != nil {
			return *m
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("no message appeared under %q", key)
	return opv2.Message{}
}

// TestOutboundRequest sends an INVITE through the adapter and expects
// an encrypted application message routed towards the To peer.
func TestOutboundRequest(t *testing.T) {
	f := newFixture(t)

	remote := newTestKeyStore(t, "remote")
	f.engine.PrimeEntityKeys(remote.PeerID(), remote.PublicArmored())

	raw := invite(remote.PeerID(), "someone", "cid-out-1")
	if _, err := f.client.Write(raw); err != nil {
		t.Fatalf("sending datagram failed: %v", err)
	}

	// No route exists, so the encrypted message lands in the queue.
	m := awaitQueued(t, f.queue, remote.PeerID().String())
	if m.Code != opv2.Application {
		t.Fatalf("queued message has code %v", m.Code)
	}
	if m.TTL != routing.DefaultStartTTL {
		t.Errorf("queued TTL %d, want the start TTL", m.TTL)
	}

	plain, err := remote.DecryptVerify(m.Payload, f.ks.PublicArmored())
	if err != nil {
		t.Fatalf("recipient cannot decrypt: %v", err)
	}
	if !bytes.Equal(plain, raw) {
		t.Error("decrypted payload differs from the original request")
	}
}

// TestInboundRequestAndResponse covers the hub side of a dialog:
// an inbound request is rewritten and remembered, the user agent's
// response is encrypted back to the original requester.
func TestInboundRequestAndResponse(t *testing.T) {
	f := newFixture(t)

	caller := newTestKeyStore(t, "caller")
	f.engine.PrimeEntityKeys(caller.PeerID(), caller.PublicArmored())

	// The user agent introduces itself so inbound traffic has a target.
	if _, err := f.client.Write([]byte("REGISTER sip:" + f.ks.PeerID().String() + "@hub SIP/2.0\r\nCall-ID: reg1\r\nTo: <sip:" + f.ks.PeerID().String() + "@hub>\r\n\r\n")); err != nil {
		t.Fatalf("priming datagram failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	inbound := invite(f.ks.PeerID(), caller.PeerID().String(), "cid-dialog-1")
	f.adapter.HandleInbound(inbound)

	// The user agent receives the request with the sentinel From host.
	_ = f.client.SetReadDeadline(time.Now().Add(10 * time.Second))
	buff := make([]byte, maxDatagramLen)
	n, err := f.client.Read(buff)
	if err != nil {
		t.Fatalf("user agent read failed: %v", err)
	}

	forwarded, err := ParseSIPMessage(buff[:n])
	if err != nil {
		t.Fatalf("forwarded request unparsable: %v", err)
	}
	from, err := forwarded.FromURI()
	if err != nil {
		t.Fatalf("forwarded From unparsable: %v", err)
	}
	if from.Host != DefaultSentinelHost {
		t.Errorf("From host %q, want the sentinel", from.Host)
	}

	// The user agent answers; the response must reach the caller.
	response := []byte("SIP/2.0 200 OK\r\nCall-ID: cid-dialog-1\r\nTo: <sip:x@y>\r\nFrom: <sip:a@b>\r\n\r\n")
	if _, err := f.client.Write(response); err != nil {
		t.Fatalf("sending response failed: %v", err)
	}

	m := awaitQueued(t, f.queue, caller.PeerID().String())
	if m.Code != opv2.Application || m.Recipient != caller.PeerID() {
		t.Fatalf("response was routed to %v with code %v", m.Recipient, m.Code)
	}

	plain, err := caller.DecryptVerify(m.Payload, f.ks.PublicArmored())
	if err != nil {
		t.Fatalf("caller cannot decrypt: %v", err)
	}
	if !bytes.Equal(plain, response) {
		t.Error("decrypted response differs from the original")
	}

	// The dialog entry was consumed; a second response is dropped.
	if _, err := f.client.Write(response); err != nil {
		t.Fatalf("sending second response failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if m, err := f.queue.DequeueByKey(caller.PeerID().String()); err != nil || m != nil {
		t.Errorf("consumed dialog still routed a response: %v, %v", m, err)
	}
}

// TestGarbageDatagramDropped pins the silent-drop boundary.
func TestGarbageDatagramDropped(t *testing.T) {
	f := newFixture(t)

	if _, err := f.client.Write([]byte("definitely not sip")); err != nil {
		t.Fatalf("sending datagram failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if key, m, err := f.queue.Dequeue(); err != nil || m != nil {
		t.Errorf("garbage produced a routed message under %q: %v, %v", key, m, err)
	}
}

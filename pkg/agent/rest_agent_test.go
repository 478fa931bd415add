// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/gorilla/websocket"

	"github.com/siphub/siphub-go/pkg/directory"
	"github.com/siphub/siphub-go/pkg/keystore"
	"github.com/siphub/siphub-go/pkg/routing"
	"github.com/siphub/siphub-go/pkg/storage"
)

func newTestAgent(t *testing.T) (*RestAgent, *routing.Engine, *httptest.Server) {
	t.Helper()

	entity, err := openpgp.NewEntity("hub", "", "hub@example.org", &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
	})
	if err != nil {
		t.Fatalf("generating key pair failed: %v", err)
	}
	ks, err := keystore.NewFromEntity(entity)
	if err != nil {
		t.Fatalf("creating KeyStore failed: %v", err)
	}

	queue, err := storage.NewBadgerQueue(t.TempDir())
	if err != nil {
		t.Fatalf("opening queue failed: %v", err)
	}

	engine, err := routing.NewEngine(ks, queue, directory.NewTable(), routing.Config{Hostname: "hub"})
	if err != nil {
		t.Fatalf("creating engine failed: %v", err)
	}
	t.Cleanup(engine.Close)

	agent := NewRestAgent(engine, "127.0.0.1:0")
	ts := httptest.NewServer(agent.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = agent.Close() })

	return agent, engine, ts
}

func TestStatusAndPeers(t *testing.T) {
	_, engine, ts := newTestAgent(t)

	resp, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var status struct {
		ID    string `json:"id"`
		Peers int    `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decoding status failed: %v", err)
	}
	if status.ID != engine.NodeID().String() || status.Peers != 0 {
		t.Errorf("status %+v", status)
	}

	resp2, err := http.Get(ts.URL + "/v1/peers")
	if err != nil {
		t.Fatalf("GET /v1/peers failed: %v", err)
	}
	defer func() { _ = resp2.Body.Close() }()

	var peers struct {
		Peers []string `json:"peers"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&peers); err != nil {
		t.Fatalf("decoding peers failed: %v", err)
	}
	if len(peers.Peers) != 0 {
		t.Errorf("peers %+v", peers)
	}
}

// TestInjectAndQueue injects a message for an unknown recipient and
// expects its key to surface in the queue listing.
func TestInjectAndQueue(t *testing.T) {
	_, _, ts := newTestAgent(t)

	recipient := strings.Repeat("ab", 20)
	body, _ := json.Marshal(map[string]interface{}{
		"recipient": recipient,
		"ttl":       -1,
		"code":      "command",
		"payload":   "48490a",
	})

	resp, err := http.Post(ts.URL+"/v1/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/messages failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("inject answered %s", resp.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/v1/queue")
		if err != nil {
			t.Fatalf("GET /v1/queue failed: %v", err)
		}

		var queue struct {
			Keys []string `json:"keys"`
		}
		err = json.NewDecoder(resp.Body).Decode(&queue)
		_ = resp.Body.Close()
		if err != nil {
			t.Fatalf("decoding queue failed: %v", err)
		}

		if len(queue.Keys) == 1 && queue.Keys[0] == recipient {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue never listed %q: %+v", recipient, queue.Keys)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestInjectRejectsBadRequests(t *testing.T) {
	_, _, ts := newTestAgent(t)

	for name, body := range map[string]string{
		"bad json":      "{",
		"bad recipient": `{"recipient":"xyz","code":"command"}`,
		"bad code":      `{"recipient":"` + strings.Repeat("ab", 20) + `","code":"bogus"}`,
		"bad payload":   `{"recipient":"` + strings.Repeat("ab", 20) + `","code":"command","payload":"zz"}`,
	} {
		resp, err := http.Post(ts.URL+"/v1/messages", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s answered %s", name, resp.Status)
		}
	}
}

// TestEventStream subscribes to the websocket endpoint and expects the
// enqueued event of an injected message.
func TestEventStream(t *testing.T) {
	_, _, ts := newTestAgent(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	recipient := strings.Repeat("cd", 20)
	body, _ := json.Marshal(map[string]interface{}{
		"recipient": recipient,
		"ttl":       3,
		"code":      "command",
	})
	resp, err := http.Post(ts.URL+"/v1/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	_ = resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var event routing.Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("reading event failed: %v", err)
		}
		if event.Kind == "enqueued" && event.Peer == recipient {
			return
		}
	}
}

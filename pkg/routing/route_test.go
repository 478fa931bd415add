// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"context"
	"testing"
	"time"

	"github.com/siphub/siphub-go/pkg/opv2"
)

// TestFlushStopsOnUnroutable pins that a drain does not spin on a
// message that immediately re-enqueues: the full flush must terminate
// with the message still stored.
func TestFlushStopsOnUnroutable(t *testing.T) {
	ksA := newTestKeyStore(t, "hub-a")
	engine, queue, _ := newTestEngine(t, ksA, Config{Hostname: "a"})

	recipient := newTestKeyStore(t, "nobody").PeerID()
	if err := queue.Enqueue(recipient.String(), opv2.NewMessage(recipient, 5, opv2.Command, nil)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		engine.FlushMessages(context.Background(), "")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("full drain did not terminate")
	}

	m, err := queue.DequeueByKey(recipient.String())
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if m == nil {
		t.Fatal("unroutable message vanished during the drain")
	}
	if m.TTL != 5 {
		t.Errorf("drain altered the stored TTL: %d", m.TTL)
	}
}

// TestFlushHonorsCancellation stops a drain through its context.
func TestFlushHonorsCancellation(t *testing.T) {
	ksA := newTestKeyStore(t, "hub-a")
	engine, queue, _ := newTestEngine(t, ksA, Config{Hostname: "a"})

	recipient := newTestKeyStore(t, "nobody").PeerID()
	for i := 0; i < 3; i++ {
		if err := queue.Enqueue(recipient.String(), opv2.NewMessage(recipient, int32(i), opv2.Command, nil)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine.FlushMessages(ctx, recipient.String())

	// Nothing was drained under the cancelled context.
	count := 0
	for {
		m, err := queue.DequeueByKey(recipient.String())
		if err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		if m == nil {
			break
		}
		count++
	}
	if count != 3 {
		t.Errorf("cancelled drain consumed messages, %d of 3 left", count)
	}
}

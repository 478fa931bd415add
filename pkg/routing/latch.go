// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"context"
	"sync"
)

// Latch is a single-assignment cell for a peer's key material. The
// first TrySet wins and wakes all waiting readers; later writes are
// no-ops. Readers block in Await until the value is published.
type Latch struct {
	mu    sync.Mutex
	done  chan struct{}
	value []byte
	set   bool
}

func NewLatch() *Latch {
	return &Latch{
		done: make(chan struct{}),
	}
}

// TrySet publishes the value if the Latch is still unset and reports
// whether this call was the one that set it.
func (l *Latch) TrySet(value []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.set {
		return false
	}

	l.value = value
	l.set = true
	close(l.done)
	return true
}

// Fulfilled reports whether a value was published.
func (l *Latch) Fulfilled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.set
}

// Await blocks until the value is published or the context finishes.
func (l *Latch) Await(ctx context.Context) ([]byte, error) {
	select {
	case <-l.done:
		return l.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

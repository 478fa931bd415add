// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package directory

import (
	"context"
	"sync"

	"github.com/siphub/siphub-go/pkg/opv2"
)

// Table is an in-memory Directory: the backing store of the Server
// and a seedable lookup for tests and statically configured peers.
type Table struct {
	mu      sync.RWMutex
	cookies map[opv2.PeerID]opv2.Cookie
}

func NewTable() *Table {
	return &Table{
		cookies: make(map[opv2.PeerID]opv2.Cookie),
	}
}

// Put inserts or replaces the record for the cookie's key. Callers
// are expected to have verified the cookie.
func (t *Table) Put(c opv2.Cookie) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cookies[c.Key] = c
}

func (t *Table) Lookup(_ context.Context, id opv2.PeerID) (*opv2.Cookie, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, ok := t.cookies[id]; ok {
		return &c, nil
	}
	return nil, ErrNotFound
}

// Len is the number of records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.cookies)
}

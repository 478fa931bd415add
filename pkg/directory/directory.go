// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package directory resolves peer fingerprints to identity cookies.
// The authoritative mapping lives outside the hub, e.g. in a DHT; this
// package provides the client interface the routing engine consumes,
// an HTTP client for a remote directory service, a small HTTP server
// to host one, and a static table for tests and seeded peers.
package directory

import (
	"context"
	"errors"

	"github.com/siphub/siphub-go/pkg/opv2"
)

// ErrNotFound is returned for fingerprints the directory has no
// record of.
var ErrNotFound = errors.New("peer not found in directory")

// Directory looks up the identity cookie of a peer. For a hub, the
// cookie's ServiceURI is the endpoint to dial.
type Directory interface {
	Lookup(ctx context.Context, id opv2.PeerID) (*opv2.Cookie, error)
}

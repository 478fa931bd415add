// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package opv2

import (
	"fmt"
)

// MessageCode selects how a hub interprets a Message's payload.
type MessageCode int32

const (
	_ MessageCode = iota

	// Command carries session control data, e.g. the "PING" keepalive.
	// Hubs must accept and ignore commands they do not know.
	Command

	// Entity carries a serialized Cookie, announcing a peer's identity
	// and public key.
	Entity

	// Application carries an end-to-end encrypted payload which is
	// opaque to every forwarding hub.
	Application
)

func (mc MessageCode) String() string {
	switch mc {
	case Command:
		return "Command"
	case Entity:
		return "Entity"
	case Application:
		return "Application"
	default:
		return fmt.Sprintf("MessageCode(%d)", int32(mc))
	}
}

// Message is the routed record of the overlay: an opaque payload bound
// to a recipient, a hop budget and a protocol code. Messages are
// treated as immutable; forwarding works on copies, see Hop.
type Message struct {
	Recipient PeerID
	TTL       int32
	Code      MessageCode
	Payload   []byte

	// ID is an optional idempotence key for end-to-end deduplication.
	// Hubs never deduplicate on it; empty unless explicitly enabled.
	ID string
}

// NewMessage assembles a Message addressed to recipient.
func NewMessage(recipient PeerID, ttl int32, code MessageCode, payload []byte) Message {
	return Message{
		Recipient: recipient,
		TTL:       ttl,
		Code:      code,
		Payload:   payload,
	}
}

// Hop returns a copy of this Message with a decremented TTL. The
// payload is shared, not copied.
func (m Message) Hop() Message {
	m.TTL = m.TTL - 1
	return m
}

func (m Message) String() string {
	return fmt.Sprintf("Message(to=%v, ttl=%d, code=%v, %d bytes)",
		m.Recipient, m.TTL, m.Code, len(m.Payload))
}

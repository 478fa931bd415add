// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package overlay

import (
	"fmt"

	"github.com/siphub/siphub-go/pkg/opv2"
)

// StatusType indicates the kind of a Status.
type StatusType uint

const (
	_ StatusType = iota

	// ReceivedMessage shows the reception of a message. The Status'
	// Message field is set.
	ReceivedMessage

	// PeerDisappeared shows that a peer's stream or connection is gone.
	PeerDisappeared
)

func (st StatusType) String() string {
	switch st {
	case ReceivedMessage:
		return "Received Message"
	case PeerDisappeared:
		return "Peer Disappeared"
	default:
		return "Unknown Type"
	}
}

// Status is published by a Connection on its status channel. The
// receiving side performs routing decisions based on these; the
// Connection itself knows nothing about routing.
type Status struct {
	Conn    *Connection
	Type    StatusType
	Peer    opv2.PeerID
	Message *opv2.Message
}

func (s Status) String() string {
	return fmt.Sprintf("%v-Status from %v", s.Type, s.Peer)
}

// NewReceivedMessage creates a Status for a decoded inbound message.
func NewReceivedMessage(conn *Connection, peer opv2.PeerID, msg opv2.Message) Status {
	return Status{
		Conn:    conn,
		Type:    ReceivedMessage,
		Peer:    peer,
		Message: &msg,
	}
}

// NewPeerDisappeared creates a Status for a vanished peer.
func NewPeerDisappeared(conn *Connection, peer opv2.PeerID) Status {
	return Status{
		Conn: conn,
		Type: PeerDisappeared,
		Peer: peer,
	}
}

// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package opv2

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// PeerIDLen is the length of a PeerID in bytes, matching the SHA-1
// fingerprint of a PGP v4 public key.
const PeerIDLen = 20

// PeerID identifies a peer by the fingerprint of its PGP public key.
// Two PeerIDs are equal iff they were derived from the same key.
type PeerID [PeerIDLen]byte

// NewPeerID copies a raw fingerprint into a PeerID. An error is
// returned if the fingerprint's length differs from PeerIDLen.
func NewPeerID(fingerprint []byte) (id PeerID, err error) {
	if len(fingerprint) != PeerIDLen {
		err = fmt.Errorf("fingerprint is %d bytes, not %d", len(fingerprint), PeerIDLen)
		return
	}

	copy(id[:], fingerprint)
	return
}

// MustNewPeerID returns a new PeerID as NewPeerID, but panics in case
// of an error.
func MustNewPeerID(fingerprint []byte) PeerID {
	id, err := NewPeerID(fingerprint)
	if err != nil {
		panic(err)
	}

	return id
}

// ParsePeerID reads the lowercase hex form produced by String.
func ParsePeerID(s string) (id PeerID, err error) {
	if len(s) != 2*PeerIDLen {
		err = fmt.Errorf("peer id %q is %d characters, not %d", s, len(s), 2*PeerIDLen)
		return
	}

	raw, decodeErr := hex.DecodeString(s)
	if decodeErr != nil {
		err = decodeErr
		return
	}

	copy(id[:], raw)
	return
}

// IsZero reports whether this PeerID is the all-zero value, which no
// key fingerprint can produce.
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// Less imposes the byte-wise ordering on PeerIDs.
func (id PeerID) Less(other PeerID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalBSONValue encodes a PeerID as a BSON binary, keeping the
// wire form self-describing instead of an array of twenty integers.
func (id PeerID) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(id[:])
}

// UnmarshalBSONValue decodes the BSON binary form written by
// MarshalBSONValue and enforces the fingerprint length.
func (id *PeerID) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	var raw []byte
	if err := bson.UnmarshalValue(t, data, &raw); err != nil {
		return err
	}

	parsed, err := NewPeerID(raw)
	if err != nil {
		return err
	}

	*id = parsed
	return nil
}

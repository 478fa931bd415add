// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package opv2

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
)

// maxRecordLen bounds a single wire record. A record above this size
// is treated as a protocol violation instead of being buffered.
const maxRecordLen = 1 << 24

// minRecordLen is the smallest possible BSON document: the length
// header plus the terminating null byte.
const minRecordLen = 5

// wireMessage is the BSON document layout of a Message.
type wireMessage struct {
	Recipient []byte `bson:"r"`
	TTL       int32  `bson:"ttl"`
	Code      int32  `bson:"c"`
	Payload   []byte `bson:"p"`
	ID        string `bson:"id,omitempty"`
}

// MarshalMessage serializes a Message into a single BSON document.
func MarshalMessage(m Message) ([]byte, error) {
	return bson.Marshal(wireMessage{
		Recipient: m.Recipient[:],
		TTL:       m.TTL,
		Code:      int32(m.Code),
		Payload:   m.Payload,
		ID:        m.ID,
	})
}

// UnmarshalMessage parses a single BSON document into a Message.
func UnmarshalMessage(data []byte) (m Message, err error) {
	var wire wireMessage
	if err = bson.Unmarshal(data, &wire); err != nil {
		return
	}

	if m.Recipient, err = NewPeerID(wire.Recipient); err != nil {
		return
	}

	switch code := MessageCode(wire.Code); code {
	case Command, Entity, Application:
		m.Code = code
	default:
		err = fmt.Errorf("unknown message code %d", wire.Code)
		return
	}

	m.TTL = wire.TTL
	m.Payload = wire.Payload
	m.ID = wire.ID
	return
}

// WriteMessage writes one Message as a BSON record onto w. Callers
// are responsible for serializing concurrent writes to the same
// stream.
func WriteMessage(w io.Writer, m Message) error {
	data, err := MarshalMessage(m)
	if err != nil {
		return err
	}

	_, err = w.Write(data)
	return err
}

// ReadMessage reads the next BSON record from r. The document's own
// little-endian length header frames the record. An io.EOF before the
// first header byte signals a clean end of stream; everything else
// unexpected is an error.
func ReadMessage(r io.Reader) (m Message, err error) {
	var header [4]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length < minRecordLen || length > maxRecordLen {
		err = fmt.Errorf("record length %d is outside [%d, %d]", length, minRecordLen, maxRecordLen)
		return
	}

	data := make([]byte, length)
	copy(data, header[:])
	if _, err = io.ReadFull(r, data[4:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return
	}

	return UnmarshalMessage(data)
}

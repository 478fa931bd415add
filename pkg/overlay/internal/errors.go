// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package internal

import "github.com/quic-go/quic-go"

const (
	// UnknownError is the catchall error code for unforeseen states.
	UnknownError quic.ApplicationErrorCode = 1
	// LocalError designates errors on this machine, like a failed marshal.
	LocalError quic.ApplicationErrorCode = 2
	// ConnectionError designates errors in data transmission.
	ConnectionError quic.ApplicationErrorCode = 3
	// PeerError designates protocol errors caused by the remote side.
	PeerError quic.ApplicationErrorCode = 4
	// ApplicationShutdown is sent when the hub terminates its connections.
	ApplicationShutdown quic.ApplicationErrorCode = 5
	// AuthenticationError is sent when the mutual authentication failed,
	// e.g. on a nonce mismatch or a bad signature.
	AuthenticationError quic.ApplicationErrorCode = 6

	// StreamViolation cancels a stream after a malformed record.
	StreamViolation quic.StreamErrorCode = 1
	// StreamShutdown cancels a stream during orderly teardown.
	StreamShutdown quic.StreamErrorCode = 2
)

// HandshakeError wraps a failure during the per-peer handshake with
// the application error code to close the QUIC connection with.
type HandshakeError struct {
	Msg   string
	Code  quic.ApplicationErrorCode
	Cause error
}

func NewHandshakeError(message string, code quic.ApplicationErrorCode, cause error) *HandshakeError {
	return &HandshakeError{
		Msg:   message,
		Code:  code,
		Cause: cause,
	}
}

func (err *HandshakeError) Error() string {
	return err.Msg
}

func (err *HandshakeError) Unwrap() error {
	return err.Cause
}

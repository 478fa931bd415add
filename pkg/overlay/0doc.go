// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package overlay implements the hub's QUIC transport: one Connection
per neighbor, carrying one bidirectional stream per logical peer
pairing.

# Protocol

After the QUIC handshake, the dialer opens a bidirectional stream and
both sides exchange their armored PGP public keys, dialer first. Each
side derives the remote's PeerID from the received key's fingerprint.
The dialer then encrypts-and-signs a 64 byte nonce towards the remote
key and sends the armored message block; the listener
decrypts-and-verifies, re-encrypts-and-signs the nonce towards the
dialer and answers. The dialer compares the echo byte-exactly against
its original nonce. Any mismatch, malformed key or failed signature
closes the connection with the AuthenticationError code.

After authentication, the same stream carries BSON message records
back-to-back in both directions. A receive goroutine per stream
decodes records and publishes them on the connection's status channel;
a second goroutine emits a "PING" command every five seconds as
keepalive.

A single QUIC connection may carry several streams when the remote hub
aggregates multiple downstream peers: every additional handshake on
the same connection adds another (PeerID, stream) pair and replaces a
previous pair for the same PeerID, cancelling its tasks.
*/
package overlay

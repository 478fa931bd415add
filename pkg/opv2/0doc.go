// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package opv2 implements the overlay protocol's data model, version 2.

Peers are addressed by PeerID, the 20 byte fingerprint of their PGP
public key. A Message is the unit of exchange between hubs: an opaque
payload bound to a recipient, a hop budget and a protocol code. A
Cookie is a signed identity capsule binding a PeerID to its public key
and to role specific metadata (hub, user or node).

On the wire, messages and cookies are BSON documents streamed
back-to-back over a QUIC stream. A BSON document starts with its own
total length as a 32 bit little-endian integer, which is what frames
consecutive records; no additional length prefix is used.
*/
package opv2

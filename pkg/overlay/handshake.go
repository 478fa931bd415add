// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package overlay

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/siphub/siphub-go/pkg/keystore"
	"github.com/siphub/siphub-go/pkg/opv2"
	"github.com/siphub/siphub-go/pkg/overlay/internal"
)

const (
	// nonceLen is the length of the authentication nonce in bytes.
	nonceLen = 64

	// maxArmoredLen bounds a single armored block during the handshake.
	maxArmoredLen = 1 << 16

	publicKeyEnd = "-----END PGP PUBLIC KEY BLOCK-----"
	messageEnd   = "-----END PGP MESSAGE-----"
)

// handshakeState enumerates the stages of the per-peer handshake.
// Each transition performs one I/O operation and yields either the
// next state or a typed failure.
type handshakeState int

const (
	awaitEstablished handshakeState = iota
	exchangeKeys
	sendNonce
	verifyNonce
	authenticated
)

func (hs handshakeState) String() string {
	switch hs {
	case awaitEstablished:
		return "AwaitEstablished"
	case exchangeKeys:
		return "ExchangeKeys"
	case sendNonce:
		return "SendNonce"
	case verifyNonce:
		return "VerifyNonce"
	case authenticated:
		return "Authenticated"
	default:
		return fmt.Sprintf("handshakeState(%d)", int(hs))
	}
}

// handshake performs the mutual authentication on one bidirectional
// stream. The initiator is the side that opened the stream.
type handshake struct {
	ks        *keystore.KeyStore
	qc        quic.Connection
	stream    quic.Stream
	reader    *bufio.Reader
	initiator bool

	state     handshakeState
	remoteKey []byte
	remoteID  opv2.PeerID
	nonce     []byte
}

func newHandshake(ks *keystore.KeyStore, qc quic.Connection, stream quic.Stream, initiator bool) *handshake {
	return &handshake{
		ks:        ks,
		qc:        qc,
		stream:    stream,
		reader:    bufio.NewReader(stream),
		initiator: initiator,
		state:     awaitEstablished,
	}
}

// run drives the state machine to completion and returns the
// authenticated remote PeerID together with its armored public key.
func (hs *handshake) run(ctx context.Context) (opv2.PeerID, []byte, error) {
	for hs.state != authenticated {
		var err error

		switch hs.state {
		case awaitEstablished:
			err = hs.stepAwaitEstablished(ctx)
		case exchangeKeys:
			err = hs.stepExchangeKeys()
		case sendNonce:
			err = hs.stepNonce()
		case verifyNonce:
			err = hs.stepVerifyNonce()
		}

		if err != nil {
			return opv2.PeerID{}, nil, err
		}

		log.WithFields(log.Fields{
			"state":     hs.state,
			"initiator": hs.initiator,
		}).Debug("Handshake advanced")
	}

	return hs.remoteID, hs.remoteKey, nil
}

func (hs *handshake) stepAwaitEstablished(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return internal.NewHandshakeError("context finished before handshake", internal.LocalError, ctx.Err())
	case <-hs.qc.Context().Done():
		return internal.NewHandshakeError("transport gone before handshake", internal.ConnectionError, hs.qc.Context().Err())
	default:
		hs.state = exchangeKeys
		return nil
	}
}

// stepExchangeKeys swaps armored public keys, initiator first, and
// derives the remote's PeerID from the received key.
func (hs *handshake) stepExchangeKeys() error {
	var err error
	if hs.initiator {
		if err = hs.sendPublicKey(); err == nil {
			err = hs.receivePublicKey()
		}
	} else {
		if err = hs.receivePublicKey(); err == nil {
			err = hs.sendPublicKey()
		}
	}
	if err != nil {
		return err
	}

	hs.remoteID, err = keystore.Fingerprint(hs.remoteKey)
	if err != nil {
		return internal.NewHandshakeError("malformed remote key", internal.AuthenticationError, err)
	}

	hs.state = sendNonce
	return nil
}

// stepNonce is the challenge exchange. The initiator sends a fresh
// encrypted-and-signed nonce; the responder decrypts, verifies and
// echoes it re-encrypted towards the initiator.
func (hs *handshake) stepNonce() error {
	if hs.initiator {
		hs.nonce = make([]byte, nonceLen)
		if _, err := rand.Read(hs.nonce); err != nil {
			return internal.NewHandshakeError("gathering nonce entropy", internal.LocalError, err)
		}

		if err := hs.sendEncrypted(hs.nonce); err != nil {
			return err
		}

		hs.state = verifyNonce
		return nil
	}

	nonce, err := hs.receiveEncrypted()
	if err != nil {
		return err
	}
	if len(nonce) != nonceLen {
		return internal.NewHandshakeError(
			fmt.Sprintf("nonce is %d bytes, not %d", len(nonce), nonceLen),
			internal.AuthenticationError, nil)
	}

	if err := hs.sendEncrypted(nonce); err != nil {
		return err
	}

	hs.state = authenticated
	return nil
}

// stepVerifyNonce reads the responder's echo and compares it
// byte-exactly against the original nonce.
func (hs *handshake) stepVerifyNonce() error {
	echo, err := hs.receiveEncrypted()
	if err != nil {
		return err
	}

	if !bytes.Equal(echo, hs.nonce) {
		return internal.NewHandshakeError("nonce echo mismatch", internal.AuthenticationError, nil)
	}

	hs.state = authenticated
	return nil
}

func (hs *handshake) sendPublicKey() error {
	if err := hs.writeArmored(hs.ks.PublicArmored()); err != nil {
		return internal.NewHandshakeError("sending public key", internal.ConnectionError, err)
	}
	return nil
}

func (hs *handshake) receivePublicKey() error {
	block, err := readArmoredBlock(hs.reader, publicKeyEnd)
	if err != nil {
		return internal.NewHandshakeError("receiving public key", internal.PeerError, err)
	}

	hs.remoteKey = block
	return nil
}

func (hs *handshake) sendEncrypted(plaintext []byte) error {
	armored, err := hs.ks.EncryptSign(plaintext, hs.remoteKey)
	if err != nil {
		return internal.NewHandshakeError("encrypting challenge", internal.LocalError, err)
	}

	if err := hs.writeArmored(armored); err != nil {
		return internal.NewHandshakeError("sending challenge", internal.ConnectionError, err)
	}
	return nil
}

func (hs *handshake) receiveEncrypted() ([]byte, error) {
	block, err := readArmoredBlock(hs.reader, messageEnd)
	if err != nil {
		return nil, internal.NewHandshakeError("receiving challenge", internal.PeerError, err)
	}

	plaintext, err := hs.ks.DecryptVerify(block, hs.remoteKey)
	if err != nil {
		return nil, internal.NewHandshakeError("verifying challenge", internal.AuthenticationError, err)
	}

	return plaintext, nil
}

// writeArmored sends an armored block, guaranteeing the trailing
// newline the reading side's line scanner relies on.
func (hs *handshake) writeArmored(block []byte) error {
	if _, err := hs.stream.Write(block); err != nil {
		return err
	}
	if !bytes.HasSuffix(block, []byte("\n")) {
		if _, err := hs.stream.Write([]byte("\n")); err != nil {
			return err
		}
	}
	return nil
}

// readArmoredBlock accumulates lines up to and including the given
// armor end marker.
func readArmoredBlock(reader *bufio.Reader, endMarker string) ([]byte, error) {
	var block bytes.Buffer

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("armored block cut short: %w", err)
		}

		block.WriteString(line)
		if block.Len() > maxArmoredLen {
			return nil, fmt.Errorf("armored block exceeds %d bytes", maxArmoredLen)
		}

		if strings.TrimSpace(line) == endMarker {
			return block.Bytes(), nil
		}
	}
}

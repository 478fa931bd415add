// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package keystore wraps the hub's on-disk PGP key material and the
// cryptographic operations of the overlay: encrypt-and-sign towards a
// peer, decrypt-and-verify from a peer, and detached cookie
// signatures. Key files are armored, `public.asc` and `private.asc`,
// with the passphrase sourced from the configuration.
package keystore

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/siphub/siphub-go/pkg/opv2"
)

// messageType is the armor block type of an encrypted-and-signed blob.
const messageType = "PGP MESSAGE"

// KeyStore holds the hub's own key pair, unlocked and ready for use.
type KeyStore struct {
	entity        *openpgp.Entity
	id            opv2.PeerID
	publicArmored []byte
}

// Load reads the armored key files and unlocks the private key with
// the given passphrase. An empty passphrase is allowed for unprotected
// keys.
func Load(publicPath, privatePath string, passphrase []byte) (*KeyStore, error) {
	publicArmored, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}

	privateArmored, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(privateArmored))
	if err != nil {
		return nil, fmt.Errorf("parsing private key ring: %w", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("private key ring is empty")
	}

	entity := entities[0]
	if err := unlock(entity, passphrase); err != nil {
		return nil, err
	}

	return newKeyStore(entity, publicArmored)
}

// NewFromEntity wraps an already unlocked Entity, e.g. a freshly
// generated key pair. The armored public key block is derived from the
// entity itself.
func NewFromEntity(entity *openpgp.Entity) (*KeyStore, error) {
	publicArmored, err := ArmorPublicKey(entity)
	if err != nil {
		return nil, err
	}

	return newKeyStore(entity, publicArmored)
}

func newKeyStore(entity *openpgp.Entity, publicArmored []byte) (*KeyStore, error) {
	id, err := opv2.NewPeerID(entity.PrimaryKey.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("key fingerprint: %w", err)
	}

	return &KeyStore{
		entity:        entity,
		id:            id,
		publicArmored: publicArmored,
	}, nil
}

func unlock(entity *openpgp.Entity, passphrase []byte) error {
	if entity.PrivateKey == nil {
		return fmt.Errorf("key ring carries no private key")
	}

	if entity.PrivateKey.Encrypted {
		if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
			return fmt.Errorf("unlocking private key: %w", err)
		}
	}

	for i := range entity.Subkeys {
		sub := &entity.Subkeys[i]
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
				return fmt.Errorf("unlocking subkey: %w", err)
			}
		}
	}

	return nil
}

// PeerID is the fingerprint of our own public key.
func (ks *KeyStore) PeerID() opv2.PeerID {
	return ks.id
}

// PublicArmored is our public key as an armored block, byte-exact as
// sent during the handshake and embedded into cookies.
func (ks *KeyStore) PublicArmored() []byte {
	return ks.publicArmored
}

// ArmorPublicKey serializes an entity's public part as an armored
// block.
func ArmorPublicKey(entity *openpgp.Entity) ([]byte, error) {
	var buff bytes.Buffer

	aw, err := armor.Encode(&buff, openpgp.PublicKeyType, nil)
	if err != nil {
		return nil, err
	}
	if err := entity.Serialize(aw); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}

	return buff.Bytes(), nil
}

// ReadEntities parses an armored key block into its entities.
func ReadEntities(armored []byte) (openpgp.EntityList, error) {
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armored))
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("armored block carries no key")
	}

	return entities, nil
}

// Fingerprint derives the PeerID of an armored public key block.
func Fingerprint(armored []byte) (opv2.PeerID, error) {
	entities, err := ReadEntities(armored)
	if err != nil {
		return opv2.PeerID{}, err
	}

	return opv2.NewPeerID(entities[0].PrimaryKey.Fingerprint)
}

// EncryptSign encrypts plaintext for the peer whose armored public key
// is given, signed by our own key, and returns an armored message
// block.
func (ks *KeyStore) EncryptSign(plaintext, recipientArmored []byte) ([]byte, error) {
	recipients, err := ReadEntities(recipientArmored)
	if err != nil {
		return nil, fmt.Errorf("recipient key: %w", err)
	}

	var buff bytes.Buffer
	aw, err := armor.Encode(&buff, messageType, nil)
	if err != nil {
		return nil, err
	}

	pw, err := openpgp.Encrypt(aw, recipients, ks.entity, nil, nil)
	if err != nil {
		return nil, err
	}
	if _, err := pw.Write(plaintext); err != nil {
		return nil, err
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}

	return buff.Bytes(), nil
}

// DecryptVerify decrypts an armored message block with our private
// key. With a non-nil senderArmored the embedded signature must be
// present and verify under that key; with nil the signature is not
// checked, which is the case before the sender's key material is
// known.
func (ks *KeyStore) DecryptVerify(armoredMsg, senderArmored []byte) ([]byte, error) {
	keyring := openpgp.EntityList{ks.entity}
	var senders openpgp.EntityList
	if senderArmored != nil {
		var err error
		senders, err = ReadEntities(senderArmored)
		if err != nil {
			return nil, fmt.Errorf("sender key: %w", err)
		}
		keyring = append(keyring, senders...)
	}

	block, err := armor.Decode(bytes.NewReader(armoredMsg))
	if err != nil {
		return nil, fmt.Errorf("decoding armor: %w", err)
	}
	if block.Type != messageType {
		return nil, fmt.Errorf("armor block is %q, not %q", block.Type, messageType)
	}

	md, err := openpgp.ReadMessage(block.Body, keyring, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("reading plaintext: %w", err)
	}

	// The signature state is only final after the body was drained.
	if senderArmored != nil {
		if !md.IsSigned {
			return nil, fmt.Errorf("message is not signed")
		}
		signedBySender := false
		for _, sender := range senders {
			if md.SignedBy != nil && bytes.Equal(md.SignedBy.Entity.PrimaryKey.Fingerprint, sender.PrimaryKey.Fingerprint) {
				signedBySender = true
			}
		}
		if !signedBySender {
			return nil, fmt.Errorf("message is not signed by the sender key")
		}
		if md.SignatureError != nil {
			return nil, fmt.Errorf("signature: %w", md.SignatureError)
		}
	}

	return plaintext, nil
}

// SignCookie stamps the cookie with our identity: key, public key
// blob and a detached signature over the cookie's signing bytes.
func (ks *KeyStore) SignCookie(c *opv2.Cookie) error {
	c.Key = ks.id
	c.PublicKey = ks.publicArmored

	body, err := c.SigningBytes()
	if err != nil {
		return err
	}

	var sig bytes.Buffer
	if err := openpgp.DetachSign(&sig, ks.entity, bytes.NewReader(body), nil); err != nil {
		return err
	}

	c.Signature = sig.Bytes()
	return nil
}

// VerifyCookie checks the two cookie invariants: the key equals the
// fingerprint of the embedded public key, and the detached signature
// verifies under that key.
func VerifyCookie(c opv2.Cookie) error {
	entities, err := ReadEntities(c.PublicKey)
	if err != nil {
		return fmt.Errorf("cookie public key: %w", err)
	}

	id, err := opv2.NewPeerID(entities[0].PrimaryKey.Fingerprint)
	if err != nil {
		return err
	}
	if id != c.Key {
		return fmt.Errorf("cookie key %v does not match key fingerprint %v", c.Key, id)
	}

	body, err := c.SigningBytes()
	if err != nil {
		return err
	}

	if _, err := openpgp.CheckDetachedSignature(
		entities, bytes.NewReader(body), bytes.NewReader(c.Signature), nil); err != nil {
		return fmt.Errorf("cookie signature: %w", err)
	}

	return nil
}

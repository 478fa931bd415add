// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package opv2

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// CookieKind discriminates the role specific body of a Cookie.
type CookieKind int32

const (
	_ CookieKind = iota

	// HubCookie describes a routing peer advertising a service endpoint.
	HubCookie

	// UserCookie describes a user owning one or more nodes.
	UserCookie

	// NodeCookie describes a leaf peer recording which hub saw it last.
	NodeCookie
)

func (ck CookieKind) String() string {
	switch ck {
	case HubCookie:
		return "Hub"
	case UserCookie:
		return "User"
	case NodeCookie:
		return "Node"
	default:
		return fmt.Sprintf("CookieKind(%d)", int32(ck))
	}
}

// CookieBody is the role specific part of a Cookie: HubBody, UserBody
// or NodeBody.
type CookieBody interface {
	Kind() CookieKind
}

// HubBody is the body of a HubCookie.
type HubBody struct {
	Hostname     string   `bson:"hostname"`
	DirectoryURI string   `bson:"directory"`
	ServiceURI   string   `bson:"service"`
	Owners       []PeerID `bson:"owners,omitempty"`
}

func (HubBody) Kind() CookieKind { return HubCookie }

// UserBody is the body of a UserCookie.
type UserBody struct {
	OwnedNodes []PeerID `bson:"nodes,omitempty"`
}

func (UserBody) Kind() CookieKind { return UserCookie }

// NodeBody is the body of a NodeCookie.
type NodeBody struct {
	MostRecentlySeenBy PeerID `bson:"seen_by"`
}

func (NodeBody) Kind() CookieKind { return NodeCookie }

// Cookie binds a PeerID to its public key and role specific metadata.
// The Signature is a detached PGP signature over SigningBytes, made by
// the key whose armored form is PublicKey. A Cookie is only to be
// trusted after both the fingerprint binding and the signature were
// checked, see the keystore package.
type Cookie struct {
	Key       PeerID
	PublicKey []byte
	Body      CookieBody
	Signature []byte
}

// NewCookie assembles an unsigned Cookie.
func NewCookie(key PeerID, publicKey []byte, body CookieBody) Cookie {
	return Cookie{
		Key:       key,
		PublicKey: publicKey,
		Body:      body,
	}
}

func (c Cookie) String() string {
	return fmt.Sprintf("Cookie(%v, %v)", c.Body.Kind(), c.Key)
}

// wireCookie mirrors the tagged union on the wire: exactly the
// field selected by Kind is present.
type wireCookie struct {
	Key       []byte    `bson:"k"`
	PublicKey []byte    `bson:"pk"`
	Kind      int32     `bson:"kind"`
	Hub       *HubBody  `bson:"hub,omitempty"`
	User      *UserBody `bson:"user,omitempty"`
	Node      *NodeBody `bson:"node,omitempty"`
	Signature []byte    `bson:"sig,omitempty"`
}

func (c Cookie) wire() (w wireCookie, err error) {
	w = wireCookie{
		Key:       c.Key[:],
		PublicKey: c.PublicKey,
		Signature: c.Signature,
	}

	switch body := c.Body.(type) {
	case HubBody:
		w.Kind, w.Hub = int32(HubCookie), &body
	case UserBody:
		w.Kind, w.User = int32(UserCookie), &body
	case NodeBody:
		w.Kind, w.Node = int32(NodeCookie), &body
	default:
		err = fmt.Errorf("cookie body has unknown type %T", c.Body)
	}
	return
}

// SigningBytes returns the canonical serialization covered by the
// Cookie's detached signature: key, kind tag and body, without the
// public key blob and without the signature itself.
func (c Cookie) SigningBytes() ([]byte, error) {
	w, err := c.wire()
	if err != nil {
		return nil, err
	}

	w.PublicKey = nil
	w.Signature = nil

	return bson.Marshal(w)
}

// MarshalCookie serializes a Cookie into a single BSON document.
func MarshalCookie(c Cookie) ([]byte, error) {
	w, err := c.wire()
	if err != nil {
		return nil, err
	}

	return bson.Marshal(w)
}

// UnmarshalCookie parses a BSON document into a Cookie. The kind tag
// selects the body; a missing or doubled body is an error.
func UnmarshalCookie(data []byte) (c Cookie, err error) {
	var w wireCookie
	if err = bson.Unmarshal(data, &w); err != nil {
		return
	}

	if c.Key, err = NewPeerID(w.Key); err != nil {
		return
	}

	bodies := 0
	for _, present := range []bool{w.Hub != nil, w.User != nil, w.Node != nil} {
		if present {
			bodies++
		}
	}
	if bodies > 1 {
		err = fmt.Errorf("cookie carries %d bodies", bodies)
		return
	}

	c.PublicKey = w.PublicKey
	c.Signature = w.Signature

	switch CookieKind(w.Kind) {
	case HubCookie:
		if w.Hub == nil {
			err = fmt.Errorf("hub cookie without hub body")
			return
		}
		c.Body = *w.Hub
	case UserCookie:
		if w.User == nil {
			err = fmt.Errorf("user cookie without user body")
			return
		}
		c.Body = *w.User
	case NodeCookie:
		if w.Node == nil {
			err = fmt.Errorf("node cookie without node body")
			return
		}
		c.Body = *w.Node
	default:
		err = fmt.Errorf("unknown cookie kind %d", w.Kind)
	}
	return
}

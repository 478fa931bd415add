// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"testing"

	"github.com/siphub/siphub-go/pkg/opv2"
)

func TestAnnouncementRoundTrip(t *testing.T) {
	id := opv2.MustNewPeerID(bytes.Repeat([]byte{0x5a}, opv2.PeerIDLen))

	raw, err := MarshalAnnouncement(Announcement{PeerID: id.String(), Port: 4242})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	back, err := UnmarshalAnnouncement(raw)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if back.PeerID != id.String() || back.Port != 4242 {
		t.Errorf("round trip mangled the announcement: %+v", back)
	}
}

func TestUnmarshalAnnouncementGarbage(t *testing.T) {
	if _, err := UnmarshalAnnouncement([]byte{0x01, 0x02}); err == nil {
		t.Error("garbage payload was accepted")
	}
}

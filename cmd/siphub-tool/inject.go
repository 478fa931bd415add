// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/siphub/siphub-go/pkg/opv2"
)

// inject posts one message to the hub's admin API. A negative TTL
// lets the hub apply its start TTL.
func inject(endpoint string, recipient opv2.PeerID, code string, payload []byte) error {
	body, err := json.Marshal(map[string]interface{}{
		"recipient": recipient.String(),
		"ttl":       -1,
		"code":      code,
		"payload":   hex.EncodeToString(payload),
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(endpoint+"/v1/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("hub answered %s", resp.Status)
	}
	return nil
}

// ping injects a single "PING" command.
func ping(endpoint string, recipient opv2.PeerID) {
	if err := inject(endpoint, recipient, "command", []byte("PING")); err != nil {
		log.WithError(err).Fatal("Ping failed")
	}

	log.WithField("peer", recipient).Info("Ping accepted")
}

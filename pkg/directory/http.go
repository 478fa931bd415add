// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package directory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/siphub/siphub-go/pkg/keystore"
	"github.com/siphub/siphub-go/pkg/opv2"
)

// maxCookieLen bounds a cookie blob fetched over HTTP.
const maxCookieLen = 1 << 20

// HTTPDirectory is a Directory client against a remote directory
// service speaking the /v1/peers API.
type HTTPDirectory struct {
	endpoint string
	client   *http.Client
}

// NewHTTPDirectory creates a client for the service at endpoint, e.g.
// "http://directory.example.org:8484".
func NewHTTPDirectory(endpoint string) *HTTPDirectory {
	return &HTTPDirectory{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (d *HTTPDirectory) peerURL(id opv2.PeerID) string {
	return fmt.Sprintf("%s/v1/peers/%s", d.endpoint, id)
}

// Lookup fetches and verifies the cookie for a fingerprint.
func (d *HTTPDirectory) Lookup(ctx context.Context, id opv2.PeerID) (*opv2.Cookie, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.peerURL(id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("directory answered %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCookieLen))
	if err != nil {
		return nil, err
	}

	cookie, err := opv2.UnmarshalCookie(raw)
	if err != nil {
		return nil, err
	}
	if err := keystore.VerifyCookie(cookie); err != nil {
		return nil, err
	}
	if cookie.Key != id {
		return nil, fmt.Errorf("directory returned cookie for %v, not %v", cookie.Key, id)
	}

	return &cookie, nil
}

// Announce publishes our own signed cookie to the directory.
func (d *HTTPDirectory) Announce(ctx context.Context, c opv2.Cookie) error {
	raw, err := opv2.MarshalCookie(c)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.peerURL(c.Key), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/bson")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory answered %s", resp.Status)
	}
	return nil
}

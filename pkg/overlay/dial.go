// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package overlay

import (
	"context"
	"crypto/tls"

	"github.com/quic-go/quic-go"

	"github.com/siphub/siphub-go/pkg/keystore"
	"github.com/siphub/siphub-go/pkg/overlay/internal"
)

// Dial opens a QUIC connection to a remote hub. Timeouts are imposed
// through the context; the caller still has to run the Handshake.
func Dial(ctx context.Context, address string, ks *keystore.KeyStore, reporting chan<- Status) (*Connection, error) {
	session, err := quic.DialAddr(ctx, address, internal.GenerateDialerTLSConfig(), quicConfig())
	if err != nil {
		return nil, err
	}

	return NewConnection(ks, session, true, reporting), nil
}

func internalListenerTLS(certChainPath, privateKeyPath string) (*tls.Config, error) {
	return internal.GenerateListenerTLSConfig(certChainPath, privateKeyPath)
}

func quicConfig() *quic.Config {
	return internal.GenerateQUICConfig()
}

// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package internal

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the token negotiated at the QUIC layer, identifying the
// overlay protocol version.
const ALPN = "overlayV2"

// GenerateListenerTLSConfig builds the server side TLS config. With
// empty paths a self-signed certificate is generated; peer identity is
// established by the PGP handshake on top, not by the TLS layer.
func GenerateListenerTLSConfig(certChainPath, privateKeyPath string) (*tls.Config, error) {
	var tlsCert tls.Certificate
	var err error

	if certChainPath != "" && privateKeyPath != "" {
		tlsCert, err = tls.LoadX509KeyPair(certChainPath, privateKeyPath)
	} else {
		tlsCert, err = generateSelfSigned()
	}
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// GenerateDialerTLSConfig builds the client side TLS config. The
// listener's certificate is not verified, since most hubs run on
// self-signed certificates and authentication happens in the PGP
// handshake.
func GenerateDialerTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
	}
}

func generateSelfSigned() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	return tls.X509KeyPair(certPEM, keyPEM)
}

func GenerateQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:    2 * time.Second,
		MaxIdleTimeout:     30 * time.Second,
		EnableDatagrams:    false,
		MaxIncomingStreams: 2048,
	}
}

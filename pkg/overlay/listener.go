// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package overlay

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/siphub/siphub-go/pkg/keystore"
)

// Listener accepts inbound QUIC connections and hands each wrapped
// Connection to a register function, usually the routing engine's
// OpenConnection. The Listener performs no handshake itself.
type Listener struct {
	listenAddress string
	ks            *keystore.KeyStore
	tlsConf       *tls.Config
	reporting     chan<- Status
	registerFunc  func(*Connection)

	listener *quic.Listener
}

// NewListener prepares a Listener. With empty certificate paths a
// self-signed certificate is generated.
func NewListener(listenAddress, certChainPath, privateKeyPath string, ks *keystore.KeyStore,
	reporting chan<- Status, registerFunc func(*Connection)) (*Listener, error) {

	tlsConf, err := internalListenerTLS(certChainPath, privateKeyPath)
	if err != nil {
		return nil, err
	}

	return &Listener{
		listenAddress: listenAddress,
		ks:            ks,
		tlsConf:       tlsConf,
		reporting:     reporting,
		registerFunc:  registerFunc,
	}, nil
}

// Start opens the QUIC listener and begins accepting connections.
func (l *Listener) Start() error {
	log.WithField("address", l.listenAddress).Info("Starting overlay listener")

	lst, err := quic.ListenAddr(l.listenAddress, l.tlsConf, quicConfig())
	if err != nil {
		log.WithError(err).Error("Error creating overlay listener")
		return err
	}

	l.listener = lst
	go l.handle()

	return nil
}

// Addr is the bound transport address, usable after Start.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close shuts the listener down. Connections already handed off stay
// alive.
func (l *Listener) Close() error {
	log.WithField("address", l.listenAddress).Info("Shutting overlay listener down")
	return l.listener.Close()
}

func (l *Listener) handle() {
	for {
		session, err := l.listener.Accept(context.Background())
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				log.WithField("address", l.listenAddress).Info("Overlay listener closed")
				return
			}

			log.WithFields(log.Fields{
				"address": l.listenAddress,
				"error":   err,
			}).Error("Error accepting QUIC connection")
			continue
		}

		log.WithFields(log.Fields{
			"address": l.listenAddress,
			"peer":    session.RemoteAddr(),
		}).Info("Overlay listener accepted new connection")

		conn := NewConnection(l.ks, session, false, l.reporting)
		go l.registerFunc(conn)
	}
}

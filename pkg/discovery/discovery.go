// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery announces this hub on the local network and
// registers hubs announcing themselves. It complements the directory:
// neighbors on the same link are found without any infrastructure.
package discovery

import (
	"fmt"
	"net"
	"time"

	"github.com/schollz/peerdiscovery"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/siphub/siphub-go/pkg/opv2"
)

const (
	address4 = "239.255.255.250"
	address6 = "[ff02::c]"
	port     = 8335
)

// Announcement is the multicast payload: who we are and where our
// overlay listener awaits dialers. Authentication happens in the
// overlay handshake, not here.
type Announcement struct {
	PeerID string `bson:"id"`
	Port   uint   `bson:"port"`
}

// MarshalAnnouncement serializes an Announcement.
func MarshalAnnouncement(a Announcement) ([]byte, error) {
	return bson.Marshal(a)
}

// UnmarshalAnnouncement parses a received payload.
func UnmarshalAnnouncement(data []byte) (a Announcement, err error) {
	err = bson.Unmarshal(data, &a)
	return
}

// Manager publishes and receives Announcements.
type Manager struct {
	NodeId       opv2.PeerID
	RegisterFunc func(endpoint string, peer opv2.PeerID)

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewManager for Announcements will be created and started. The
// register function is called for every foreign hub discovered,
// usually dialing it through the routing engine.
func NewManager(nodeId opv2.PeerID, listenPort uint, registerFunc func(string, opv2.PeerID),
	interval time.Duration, ipv4, ipv6 bool) (*Manager, error) {

	manager := &Manager{
		NodeId:       nodeId,
		RegisterFunc: registerFunc,
	}
	if ipv4 {
		manager.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		manager.stopChan6 = make(chan struct{})
	}

	log.WithFields(log.Fields{
		"interval": interval,
		"IPv4":     ipv4,
		"IPv6":     ipv6,
		"port":     listenPort,
	}).Info("Starting discovery manager")

	msg, err := MarshalAnnouncement(Announcement{
		PeerID: nodeId.String(),
		Port:   listenPort,
	})
	if err != nil {
		return nil, err
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, address4, manager.stopChan4, peerdiscovery.IPv4, manager.notify},
		{ipv6, address6, manager.stopChan6, peerdiscovery.IPv6, manager.notify6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            interval,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		discoverErrChan := make(chan error)
		go func() {
			_, discoverErr := peerdiscovery.Discover(settings)
			discoverErrChan <- discoverErr
		}()

		select {
		case discoverErr := <-discoverErrChan:
			if discoverErr != nil {
				return nil, discoverErr
			}

		case <-time.After(time.Second):
			break
		}
	}

	return manager, nil
}

func (manager *Manager) notify6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)

	manager.notify(discovered)
}

func (manager *Manager) notify(discovered peerdiscovery.Discovered) {
	announcement, err := UnmarshalAnnouncement(discovered.Payload)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"peer": discovered.Address,
		}).Warn("Discarding unparsable announcement")
		return
	}

	peer, err := opv2.ParsePeerID(announcement.PeerID)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"peer": discovered.Address,
		}).Warn("Discarding announcement with bad fingerprint")
		return
	}

	if peer == manager.NodeId {
		return
	}

	endpoint := net.JoinHostPort(discovered.Address, fmt.Sprintf("%d", announcement.Port))

	log.WithFields(log.Fields{
		"peer":     peer,
		"endpoint": endpoint,
	}).Debug("Discovered hub announcement")

	manager.RegisterFunc(endpoint, peer)
}

// Close stops the Manager.
func (manager *Manager) Close() {
	if manager.stopChan4 != nil {
		close(manager.stopChan4)
	}
	if manager.stopChan6 != nil {
		close(manager.stopChan6)
	}
}

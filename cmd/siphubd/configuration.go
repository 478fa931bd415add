// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/siphub/siphub-go/pkg/agent"
	"github.com/siphub/siphub-go/pkg/directory"
	"github.com/siphub/siphub-go/pkg/discovery"
	"github.com/siphub/siphub-go/pkg/keystore"
	"github.com/siphub/siphub-go/pkg/opv2"
	"github.com/siphub/siphub-go/pkg/overlay"
	"github.com/siphub/siphub-go/pkg/routing"
	"github.com/siphub/siphub-go/pkg/signaling"
	"github.com/siphub/siphub-go/pkg/storage"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core      coreConf
	Listen    listenConf
	Keys      keysConf
	Directory directoryConf
	Signaling signalingConf
	Discovery discoveryConf
	Agent     agentConf
	Logging   logConf
	Profiling profilingConf
	Peer      []peerConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	Hostname        string
	Store           string
	StoreBackend    string `toml:"store-backend"`
	RedisAddress    string `toml:"redis-address"`
	RedisPassword   string `toml:"redis-password"`
	RedisDB         int    `toml:"redis-db"`
	StartTTL        int32  `toml:"start-ttl"`
	TTLZeroDrop     bool   `toml:"ttl-zero-drop"`
	IdempotenceKeys bool   `toml:"idempotence-keys"`
}

// listenConf describes the overlay listener block.
type listenConf struct {
	Address          string
	ServiceURI       string `toml:"service-uri"`
	SSLCertChainPath string `toml:"ssl-cert-chain-path"`
	SSLPrivateKey    string `toml:"ssl-private-key-path"`
}

// keysConf points at the armored key files.
type keysConf struct {
	Public     string
	Private    string
	Passphrase string
}

// directoryConf describes the external directory plus an optional
// locally hosted one.
type directoryConf struct {
	Endpoint string
	Serve    string
}

// signalingConf describes the local SIP bridge.
type signalingConf struct {
	Listen       string
	SentinelHost string `toml:"sentinel-host"`
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// agentConf describes the admin API endpoint.
type agentConf struct {
	Listen string
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// profilingConf toggles CPU profiling.
type profilingConf struct {
	Enabled bool
}

// peerConf is one statically configured neighbor hub.
type peerConf struct {
	Endpoint string
}

// hub bundles everything the daemon runs, for an orderly shutdown.
type hub struct {
	engine    *routing.Engine
	listener  *overlay.Listener
	adapter   *signaling.Adapter
	admin     *agent.RestAgent
	disco     *discovery.Manager
	dirServer *directory.Server
}

func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

func parseListenPort(endpoint string) (port uint, err error) {
	_, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return
	}

	portInt, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}

	return uint(portInt), nil
}

// parseQueue selects the queue backend.
func parseQueue(conf coreConf) (storage.MessageQueue, error) {
	switch conf.StoreBackend {
	case "", "badger":
		if conf.Store == "" {
			return nil, fmt.Errorf("core.store is empty")
		}
		return storage.NewBadgerQueue(conf.Store)

	case "redis":
		if conf.RedisAddress == "" {
			return nil, fmt.Errorf("core.redis-address is empty")
		}
		return storage.NewRedisQueue(conf.RedisAddress, conf.RedisPassword, conf.RedisDB)

	default:
		return nil, fmt.Errorf("unknown core.store-backend %q", conf.StoreBackend)
	}
}

// parseHub creates the whole hub based on the given TOML
// configuration: keys, queue, directory, engine, overlay listener,
// signaling adapter, admin agent and discovery.
func parseHub(filename string) (h *hub, profiling bool, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	configureLogging(conf.Logging)
	profiling = conf.Profiling.Enabled

	ks, err := keystore.Load(conf.Keys.Public, conf.Keys.Private, []byte(conf.Keys.Passphrase))
	if err != nil {
		return
	}

	log.WithFields(log.Fields{
		"id":       ks.PeerID(),
		"hostname": conf.Core.Hostname,
	}).Info("Loaded hub identity")

	queue, err := parseQueue(conf.Core)
	if err != nil {
		return
	}

	h = &hub{}

	// An optional locally hosted directory service.
	if conf.Directory.Serve != "" {
		h.dirServer = directory.NewServer(conf.Directory.Serve)
		h.dirServer.Start()
	}

	var dir directory.Directory
	var httpDir *directory.HTTPDirectory
	if conf.Directory.Endpoint != "" {
		httpDir = directory.NewHTTPDirectory(conf.Directory.Endpoint)
		dir = httpDir
	} else if h.dirServer != nil {
		dir = h.dirServer.Table()
	} else {
		dir = directory.NewTable()
	}

	serviceURI := conf.Listen.ServiceURI
	if serviceURI == "" {
		serviceURI = conf.Listen.Address
	}

	engine, err := routing.NewEngine(ks, queue, dir, routing.Config{
		Hostname:        conf.Core.Hostname,
		ServiceURI:      serviceURI,
		DirectoryURI:    conf.Directory.Endpoint,
		StartTTL:        conf.Core.StartTTL,
		TTLZeroDrop:     conf.Core.TTLZeroDrop,
		IdempotenceKeys: conf.Core.IdempotenceKeys,
	})
	if err != nil {
		return
	}
	h.engine = engine

	h.listener, err = overlay.NewListener(
		conf.Listen.Address, conf.Listen.SSLCertChainPath, conf.Listen.SSLPrivateKey,
		ks, engine.Channel(), engine.RegisterInbound)
	if err != nil {
		return
	}
	if err = h.listener.Start(); err != nil {
		return
	}

	h.adapter, err = signaling.NewAdapter(engine, ks, conf.Signaling.Listen, conf.Signaling.SentinelHost)
	if err != nil {
		return
	}

	if conf.Agent.Listen != "" {
		h.admin = agent.NewRestAgent(engine, conf.Agent.Listen)
		h.admin.Start()
	}

	// Publish our cookie so other hubs can find us.
	if httpDir != nil {
		if cookie, cerr := opv2.UnmarshalCookie(engine.SelfCookie()); cerr == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if aerr := httpDir.Announce(ctx, cookie); aerr != nil {
				log.WithError(aerr).Warn("Announcing to the directory failed")
			}
			cancel()
		}
	}

	// Discovery
	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		if conf.Discovery.Interval == 0 {
			conf.Discovery.Interval = 10
		}

		listenPort, perr := parseListenPort(conf.Listen.Address)
		if perr != nil {
			err = perr
			return
		}

		h.disco, err = discovery.NewManager(
			ks.PeerID(), listenPort, func(endpoint string, peer opv2.PeerID) {
				if engine.HasConnection(peer) {
					return
				}

				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				if derr := engine.ConnectTo(ctx, endpoint); derr != nil {
					log.WithFields(log.Fields{
						"endpoint": endpoint,
						"error":    derr,
					}).Warn("Connecting to discovered hub failed")
				}
			},
			time.Duration(conf.Discovery.Interval)*time.Second,
			conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			return
		}
	}

	// Statically configured neighbors.
	for _, peer := range conf.Peer {
		go func(endpoint string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if derr := engine.ConnectTo(ctx, endpoint); derr != nil {
				log.WithFields(log.Fields{
					"endpoint": endpoint,
					"error":    derr,
				}).Warn("Connecting to configured peer failed")
			}
		}(peer.Endpoint)
	}

	return
}

// close shuts all components down, leaves first.
func (h *hub) close() {
	if h.disco != nil {
		h.disco.Close()
	}
	if h.admin != nil {
		_ = h.admin.Close()
	}
	if h.adapter != nil {
		_ = h.adapter.Close()
	}
	if h.listener != nil {
		_ = h.listener.Close()
	}
	if h.engine != nil {
		h.engine.Close()
	}
	if h.dirServer != nil {
		_ = h.dirServer.Close()
	}
}

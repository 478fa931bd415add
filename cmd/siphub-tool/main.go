// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// siphub-tool is a helper against a running hub's admin API.
//
//	siphub-tool ping  http://localhost:8429 <peer-id>
//	siphub-tool watch http://localhost:8429 <peer-id> <directory>
//
// The watch mode observes a spool directory; every file created there
// is injected as a message towards the given peer, then removed.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/siphub/siphub-go/pkg/opv2"
)

func printUsage() {
	log.Fatalf("Usage: %s ping|watch args...", os.Args[0])
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	if len(os.Args) < 4 {
		printUsage()
	}

	endpoint := os.Args[2]

	recipient, err := opv2.ParsePeerID(os.Args[3])
	if err != nil {
		log.WithError(err).Fatal("Recipient is no peer fingerprint")
	}

	switch os.Args[1] {
	case "ping":
		ping(endpoint, recipient)

	case "watch":
		if len(os.Args) != 5 {
			printUsage()
		}
		watch(endpoint, recipient, os.Args[4])

	default:
		printUsage()
	}
}

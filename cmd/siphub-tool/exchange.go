// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/siphub/siphub-go/pkg/opv2"
)

// watch observes a spool directory and injects every created file as
// an application message towards the recipient. Successfully injected
// files are removed from the directory.
func watch(endpoint string, recipient opv2.PeerID, dir string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Fatal("Creating watcher failed")
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		log.WithFields(log.Fields{
			"directory": dir,
			"error":     err,
		}).Fatal("Watching directory failed")
	}

	log.WithFields(log.Fields{
		"directory": dir,
		"peer":      recipient,
	}).Info("Watching spool directory")

	for {
		select {
		case e, ok := <-watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return
			}

			if e.Op&fsnotify.Create == 0 {
				continue
			}

			injectFile(endpoint, recipient, e.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				log.Error("fsnotify's Error channel was closed")
				return
			}

			log.WithError(err).Warn("Watcher reported an error")
		}
	}
}

func injectFile(endpoint string, recipient opv2.PeerID, name string) {
	logger := log.WithField("file", filepath.Base(name))

	payload, err := os.ReadFile(name)
	if err != nil {
		logger.WithError(err).Warn("Reading spool file failed")
		return
	}

	if err := inject(endpoint, recipient, "application", payload); err != nil {
		logger.WithError(err).Warn("Injecting spool file failed")
		return
	}

	if err := os.Remove(name); err != nil {
		logger.WithError(err).Warn("Removing injected spool file failed")
		return
	}

	logger.Info("Injected spool file")
}

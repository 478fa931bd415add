// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage implements the hub's durable message queue: a keyed
// FIFO for messages that could not be routed, drained again when a
// connection for their key appears or by the periodic flush.
package storage

import (
	"github.com/siphub/siphub-go/pkg/opv2"
)

// MessageQueue is a durable keyed FIFO. Enqueue appends a message
// under a key; DequeueByKey pops the oldest message for one key;
// Dequeue pops a message of any key, the oldest overall in BadgerQueue
// and the oldest of one key in RedisQueue. An empty queue yields a nil
// message and no error.
type MessageQueue interface {
	Enqueue(key string, m opv2.Message) error
	DequeueByKey(key string) (*opv2.Message, error)
	Dequeue() (string, *opv2.Message, error)

	// Keys lists all keys that currently hold at least one message.
	Keys() ([]string, error)

	Close() error
}

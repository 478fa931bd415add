// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"os"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"

	"github.com/siphub/siphub-go/pkg/opv2"
)

// queueItem wraps one stored message. The badger sequence number both
// identifies the item and orders it; sequence order is insertion
// order, which makes the per-key pop FIFO.
type queueItem struct {
	ID  uint64 `badgerhold:"key"`
	Key string `badgerholdIndex:"Key"`

	Raw      []byte
	Inserted time.Time
}

// BadgerQueue is the default MessageQueue, persisted in a badger
// database below the given directory.
type BadgerQueue struct {
	bh *badgerhold.Store

	// popMutex serializes every write: the find-then-delete of the
	// dequeue paths and the inserts of Enqueue, whose concurrent
	// transactions would otherwise conflict on the shared key index.
	popMutex sync.Mutex
}

// NewBadgerQueue creates or reopens a queue below dir.
func NewBadgerQueue(dir string) (*BadgerQueue, error) {
	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerQueue{bh: bh}, nil
}

// Close the queue. It must not be used afterwards.
func (q *BadgerQueue) Close() error {
	return q.bh.Close()
}

// Enqueue appends a message under the given key.
func (q *BadgerQueue) Enqueue(key string, m opv2.Message) error {
	raw, err := opv2.MarshalMessage(m)
	if err != nil {
		return err
	}

	item := queueItem{
		Key:      key,
		Raw:      raw,
		Inserted: time.Now(),
	}

	log.WithFields(log.Fields{
		"key":     key,
		"message": m,
	}).Debug("Queue stores message")

	q.popMutex.Lock()
	defer q.popMutex.Unlock()

	return q.bh.Insert(badgerhold.NextSequence(), &item)
}

// findItems fetches the stored items for one key, or all of them for
// an empty key, oldest first.
func (q *BadgerQueue) findItems(key string) ([]queueItem, error) {
	query := badgerhold.Where("Key").Ne("")
	if key != "" {
		query = badgerhold.Where("Key").Eq(key).Index("Key")
	}

	var items []queueItem
	if err := q.bh.Find(&items, query); err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// DequeueByKey pops the oldest message stored under key, or nil if
// none is present.
func (q *BadgerQueue) DequeueByKey(key string) (*opv2.Message, error) {
	q.popMutex.Lock()
	defer q.popMutex.Unlock()

	items, err := q.findItems(key)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	return q.take(items[0])
}

// Dequeue pops the oldest message of any key.
func (q *BadgerQueue) Dequeue() (string, *opv2.Message, error) {
	q.popMutex.Lock()
	defer q.popMutex.Unlock()

	items, err := q.findItems("")
	if err != nil {
		return "", nil, err
	}
	if len(items) == 0 {
		return "", nil, nil
	}

	m, err := q.take(items[0])
	if err != nil {
		return "", nil, err
	}
	return items[0].Key, m, nil
}

func (q *BadgerQueue) take(item queueItem) (*opv2.Message, error) {
	if err := q.bh.Delete(item.ID, queueItem{}); err != nil {
		return nil, err
	}

	m, err := opv2.UnmarshalMessage(item.Raw)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Keys lists all keys holding at least one message.
func (q *BadgerQueue) Keys() ([]string, error) {
	items, err := q.findItems("")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var keys []string
	for _, item := range items {
		if _, ok := seen[item.Key]; !ok {
			seen[item.Key] = struct{}{}
			keys = append(keys, item.Key)
		}
	}
	return keys, nil
}

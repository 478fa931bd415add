// SPDX-FileCopyrightText: 2026 The siphub Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/siphub/siphub-go/pkg/opv2"
)

const (
	redisKeySet    = "siphub:queue:keys"
	redisKeyPrefix = "siphub:queue:"
)

// RedisQueue is a MessageQueue on a redis server: one list per key,
// plus a set of live keys. Useful when several hubs share queue state
// or the host has no persistent disk of its own.
type RedisQueue struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisQueue connects to a redis server and verifies the
// connection with a ping.
func NewRedisQueue(addr, password string, db int) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisQueue{
		client: client,
		ctx:    ctx,
	}, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func listKey(key string) string {
	return redisKeyPrefix + key
}

// Enqueue appends a message under the given key.
func (q *RedisQueue) Enqueue(key string, m opv2.Message) error {
	raw, err := opv2.MarshalMessage(m)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.RPush(q.ctx, listKey(key), raw)
	pipe.SAdd(q.ctx, redisKeySet, key)
	_, err = pipe.Exec(q.ctx)
	return err
}

// DequeueByKey pops the oldest message stored under key, or nil if
// none is present.
func (q *RedisQueue) DequeueByKey(key string) (*opv2.Message, error) {
	raw, err := q.client.LPop(q.ctx, listKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		_ = q.client.SRem(q.ctx, redisKeySet, key).Err()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m, err := opv2.UnmarshalMessage(raw)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Dequeue pops the oldest message of the first key, in the key set's
// unordered iteration, that still holds one; it is not necessarily the
// oldest message across all keys.
func (q *RedisQueue) Dequeue() (string, *opv2.Message, error) {
	keys, err := q.Keys()
	if err != nil {
		return "", nil, err
	}

	for _, key := range keys {
		m, err := q.DequeueByKey(key)
		if err != nil {
			return "", nil, err
		}
		if m != nil {
			return key, m, nil
		}
	}

	return "", nil, nil
}

// Keys lists the keys that received a message. A key whose last
// message was popped stays listed until a pop on it finds it empty.
func (q *RedisQueue) Keys() ([]string, error) {
	return q.client.SMembers(q.ctx, redisKeySet).Result()
}

// Copyright 2026 Quantweave
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore tracks per-key request and token consumption in rolling
// windows so capacity checks are atomic across router instances.
type CounterStore interface {
	// Reserve atomically admits one request plus tokens against the
	// key's RPM/TPM/RPD budgets. When a budget would be exceeded it
	// consumes nothing and returns resetAt, the instant the blocking
	// window reopens (the next UTC midnight for a spent daily budget).
	Reserve(ctx context.Context, keyID string, tokens int64, spec KeySpec, now time.Time) (ok bool, resetAt time.Time, err error)
}

// minuteWindow truncates now to the RPM/TPM accounting window.
func minuteWindow(now time.Time) time.Time { return now.UTC().Truncate(time.Minute) }

// dayWindow truncates now to the RPD accounting window (UTC day).
func dayWindow(now time.Time) time.Time { return now.UTC().Truncate(24 * time.Hour) }

// NextWindowReset returns when the earliest capacity window reopens.
func NextWindowReset(now time.Time) time.Time {
	return minuteWindow(now).Add(time.Minute)
}

// RedisCounterStore shares counters through Redis. Keys are bucketed
// per minute (requests, tokens) and per UTC day (requests), with a TTL
// slightly past the window so stale buckets expire on their own.
type RedisCounterStore struct {
	rdb *redis.Client
}

// NewRedisCounterStore connects to addr and verifies the connection.
func NewRedisCounterStore(ctx context.Context, addr string) (*RedisCounterStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect rate counter store: %w", err)
	}
	return &RedisCounterStore{rdb: rdb}, nil
}

// reserveScript admits the reservation only when all three budgets
// hold, so concurrent routers never oversubscribe a key. Returns 0 on
// success, or the 1-based index of the blocking budget (rpd checked
// first so daily exhaustion is reported over minute exhaustion).
var reserveScript = redis.NewScript(`
local rpm = tonumber(ARGV[1])
local tpm = tonumber(ARGV[2])
local rpd = tonumber(ARGV[3])
local tokens = tonumber(ARGV[4])
local req = tonumber(redis.call('GET', KEYS[1]) or '0')
local tok = tonumber(redis.call('GET', KEYS[2]) or '0')
local day = tonumber(redis.call('GET', KEYS[3]) or '0')
if rpd > 0 and day + 1 > rpd then return 3 end
if rpm > 0 and req + 1 > rpm then return 1 end
if tpm > 0 and tok + tokens > tpm then return 2 end
redis.call('INCRBY', KEYS[1], 1)
redis.call('EXPIRE', KEYS[1], 90)
redis.call('INCRBY', KEYS[2], tokens)
redis.call('EXPIRE', KEYS[2], 90)
redis.call('INCRBY', KEYS[3], 1)
redis.call('EXPIRE', KEYS[3], 90000)
return 0
`)

// Reserve implements CounterStore.
func (s *RedisCounterStore) Reserve(ctx context.Context, keyID string, tokens int64, spec KeySpec, now time.Time) (bool, time.Time, error) {
	minute := minuteWindow(now).Unix()
	day := dayWindow(now).Unix()
	keys := []string{
		fmt.Sprintf("qw:rate:%s:req:%d", keyID, minute),
		fmt.Sprintf("qw:rate:%s:tok:%d", keyID, minute),
		fmt.Sprintf("qw:rate:%s:day:%d", keyID, day),
	}
	res, err := reserveScript.Run(ctx, s.rdb, keys, spec.RPM, spec.TPM, spec.RPD, tokens).Int()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("reserve capacity for %s: %w", keyID, err)
	}
	switch res {
	case 0:
		return true, time.Time{}, nil
	case 3:
		return false, dayWindow(now).Add(24 * time.Hour), nil
	default:
		return false, NextWindowReset(now), nil
	}
}

// Close releases the Redis connection.
func (s *RedisCounterStore) Close() error { return s.rdb.Close() }

// LocalCounterStore is the in-process fallback used when the shared
// store is unreachable. Counting is accurate within one process only.
type LocalCounterStore struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
}

type localBucket struct {
	minute   time.Time
	day      time.Time
	requests int
	tokens   int64
	dayReqs  int
}

// NewLocalCounterStore builds an empty local store.
func NewLocalCounterStore() *LocalCounterStore {
	return &LocalCounterStore{buckets: make(map[string]*localBucket)}
}

// Reserve implements CounterStore.
func (s *LocalCounterStore) Reserve(_ context.Context, keyID string, tokens int64, spec KeySpec, now time.Time) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[keyID]
	if !ok {
		b = &localBucket{}
		s.buckets[keyID] = b
	}
	minute, day := minuteWindow(now), dayWindow(now)
	if !b.minute.Equal(minute) {
		b.minute, b.requests, b.tokens = minute, 0, 0
	}
	if !b.day.Equal(day) {
		b.day, b.dayReqs = day, 0
	}

	if spec.RPD > 0 && b.dayReqs+1 > spec.RPD {
		return false, day.Add(24 * time.Hour), nil
	}
	if spec.RPM > 0 && b.requests+1 > spec.RPM {
		return false, NextWindowReset(now), nil
	}
	if spec.TPM > 0 && b.tokens+tokens > int64(spec.TPM) {
		return false, NextWindowReset(now), nil
	}
	b.requests++
	b.tokens += tokens
	b.dayReqs++
	return true, time.Time{}, nil
}

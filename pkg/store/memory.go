// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package store

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

const defaultCleanupInterval = time.Minute

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore keeps blobs, indexes and counters in process memory. Expired
// blobs are dropped lazily on read and periodically by a cleanup loop.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]memoryEntry
	indexes  map[string]map[string]float64
	counters sync.Map // name -> *atomic.Int64
	closed   bool

	now         func() time.Time
	logger      *slog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return newMemoryStore(logger, defaultCleanupInterval)
}

func newMemoryStore(logger *slog.Logger, cleanupInterval time.Duration) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MemoryStore{
		entries:     make(map[string]memoryEntry),
		indexes:     make(map[string]map[string]float64),
		now:         time.Now,
		logger:      logger.With("component", "memory-store"),
		stopCleanup: make(chan struct{}),
	}
	go m.cleanupLoop(cleanupInterval)
	return m
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, core.ErrStoreClosed
	}
	e, ok := m.entries[key]
	if !ok || e.expired(m.now()) {
		return nil, core.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrStoreClosed
	}
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// TTL returns the remaining lifetime of key, or 0 when it never expires.
func (m *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, core.ErrStoreClosed
	}
	now := m.now()
	e, ok := m.entries[key]
	if !ok || e.expired(now) {
		return 0, core.ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(now), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrStoreClosed
	}
	delete(m.entries, key)
	delete(m.indexes, key)
	return nil
}

func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, core.ErrStoreClosed
	}
	now := m.now()
	var keys []string
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) IndexAdd(ctx context.Context, index, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrStoreClosed
	}
	idx, ok := m.indexes[index]
	if !ok {
		idx = make(map[string]float64)
		m.indexes[index] = idx
	}
	idx[member] = score
	return nil
}

func (m *MemoryStore) IndexRevRange(ctx context.Context, index string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, core.ErrStoreClosed
	}
	idx := m.indexes[index]
	members := make([]string, 0, len(idx))
	for member := range idx {
		members = append(members, member)
	}
	// Same ordering as ZREVRANGE: score descending, then member descending.
	sort.Slice(members, func(i, j int) bool {
		si, sj := idx[members[i]], idx[members[j]]
		if si != sj {
			return si > sj
		}
		return members[i] > members[j]
	})
	if limit > 0 && len(members) > limit {
		members = members[:limit]
	}
	return members, nil
}

func (m *MemoryStore) IndexLen(ctx context.Context, index string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, core.ErrStoreClosed
	}
	return int64(len(m.indexes[index])), nil
}

func (m *MemoryStore) IndexTrim(ctx context.Context, index string, maxScore float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, core.ErrStoreClosed
	}
	var removed int64
	for member, score := range m.indexes[index] {
		if score <= maxScore {
			delete(m.indexes[index], member)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) counter(name string) *atomic.Int64 {
	if c, ok := m.counters.Load(name); ok {
		return c.(*atomic.Int64)
	}
	c, _ := m.counters.LoadOrStore(name, new(atomic.Int64))
	return c.(*atomic.Int64)
}

func (m *MemoryStore) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Incr adds n to the named counter without taking the blob lock for writing.
func (m *MemoryStore) Incr(ctx context.Context, name string, n int64) (int64, error) {
	if m.isClosed() {
		return 0, core.ErrStoreClosed
	}
	return m.counter(name).Add(n), nil
}

func (m *MemoryStore) Counter(ctx context.Context, name string) (int64, error) {
	if m.isClosed() {
		return 0, core.ErrStoreClosed
	}
	if c, ok := m.counters.Load(name); ok {
		return c.(*atomic.Int64).Load(), nil
	}
	return 0, nil
}

func (m *MemoryStore) All(ctx context.Context) (map[string]int64, error) {
	if m.isClosed() {
		return nil, core.ErrStoreClosed
	}
	out := make(map[string]int64)
	m.counters.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out, nil
}

func (m *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			if n := m.purgeExpired(); n > 0 {
				m.logger.Debug("expired entries removed", "count", n)
			}
		}
	}
}

func (m *MemoryStore) purgeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stopCleanup) })
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	m.indexes = nil
	return nil
}

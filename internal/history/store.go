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

// Package history keeps bounded rolling windows of numeric samples and
// event timestamps per key.
package history

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

// Stats summarizes an amount window. Mean and StdDev are meaningless when Count is 0.
type Stats struct {
	Mean   float64
	StdDev float64
	Count  int
}

// window holds both sequences for one key. Its mutex serializes
// append+evict against readers of the same key only.
type window struct {
	mu      sync.RWMutex
	amounts *ring[core.Sample]
	times   *ring[time.Time]
}

type Store struct {
	amountCap int
	timeCap   int
	windows   sync.Map // key -> *window
	now       func() time.Time
}

func NewStore(amountCapacity, timestampCapacity int) *Store {
	return &Store{
		amountCap: amountCapacity,
		timeCap:   timestampCapacity,
		now:       time.Now,
	}
}

func (s *Store) window(key string) *window {
	if w, ok := s.windows.Load(key); ok {
		return w.(*window)
	}
	w, _ := s.windows.LoadOrStore(key, &window{
		amounts: newRing[core.Sample](s.amountCap),
		times:   newRing[time.Time](s.timeCap),
	})
	return w.(*window)
}

func (s *Store) lookup(key string) (*window, bool) {
	w, ok := s.windows.Load(key)
	if !ok {
		return nil, false
	}
	return w.(*window), true
}

func (s *Store) AppendAmount(key string, value float64) {
	w := s.window(key)
	sample := core.Sample{Key: key, Value: value, ObservedAt: s.now().UTC()}
	w.mu.Lock()
	w.amounts.push(sample)
	w.mu.Unlock()
}

func (s *Store) AppendTimestamp(key string, ts time.Time) {
	w := s.window(key)
	w.mu.Lock()
	w.times.push(ts)
	w.mu.Unlock()
}

// Stats returns the population mean and standard deviation of the amount window.
func (s *Store) Stats(key string) Stats {
	w, ok := s.lookup(key)
	if !ok {
		return Stats{}
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	n := w.amounts.len()
	if n == 0 {
		return Stats{}
	}

	var sum float64
	w.amounts.each(func(smp core.Sample) { sum += smp.Value })
	mean := sum / float64(n)

	var sq float64
	w.amounts.each(func(smp core.Sample) {
		d := smp.Value - mean
		sq += d * d
	})

	return Stats{Mean: mean, StdDev: math.Sqrt(sq / float64(n)), Count: n}
}

// CountWithin counts timestamps t in the key's window with ts - t < window.
func (s *Store) CountWithin(key string, ts time.Time, window time.Duration) int {
	w, ok := s.lookup(key)
	if !ok {
		return 0
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	count := 0
	w.times.each(func(t time.Time) {
		if ts.Sub(t) < window {
			count++
		}
	})
	return count
}

// Amounts returns a copy of the amount window, oldest first.
func (s *Store) Amounts(key string) []core.Sample {
	w, ok := s.lookup(key)
	if !ok {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.amounts.slice()
}

// Timestamps returns a copy of the timestamp window, oldest first.
func (s *Store) Timestamps(key string) []time.Time {
	w, ok := s.lookup(key)
	if !ok {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.times.slice()
}

func (s *Store) Keys() []string {
	var keys []string
	s.windows.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

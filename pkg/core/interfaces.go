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

package core

import (
	"context"
	"time"
)

// KVStore is the key to JSON blob backend used for audit records.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	IndexAdd(ctx context.Context, index, member string, score float64) error
	// IndexRevRange returns up to limit members, highest score first.
	IndexRevRange(ctx context.Context, index string, limit int) ([]string, error)
	IndexLen(ctx context.Context, index string) (int64, error)
	// IndexTrim removes members scored at or below maxScore and returns how many went.
	IndexTrim(ctx context.Context, index string, maxScore float64) (int64, error)

	Close() error
}

// CounterStore holds named increment-only counters.
type CounterStore interface {
	Incr(ctx context.Context, name string, n int64) (int64, error)
	Counter(ctx context.Context, name string) (int64, error)
	All(ctx context.Context) (map[string]int64, error)
}

// Backend is a store providing both blobs and counters.
type Backend interface {
	KVStore
	CounterStore
}

// Connector is the lifecycle shared by sources and sinks.
type Connector interface {
	Name() string
	Type() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Source delivers inbound records until ctx is cancelled.
type Source interface {
	Connector
	Start(ctx context.Context, out chan<- Inbound) error
}

// Sink publishes action notifications to an external system.
type Sink interface {
	Connector
	Send(ctx context.Context, n Notification) error
}

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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/config"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

const (
	counterKeyPrefix = "counter:"
	scanBatch        = 100
)

type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *slog.Logger
}

func NewRedisStore(cfg config.RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("redis store connected", "addr", cfg.Addr, "db", cfg.DB, "key_prefix", cfg.KeyPrefix)
	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger.With("component", "redis-store"),
	}, nil
}

func (r *RedisStore) key(k string) string {
	return r.keyPrefix + k
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// TTL returns the remaining lifetime of key, or 0 when it never expires.
func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	switch {
	case d == -2:
		return 0, core.ErrNotFound
	case d < 0:
		return 0, nil
	}
	return d, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	pattern := r.key(prefix) + "*"

	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan keys: %w", err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, r.keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (r *RedisStore) IndexAdd(ctx context.Context, index, member string, score float64) error {
	return r.client.ZAdd(ctx, r.key(index), redis.Z{Score: score, Member: member}).Err()
}

func (r *RedisStore) IndexRevRange(ctx context.Context, index string, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := r.client.ZRevRange(ctx, r.key(index), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", index, err)
	}
	return members, nil
}

func (r *RedisStore) IndexLen(ctx context.Context, index string) (int64, error) {
	return r.client.ZCard(ctx, r.key(index)).Result()
}

func (r *RedisStore) IndexTrim(ctx context.Context, index string, maxScore float64) (int64, error) {
	removed, err := r.client.ZRemRangeByScore(ctx, r.key(index), "-inf", fmt.Sprintf("%f", maxScore)).Result()
	if err != nil {
		return 0, fmt.Errorf("trim index %s: %w", index, err)
	}
	return removed, nil
}

func (r *RedisStore) Incr(ctx context.Context, name string, n int64) (int64, error) {
	v, err := r.client.IncrBy(ctx, r.key(counterKeyPrefix+name), n).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", name, err)
	}
	return v, nil
}

func (r *RedisStore) Counter(ctx context.Context, name string) (int64, error) {
	v, err := r.client.Get(ctx, r.key(counterKeyPrefix+name)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}
	return v, nil
}

func (r *RedisStore) All(ctx context.Context) (map[string]int64, error) {
	keys, err := r.Keys(ctx, counterKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, r.key(k))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	for i, k := range keys {
		v, err := cmds[i].Int64()
		if err != nil {
			r.logger.Warn("skipping unreadable counter", "key", k, "error", err)
			continue
		}
		out[strings.TrimPrefix(k, counterKeyPrefix)] = v
	}
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

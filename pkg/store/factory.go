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

// Package store provides the key/value, index and counter backends used for
// audit records.
package store

import (
	"fmt"
	"log/slog"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/config"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
)

func New(cfg config.StoreConfig, logger *slog.Logger) (core.Backend, error) {
	switch cfg.Type {
	case TypeMemory, "":
		return NewMemoryStore(logger), nil
	case TypeRedis:
		s, err := NewRedisStore(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}

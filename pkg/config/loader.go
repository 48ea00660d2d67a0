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

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAnomalyScoreThreshold    = 0.8
	DefaultMinSamplesForAmount      = 10
	DefaultAmountStddevMultiplier   = 3.0
	DefaultRateWindowMinutes        = 5
	DefaultRateEventThreshold       = 5
	DefaultNullValueRatioThreshold  = 0.3
	DefaultRetryAttempts            = 3
	DefaultRetryBaseDelaySeconds    = 1.0
	DefaultAttemptTimeoutSeconds    = 10.0
	DefaultHistoryAmountCapacity    = 1000
	DefaultHistoryTimestampCapacity = 100
	DefaultWorkers                  = 8
)

type Config struct {
	AnomalyScoreThreshold      float64 `yaml:"anomaly_score_threshold"`
	MinSamplesForAmountAnomaly int     `yaml:"min_samples_for_amount_anomaly"`
	AmountStddevMultiplier     float64 `yaml:"amount_stddev_multiplier"`
	RateWindowMinutes          float64 `yaml:"rate_window_minutes"`
	RateEventThreshold         int     `yaml:"rate_event_threshold"`
	NullValueRatioThreshold    float64 `yaml:"null_value_ratio_threshold"`
	RetryAttempts              int     `yaml:"retry_attempts"`
	RetryBaseDelaySeconds      float64 `yaml:"retry_base_delay_seconds"`
	AttemptTimeoutSeconds      float64 `yaml:"attempt_timeout_seconds"`
	HistoryAmountCapacity      int     `yaml:"history_amount_capacity"`
	HistoryTimestampCapacity   int     `yaml:"history_timestamp_capacity"`
	LogNormalRecords           bool    `yaml:"log_normal_records"`
	Workers                    int     `yaml:"workers"`

	// AmountFields overrides the record fields scored as amounts. Read at startup only.
	AmountFields []string `yaml:"amount_fields"`

	Store   StoreConfig                `yaml:"store"`
	Sources []SourceConfig             `yaml:"sources"`
	Sinks   []SinkConfig               `yaml:"sinks"`
	Notify  map[core.ActionType]string `yaml:"notify"`
	Metrics MetricsConfig              `yaml:"metrics"`
}

type StoreConfig struct {
	Type  string      `yaml:"type"` // "memory" or "redis"
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type SourceConfig struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	SchemaType string            `yaml:"schema_type"`
	Config     map[string]string `yaml:"config"`
}

type SinkConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every recognized option at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	var present map[string]yaml.Node
	if err := yaml.Unmarshal(data, &present); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults(func(key string) bool {
		_, ok := present[key]
		return ok
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults replaces zero values with defaults.
func (c *Config) ApplyDefaults() {
	c.applyDefaults(func(string) bool { return false })
}

// applyDefaults fills zero values with defaults. Options where zero is a
// usable setting keep it when explicitly set.
func (c *Config) applyDefaults(explicit func(key string) bool) {
	if c.AnomalyScoreThreshold == 0 && !explicit("anomaly_score_threshold") {
		c.AnomalyScoreThreshold = DefaultAnomalyScoreThreshold
	}
	if c.MinSamplesForAmountAnomaly == 0 {
		c.MinSamplesForAmountAnomaly = DefaultMinSamplesForAmount
	}
	if c.AmountStddevMultiplier == 0 {
		c.AmountStddevMultiplier = DefaultAmountStddevMultiplier
	}
	if c.RateWindowMinutes == 0 {
		c.RateWindowMinutes = DefaultRateWindowMinutes
	}
	if c.RateEventThreshold == 0 {
		c.RateEventThreshold = DefaultRateEventThreshold
	}
	if c.NullValueRatioThreshold == 0 && !explicit("null_value_ratio_threshold") {
		c.NullValueRatioThreshold = DefaultNullValueRatioThreshold
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryBaseDelaySeconds == 0 && !explicit("retry_base_delay_seconds") {
		c.RetryBaseDelaySeconds = DefaultRetryBaseDelaySeconds
	}
	if c.AttemptTimeoutSeconds == 0 {
		c.AttemptTimeoutSeconds = DefaultAttemptTimeoutSeconds
	}
	if c.HistoryAmountCapacity == 0 {
		c.HistoryAmountCapacity = DefaultHistoryAmountCapacity
	}
	if c.HistoryTimestampCapacity == 0 {
		c.HistoryTimestampCapacity = DefaultHistoryTimestampCapacity
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.AnomalyScoreThreshold < 0 || c.AnomalyScoreThreshold > 1 {
		errs = append(errs, fmt.Errorf("anomaly_score_threshold must be within [0,1], got %v", c.AnomalyScoreThreshold))
	}
	if c.MinSamplesForAmountAnomaly < 1 {
		errs = append(errs, fmt.Errorf("min_samples_for_amount_anomaly must be positive, got %d", c.MinSamplesForAmountAnomaly))
	}
	if c.AmountStddevMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("amount_stddev_multiplier must be positive, got %v", c.AmountStddevMultiplier))
	}
	if c.RateWindowMinutes <= 0 {
		errs = append(errs, fmt.Errorf("rate_window_minutes must be positive, got %v", c.RateWindowMinutes))
	}
	if c.RateEventThreshold < 1 {
		errs = append(errs, fmt.Errorf("rate_event_threshold must be positive, got %d", c.RateEventThreshold))
	}
	if c.NullValueRatioThreshold < 0 || c.NullValueRatioThreshold > 1 {
		errs = append(errs, fmt.Errorf("null_value_ratio_threshold must be within [0,1], got %v", c.NullValueRatioThreshold))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry_attempts must be at least 1, got %d", c.RetryAttempts))
	}
	if c.RetryBaseDelaySeconds < 0 {
		errs = append(errs, fmt.Errorf("retry_base_delay_seconds must not be negative, got %v", c.RetryBaseDelaySeconds))
	}
	if c.AttemptTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("attempt_timeout_seconds must be positive, got %v", c.AttemptTimeoutSeconds))
	}
	if c.HistoryAmountCapacity < 1 || c.HistoryTimestampCapacity < 1 {
		errs = append(errs, errors.New("history capacities must be positive"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	switch c.Store.Type {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required when store.type=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store type: %s", c.Store.Type))
	}

	sinks := make(map[string]bool, len(c.Sinks))
	for _, s := range c.Sinks {
		sinks[s.Name] = true
	}
	for at, sink := range c.Notify {
		if !at.Valid() {
			errs = append(errs, fmt.Errorf("notify: unknown action type %q", at))
		}
		if !sinks[sink] {
			errs = append(errs, fmt.Errorf("notify: action %s references unknown sink %q", at, sink))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateWindowMinutes * float64(time.Minute))
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySeconds * float64(time.Second))
}

func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds * float64(time.Second))
}

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

// Package scoring turns a record and its history into an anomaly report.
//
// Each detector kind evaluates independently and returns a subscore in [0,1]
// (the type detector may exceed 1). The scorer combines subscores by taking
// their maximum, so unrelated weak signals never add up to a strong one.
package scoring

import (
	"time"

	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/history"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/config"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

type Kind int

const (
	KindAmount Kind = iota
	KindRate
	KindQuality
	KindType
)

func (k Kind) String() string {
	switch k {
	case KindAmount:
		return "amount"
	case KindRate:
		return "rate"
	case KindQuality:
		return "quality"
	case KindType:
		return "type"
	default:
		return "unknown"
	}
}

// Signal is the output of one detector that fired.
type Signal struct {
	Kind  Kind
	Tags  []string
	Score float64
}

// HistoryReader is the read side of the history store used by detectors.
type HistoryReader interface {
	Stats(key string) history.Stats
	CountWithin(key string, ts time.Time, window time.Duration) int
}

// History is the full history dependency of the scorer.
type History interface {
	HistoryReader
	AppendAmount(key string, value float64)
	AppendTimestamp(key string, ts time.Time)
}

// Input is everything a detector may look at.
type Input struct {
	Key        string
	Record     core.Record
	Thresholds Thresholds
	History    HistoryReader
}

// Detector evaluates one anomaly signal. It returns false when its
// precondition does not hold or nothing was found.
type Detector interface {
	Kind() Kind
	Evaluate(in Input) (Signal, bool)
}

type Thresholds struct {
	AnomalyScore       float64
	MinSamples         int
	StddevMultiplier   float64
	RateWindow         time.Duration
	RateEventThreshold int
	NullRatio          float64
}

func DefaultThresholds() Thresholds {
	return ThresholdsFromConfig(config.Default())
}

func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		AnomalyScore:       cfg.AnomalyScoreThreshold,
		MinSamples:         cfg.MinSamplesForAmountAnomaly,
		StddevMultiplier:   cfg.AmountStddevMultiplier,
		RateWindow:         cfg.RateWindow(),
		RateEventThreshold: cfg.RateEventThreshold,
		NullRatio:          cfg.NullValueRatioThreshold,
	}
}

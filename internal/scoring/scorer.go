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

package scoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

// Scorer evaluates records against their per-schema history.
type Scorer struct {
	history      History
	thresholds   atomic.Pointer[Thresholds]
	detectors    []Detector
	amountFields []string
	logger       *slog.Logger
}

type Option func(*Scorer)

// WithAmountFields overrides the fields checked by the amount detector.
func WithAmountFields(fields ...string) Option {
	return func(s *Scorer) {
		s.amountFields = append([]string(nil), fields...)
	}
}

func NewScorer(h History, t Thresholds, logger *slog.Logger, opts ...Option) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scorer{
		history:      h,
		amountFields: DefaultAmountFields,
		logger:       logger.With("component", "scorer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.detectors = []Detector{
		amountDetector{fields: s.amountFields},
		rateDetector{},
		qualityDetector{},
		typeDetector{},
	}
	s.thresholds.Store(&t)
	return s
}

// SetThresholds replaces the detection thresholds. Scoring passes already in
// flight keep the values they started with.
func (s *Scorer) SetThresholds(t Thresholds) {
	s.thresholds.Store(&t)
	s.logger.Info("detection thresholds updated",
		"anomaly_score_threshold", t.AnomalyScore,
		"amount_stddev_multiplier", t.StddevMultiplier,
		"rate_event_threshold", t.RateEventThreshold)
}

func (s *Scorer) Thresholds() Thresholds {
	return *s.thresholds.Load()
}

// MalformedReport is the fixed report for input that is not a JSON object.
func MalformedReport() core.AnomalyReport {
	return core.AnomalyReport{
		Tags:      []string{TagMalformedJSON},
		Score:     1.0,
		IsNormal:  false,
		Subscores: map[string]float64{},
	}
}

// ScoreJSON decodes raw and scores it. A nil record is returned together with
// MalformedReport when raw is not a single JSON object; history is not touched.
func (s *Scorer) ScoreJSON(schemaType string, raw []byte) (core.AnomalyReport, core.Record) {
	rec, err := DecodeRecord(raw)
	if err != nil {
		s.logger.Warn("rejected malformed record", "schema_type", schemaType, "error", err)
		return MalformedReport(), nil
	}
	return s.Score(schemaType, rec), rec
}

// DecodeRecord parses raw as a single JSON object, keeping numbers as json.Number.
func DecodeRecord(raw []byte) (core.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var rec core.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.New("record is not a JSON object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON object")
	}
	return rec, nil
}

// Score runs every detector against rec and then appends the record's
// amounts and timestamp to the history of schemaType.
func (s *Scorer) Score(schemaType string, rec core.Record) core.AnomalyReport {
	th := s.Thresholds()
	in := Input{Key: schemaType, Record: rec, Thresholds: th, History: s.history}

	report := core.AnomalyReport{
		Tags:      []string{},
		Subscores: make(map[string]float64),
	}
	seen := make(map[string]struct{})
	var best float64

	for _, d := range s.detectors {
		sig, ok := d.Evaluate(in)
		if !ok {
			continue
		}
		report.Subscores[d.Kind().String()] = sig.Score
		for _, tag := range sig.Tags {
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			report.Tags = append(report.Tags, tag)
		}
		best = math.Max(best, sig.Score)
	}

	report.Score = math.Min(1.0, best)
	report.IsNormal = report.Score < th.AnomalyScore

	s.record(schemaType, rec)

	s.logger.Debug("record scored",
		"schema_type", schemaType,
		"score", report.Score,
		"is_normal", report.IsNormal,
		"tags", report.Tags)
	return report
}

func (s *Scorer) record(key string, rec core.Record) {
	for _, field := range s.amountFields {
		if v, ok := numeric(rec[field]); ok {
			s.history.AppendAmount(key, v)
		}
	}
	if raw, ok := rec[TimestampField]; ok {
		if ts, err := parseTimestamp(raw); err == nil {
			s.history.AppendTimestamp(key, ts)
		}
	}
}

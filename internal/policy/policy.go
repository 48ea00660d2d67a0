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

// Package policy maps anomaly reports to follow-up action requests.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/scoring"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

const (
	// DefaultSource is recorded as the originator of every request.
	DefaultSource = "anomaly_scorer"

	highPriorityScore = 0.8
	previewLimit      = 500

	anomalyTypeRecord      = "json_validation_anomaly"
	anomalyTypeInvalidJSON = "invalid_json"
	riskTypeDataSecurity   = "data_security"
)

var highRiskTags = map[string]struct{}{
	scoring.TagSQLInjection:    {},
	scoring.TagScriptInjection: {},
	scoring.TagRapidSuccession: {},
}

// IsHighRisk reports whether tag warrants a critical risk alert on its own.
func IsHighRisk(tag string) bool {
	if _, ok := highRiskTags[tag]; ok {
		return true
	}
	return scoring.IsUnusualAmountTag(tag)
}

type Policy struct {
	source    string
	logNormal atomic.Bool
}

func New(source string, logNormalRecords bool) *Policy {
	if source == "" {
		source = DefaultSource
	}
	p := &Policy{source: source}
	p.logNormal.Store(logNormalRecords)
	return p
}

// SetLogNormalRecords toggles the log_and_close request for normal records.
func (p *Policy) SetLogNormalRecords(enabled bool) {
	p.logNormal.Store(enabled)
}

// Evaluate derives the requests for one scored record. It has no side effects;
// the same inputs always produce the same requests.
func (p *Policy) Evaluate(schemaType string, rec core.Record, report core.AnomalyReport, now time.Time) []core.ActionRequest {
	canonical := canonicalJSON(rec)
	sum := digest(canonical)
	var requests []core.ActionRequest

	if !report.IsNormal {
		anomalyType := anomalyTypeRecord
		priority := core.PriorityMedium
		if report.Score > highPriorityScore {
			priority = core.PriorityHigh
		}
		if report.HasTag(scoring.TagMalformedJSON) {
			anomalyType = anomalyTypeInvalidJSON
			priority = core.PriorityHigh
		}
		requests = append(requests, core.ActionRequest{
			ActionType: core.ActionFlagAnomaly,
			Payload: map[string]any{
				"anomaly_type":  anomalyType,
				"schema_type":   schemaType,
				"anomaly_score": report.Score,
				"details": map[string]any{
					"anomalies": append([]string(nil), report.Tags...),
					"subscores": report.Subscores,
				},
				"data_preview": preview(canonical),
			},
			Priority:      priority,
			Source:        p.source,
			CorrelationID: correlationID("json_anomaly", sum, now),
		})
	}

	if indicators := highRisk(report.Tags); len(indicators) > 0 {
		requests = append(requests, core.ActionRequest{
			ActionType: core.ActionRiskAlert,
			Payload: map[string]any{
				"risk_type":         riskTypeDataSecurity,
				"risk_score":        report.Score,
				"risk_indicators":   indicators,
				"affected_entities": []string{affectedEntity(rec)},
				"data_context": map[string]any{
					"schema_type": schemaType,
					"timestamp":   now.UTC().Format(time.RFC3339),
				},
			},
			Priority:      core.PriorityCritical,
			Source:        p.source,
			CorrelationID: correlationID("json_risk", sum, now),
		})
	}

	if len(requests) == 0 && report.IsNormal && p.logNormal.Load() {
		requests = append(requests, core.ActionRequest{
			ActionType: core.ActionLogAndClose,
			Payload: map[string]any{
				"description": "normal record processed",
				"schema_type": schemaType,
				"score":       report.Score,
			},
			Priority:      core.PriorityLow,
			Source:        p.source,
			CorrelationID: correlationID("json_log", sum, now),
		})
	}

	return requests
}

func highRisk(tags []string) []string {
	var out []string
	for _, t := range tags {
		if IsHighRisk(t) {
			out = append(out, t)
		}
	}
	return out
}

func affectedEntity(rec core.Record) string {
	if id, ok := rec["user_id"].(string); ok && id != "" {
		return id
	}
	return "unknown"
}

// canonicalJSON relies on encoding/json sorting map keys.
func canonicalJSON(rec core.Record) []byte {
	b, err := json.Marshal(rec)
	if err != nil {
		return []byte(fmt.Sprintf("%v", rec))
	}
	return b
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func correlationID(prefix, digest string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%d", prefix, digest, now.Unix())
}

// preview returns at most previewLimit bytes of b, cut on a rune boundary.
func preview(b []byte) string {
	if len(b) <= previewLimit {
		return string(b)
	}
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut])
}

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

package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

const (
	OutcomeNormal    = "normal"
	OutcomeAnomalous = "anomalous"
	OutcomeMalformed = "malformed"

	// OtherSchema labels records whose schema type did not get its own series.
	OtherSchema = "other"

	maxSchemaLabels = 32
)

type Metrics struct {
	registry       *prometheus.Registry
	records        *prometheus.CounterVec
	scores         prometheus.Histogram
	tags           *prometheus.CounterVec
	actions        *prometheus.CounterVec
	actionLatency  *prometheus.HistogramVec
	actionAttempts prometheus.Histogram
	inFlight       prometheus.Gauge

	labelsMu     sync.Mutex
	schemaLabels map[string]struct{}
}

// New registers the engine's collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry:     prometheus.NewRegistry(),
		schemaLabels: make(map[string]struct{}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anomaly_engine_records_total",
			Help: "Records scored, by schema type and outcome.",
		}, []string{"schema_type", "outcome"}),
		scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "anomaly_engine_score",
			Help:    "Distribution of combined anomaly scores.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		tags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anomaly_engine_tags_total",
			Help: "Anomaly tags emitted by the scorer.",
		}, []string{"tag"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anomaly_engine_actions_total",
			Help: "Terminal action results, by action type and status.",
		}, []string{"action_type", "status"}),
		actionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anomaly_engine_action_duration_seconds",
			Help:    "Wall-clock time from dispatch to terminal result, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"action_type"}),
		actionAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "anomaly_engine_action_attempts",
			Help:    "Handler attempts per dispatched action.",
			Buckets: []float64{1, 2, 3, 5, 10},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anomaly_engine_records_in_flight",
			Help: "Records currently being processed.",
		}),
	}
	m.registry.MustRegister(m.records, m.scores, m.tags, m.actions, m.actionLatency, m.actionAttempts, m.inFlight)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// AllowSchemas reserves a schema_type series for each name, regardless of
// the label limit.
func (m *Metrics) AllowSchemas(names ...string) {
	m.labelsMu.Lock()
	defer m.labelsMu.Unlock()
	for _, n := range names {
		if n != "" {
			m.schemaLabels[n] = struct{}{}
		}
	}
}

// schemaLabel returns schemaType while fewer than maxSchemaLabels distinct
// values have been seen, and OtherSchema after that. Schema types come from
// record producers, so the label set must stay bounded.
func (m *Metrics) schemaLabel(schemaType string) string {
	m.labelsMu.Lock()
	defer m.labelsMu.Unlock()
	if _, ok := m.schemaLabels[schemaType]; ok {
		return schemaType
	}
	if len(m.schemaLabels) >= maxSchemaLabels {
		return OtherSchema
	}
	m.schemaLabels[schemaType] = struct{}{}
	return schemaType
}

func (m *Metrics) ObserveRecord(schemaType string, report core.AnomalyReport, malformed bool) {
	outcome := OutcomeNormal
	switch {
	case malformed:
		outcome = OutcomeMalformed
	case !report.IsNormal:
		outcome = OutcomeAnomalous
	}
	m.records.WithLabelValues(m.schemaLabel(schemaType), outcome).Inc()
	m.scores.Observe(report.Score)
	for _, tag := range report.Tags {
		m.tags.WithLabelValues(tag).Inc()
	}
}

// ObserveAction satisfies dispatch.Observer.
func (m *Metrics) ObserveAction(_ context.Context, req core.ActionRequest, res core.ActionResult) {
	m.actions.WithLabelValues(string(req.ActionType), string(res.Status)).Inc()
	m.actionLatency.WithLabelValues(string(req.ActionType)).Observe(res.ExecutionTimeMS / float64(time.Second/time.Millisecond))
	if res.Attempts > 0 {
		m.actionAttempts.Observe(float64(res.Attempts))
	}
}

// Track marks one record in flight until the returned func is called.
func (m *Metrics) Track() func() {
	m.inFlight.Inc()
	return m.inFlight.Dec
}

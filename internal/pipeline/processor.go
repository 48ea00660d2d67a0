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

// Package pipeline runs each inbound record through scoring, policy, action
// dispatch and audit recording.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/audit"
	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/dispatch"
	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/logging"
	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/metrics"
	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/policy"
	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/scoring"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

const (
	DefaultSchemaType = "webhook"

	// AgentStateName is the audit agent-state key holding the running totals.
	AgentStateName = componentScorer

	componentScorer = "anomaly_scorer"
	componentPolicy = "action_policy"
	componentSchema = "schema_validator"

	decisionNormal    = "normal"
	decisionAnomalous = "anomalous"
	decisionMalformed = "malformed"
	decisionValid     = "valid"
	decisionInvalid   = "invalid"
)

// Deps wires a Processor. Metrics and Decisions are optional. Schemas
// defaults to scoring.DefaultSchemas.
type Deps struct {
	Scorer     *scoring.Scorer
	Schemas    scoring.Schemas
	Policy     *policy.Policy
	Dispatcher *dispatch.Dispatcher
	Recorder   *audit.Recorder
	Metrics    *metrics.Metrics
	Decisions  *logging.DecisionLogger
	Logger     *slog.Logger
}

// Result is the outcome of one processed record.
type Result struct {
	SessionID        string              `json:"session_id,omitempty"`
	SchemaType       string              `json:"schema_type"`
	Report           core.AnomalyReport  `json:"report"`
	Validation       *scoring.Validation `json:"validation,omitempty"`
	Actions          []core.ActionResult `json:"actions"`
	Status           string              `json:"status"`
	ProcessingTimeMS float64             `json:"processing_time_ms"`
}

type Processor struct {
	scorer     *scoring.Scorer
	schemas    scoring.Schemas
	policy     *policy.Policy
	dispatcher *dispatch.Dispatcher
	recorder   *audit.Recorder
	metrics    *metrics.Metrics
	decisions  *logging.DecisionLogger
	workers    atomic.Int32
	processed  atomic.Int64
	anomalous  atomic.Int64
	now        func() time.Time
	logger     *slog.Logger
}

func New(deps Deps, workers int) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		scorer:     deps.Scorer,
		schemas:    deps.Schemas,
		policy:     deps.Policy,
		dispatcher: deps.Dispatcher,
		recorder:   deps.Recorder,
		metrics:    deps.Metrics,
		decisions:  deps.Decisions,
		now:        time.Now,
		logger:     logger.With("component", "pipeline"),
	}
	if p.decisions == nil {
		p.decisions = logging.NewDecisionLogger(logger)
	}
	if p.schemas == nil {
		p.schemas = scoring.DefaultSchemas()
	}
	p.SetWorkers(workers)
	return p
}

// SetWorkers bounds how many records Run and ProcessBatch handle at once.
// It takes effect for the next batch or run.
func (p *Processor) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	p.workers.Store(int32(n))
}

// Process scores one record and carries out the resulting actions. Audit
// store failures are logged and do not stop processing. The returned error
// is non-nil only when ctx ended before the record was fully handled.
func (p *Processor) Process(ctx context.Context, in core.Input) (Result, error) {
	start := p.now()
	if p.metrics != nil {
		defer p.metrics.Track()()
	}

	schemaType := in.SchemaType
	if schemaType == "" {
		schemaType = DefaultSchemaType
	}
	res := Result{SchemaType: schemaType, Actions: []core.ActionResult{}}

	sess, err := p.recorder.StartSession(ctx, audit.SessionInput{
		SchemaType:     schemaType,
		Metadata:       in.Metadata,
		Classification: in.Classification,
	})
	if err != nil {
		p.logger.Error("session start failed", "schema_type", schemaType, "error", err)
	} else {
		res.SessionID = sess.ID
	}

	scoreStart := p.now()
	report, rec := p.scorer.ScoreJSON(schemaType, in.Payload)
	res.Report = report
	malformed := rec == nil
	if malformed {
		rec = core.Record{"raw": string(in.Payload)}
	}
	p.count(ctx, schemaType, report, malformed)
	p.addDecision(ctx, res.SessionID, core.Decision{
		Component: componentScorer,
		InputData: map[string]any{
			"schema_type":   schemaType,
			"payload_bytes": len(in.Payload),
		},
		Decision:        outcome(report, malformed),
		Confidence:      report.Score,
		Reasoning:       reasoning(report),
		Timestamp:       p.now().UTC(),
		ExecutionTimeMS: ms(p.now().Sub(scoreStart)),
	})

	if !malformed {
		p.validate(ctx, &res, rec)
	}

	requests := p.policy.Evaluate(schemaType, rec, report, p.now())
	types := make([]string, 0, len(requests))
	for _, r := range requests {
		types = append(types, string(r.ActionType))
	}
	p.addDecision(ctx, res.SessionID, core.Decision{
		Component:  componentPolicy,
		InputData:  map[string]any{"tags": report.Tags, "score": report.Score},
		Decision:   strings.Join(types, ","),
		Confidence: report.Score,
		Reasoning:  fmt.Sprintf("%d action(s) requested", len(requests)),
		Timestamp:  p.now().UTC(),
	})
	p.decisions.Decision(res.SessionID, schemaType, report, len(requests))

	res.Status = core.SessionStatusCompleted
	for _, req := range requests {
		ar := p.dispatcher.Dispatch(ctx, req)
		res.Actions = append(res.Actions, ar)
		p.decisions.Action(res.SessionID, ar)
		if ar.Status != core.StatusSuccess {
			res.Status = core.SessionStatusCompletedWithErrors
		}
		if res.SessionID != "" {
			if err := p.recorder.AddActionResult(ctx, res.SessionID, ar); err != nil {
				p.logger.Error("action result not recorded", "session_id", res.SessionID, "action_id", ar.ActionID, "error", err)
			}
		}
	}

	total := p.now().Sub(start)
	res.ProcessingTimeMS = ms(total)
	if res.SessionID != "" {
		if err := p.recorder.CompleteSession(ctx, res.SessionID, res.Status, total); err != nil {
			p.logger.Error("session completion failed", "session_id", res.SessionID, "error", err)
		}
	}
	p.storeState(ctx, res.SessionID)

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("record processing interrupted: %w", err)
	}
	return res, nil
}

// ProcessBatch processes inputs concurrently and returns results in input order.
func (p *Processor) ProcessBatch(ctx context.Context, inputs []core.Input) ([]Result, error) {
	results := make([]Result, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(p.workers.Load()))
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			res, err := p.Process(gctx, in)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// Run processes inbound records until ctx is cancelled or in is closed.
// Each record is acknowledged after processing, or negatively acknowledged
// when processing was interrupted or panicked.
func (p *Processor) Run(ctx context.Context, in <-chan core.Inbound) error {
	var g errgroup.Group
	g.SetLimit(int(p.workers.Load()))

	p.logger.Info("pipeline started", "workers", p.workers.Load())
	defer p.logger.Info("pipeline stopped")

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case msg, ok := <-in:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				p.handle(ctx, msg)
				return nil
			})
		}
	}
}

func (p *Processor) handle(ctx context.Context, msg core.Inbound) {
	ok := false
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("record processing panic recovered", "schema_type", msg.Input.SchemaType, "error", r)
		}
		settle := msg.Ack
		if !ok {
			settle = msg.Nack
		}
		if settle == nil {
			return
		}
		if err := settle(); err != nil {
			p.logger.Warn("record settlement failed", "acked", ok, "error", err)
		}
	}()

	if _, err := p.Process(ctx, msg.Input); err != nil {
		p.logger.Warn("record not acknowledged", "error", err)
		return
	}
	ok = true
}

// validate checks rec against its schema and records the outcome as a
// separate decision. It does not change the anomaly report.
func (p *Processor) validate(ctx context.Context, res *Result, rec core.Record) {
	start := p.now()
	v, known := p.schemas.Validate(res.SchemaType, rec)
	if !known {
		return
	}
	res.Validation = &v
	decision, confidence := decisionValid, 1.0
	if !v.Valid {
		decision, confidence = decisionInvalid, 0.0
		p.recorder.Incr(ctx, audit.CounterValidationFailures)
		p.logger.Debug("schema validation failed", "schema_type", res.SchemaType, "errors", len(v.SchemaErrors))
	}
	p.addDecision(ctx, res.SessionID, core.Decision{
		Component: componentSchema,
		InputData: map[string]any{
			"schema_type":    res.SchemaType,
			"missing_fields": v.MissingFields,
			"type_errors":    v.TypeErrors,
		},
		Decision:        decision,
		Confidence:      confidence,
		Reasoning:       fmt.Sprintf("schema validation: %d error(s)", len(v.SchemaErrors)),
		Timestamp:       p.now().UTC(),
		ExecutionTimeMS: ms(p.now().Sub(start)),
	})
}

func (p *Processor) count(ctx context.Context, schemaType string, report core.AnomalyReport, malformed bool) {
	p.processed.Add(1)
	p.recorder.Incr(ctx, audit.CounterJSONProcessed)
	p.recorder.Incr(ctx, audit.SchemaCounter(schemaType))
	if malformed {
		p.recorder.Incr(ctx, audit.CounterValidationFailures)
	}
	if !report.IsNormal {
		p.anomalous.Add(1)
		p.recorder.Incr(ctx, audit.CounterAnomaliesDetected)
	}
	if p.metrics != nil {
		p.metrics.ObserveRecord(schemaType, report, malformed)
	}
}

func (p *Processor) addDecision(ctx context.Context, sessionID string, d core.Decision) {
	if sessionID == "" {
		return
	}
	if err := p.recorder.AddDecision(ctx, sessionID, d); err != nil {
		p.logger.Error("decision not recorded", "session_id", sessionID, "component", d.Component, "error", err)
	}
}

// storeState publishes the scorer's running totals as agent state.
func (p *Processor) storeState(ctx context.Context, sessionID string) {
	state := map[string]any{
		"records_processed":  p.processed.Load(),
		"anomalies_detected": p.anomalous.Load(),
		"last_session_id":    sessionID,
		"updated_at":         p.now().UTC().Format(time.RFC3339Nano),
	}
	if err := p.recorder.StoreAgentState(ctx, AgentStateName, state); err != nil {
		p.logger.Warn("agent state not stored", "error", err)
	}
}

func outcome(report core.AnomalyReport, malformed bool) string {
	switch {
	case malformed:
		return decisionMalformed
	case !report.IsNormal:
		return decisionAnomalous
	default:
		return decisionNormal
	}
}

func reasoning(report core.AnomalyReport) string {
	if len(report.Tags) == 0 {
		return "no anomalies detected"
	}
	return "tags: " + strings.Join(report.Tags, ", ")
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

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

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type funcHandler struct {
	t  core.ActionType
	fn func(ctx context.Context, req core.ActionRequest) (map[string]any, error)
}

func (h funcHandler) Type() core.ActionType { return h.t }

func (h funcHandler) Handle(ctx context.Context, req core.ActionRequest) (map[string]any, error) {
	return h.fn(ctx, req)
}

type recordingObserver struct {
	mu      sync.Mutex
	results []core.ActionResult
}

func (o *recordingObserver) ObserveAction(_ context.Context, _ core.ActionRequest, res core.ActionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, res)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 10 * time.Millisecond, AttemptTimeout: time.Second}
}

func TestDispatchSucceedsAfterRetries(t *testing.T) {
	var calls atomic.Int32
	h := funcHandler{t: core.ActionFlagAnomaly, fn: func(context.Context, core.ActionRequest) (map[string]any, error) {
		n := calls.Add(1)
		if n < 3 {
			return nil, fmt.Errorf("transient failure %d", n)
		}
		return map[string]any{"ok": true}, nil
	}}
	obs := &recordingObserver{}
	d := New([]Handler{h}, fastPolicy(), discard, obs)

	res := d.Dispatch(context.Background(), core.ActionRequest{ActionType: core.ActionFlagAnomaly, CorrelationID: "c-1"})

	assert.Equal(t, core.StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, map[string]any{"ok": true}, res.Response)
	assert.Empty(t, res.Error)
	assert.Equal(t, "c-1", res.CorrelationID)
	assert.NotEmpty(t, res.ActionID)
	// Two backoffs of 10ms and 20ms are included in the wall-clock total.
	assert.GreaterOrEqual(t, res.ExecutionTimeMS, 30.0)
	require.Len(t, obs.results, 1)
	assert.Equal(t, res, obs.results[0])
}

func TestDispatchExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	h := funcHandler{t: core.ActionRiskAlert, fn: func(context.Context, core.ActionRequest) (map[string]any, error) {
		return nil, fmt.Errorf("boom %d", calls.Add(1))
	}}
	obs := &recordingObserver{}
	d := New([]Handler{h}, fastPolicy(), discard, obs)

	res := d.Dispatch(context.Background(), core.ActionRequest{ActionType: core.ActionRiskAlert})

	assert.Equal(t, core.StatusFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "boom 3", res.Error)
	assert.Nil(t, res.Response)
	assert.EqualValues(t, 3, calls.Load())
	assert.Len(t, obs.results, 1)
}

func TestDispatchUnknownActionType(t *testing.T) {
	obs := &recordingObserver{}
	d := New(nil, fastPolicy(), discard, obs)

	res := d.Dispatch(context.Background(), core.ActionRequest{ActionType: "page_someone"})

	assert.Equal(t, core.StatusFailed, res.Status)
	assert.Equal(t, 0, res.Attempts)
	assert.Contains(t, res.Error, core.ErrUnknownActionType.Error())
	assert.Contains(t, res.Error, "page_someone")
	assert.Len(t, obs.results, 1)
}

func TestDispatchAttemptTimeout(t *testing.T) {
	h := funcHandler{t: core.ActionEscalate, fn: func(context.Context, core.ActionRequest) (map[string]any, error) {
		time.Sleep(300 * time.Millisecond)
		return map[string]any{}, nil
	}}
	d := New([]Handler{h}, RetryPolicy{Attempts: 1, AttemptTimeout: 20 * time.Millisecond}, discard)

	start := time.Now()
	res := d.Dispatch(context.Background(), core.ActionRequest{ActionType: core.ActionEscalate})

	assert.Equal(t, core.StatusFailed, res.Status)
	assert.Contains(t, res.Error, core.ErrAttemptTimeout.Error())
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	h := funcHandler{t: core.ActionCreateTicket, fn: func(context.Context, core.ActionRequest) (map[string]any, error) {
		panic("nil map")
	}}
	d := New([]Handler{h}, RetryPolicy{Attempts: 2}, discard)

	res := d.Dispatch(context.Background(), core.ActionRequest{ActionType: core.ActionCreateTicket})

	assert.Equal(t, core.StatusFailed, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Contains(t, res.Error, "handler panic: nil map")
}

func TestDispatchCancelledDuringBackoff(t *testing.T) {
	h := funcHandler{t: core.ActionFlagAnomaly, fn: func(context.Context, core.ActionRequest) (map[string]any, error) {
		return nil, errors.New("unavailable")
	}}
	obs := &recordingObserver{}
	d := New([]Handler{h}, RetryPolicy{Attempts: 3, BaseDelay: time.Second}, discard, obs)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	res := d.Dispatch(ctx, core.ActionRequest{ActionType: core.ActionFlagAnomaly})

	assert.Equal(t, core.StatusFailed, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Error, "retry aborted")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Len(t, obs.results, 1)
}

func TestDispatchAllPreservesOrder(t *testing.T) {
	ok := func(context.Context, core.ActionRequest) (map[string]any, error) { return map[string]any{}, nil }
	d := New([]Handler{
		funcHandler{t: core.ActionFlagAnomaly, fn: ok},
		funcHandler{t: core.ActionRiskAlert, fn: ok},
	}, fastPolicy(), discard)

	results := d.DispatchAll(context.Background(), []core.ActionRequest{
		{ActionType: core.ActionFlagAnomaly},
		{ActionType: core.ActionRiskAlert},
		{ActionType: "unknown"},
	})

	require.Len(t, results, 3)
	assert.Equal(t, core.ActionFlagAnomaly, results[0].ActionType)
	assert.Equal(t, core.ActionRiskAlert, results[1].ActionType)
	assert.Equal(t, core.StatusFailed, results[2].Status)
}

func TestSetRetryPolicy(t *testing.T) {
	d := New(nil, RetryPolicy{Attempts: 0}, discard)
	assert.Equal(t, 1, d.RetryPolicy().Attempts)

	d.SetRetryPolicy(RetryPolicy{Attempts: 5, BaseDelay: time.Second})
	assert.Equal(t, 5, d.RetryPolicy().Attempts)
}

func TestRetryPolicyAlwaysBoundsAttempts(t *testing.T) {
	d := New(nil, RetryPolicy{Attempts: 2}, discard)
	assert.Equal(t, 10*time.Second, d.RetryPolicy().AttemptTimeout)

	d.SetRetryPolicy(RetryPolicy{Attempts: 2, BaseDelay: -time.Second, AttemptTimeout: -time.Second})
	assert.Equal(t, DefaultAttemptTimeout, d.RetryPolicy().AttemptTimeout)
	assert.Equal(t, time.Duration(0), d.RetryPolicy().BaseDelay)

	d.SetRetryPolicy(RetryPolicy{Attempts: 2, AttemptTimeout: 50 * time.Millisecond})
	assert.Equal(t, 50*time.Millisecond, d.RetryPolicy().AttemptTimeout)
}

func TestHandlerIgnoringContextIsAbandoned(t *testing.T) {
	saved := DefaultAttemptTimeout
	DefaultAttemptTimeout = 30 * time.Millisecond
	defer func() { DefaultAttemptTimeout = saved }()

	release := make(chan struct{})
	defer close(release)
	h := funcHandler{t: core.ActionCreateTicket, fn: func(context.Context, core.ActionRequest) (map[string]any, error) {
		<-release
		return map[string]any{}, nil
	}}
	d := New([]Handler{h}, RetryPolicy{Attempts: 1}, discard)

	start := time.Now()
	res := d.Dispatch(context.Background(), core.ActionRequest{ActionType: core.ActionCreateTicket})
	assert.Equal(t, core.StatusFailed, res.Status)
	assert.Less(t, time.Since(start), time.Second)
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []core.Notification
	err  error
}

func (p *fakePublisher) Send(_ context.Context, n core.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, n)
	return nil
}

type fakeEntries struct {
	mu      sync.Mutex
	entries []core.Entry
}

func (f *fakeEntries) StoreEntry(_ context.Context, e core.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func TestDefaultHandlersCoverEveryActionType(t *testing.T) {
	handlers := DefaultHandlers(HandlerDeps{Logger: discard})
	seen := map[core.ActionType]bool{}
	for _, h := range handlers {
		seen[h.Type()] = true
	}
	for _, at := range core.ActionTypes {
		assert.True(t, seen[at], "missing handler for %s", at)
	}
	assert.Len(t, handlers, len(core.ActionTypes))
}

func TestHandlersRespond(t *testing.T) {
	entries := &fakeEntries{}
	d := New(DefaultHandlers(HandlerDeps{Entries: entries, Logger: discard}), fastPolicy(), discard)

	tests := []struct {
		actionType core.ActionType
		key        string
	}{
		{core.ActionEscalate, "crm_response"},
		{core.ActionLogAndClose, "log_entry"},
		{core.ActionFlagAnomaly, "anomaly_alert"},
		{core.ActionComplianceAlert, "compliance_alert"},
		{core.ActionRiskAlert, "risk_alert"},
		{core.ActionCreateTicket, "ticket"},
	}
	for _, tt := range tests {
		t.Run(string(tt.actionType), func(t *testing.T) {
			res := d.Dispatch(context.Background(), core.ActionRequest{
				ActionType: tt.actionType,
				Priority:   core.PriorityMedium,
				Source:     "test",
				Payload:    map[string]any{"description": "d"},
			})
			require.Equal(t, core.StatusSuccess, res.Status, res.Error)
			assert.Contains(t, res.Response, tt.key)
			assert.Equal(t, 1, res.Attempts)
		})
	}

	require.Len(t, entries.entries, 1)
	e := entries.entries[0]
	assert.Equal(t, "log_entry", e.EntryType)
	assert.Equal(t, "test", e.Source)
	assert.Contains(t, e.Key, "log_entry:")
}

func TestComplianceSeverityIsAlwaysHigh(t *testing.T) {
	d := New(DefaultHandlers(HandlerDeps{Logger: discard}), fastPolicy(), discard)
	res := d.Dispatch(context.Background(), core.ActionRequest{ActionType: core.ActionComplianceAlert, Priority: core.PriorityLow})

	require.Equal(t, core.StatusSuccess, res.Status)
	alert := res.Response["compliance_alert"].(map[string]any)
	assert.Equal(t, "high", alert["severity"])
	assert.Equal(t, "general", alert["compliance_type"])
}

func TestHandlerPublishesWithCorrelationID(t *testing.T) {
	pub := &fakePublisher{}
	handlers := DefaultHandlers(HandlerDeps{
		Publishers: map[core.ActionType]Publisher{core.ActionRiskAlert: pub},
		Logger:     discard,
	})
	d := New(handlers, fastPolicy(), discard)

	res := d.Dispatch(context.Background(), core.ActionRequest{
		ActionType:    core.ActionRiskAlert,
		Priority:      core.PriorityCritical,
		Source:        "anomaly_scorer",
		CorrelationID: "json_risk_abc_1",
		Payload:       map[string]any{"risk_type": "data_security"},
	})
	require.Equal(t, core.StatusSuccess, res.Status)

	require.Len(t, pub.sent, 1)
	n := pub.sent[0]
	assert.Equal(t, "json_risk_abc_1", n.CorrelationID)
	assert.Equal(t, core.ActionRiskAlert, n.ActionType)
	assert.Equal(t, "critical", n.Metadata["priority"])

	var body map[string]any
	require.NoError(t, json.Unmarshal(n.Payload, &body))
	assert.Equal(t, "data_security", body["risk_type"])
}

func TestHandlerPublishFailureIsRetried(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	handlers := DefaultHandlers(HandlerDeps{
		Publishers: map[core.ActionType]Publisher{core.ActionCreateTicket: pub},
		Logger:     discard,
	})
	d := New(handlers, RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, AttemptTimeout: time.Second}, discard)

	res := d.Dispatch(context.Background(), core.ActionRequest{ActionType: core.ActionCreateTicket})

	assert.Equal(t, core.StatusFailed, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Contains(t, res.Error, "broker down")
}

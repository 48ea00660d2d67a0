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

// Package dispatch executes action requests against their handlers with
// bounded, linearly backed-off retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/config"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

// Handler performs one action type against an external system.
type Handler interface {
	Type() core.ActionType
	Handle(ctx context.Context, req core.ActionRequest) (map[string]any, error)
}

// Observer is notified of every terminal result.
type Observer interface {
	ObserveAction(ctx context.Context, req core.ActionRequest, res core.ActionResult)
}

type ObserverFunc func(ctx context.Context, req core.ActionRequest, res core.ActionResult)

func (f ObserverFunc) ObserveAction(ctx context.Context, req core.ActionRequest, res core.ActionResult) {
	f(ctx, req, res)
}

// DefaultAttemptTimeout bounds a single handler call when the policy sets none.
var DefaultAttemptTimeout = time.Duration(config.DefaultAttemptTimeoutSeconds * float64(time.Second))

type RetryPolicy struct {
	Attempts       int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
}

type Dispatcher struct {
	handlers  map[core.ActionType]Handler
	policy    atomic.Pointer[RetryPolicy]
	observers []Observer
	logger    *slog.Logger
}

func New(handlers []Handler, policy RetryPolicy, logger *slog.Logger, observers ...Observer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		handlers:  make(map[core.ActionType]Handler, len(handlers)),
		observers: observers,
		logger:    logger.With("component", "dispatcher"),
	}
	for _, h := range handlers {
		d.handlers[h.Type()] = h
	}
	d.SetRetryPolicy(policy)
	return d
}

// SetRetryPolicy applies to requests dispatched after the call. A missing
// attempt timeout falls back to the configured default so a stuck handler
// cannot hold a worker forever.
func (d *Dispatcher) SetRetryPolicy(p RetryPolicy) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	d.policy.Store(&p)
}

func (d *Dispatcher) RetryPolicy() RetryPolicy {
	return *d.policy.Load()
}

// Dispatch runs req to completion and always returns exactly one result.
func (d *Dispatcher) Dispatch(ctx context.Context, req core.ActionRequest) core.ActionResult {
	start := time.Now()
	res := core.ActionResult{
		ActionID:      uuid.New().String(),
		ActionType:    req.ActionType,
		CorrelationID: req.CorrelationID,
		Timestamp:     start.UTC(),
	}

	h, ok := d.handlers[req.ActionType]
	if !ok {
		err := fmt.Errorf("%w: %s", core.ErrUnknownActionType, req.ActionType)
		d.finish(ctx, req, &res, start, nil, err)
		return res
	}

	policy := d.RetryPolicy()
	var (
		resp    map[string]any
		lastErr error
	)
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		res.Attempts = attempt
		resp, lastErr = d.attempt(ctx, h, req, policy.AttemptTimeout)
		if lastErr == nil || ctx.Err() != nil {
			break
		}
		if attempt == policy.Attempts {
			d.logger.Error("all attempts failed",
				"action_id", res.ActionID,
				"action_type", req.ActionType,
				"attempts", attempt,
				"error", lastErr)
			break
		}

		delay := policy.BaseDelay * time.Duration(attempt)
		d.logger.Warn("action attempt failed, retrying",
			"action_id", res.ActionID,
			"action_type", req.ActionType,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr)
		if err := sleep(ctx, delay); err != nil {
			lastErr = fmt.Errorf("retry aborted: %w", err)
			break
		}
	}

	d.finish(ctx, req, &res, start, resp, lastErr)
	return res
}

// DispatchAll dispatches reqs in order and returns their results in the same order.
func (d *Dispatcher) DispatchAll(ctx context.Context, reqs []core.ActionRequest) []core.ActionResult {
	results := make([]core.ActionResult, 0, len(reqs))
	for _, req := range reqs {
		results = append(results, d.Dispatch(ctx, req))
	}
	return results
}

func (d *Dispatcher) finish(ctx context.Context, req core.ActionRequest, res *core.ActionResult, start time.Time, resp map[string]any, err error) {
	res.ExecutionTimeMS = float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		res.Status = core.StatusFailed
		res.Error = err.Error()
		d.logger.Error("action failed",
			"action_id", res.ActionID,
			"action_type", req.ActionType,
			"correlation_id", req.CorrelationID,
			"error", err)
	} else {
		res.Status = core.StatusSuccess
		res.Response = resp
		d.logger.Info("action completed",
			"action_id", res.ActionID,
			"action_type", req.ActionType,
			"correlation_id", req.CorrelationID,
			"attempts", res.Attempts,
			"execution_time_ms", res.ExecutionTimeMS)
	}

	// Observers record the outcome even when the caller has gone away.
	octx := context.WithoutCancel(ctx)
	for _, o := range d.observers {
		o.ObserveAction(octx, req, *res)
	}
}

// attempt runs one handler call bounded by timeout. A handler that ignores
// its context is abandoned once the deadline passes.
func (d *Dispatcher) attempt(ctx context.Context, h Handler, req core.ActionRequest, timeout time.Duration) (map[string]any, error) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		resp map[string]any
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("handler panic recovered", "action_type", req.ActionType, "error", r)
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		resp, err := h.Handle(actx, req)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case o := <-done:
		return o.resp, o.err
	case <-actx.Done():
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", core.ErrAttemptTimeout, timeout)
		}
		return nil, ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

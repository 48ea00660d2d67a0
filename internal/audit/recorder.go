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

// Package audit records processing sessions, agent state, audit entries and
// process-wide counters on top of a core.Backend.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

const (
	SessionTTL    = 24 * time.Hour
	AgentStateTTL = time.Hour

	sessionKeyPrefix    = "session:"
	agentStateKeyPrefix = "agent_state:"
	entryKeyPrefix      = "memory:"
	sessionIndex        = "session_index"

	CounterJSONProcessed      = "json_processed"
	CounterAnomaliesDetected  = "anomalies_detected"
	CounterValidationFailures = "json_validation_failures"
	CounterActionsExecuted    = "actions_executed"
	CounterActionsFailed      = "actions_failed"
	schemaCounterPrefix       = "schema_"
	actionTypeCounterPrefix   = "action_type_"
)

// SchemaCounter is the counter of records seen for schemaType.
func SchemaCounter(schemaType string) string {
	return schemaCounterPrefix + schemaType
}

// ActionTypeCounter is the counter of executions of t.
func ActionTypeCounter(t core.ActionType) string {
	return actionTypeCounterPrefix + string(t)
}

type Recorder struct {
	backend core.Backend
	locks   sync.Map // session id -> *sync.Mutex
	now     func() time.Time
	logger  *slog.Logger
}

func NewRecorder(backend core.Backend, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		backend: backend,
		now:     time.Now,
		logger:  logger.With("component", "audit"),
	}
}

// SessionInput describes the record a new session is opened for.
type SessionInput struct {
	SchemaType     string
	Metadata       map[string]string
	Classification *core.Classification
}

func (r *Recorder) StartSession(ctx context.Context, in SessionInput) (*core.Session, error) {
	sess := &core.Session{
		ID:             uuid.New().String(),
		SchemaType:     in.SchemaType,
		InputMetadata:  in.Metadata,
		Classification: in.Classification,
		Decisions:      []core.Decision{},
		Actions:        []core.ActionResult{},
		FinalStatus:    core.SessionStatusProcessing,
		CreatedAt:      r.now().UTC(),
	}
	if err := r.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	r.trimIndex(ctx)
	return sess, nil
}

// trimIndex drops index members whose sessions have outlived SessionTTL.
func (r *Recorder) trimIndex(ctx context.Context) {
	cutoff := float64(r.now().Add(-SessionTTL).UnixNano()) / float64(time.Second)
	removed, err := r.backend.IndexTrim(ctx, sessionIndex, cutoff)
	if err != nil {
		r.logger.Warn("session index trim failed", "error", err)
		return
	}
	if removed > 0 {
		r.logger.Debug("expired sessions unindexed", "count", removed)
	}
}

// SaveSession writes sess with a fresh 24h TTL and indexes it by creation time.
func (r *Recorder) SaveSession(ctx context.Context, sess *core.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.backend.Set(ctx, sessionKeyPrefix+sess.ID, data, SessionTTL); err != nil {
		return fmt.Errorf("store session %s: %w", sess.ID, err)
	}
	score := float64(sess.CreatedAt.UnixNano()) / float64(time.Second)
	if err := r.backend.IndexAdd(ctx, sessionIndex, sess.ID, score); err != nil {
		return fmt.Errorf("index session %s: %w", sess.ID, err)
	}
	r.logger.Debug("session stored", "session_id", sess.ID, "status", sess.FinalStatus)
	return nil
}

func (r *Recorder) GetSession(ctx context.Context, id string) (*core.Session, error) {
	data, err := r.backend.Get(ctx, sessionKeyPrefix+id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("%w: id=%s", core.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var sess core.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (r *Recorder) sessionLock(id string) *sync.Mutex {
	l, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// update applies fn to the stored session under the session's lock so
// concurrent appends are never lost.
func (r *Recorder) update(ctx context.Context, id string, fn func(*core.Session)) error {
	mu := r.sessionLock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := r.GetSession(ctx, id)
	if err != nil {
		return err
	}
	fn(sess)
	return r.SaveSession(ctx, sess)
}

func (r *Recorder) AddDecision(ctx context.Context, id string, d core.Decision) error {
	return r.update(ctx, id, func(s *core.Session) {
		s.Decisions = append(s.Decisions, d)
	})
}

func (r *Recorder) AddActionResult(ctx context.Context, id string, res core.ActionResult) error {
	return r.update(ctx, id, func(s *core.Session) {
		s.Actions = append(s.Actions, res)
	})
}

// CompleteSession stamps the final status and releases the session's lock.
func (r *Recorder) CompleteSession(ctx context.Context, id, status string, total time.Duration) error {
	err := r.update(ctx, id, func(s *core.Session) {
		now := r.now().UTC()
		s.FinalStatus = status
		s.TotalProcessingTimeMS = float64(total) / float64(time.Millisecond)
		s.CompletedAt = &now
	})
	r.locks.Delete(id)
	return err
}

// RecentSessions returns up to limit sessions, newest first. Sessions that
// expired but are still indexed are skipped.
func (r *Recorder) RecentSessions(ctx context.Context, limit int) ([]*core.Session, error) {
	ids, err := r.backend.IndexRevRange(ctx, sessionIndex, limit)
	if err != nil {
		return nil, fmt.Errorf("read session index: %w", err)
	}
	sessions := make([]*core.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := r.GetSession(ctx, id)
		if err != nil {
			if !errors.Is(err, core.ErrSessionNotFound) {
				r.logger.Warn("skipping unreadable session", "session_id", id, "error", err)
			}
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

type agentState struct {
	State     map[string]any `json:"state"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (r *Recorder) StoreAgentState(ctx context.Context, name string, state map[string]any) error {
	data, err := json.Marshal(agentState{State: state, UpdatedAt: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal agent state: %w", err)
	}
	if err := r.backend.Set(ctx, agentStateKeyPrefix+name, data, AgentStateTTL); err != nil {
		return fmt.Errorf("store agent state %s: %w", name, err)
	}
	return nil
}

func (r *Recorder) GetAgentState(ctx context.Context, name string) (map[string]any, error) {
	data, err := r.backend.Get(ctx, agentStateKeyPrefix+name)
	if err != nil {
		return nil, fmt.Errorf("load agent state %s: %w", name, err)
	}
	var st agentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode agent state %s: %w", name, err)
	}
	return st.State, nil
}

// StoreEntry writes e under memory:<key>. A zero TTL keeps it until deleted.
func (r *Recorder) StoreEntry(ctx context.Context, e core.Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := r.backend.Set(ctx, entryKeyPrefix+e.Key, data, e.TTL); err != nil {
		return fmt.Errorf("store entry %s: %w", e.Key, err)
	}
	r.logger.Debug("entry stored", "key", e.Key, "entry_type", e.EntryType)
	return nil
}

func (r *Recorder) GetEntry(ctx context.Context, key string) (*core.Entry, error) {
	data, err := r.backend.Get(ctx, entryKeyPrefix+key)
	if err != nil {
		return nil, fmt.Errorf("load entry %s: %w", key, err)
	}
	var e core.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return &e, nil
}

// Incr bumps a counter. Failures are logged and reported as the zero value.
func (r *Recorder) Incr(ctx context.Context, name string) int64 {
	v, err := r.backend.Incr(ctx, name, 1)
	if err != nil {
		r.logger.Error("counter increment failed", "counter", name, "error", err)
		return 0
	}
	return v
}

func (r *Recorder) Counter(ctx context.Context, name string) (int64, error) {
	return r.backend.Counter(ctx, name)
}

// ObserveAction keeps the action counters in step with dispatcher results.
func (r *Recorder) ObserveAction(ctx context.Context, req core.ActionRequest, res core.ActionResult) {
	if res.Status == core.StatusSuccess {
		r.Incr(ctx, CounterActionsExecuted)
	} else {
		r.Incr(ctx, CounterActionsFailed)
	}
	r.Incr(ctx, ActionTypeCounter(req.ActionType))
}

type SystemStats struct {
	TotalSessions int64            `json:"total_sessions"`
	Counters      map[string]int64 `json:"counters"`
}

func (r *Recorder) SystemStats(ctx context.Context) (SystemStats, error) {
	r.trimIndex(ctx)
	total, err := r.backend.IndexLen(ctx, sessionIndex)
	if err != nil {
		return SystemStats{}, fmt.Errorf("count sessions: %w", err)
	}
	counters, err := r.backend.All(ctx)
	if err != nil {
		return SystemStats{}, fmt.Errorf("read counters: %w", err)
	}
	return SystemStats{TotalSessions: total, Counters: counters}, nil
}

type ActionStatistics struct {
	TotalExecuted int64                     `json:"total_actions_executed"`
	TotalFailed   int64                     `json:"total_actions_failed"`
	SuccessRate   float64                   `json:"success_rate"`
	ActionTypes   map[core.ActionType]int64 `json:"action_types"`
}

// ActionStatistics reports success and failure totals. SuccessRate is a
// percentage of all terminal results, 0 when nothing has run.
func (r *Recorder) ActionStatistics(ctx context.Context) (ActionStatistics, error) {
	stats := ActionStatistics{ActionTypes: make(map[core.ActionType]int64, len(core.ActionTypes))}

	var err error
	if stats.TotalExecuted, err = r.backend.Counter(ctx, CounterActionsExecuted); err != nil {
		return ActionStatistics{}, err
	}
	if stats.TotalFailed, err = r.backend.Counter(ctx, CounterActionsFailed); err != nil {
		return ActionStatistics{}, err
	}
	if total := stats.TotalExecuted + stats.TotalFailed; total > 0 {
		stats.SuccessRate = float64(stats.TotalExecuted) / float64(total) * 100
	}
	for _, at := range core.ActionTypes {
		n, err := r.backend.Counter(ctx, ActionTypeCounter(at))
		if err != nil {
			return ActionStatistics{}, err
		}
		stats.ActionTypes[at] = n
	}
	return stats, nil
}

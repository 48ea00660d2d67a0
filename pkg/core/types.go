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

package core

import "time"

// Record is a flat-ish structured input as decoded from JSON.
type Record map[string]any

// Sample is a single numeric observation held by a history window.
type Sample struct {
	Key        string    `json:"key"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// AnomalyReport is the normalized outcome of one scoring pass.
// Score is the maximum of the detector subscores, capped at 1.0.
type AnomalyReport struct {
	Tags      []string           `json:"tags"`
	Score     float64            `json:"score"`
	IsNormal  bool               `json:"is_normal"`
	Subscores map[string]float64 `json:"subscores,omitempty"`
}

// HasTag reports whether tag is present in the report.
func (r AnomalyReport) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

type ActionType string

const (
	ActionEscalate        ActionType = "escalate"
	ActionLogAndClose     ActionType = "log_and_close"
	ActionFlagAnomaly     ActionType = "flag_anomaly"
	ActionComplianceAlert ActionType = "compliance_alert"
	ActionRiskAlert       ActionType = "risk_alert"
	ActionCreateTicket    ActionType = "create_ticket"
)

// ActionTypes lists the closed set of action types.
var ActionTypes = []ActionType{
	ActionEscalate,
	ActionLogAndClose,
	ActionFlagAnomaly,
	ActionComplianceAlert,
	ActionRiskAlert,
	ActionCreateTicket,
}

func (t ActionType) Valid() bool {
	for _, at := range ActionTypes {
		if at == t {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type ActionStatus string

const (
	StatusSuccess ActionStatus = "success"
	StatusFailed  ActionStatus = "failed"
)

// ActionRequest is created by the policy and consumed once by the dispatcher.
// CorrelationID is the idempotency key external systems deduplicate on.
type ActionRequest struct {
	ActionType    ActionType     `json:"action_type"`
	Payload       map[string]any `json:"payload"`
	Priority      Priority       `json:"priority"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id"`
}

// ActionResult is the terminal outcome of exactly one ActionRequest.
type ActionResult struct {
	ActionID        string         `json:"action_id"`
	ActionType      ActionType     `json:"action_type"`
	CorrelationID   string         `json:"correlation_id"`
	Status          ActionStatus   `json:"status"`
	Response        map[string]any `json:"response,omitempty"`
	Error           string         `json:"error,omitempty"`
	Attempts        int            `json:"attempts"`
	ExecutionTimeMS float64        `json:"execution_time_ms"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Classification is produced by the upstream format/intent classifier and stored verbatim.
type Classification struct {
	FormatType     string  `json:"format_type"`
	BusinessIntent string  `json:"business_intent"`
	Confidence     float64 `json:"confidence"`
}

// Decision is one component's trace inside a session.
type Decision struct {
	Component       string         `json:"component"`
	InputData       map[string]any `json:"input_data"`
	Decision        string         `json:"decision"`
	Confidence      float64        `json:"confidence"`
	Reasoning       string         `json:"reasoning"`
	Timestamp       time.Time      `json:"timestamp"`
	ExecutionTimeMS float64        `json:"execution_time_ms"`
}

const (
	SessionStatusProcessing          = "processing"
	SessionStatusCompleted           = "completed"
	SessionStatusCompletedWithErrors = "completed_with_failures"
)

// Session is the append-only audit aggregate of one processed input.
type Session struct {
	ID                    string            `json:"session_id"`
	SchemaType            string            `json:"schema_type"`
	InputMetadata         map[string]string `json:"input_metadata,omitempty"`
	Classification        *Classification   `json:"classification,omitempty"`
	Decisions             []Decision        `json:"decisions"`
	Actions               []ActionResult    `json:"actions_triggered"`
	FinalStatus           string            `json:"final_status"`
	TotalProcessingTimeMS float64           `json:"total_processing_time_ms"`
	CreatedAt             time.Time         `json:"created_at"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
}

// Entry is a generic audit entry, e.g. a closed log item.
type Entry struct {
	Key       string        `json:"key"`
	Value     any           `json:"value"`
	EntryType string        `json:"entry_type"`
	Source    string        `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"-"`
}

// Input is one record submitted for processing.
type Input struct {
	SchemaType     string
	Payload        []byte
	Metadata       map[string]string
	Classification *Classification
}

// Notification is what action handlers publish to an outbound sink.
type Notification struct {
	ID            string            `json:"id"`
	ActionType    ActionType        `json:"action_type"`
	CorrelationID string            `json:"correlation_id"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Inbound is a record delivered by a source together with its acknowledgement hooks.
type Inbound struct {
	Input Input
	Ack   func() error
	Nack  func() error
}

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
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

// Publisher delivers a notification to an external system. core.Sink satisfies it.
type Publisher interface {
	Send(ctx context.Context, n core.Notification) error
}

// EntryWriter persists audit entries written by log_and_close.
type EntryWriter interface {
	StoreEntry(ctx context.Context, e core.Entry) error
}

const statusCreated = 201

// Simulated external call latencies.
var (
	EscalationLatency = 100 * time.Millisecond
	AnomalyLatency    = 50 * time.Millisecond
	ComplianceLatency = 100 * time.Millisecond
	RiskLatency       = 80 * time.Millisecond
	TicketLatency     = 60 * time.Millisecond
)

// HandlerDeps are shared by the built-in handlers. Publishers without an
// entry for an action type leave that handler simulate-only.
type HandlerDeps struct {
	Publishers map[core.ActionType]Publisher
	Entries    EntryWriter
	Logger     *slog.Logger
	Now        func() time.Time
}

// DefaultHandlers returns one handler per action type.
func DefaultHandlers(deps HandlerDeps) []Handler {
	base := func(t core.ActionType, latency time.Duration) simulated {
		logger := deps.Logger
		if logger == nil {
			logger = slog.Default()
		}
		now := deps.Now
		if now == nil {
			now = time.Now
		}
		return simulated{
			actionType: t,
			latency:    latency,
			publisher:  deps.Publishers[t],
			logger:     logger.With("handler", string(t)),
			now:        now,
		}
	}
	return []Handler{
		&EscalationHandler{base(core.ActionEscalate, EscalationLatency)},
		&LogAndCloseHandler{simulated: base(core.ActionLogAndClose, 0), entries: deps.Entries},
		&AnomalyFlagHandler{base(core.ActionFlagAnomaly, AnomalyLatency)},
		&ComplianceAlertHandler{base(core.ActionComplianceAlert, ComplianceLatency)},
		&RiskAlertHandler{base(core.ActionRiskAlert, RiskLatency)},
		&TicketHandler{base(core.ActionCreateTicket, TicketLatency)},
	}
}

type simulated struct {
	actionType core.ActionType
	latency    time.Duration
	publisher  Publisher
	logger     *slog.Logger
	now        func() time.Time
}

func (s simulated) Type() core.ActionType { return s.actionType }

// call waits out the simulated latency and then publishes body, if a
// publisher is configured, keyed by the request's correlation id.
func (s simulated) call(ctx context.Context, req core.ActionRequest, body map[string]any) error {
	if err := sleep(ctx, s.latency); err != nil {
		return err
	}
	if s.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", s.actionType, err)
	}
	n := core.Notification{
		ID:            uuid.New().String(),
		ActionType:    s.actionType,
		CorrelationID: req.CorrelationID,
		Payload:       payload,
		Metadata: map[string]string{
			"priority": string(req.Priority),
			"source":   req.Source,
		},
		Timestamp: s.now().UTC(),
	}
	if err := s.publisher.Send(ctx, n); err != nil {
		return fmt.Errorf("publish %s notification: %w", s.actionType, err)
	}
	return nil
}

func (s simulated) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func str(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func value(payload map[string]any, key string, fallback any) any {
	if v, ok := payload[key]; ok && v != nil {
		return v
	}
	return fallback
}

// EscalationHandler opens an escalation ticket in the CRM.
type EscalationHandler struct{ simulated }

func (h *EscalationHandler) Handle(ctx context.Context, req core.ActionRequest) (map[string]any, error) {
	crm := map[string]any{
		"ticket_id":         uuid.New().String(),
		"priority":          string(req.Priority),
		"source":            req.Source,
		"description":       str(req.Payload, "description", "Escalated issue"),
		"customer_info":     value(req.Payload, "customer_info", map[string]any{}),
		"escalation_reason": str(req.Payload, "escalation_reason", "Agent decision"),
		"assigned_to":       "escalation_team",
		"created_at":        h.timestamp(),
	}
	if err := h.call(ctx, req, crm); err != nil {
		return nil, err
	}
	h.logger.Info("escalation created", "ticket_id", crm["ticket_id"], "correlation_id", req.CorrelationID)
	return map[string]any{
		"crm_response": crm,
		"api_endpoint": "/crm/escalate",
		"status_code":  statusCreated,
		"message":      "Escalation ticket created successfully",
	}, nil
}

// LogAndCloseHandler records the request as a closed audit entry.
type LogAndCloseHandler struct {
	simulated
	entries EntryWriter
}

func (h *LogAndCloseHandler) Handle(ctx context.Context, req core.ActionRequest) (map[string]any, error) {
	logID := uuid.New().String()
	entry := map[string]any{
		"log_id":    logID,
		"source":    req.Source,
		"action":    string(core.ActionLogAndClose),
		"details":   req.Payload,
		"status":    "closed",
		"timestamp": h.timestamp(),
	}
	if h.entries != nil {
		err := h.entries.StoreEntry(ctx, core.Entry{
			Key:       "log_entry:" + logID,
			Value:     entry,
			EntryType: "log_entry",
			Source:    req.Source,
			Timestamp: h.now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("store log entry: %w", err)
		}
	}
	if err := h.call(ctx, req, entry); err != nil {
		return nil, err
	}
	return map[string]any{
		"log_entry": entry,
		"message":   "Issue logged and closed successfully",
	}, nil
}

// AnomalyFlagHandler raises an alert in the alerting system.
type AnomalyFlagHandler struct{ simulated }

func (h *AnomalyFlagHandler) Handle(ctx context.Context, req core.ActionRequest) (map[string]any, error) {
	alert := map[string]any{
		"alert_id":        uuid.New().String(),
		"anomaly_type":    str(req.Payload, "anomaly_type", "data_anomaly"),
		"severity":        string(req.Priority),
		"source":          req.Source,
		"details":         value(req.Payload, "details", map[string]any{}),
		"anomaly_score":   value(req.Payload, "anomaly_score", 0.0),
		"flagged_at":      h.timestamp(),
		"requires_review": true,
	}
	if err := h.call(ctx, req, alert); err != nil {
		return nil, err
	}
	h.logger.Warn("anomaly flagged", "alert_id", alert["alert_id"], "correlation_id", req.CorrelationID)
	return map[string]any{
		"anomaly_alert": alert,
		"api_endpoint":  "/alerts/anomaly",
		"status_code":   statusCreated,
		"message":       "Anomaly alert created successfully",
	}, nil
}

// ComplianceAlertHandler raises a compliance alert. Severity is always high.
type ComplianceAlertHandler struct{ simulated }

func (h *ComplianceAlertHandler) Handle(ctx context.Context, req core.ActionRequest) (map[string]any, error) {
	alert := map[string]any{
		"alert_id":              uuid.New().String(),
		"compliance_type":       str(req.Payload, "compliance_type", "general"),
		"regulations":           value(req.Payload, "regulations", []any{}),
		"severity":              string(core.PriorityHigh),
		"source":                req.Source,
		"document_info":         value(req.Payload, "document_info", map[string]any{}),
		"flagged_keywords":      value(req.Payload, "flagged_keywords", []any{}),
		"created_at":            h.timestamp(),
		"requires_legal_review": true,
	}
	if err := h.call(ctx, req, alert); err != nil {
		return nil, err
	}
	h.logger.Error("compliance alert created", "alert_id", alert["alert_id"], "correlation_id", req.CorrelationID)
	return map[string]any{
		"compliance_alert": alert,
		"api_endpoint":     "/compliance/alert",
		"status_code":      statusCreated,
		"message":          "Compliance alert created successfully",
	}, nil
}

// RiskAlertHandler raises an alert in the risk management system.
type RiskAlertHandler struct{ simulated }

func (h *RiskAlertHandler) Handle(ctx context.Context, req core.ActionRequest) (map[string]any, error) {
	alert := map[string]any{
		"alert_id":               uuid.New().String(),
		"risk_type":              str(req.Payload, "risk_type", "financial"),
		"risk_score":             value(req.Payload, "risk_score", 0.0),
		"severity":               string(req.Priority),
		"source":                 req.Source,
		"risk_indicators":        value(req.Payload, "risk_indicators", []any{}),
		"affected_entities":      value(req.Payload, "affected_entities", []any{}),
		"created_at":             h.timestamp(),
		"requires_investigation": true,
	}
	if err := h.call(ctx, req, alert); err != nil {
		return nil, err
	}
	h.logger.Warn("risk alert created", "alert_id", alert["alert_id"], "correlation_id", req.CorrelationID)
	return map[string]any{
		"risk_alert":   alert,
		"api_endpoint": "/risk/alert",
		"status_code":  statusCreated,
		"message":      "Risk alert created successfully",
	}, nil
}

// TicketHandler opens a ticket in the ticketing system.
type TicketHandler struct{ simulated }

func (h *TicketHandler) Handle(ctx context.Context, req core.ActionRequest) (map[string]any, error) {
	ticket := map[string]any{
		"ticket_id":   uuid.New().String(),
		"title":       str(req.Payload, "title", "Auto-generated ticket"),
		"description": str(req.Payload, "description", ""),
		"priority":    string(req.Priority),
		"category":    str(req.Payload, "category", "general"),
		"source":      req.Source,
		"assignee":    str(req.Payload, "assignee", "auto_assignment"),
		"status":      "open",
		"created_at":  h.timestamp(),
		"metadata":    value(req.Payload, "metadata", map[string]any{}),
	}
	if err := h.call(ctx, req, ticket); err != nil {
		return nil, err
	}
	h.logger.Info("ticket created", "ticket_id", ticket["ticket_id"], "correlation_id", req.CorrelationID)
	return map[string]any{
		"ticket":       ticket,
		"api_endpoint": "/tickets/create",
		"status_code":  statusCreated,
		"message":      "Ticket created successfully",
	}, nil
}

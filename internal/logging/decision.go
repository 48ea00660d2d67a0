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

package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

// New builds the process logger: JSON on stderr at the given level.
func New(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DecisionLogger writes one structured line per scoring decision and per
// action result so a session can be followed without reading the store.
type DecisionLogger struct {
	logger *slog.Logger
}

func NewDecisionLogger(logger *slog.Logger) *DecisionLogger {
	return &DecisionLogger{logger: logger}
}

func (d *DecisionLogger) Decision(sessionID, schemaType string, report core.AnomalyReport, requests int) {
	level := slog.LevelInfo
	if !report.IsNormal {
		level = slog.LevelWarn
	}
	d.logger.Log(context.Background(), level, "decision",
		"session_id", sessionID,
		"schema_type", schemaType,
		"score", report.Score,
		"is_normal", report.IsNormal,
		"tags", report.Tags,
		"actions_requested", requests,
	)
}

func (d *DecisionLogger) Action(sessionID string, res core.ActionResult) {
	d.logger.Info("action",
		"session_id", sessionID,
		"action_id", res.ActionID,
		"action_type", res.ActionType,
		"correlation_id", res.CorrelationID,
		"status", res.Status,
		"attempts", res.Attempts,
		"execution_time_ms", res.ExecutionTimeMS,
		"error", res.Error,
	)
}

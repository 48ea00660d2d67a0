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

package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/audit"
	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/pipeline"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/store"
)

type statsReport struct {
	System         audit.SystemStats      `json:"system"`
	Actions        audit.ActionStatistics `json:"actions"`
	RecentSessions []*core.Session        `json:"recent_sessions,omitempty"`
	AgentState     map[string]any         `json:"agent_state,omitempty"`
}

func statsCmd(opts *globalOptions) *cobra.Command {
	var recent int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print counters, action statistics and recent sessions from the audit store",
		Long: `Read the configured audit store. Only a shared store such as redis holds
data written by another process; the memory store always starts empty.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger()
			cfg, _, err := opts.load(cmd, logger)
			if err != nil {
				return err
			}

			backend, err := store.New(cfg.Store, logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			ctx := cmd.Context()
			rec := audit.NewRecorder(backend, logger)

			var report statsReport
			if report.System, err = rec.SystemStats(ctx); err != nil {
				return err
			}
			if report.Actions, err = rec.ActionStatistics(ctx); err != nil {
				return err
			}
			if recent > 0 {
				if report.RecentSessions, err = rec.RecentSessions(ctx, recent); err != nil {
					return err
				}
			}
			if state, err := rec.GetAgentState(ctx, pipeline.AgentStateName); err == nil {
				report.AgentState = state
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().IntVarP(&recent, "recent", "n", 0, "Include the N most recent sessions")

	return cmd
}

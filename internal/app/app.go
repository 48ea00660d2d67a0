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

// Package app assembles the engine from configuration and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/audit"
	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/dispatch"
	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/history"
	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/logging"
	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/metrics"
	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/pipeline"
	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/policy"
	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/scoring"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/config"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/plugins"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/plugins/amqp1"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/plugins/kafka"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/plugins/mqtt5"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/plugins/rabbitmq"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/store"
)

const (
	inboundBuffer   = 64
	shutdownTimeout = 10 * time.Second
)

type App struct {
	Backend    core.Backend
	History    *history.Store
	Scorer     *scoring.Scorer
	Policy     *policy.Policy
	Dispatcher *dispatch.Dispatcher
	Recorder   *audit.Recorder
	Metrics    *metrics.Metrics
	Processor  *pipeline.Processor
	Plugins    *plugins.Registry

	metricsAddr string
	logger      *slog.Logger
}

// New builds every component from cfg. Sources and sinks are registered but
// not connected until Serve.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	backend, err := store.New(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{
		Backend:     backend,
		History:     history.NewStore(cfg.HistoryAmountCapacity, cfg.HistoryTimestampCapacity),
		Recorder:    audit.NewRecorder(backend, logger),
		Metrics:     metrics.New(),
		Plugins:     plugins.NewRegistry(logger),
		metricsAddr: cfg.Metrics.Addr,
		logger:      logger,
	}

	registerSources(cfg, a.Plugins, logger)
	registerSinks(cfg, a.Plugins, logger)

	publishers := make(map[core.ActionType]dispatch.Publisher, len(cfg.Notify))
	for at, name := range cfg.Notify {
		sink, err := a.Plugins.Sink(name)
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("notify %s: %w", at, err)
		}
		publishers[at] = sink
	}

	var opts []scoring.Option
	if len(cfg.AmountFields) > 0 {
		opts = append(opts, scoring.WithAmountFields(cfg.AmountFields...))
	}
	a.Scorer = scoring.NewScorer(a.History, scoring.ThresholdsFromConfig(cfg), logger, opts...)
	a.Policy = policy.New(policy.DefaultSource, cfg.LogNormalRecords)
	a.Dispatcher = dispatch.New(
		dispatch.DefaultHandlers(dispatch.HandlerDeps{
			Publishers: publishers,
			Entries:    a.Recorder,
			Logger:     logger,
		}),
		RetryPolicy(cfg),
		logger,
		a.Recorder,
		a.Metrics,
	)
	schemas := scoring.DefaultSchemas()
	a.Metrics.AllowSchemas(schemas.Names()...)
	a.Metrics.AllowSchemas(pipeline.DefaultSchemaType)
	for _, s := range cfg.Sources {
		a.Metrics.AllowSchemas(s.SchemaType)
	}
	a.Processor = pipeline.New(pipeline.Deps{
		Scorer:     a.Scorer,
		Schemas:    schemas,
		Policy:     a.Policy,
		Dispatcher: a.Dispatcher,
		Recorder:   a.Recorder,
		Metrics:    a.Metrics,
		Decisions:  logging.NewDecisionLogger(logger.With("component", "decisions")),
		Logger:     logger,
	}, cfg.Workers)

	return a, nil
}

func RetryPolicy(cfg *config.Config) dispatch.RetryPolicy {
	return dispatch.RetryPolicy{
		Attempts:       cfg.RetryAttempts,
		BaseDelay:      cfg.RetryBaseDelay(),
		AttemptTimeout: cfg.AttemptTimeout(),
	}
}

// Apply hot-swaps the tunables of a reloaded configuration. Store, transport
// and history capacity changes need a restart.
func (a *App) Apply(cfg *config.Config) {
	a.Scorer.SetThresholds(scoring.ThresholdsFromConfig(cfg))
	a.Dispatcher.SetRetryPolicy(RetryPolicy(cfg))
	a.Policy.SetLogNormalRecords(cfg.LogNormalRecords)
	a.Processor.SetWorkers(cfg.Workers)
	a.logger.Info("configuration applied",
		"anomaly_score_threshold", cfg.AnomalyScoreThreshold,
		"retry_attempts", cfg.RetryAttempts,
		"log_normal_records", cfg.LogNormalRecords,
		"workers", cfg.Workers,
	)
}

// Serve connects transports, starts the metrics listener and the config
// watcher, and processes inbound records until ctx is cancelled.
func (a *App) Serve(ctx context.Context, configPath string) error {
	connected := a.Plugins.ConnectAll(ctx)
	sources, sinks := a.Plugins.Names()
	a.logger.Info("transports connected", "connected", connected, "sources", sources, "sinks", sinks)

	var srv *http.Server
	if a.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv = &http.Server{Addr: a.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics listener failed", "addr", a.metricsAddr, "error", err)
			}
		}()
		a.logger.Info("metrics listener started", "addr", a.metricsAddr)
	}

	if configPath != "" {
		go config.NewWatcher(configPath, a.Apply, a.logger.With("component", "config")).Watch(ctx)
	}

	inbound := make(chan core.Inbound, inboundBuffer)
	a.Plugins.StartSources(ctx, inbound)

	a.logger.Info("anomaly engine started", "config", configPath)
	err := a.Processor.Run(ctx, inbound)

	a.logger.Info("shutting down anomaly engine")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Plugins.StopAll(shutdownCtx)
	a.Plugins.Wait()
	if srv != nil {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Warn("metrics listener shutdown failed", "error", serr)
		}
	}
	a.logger.Info("anomaly engine stopped")
	return err
}

func (a *App) Close() error {
	return a.Backend.Close()
}

func registerSources(cfg *config.Config, reg *plugins.Registry, logger *slog.Logger) {
	for _, s := range cfg.Sources {
		switch s.Type {
		case "kafka":
			reg.RegisterSource(kafka.New(
				s.Name, brokers(s.Config["brokers"]),
				s.Config["topic"], "",
				s.Config["group_id"], s.SchemaType,
				logger,
			))
		case "rabbitmq":
			reg.RegisterSource(rabbitmq.New(s.Name, s.Config["url"], s.Config["queue"], "", s.SchemaType, logger))
		case "mqtt5":
			reg.RegisterSource(mqtt5.New(s.Name, s.Config["broker"], s.Config["topic"], "", s.SchemaType, logger))
		case "amqp1":
			reg.RegisterSource(amqp1.New(s.Name, s.Config["url"], s.Config["queue"], "", s.SchemaType, logger))
		default:
			logger.Warn("unknown source type", "name", s.Name, "type", s.Type)
		}
	}
}

func registerSinks(cfg *config.Config, reg *plugins.Registry, logger *slog.Logger) {
	for _, s := range cfg.Sinks {
		switch s.Type {
		case "kafka":
			reg.RegisterSink(kafka.New(s.Name, brokers(s.Config["brokers"]), "", s.Config["topic"], "", "", logger))
		case "rabbitmq":
			reg.RegisterSink(rabbitmq.New(s.Name, s.Config["url"], "", s.Config["queue"], "", logger))
		case "mqtt5":
			reg.RegisterSink(mqtt5.New(s.Name, s.Config["broker"], "", s.Config["topic"], "", logger))
		case "amqp1":
			reg.RegisterSink(amqp1.New(s.Name, s.Config["url"], "", s.Config["queue"], "", logger))
		default:
			logger.Warn("unknown sink type", "name", s.Name, "type", s.Type)
		}
	}
}

func brokers(list string) []string {
	var out []string
	for _, b := range strings.Split(list, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

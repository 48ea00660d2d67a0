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

// Package plugins holds the broker transports that feed records into the
// engine and carry action notifications out of it.
package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

// Message header and property names shared by every transport.
const (
	HeaderSchemaType    = "schema_type"
	HeaderActionType    = "action_type"
	HeaderCorrelationID = "correlation_id"
)

// NewInput builds a record input, preferring the schema type carried by the
// message over the source's configured default.
func NewInput(payload []byte, schemaType, fallback string, metadata map[string]string) core.Input {
	if schemaType == "" {
		schemaType = fallback
	}
	return core.Input{
		SchemaType: schemaType,
		Payload:    payload,
		Metadata:   metadata,
	}
}

// Headers flattens a notification into the string headers attached to the
// outbound message.
func Headers(n core.Notification) map[string]string {
	h := make(map[string]string, len(n.Metadata)+2)
	for k, v := range n.Metadata {
		h[k] = v
	}
	h[HeaderActionType] = string(n.ActionType)
	h[HeaderCorrelationID] = n.CorrelationID
	return h
}

type Registry struct {
	sources map[string]core.Source
	sinks   map[string]core.Sink
	healthy map[string]bool
	logger  *slog.Logger
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sources: make(map[string]core.Source),
		sinks:   make(map[string]core.Sink),
		healthy: make(map[string]bool),
		logger:  logger.With("component", "plugins"),
	}
}

func (r *Registry) RegisterSource(s core.Source) {
	r.mu.Lock()
	r.sources[s.Name()] = s
	r.mu.Unlock()
	r.logger.Info("registered source", "name", s.Name(), "type", s.Type())
}

func (r *Registry) RegisterSink(s core.Sink) {
	r.mu.Lock()
	r.sinks[s.Name()] = s
	r.mu.Unlock()
	r.logger.Info("registered sink", "name", s.Name(), "type", s.Type())
}

func (r *Registry) Sink(name string) (core.Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[name]
	if !ok {
		return nil, fmt.Errorf("%w: name=%s", core.ErrSinkNotFound, name)
	}
	return s, nil
}

// Names lists registered sources and sinks, sorted.
func (r *Registry) Names() (sources, sinks []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.sources {
		sources = append(sources, name)
	}
	for name := range r.sinks {
		sinks = append(sinks, name)
	}
	sort.Strings(sources)
	sort.Strings(sinks)
	return sources, sinks
}

// ConnectAll connects every sink and source and returns how many succeeded.
// A failed connector is marked unhealthy and is not started.
func (r *Registry) ConnectAll(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	connected := 0
	connect := func(kind string, c core.Connector) {
		if err := c.Connect(ctx); err != nil {
			r.logger.Error(kind+" connect failed", "name", c.Name(), "error", err)
			r.healthy[c.Name()] = false
			return
		}
		r.healthy[c.Name()] = true
		connected++
	}
	for _, s := range r.sinks {
		connect("sink", s)
	}
	for _, s := range r.sources {
		connect("source", s)
	}
	return connected
}

func (r *Registry) IsHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[name]
}

// StartSources runs every healthy source until ctx is cancelled, delivering
// into out.
func (r *Registry) StartSources(ctx context.Context, out chan<- core.Inbound) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, src := range r.sources {
		if !r.healthy[name] {
			r.logger.Warn("skipping unhealthy source", "name", name)
			continue
		}
		r.wg.Add(1)
		go func(n string, s core.Source) {
			defer r.wg.Done()
			if err := s.Start(ctx, out); err != nil {
				r.logger.Error("source failed", "name", n, "error", err)
			}
		}(name, src)
	}
}

// Wait blocks until every started source has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}

func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, s := range r.sources {
		r.logger.Info("stopping source", "name", name)
		if err := s.Disconnect(ctx); err != nil {
			r.logger.Warn("source disconnect failed", "name", name, "error", err)
		}
	}
	for name, s := range r.sinks {
		r.logger.Info("stopping sink", "name", name)
		if err := s.Disconnect(ctx); err != nil {
			r.logger.Warn("sink disconnect failed", "name", name, "error", err)
		}
	}
}

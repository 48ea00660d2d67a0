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

package kafka

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/plugins"
)

// Endpoint reads records from topicIn and writes notifications to topicOut.
// Either topic may be empty.
type Endpoint struct {
	name       string
	brokers    []string
	topicIn    string
	topicOut   string
	groupID    string
	schemaType string
	writer     *kafka.Writer
	reader     *kafka.Reader
	offsets    *offsetTracker
	logger     *slog.Logger
}

func New(name string, brokers []string, topicIn, topicOut, groupID, schemaType string, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		name:       name,
		brokers:    brokers,
		topicIn:    topicIn,
		topicOut:   topicOut,
		groupID:    groupID,
		schemaType: schemaType,
		offsets:    newOffsetTracker(),
		logger:     logger.With("component", "kafka", "name", name),
	}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "kafka" }

func (e *Endpoint) Connect(ctx context.Context) error {
	if e.topicOut != "" {
		e.writer = &kafka.Writer{
			Addr:         kafka.TCP(e.brokers...),
			Topic:        e.topicOut,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	if e.topicIn != "" {
		groupID := e.groupID
		if groupID == "" {
			groupID = "anomaly-engine-" + e.name
		}
		e.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  e.brokers,
			Topic:    e.topicIn,
			GroupID:  groupID,
			MaxWait:  500 * time.Millisecond,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	e.logger.Info("kafka endpoint connected",
		"brokers", strings.Join(e.brokers, ","),
		"topic_in", e.topicIn,
		"topic_out", e.topicOut,
	)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	if e.reader != nil {
		if err := e.reader.Close(); err != nil {
			e.logger.Warn("kafka reader close failed", "error", err)
		}
	}
	if e.writer != nil {
		return e.writer.Close()
	}
	return nil
}

// Start fetches records until ctx is cancelled. Records may be settled out
// of order; a partition's offset is committed only up to the first record
// that is not yet acked. A Nack holds the partition's committed offset below
// that record, so it and everything after it are redelivered once the group
// is rejoined.
func (e *Endpoint) Start(ctx context.Context, out chan<- core.Inbound) error {
	if e.reader == nil {
		<-ctx.Done()
		return nil
	}

	for {
		msg, err := e.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error("kafka fetch error", "error", err)
			return err
		}

		var schemaType string
		for _, h := range msg.Headers {
			if h.Key == plugins.HeaderSchemaType {
				schemaType = string(h.Value)
			}
		}
		m := msg
		e.offsets.track(m.Partition, m.Offset)
		in := core.Inbound{
			Input: plugins.NewInput(msg.Value, schemaType, e.schemaType, map[string]string{
				"source":      e.name,
				"kafka_key":   string(msg.Key),
				"kafka_topic": msg.Topic,
			}),
			Ack: func() error {
				return e.offsets.ack(context.WithoutCancel(ctx), m.Partition, m.Offset, func(cctx context.Context, offset int64) error {
					return e.reader.CommitMessages(cctx, kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: offset})
				})
			},
			Nack: func() error {
				if !e.offsets.blocked(m.Partition) {
					e.logger.Warn("kafka partition commits held at nacked record", "partition", m.Partition, "offset", m.Offset)
				}
				e.offsets.nack(m.Partition, m.Offset)
				return nil
			},
		}

		select {
		case out <- in:
		case <-ctx.Done():
			return nil
		}
	}
}

// Send writes n keyed by its correlation id so every notification for the
// same record lands on the same partition.
func (e *Endpoint) Send(ctx context.Context, n core.Notification) error {
	if e.writer == nil {
		return nil
	}
	headers := plugins.Headers(n)
	msg := kafka.Message{
		Key:   []byte(n.CorrelationID),
		Value: n.Payload,
		Time:  n.Timestamp,
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return e.writer.WriteMessages(ctx, msg)
}

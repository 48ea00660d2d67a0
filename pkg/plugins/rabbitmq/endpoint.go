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

package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/plugins"
)

// Endpoint consumes records from queueIn and publishes notifications to
// queueOut on the default exchange.
type Endpoint struct {
	name       string
	url        string
	queueIn    string
	queueOut   string
	schemaType string
	conn       *amqp.Connection
	pubCh      *amqp.Channel
	pubMu      sync.Mutex
	logger     *slog.Logger
}

func New(name, url, queueIn, queueOut, schemaType string, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		name:       name,
		url:        url,
		queueIn:    queueIn,
		queueOut:   queueOut,
		schemaType: schemaType,
		logger:     logger.With("component", "rabbitmq", "name", name),
	}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "rabbitmq" }

func (e *Endpoint) Connect(ctx context.Context) error {
	var err error
	e.conn, err = amqp.Dial(e.url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}

	e.pubCh, err = e.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq publish channel: %w", err)
	}

	for _, q := range []string{e.queueIn, e.queueOut} {
		if q != "" {
			if _, err := e.pubCh.QueueDeclare(q, true, false, false, false, nil); err != nil {
				return fmt.Errorf("rabbitmq queue declare %s: %w", q, err)
			}
		}
	}

	e.logger.Info("rabbitmq endpoint connected", "queue_in", e.queueIn, "queue_out", e.queueOut)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	if e.pubCh != nil {
		e.pubCh.Close()
	}
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// Start consumes with manual acknowledgement and a prefetch of one. Nack
// requeues the delivery.
func (e *Endpoint) Start(ctx context.Context, out chan<- core.Inbound) error {
	if e.queueIn == "" {
		<-ctx.Done()
		return nil
	}

	consumerCh, err := e.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq consumer channel: %w", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos: %w", err)
	}

	deliveries, err := consumerCh.Consume(
		e.queueIn,
		"anomaly-engine-"+e.name,
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("rabbitmq consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			delivery := d
			schemaType, _ := delivery.Headers[plugins.HeaderSchemaType].(string)
			in := core.Inbound{
				Input: plugins.NewInput(delivery.Body, schemaType, e.schemaType, map[string]string{
					"source":               e.name,
					"rabbitmq_routing_key": delivery.RoutingKey,
					"rabbitmq_message_id":  delivery.MessageId,
				}),
				Ack:  func() error { return delivery.Ack(false) },
				Nack: func() error { return delivery.Nack(false, true) },
			}

			select {
			case out <- in:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Send publishes n as a persistent JSON message. The correlation id is used
// as the message id so consumers can deduplicate redeliveries.
func (e *Endpoint) Send(ctx context.Context, n core.Notification) error {
	if e.queueOut == "" || e.pubCh == nil {
		return nil
	}
	headers := amqp.Table{}
	for k, v := range plugins.Headers(n) {
		headers[k] = v
	}
	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	return e.pubCh.PublishWithContext(ctx,
		"",
		e.queueOut,
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			Body:          n.Payload,
			MessageId:     n.CorrelationID,
			CorrelationId: n.CorrelationID,
			Type:          string(n.ActionType),
			Headers:       headers,
			Timestamp:     ts,
		},
	)
}

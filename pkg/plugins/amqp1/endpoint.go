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

// Package amqp1 connects to AMQP 1.0 brokers such as ActiveMQ Artemis,
// Qpid and Azure Service Bus.
package amqp1

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Azure/go-amqp"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/plugins"
)

const contentTypeJSON = "application/json"

// Endpoint receives records from queueIn and sends notifications to queueOut.
type Endpoint struct {
	name       string
	url        string
	queueIn    string
	queueOut   string
	schemaType string
	conn       *amqp.Conn
	sendSess   *amqp.Session
	sender     *amqp.Sender
	sendMu     sync.Mutex
	logger     *slog.Logger
}

func New(name, url, queueIn, queueOut, schemaType string, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		name:       name,
		url:        url,
		queueIn:    queueIn,
		queueOut:   queueOut,
		schemaType: schemaType,
		logger:     logger.With("component", "amqp1", "name", name),
	}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "amqp1" }

func (e *Endpoint) Connect(ctx context.Context) error {
	var err error
	e.conn, err = amqp.Dial(ctx, e.url, nil)
	if err != nil {
		return fmt.Errorf("amqp1 dial: %w", err)
	}

	if e.queueOut != "" {
		e.sendSess, err = e.conn.NewSession(ctx, nil)
		if err != nil {
			return fmt.Errorf("amqp1 send session: %w", err)
		}
		e.sender, err = e.sendSess.NewSender(ctx, e.queueOut, nil)
		if err != nil {
			return fmt.Errorf("amqp1 sender: %w", err)
		}
	}

	e.logger.Info("amqp1 endpoint connected", "queue_in", e.queueIn, "queue_out", e.queueOut)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	if e.sender != nil {
		e.sender.Close(ctx)
	}
	if e.sendSess != nil {
		e.sendSess.Close(ctx)
	}
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// Start receives with a link credit of one. Ack accepts the message; Nack
// releases it so the broker redelivers it.
func (e *Endpoint) Start(ctx context.Context, out chan<- core.Inbound) error {
	if e.queueIn == "" {
		<-ctx.Done()
		return nil
	}

	recvSess, err := e.conn.NewSession(ctx, nil)
	if err != nil {
		return fmt.Errorf("amqp1 receive session: %w", err)
	}
	receiver, err := recvSess.NewReceiver(ctx, e.queueIn, &amqp.ReceiverOptions{Credit: 1})
	if err != nil {
		recvSess.Close(ctx)
		return fmt.Errorf("amqp1 receiver: %w", err)
	}
	defer func() {
		closeCtx := context.WithoutCancel(ctx)
		receiver.Close(closeCtx)
		recvSess.Close(closeCtx)
	}()

	for {
		msg, err := receiver.Receive(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("amqp1 receive: %w", err)
		}

		m := msg
		settleCtx := context.WithoutCancel(ctx)
		in := core.Inbound{
			Input: e.input(m),
			Ack:   func() error { return receiver.AcceptMessage(settleCtx, m) },
			Nack:  func() error { return receiver.ReleaseMessage(settleCtx, m) },
		}

		select {
		case out <- in:
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Endpoint) input(m *amqp.Message) core.Input {
	schemaType, _ := m.ApplicationProperties[plugins.HeaderSchemaType].(string)
	meta := map[string]string{
		"source":      e.name,
		"amqp1_queue": e.queueIn,
	}
	if m.Properties != nil && m.Properties.MessageID != nil {
		meta["amqp1_message_id"] = fmt.Sprint(m.Properties.MessageID)
	}
	return plugins.NewInput(m.GetData(), schemaType, e.schemaType, meta)
}

// Send delivers n as a durable message. The correlation id doubles as the
// message id so receivers can deduplicate redeliveries.
func (e *Endpoint) Send(ctx context.Context, n core.Notification) error {
	if e.sender == nil {
		return nil
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := e.sender.Send(ctx, message(n), nil); err != nil {
		return fmt.Errorf("amqp1 send %s: %w", n.ActionType, err)
	}
	return nil
}

func message(n core.Notification) *amqp.Message {
	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	contentType := contentTypeJSON
	subject := string(n.ActionType)
	props := make(map[string]any)
	for k, v := range plugins.Headers(n) {
		props[k] = v
	}
	return &amqp.Message{
		Header: &amqp.MessageHeader{Durable: true},
		Data:   [][]byte{n.Payload},
		Properties: &amqp.MessageProperties{
			MessageID:     n.CorrelationID,
			CorrelationID: n.CorrelationID,
			ContentType:   &contentType,
			Subject:       &subject,
			CreationTime:  &ts,
		},
		ApplicationProperties: props,
	}
}

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

package mqtt5

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/plugins"
)

const inboxSize = 64

// Endpoint subscribes to topicIn for records and publishes notifications
// under topicOut/<action_type>.
type Endpoint struct {
	name       string
	brokerURL  string
	topicIn    string
	topicOut   string
	schemaType string
	cm         *autopaho.ConnectionManager
	inbox      chan *paho.Publish
	logger     *slog.Logger
}

func New(name, brokerURL, topicIn, topicOut, schemaType string, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		name:       name,
		brokerURL:  brokerURL,
		topicIn:    topicIn,
		topicOut:   strings.TrimSuffix(topicOut, "/"),
		schemaType: schemaType,
		inbox:      make(chan *paho.Publish, inboxSize),
		logger:     logger.With("component", "mqtt5", "name", name),
	}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "mqtt5" }

func (e *Endpoint) Connect(ctx context.Context) error {
	serverURL, err := url.Parse(e.brokerURL)
	if err != nil {
		return fmt.Errorf("mqtt5 invalid URL: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			e.logger.Info("mqtt5 connection up")
			if e.topicIn == "" {
				return
			}
			// Subscriptions are not kept across reconnects with a clean start.
			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: e.topicIn, QoS: 1}},
			}); err != nil {
				e.logger.Error("mqtt5 subscribe failed", "topic", e.topicIn, "error", err)
			}
		},
		OnConnectError: func(err error) {
			e.logger.Warn("mqtt5 connect attempt failed", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "anomaly-engine-" + e.name + "-" + uuid.New().String()[:8],
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					select {
					case e.inbox <- pr.Packet:
					default:
						e.logger.Warn("mqtt5 inbox full, dropping message", "topic", pr.Packet.Topic)
					}
					return true, nil
				},
			},
		},
	}

	e.cm, err = autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt5 connection: %w", err)
	}

	if err := e.cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt5 await connection: %w", err)
	}

	e.logger.Info("mqtt5 endpoint connected", "broker", e.brokerURL)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	if e.cm != nil {
		return e.cm.Disconnect(ctx)
	}
	return nil
}

// Start forwards received publishes until ctx is cancelled. The client
// acknowledges QoS 1 deliveries itself, so Ack and Nack are no-ops.
func (e *Endpoint) Start(ctx context.Context, out chan<- core.Inbound) error {
	if e.topicIn == "" {
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case pub := <-e.inbox:
			in := core.Inbound{
				Input: plugins.NewInput(pub.Payload, userProperty(pub, plugins.HeaderSchemaType), e.schemaType, map[string]string{
					"source":     e.name,
					"mqtt_topic": pub.Topic,
				}),
				Ack:  func() error { return nil },
				Nack: func() error { return nil },
			}

			select {
			case out <- in:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (e *Endpoint) Send(ctx context.Context, n core.Notification) error {
	if e.topicOut == "" || e.cm == nil {
		return nil
	}
	props := &paho.PublishProperties{
		ContentType:     "application/json",
		CorrelationData: []byte(n.CorrelationID),
	}
	for k, v := range plugins.Headers(n) {
		props.User = append(props.User, paho.UserProperty{Key: k, Value: v})
	}
	_, err := e.cm.Publish(ctx, &paho.Publish{
		Topic:      e.topicOut + "/" + string(n.ActionType),
		QoS:        1,
		Payload:    n.Payload,
		Properties: props,
	})
	return err
}

func userProperty(pub *paho.Publish, key string) string {
	if pub.Properties == nil {
		return ""
	}
	for _, p := range pub.Properties.User {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSubscriber feeds heartbeats published by agents on an MQTT topic into
// a Dispatcher.
type MQTTSubscriber struct {
	client     paho.Client
	topic      string
	qos        byte
	dispatcher *Dispatcher
	log        *slog.Logger
}

// NewMQTTSubscriber connects to broker. Subscription starts with Start.
func NewMQTTSubscriber(broker, clientID, topic string, d *Dispatcher, log *slog.Logger) (*MQTTSubscriber, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return newMQTTSubscriber(client, topic, d, log), nil
}

func newMQTTSubscriber(client paho.Client, topic string, d *Dispatcher, log *slog.Logger) *MQTTSubscriber {
	if log == nil {
		log = slog.Default()
	}
	return &MQTTSubscriber{
		client:     client,
		topic:      topic,
		qos:        1,
		dispatcher: d,
		log:        log.With(slog.String("component", "mqtt-ingest")),
	}
}

// Start subscribes to the heartbeat topic. QoS 1 means the broker may
// redeliver; the ledger keys make redelivery harmless.
func (s *MQTTSubscriber) Start() error {
	token := s.client.Subscribe(s.topic, s.qos, s.onMessage)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	s.log.Info("subscribed", slog.String("topic", s.topic))
	return nil
}

func (s *MQTTSubscriber) onMessage(_ paho.Client, msg paho.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	if _, err := s.dispatcher.HandleRaw(ctx, TransportMQTT, msg.Payload()); err != nil {
		s.log.Log(ctx, rejectLevel(err), "heartbeat rejected",
			slog.String("topic", msg.Topic()),
			slog.Any("err", err),
		)
	}
	msg.Ack()
}

// Close unsubscribes and disconnects from the broker.
func (s *MQTTSubscriber) Close() error {
	token := s.client.Unsubscribe(s.topic)
	token.WaitTimeout(2 * time.Second)
	s.client.Disconnect(1000) // 1 second timeout
	return nil
}

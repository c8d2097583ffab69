// Package publish forwards sensor readings to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	keepAlive         = 60 * time.Second
	pingTimeout       = 10 * time.Second
	disconnectQuiesce = 250
)

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	Retained bool
}

// Reading is the payload published for every measurement.
type Reading[M any] struct {
	Sensor string `json:"sensor"`
	Value  M      `json:"value"`
}

type Publisher struct {
	client   mqtt.Client
	topic    string
	qos      byte
	retained bool
	logger   *slog.Logger
}

// Connect dials the broker and waits for the session until ctx is done.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(keepAlive)
	opts.SetPingTimeout(pingTimeout)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("connected to MQTT broker", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", "broker", cfg.Broker, "error", err)
	}
	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", cfg.Broker, err)
	}
	return New(client, cfg.Topic, cfg.QoS, cfg.Retained, logger), nil
}

// New wraps a connected client.
func New(client mqtt.Client, topic string, qos byte, retained bool, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:   client,
		topic:    strings.TrimSuffix(topic, "/"),
		qos:      qos,
		retained: retained,
		logger:   logger,
	}
}

// Topic returns the topic readings of sensor go to.
func (p *Publisher) Topic(sensor string) string {
	return p.topic + "/" + sensor
}

// Publish queues payload without waiting for the broker. Delivery failures
// are logged.
func (p *Publisher) Publish(sensor string, payload []byte) {
	topic := p.Topic(sensor)
	token := p.client.Publish(topic, p.qos, p.retained, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			p.logger.Warn("could not publish reading", "topic", topic, "error", err)
		}
	}()
}

func (p *Publisher) Close() {
	p.client.Disconnect(disconnectQuiesce)
}

// Callback returns a measurement callback publishing every reading of
// sensor as JSON. It never blocks the measurement task.
func Callback[M any](p *Publisher, sensor string) func(M) {
	return func(m M) {
		payload, err := json.Marshal(Reading[M]{Sensor: sensor, Value: m})
		if err != nil {
			p.logger.Error("could not encode reading", "sensor", sensor, "error", err)
			return
		}
		p.Publish(sensor, payload)
	}
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}

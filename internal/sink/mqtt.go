package sink

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
	mqttQoS            = 1
	mqttDisconnectWait = 250 // milliseconds
)

// MQTTSink publishes Telemetry messages to <prefix>/<device>/telemetry and
// keeps a retained availability topic for the exporter.
type MQTTSink struct {
	client  mqtt.Client
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewMQTTSink connects to broker (tcp://host:1883, ssl://, ws://)
func NewMQTTSink(broker, clientID, prefix string, logger *slog.Logger) (*MQTTSink, error) {
	prefix = strings.TrimSuffix(prefix, "/")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetWill(statusTopic(prefix), "offline", mqttQoS, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("MQTT sink connected", "broker", broker)
		c.Publish(statusTopic(prefix), mqttQoS, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &MQTTSink{
		client:  client,
		prefix:  prefix,
		timeout: 10 * time.Second,
		logger:  logger,
	}, nil
}

// Write publishes one message per device
func (m *MQTTSink) Write(ctx context.Context, readings ...Reading) error {
	order, groups := groupByDevice(readings)
	for _, device := range order {
		payload, err := json.Marshal(NewTelemetry(device, groups[device]))
		if err != nil {
			return fmt.Errorf("failed to encode telemetry: %w", err)
		}

		topic := telemetryTopic(m.prefix, device)
		token := m.client.Publish(topic, mqttQoS, false, payload)
		select {
		case <-token.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
		m.logger.Debug("Published telemetry", "topic", topic)
	}
	return nil
}

// Close marks the exporter offline and disconnects from the broker
func (m *MQTTSink) Close() error {
	token := m.client.Publish(statusTopic(m.prefix), mqttQoS, true, "offline")
	token.WaitTimeout(m.timeout)
	m.client.Disconnect(mqttDisconnectWait)
	return nil
}

func statusTopic(prefix string) string {
	return prefix + "/exporter/status"
}

// telemetryTopic strips MQTT wildcard and level separators from device
func telemetryTopic(prefix, device string) string {
	device = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(device)
	return fmt.Sprintf("%s/%s/telemetry", prefix, device)
}

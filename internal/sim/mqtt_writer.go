package sim

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"fleetops-sim/internal/telemetry"
)

// mqttPublisher is the part of mqtt.Client the writer needs.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTWriter publishes every row to "<prefix>/<entity_id>", the way a
// vehicle gateway would report its own readings.
type MQTTWriter struct {
	client  mqttPublisher
	prefix  string
	timeout time.Duration
}

// NewMQTTWriter connects to broker (e.g. tcp://localhost:1883).
func NewMQTTWriter(broker, clientID, topicPrefix string) (*MQTTWriter, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	return &MQTTWriter{client: client, prefix: strings.TrimSuffix(topicPrefix, "/"), timeout: 5 * time.Second}, nil
}

func (m *MQTTWriter) topic(entityID string) string {
	return m.prefix + "/" + entityID
}

// Write publishes one row with QoS 0.
func (m *MQTTWriter) Write(row telemetry.TelemetryRow) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.topic(row.EntityID), 0, false, payload)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("mqtt publish %s: timeout", row.EntityID)
	}
	return token.Error()
}

// Close disconnects from the broker.
func (m *MQTTWriter) Close() error {
	m.client.Disconnect(250)
	return nil
}

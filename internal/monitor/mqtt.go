package monitor

import (
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/attitude.report/internal/monitoring"
)

// MQTTPublisher mirrors state snapshots to an MQTT broker so cockpit or
// ground-station consumers can subscribe without polling the HTTP API.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
}

// NewMQTTPublisher connects to the broker. topic defaults to nav/solution.
func NewMQTTPublisher(broker, clientID, topic string) (*MQTTPublisher, error) {
	if topic == "" {
		topic = "nav/solution"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, token.Error())
	}
	monitoring.Logf("monitor: connected to MQTT broker at %s", broker)
	return &MQTTPublisher{client: client, topic: topic}, nil
}

// Publish sends one snapshot; QoS 0, drops are fine for telemetry.
func (p *MQTTPublisher) Publish(s StateSnapshot) {
	payload, err := json.Marshal(s)
	if err != nil {
		return
	}
	p.client.Publish(p.topic, 0, false, payload)
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/seantiz/autopilot/internal/model"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttKeepAlive      = 60 * time.Second
	mqttQuiesceMS      = 250
	mqttQoS            = 1
)

// ErrMQTTNotConnected is returned by Publish while the broker link is down.
var ErrMQTTNotConnected = errors.New("mqtt not connected")

// Publisher sends one message to an MQTT topic.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// Topics lays out the MQTT topic tree under a prefix.
type Topics struct {
	Prefix string
}

// Task returns the event topic for one task.
func (t Topics) Task(id model.TaskID) string {
	return fmt.Sprintf("%s/tasks/%d/events", t.Prefix, id)
}

// Engine returns the topic for engine-global events.
func (t Topics) Engine() string {
	return t.Prefix + "/engine/events"
}

// Status returns the retained worker status topic.
func (t Topics) Status() string {
	return t.Prefix + "/status"
}

type statusPayload struct {
	Worker string    `json:"worker"`
	Reason string    `json:"reason,omitempty"`
	Time   time.Time `json:"time"`
}

func encodeStatus(state, reason string) []byte {
	b, _ := json.Marshal(statusPayload{Worker: state, Reason: reason, Time: time.Now().UTC()})
	return b
}

// MQTT mirrors the event stream onto an MQTT broker.
type MQTT struct {
	src    Source
	pub    Publisher
	topics Topics
	buffer int
	logger *slog.Logger
}

// NewMQTT creates a sink publishing events from src through pub.
func NewMQTT(src Source, pub Publisher, prefix string, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{
		src:    src,
		pub:    pub,
		topics: Topics{Prefix: prefix},
		buffer: DefaultBuffer,
		logger: logger.With("component", "mqtt"),
	}
}

// PublishState publishes the retained worker status.
func (m *MQTT) PublishState(state string) {
	m.publishStatus(state, "")
}

func (m *MQTT) publishStatus(state, reason string) {
	if err := m.pub.Publish(m.topics.Status(), encodeStatus(state, reason), true); err != nil {
		sinkErrors.WithLabelValues("mqtt").Inc()
		m.logger.Warn("publish worker status", "state", state, "error", err)
	}
}

// Run publishes events until the subscription closes or ctx is cancelled.
func (m *MQTT) Run(ctx context.Context) {
	events, unsubscribe := m.src.SubscribeBuffered(0, m.buffer)
	defer unsubscribe()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.forward(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (m *MQTT) forward(ev model.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("encode event", "event_id", ev.ID, "error", err)
		return
	}

	topic := m.topics.Task(ev.TaskID)
	if ev.TaskID == 0 {
		topic = m.topics.Engine()
	}
	if err := m.pub.Publish(topic, payload, false); err != nil {
		sinkErrors.WithLabelValues("mqtt").Inc()
		m.logger.Warn("publish event", "topic", topic, "error", err)
		return
	}
	sinkPublished.WithLabelValues("mqtt").Inc()

	if ev.Type == model.EventEngine {
		switch ev.Name {
		case "degraded":
			m.publishStatus("degraded", ev.Error)
		case "recovered":
			m.publishStatus("running", "")
		}
	}
}

// PahoClient is a Publisher backed by an eclipse/paho connection.
type PahoClient struct {
	client pahomqtt.Client
	logger *slog.Logger
}

// DialMQTT connects to broker. The broker retains an offline status for
// the client if the connection drops without a clean disconnect.
func DialMQTT(broker, clientID, prefix string, logger *slog.Logger) (*PahoClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt", "broker", broker)
	topics := Topics{Prefix: prefix}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(mqttKeepAlive)
	opts.SetWill(topics.Status(), string(encodeStatus("offline", "unexpected_disconnect")), mqttQoS, true)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		logger.Info("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect: timeout after %v", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &PahoClient{client: client, logger: logger}, nil
}

func (c *PahoClient) Publish(topic string, payload []byte, retained bool) error {
	if !c.client.IsConnectionOpen() {
		return ErrMQTTNotConnected
	}
	token := c.client.Publish(topic, mqttQoS, retained, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("mqtt publish %s: timeout after %v", topic, mqttPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects after letting in-flight publishes finish.
func (c *PahoClient) Close() {
	c.client.Disconnect(mqttQuiesceMS)
}

package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/hephy-dd/pt100ramp/ramp"
)

// publishTimeout bounds the wait for the broker to accept a message
const publishTimeout = 5 * time.Second

// Publisher is the part of mqtt.Client used here
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Message is the JSON payload of every MQTT message
type Message struct {
	RunID    string        `json:"run_id"`
	Kind     string        `json:"kind"`
	Time     time.Time     `json:"time"`
	Reading  *ramp.Reading `json:"reading,omitempty"`
	Step     int           `json:"step,omitempty"`
	Steps    int           `json:"steps,omitempty"`
	Setpoint *float64      `json:"setpoint,omitempty"`
	Message  string        `json:"message,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// NewMessage converts an event to its payload
func NewMessage(e ramp.Event) Message {
	msg := Message{
		RunID:   e.RunID,
		Kind:    e.Kind.String(),
		Time:    e.Time,
		Step:    e.Step,
		Steps:   e.Steps,
		Message: e.Message,
	}
	switch e.Kind {
	case ramp.EventMeasured:
		r := e.Reading
		msg.Reading = &r
	case ramp.EventProgress:
		sp := e.Setpoint
		msg.Setpoint = &sp
	}
	if e.Err != nil {
		msg.Error = e.Err.Error()
	}
	return msg
}

// MQTT is a ramp.Observer that publishes readings to <Topic>/reading and
// every other event to <Topic>/event
type MQTT struct {
	Client Publisher
	Topic  string
	Log    zerolog.Logger
}

// NewMQTT returns an observer publishing under topic
func NewMQTT(c Publisher, topic string, log zerolog.Logger) *MQTT {
	return &MQTT{Client: c, Topic: topic, Log: log.With().Str("component", "mqtt").Logger()}
}

// Observe implements ramp.Observer
func (m *MQTT) Observe(e ramp.Event) {
	sub := "event"
	if e.Kind == ramp.EventMeasured {
		sub = "reading"
	}
	topic := m.Topic + "/" + sub
	payload, err := json.Marshal(NewMessage(e))
	if err != nil {
		m.Log.Error().Err(err).Msg("marshalling event")
		return
	}
	// terminal events are retained so late subscribers see how the last run ended
	token := m.Client.Publish(topic, 1, e.Terminal(), payload)
	if !token.WaitTimeout(publishTimeout) {
		m.Log.Warn().Str("topic", topic).Msg("publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		m.Log.Error().Err(err).Str("topic", topic).Msg("publishing event")
	}
}

// Dial connects to broker, e.g. tcp://localhost:1883
func Dial(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("connecting to %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", broker, err)
	}
	return c, nil
}

package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/soilsense/internal/ble"
	"github.com/chaz8081/soilsense/internal/health"
	"github.com/chaz8081/soilsense/internal/plant"
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt: not connected")

// MQTTOptions configures the broker connection and topics.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	Retain         bool
	PublishTimeout time.Duration
}

func (o MQTTOptions) withDefaults() MQTTOptions {
	if o.ClientID == "" {
		o.ClientID = "soilsense"
	}
	o.TopicPrefix = strings.TrimRight(o.TopicPrefix, "/")
	if o.TopicPrefix == "" {
		o.TopicPrefix = "soilsense"
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	return o
}

// ReadingMessage is published on <prefix>/reading.
type ReadingMessage struct {
	Reading  int           `json:"reading"`
	Status   health.Status `json:"status"`
	State    ble.State     `json:"state"`
	DeviceID string        `json:"device_id,omitempty"`
	At       time.Time     `json:"at"`
}

// HealthMessage is published on <prefix>/plants/<id>/health.
type HealthMessage struct {
	PlantID string    `json:"plant_id"`
	Health  float64   `json:"health"`
	At      time.Time `json:"at"`
}

// EpisodeMessage is published on <prefix>/plants/<id>/episode.
type EpisodeMessage struct {
	PlantID       string     `json:"plant_id"`
	Open          bool       `json:"open"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	HealthAtStart *float64   `json:"health_at_start,omitempty"`
	At            time.Time  `json:"at"`
}

// MQTTPublisher pushes readings and plant health changes to a broker.
type MQTTPublisher struct {
	client mqtt.Client
	opts   MQTTOptions
	now    func() time.Time

	mu          sync.Mutex
	lastReading *int
	lastState   ble.State
}

// DialMQTT connects to the broker and returns a publisher over it. The
// client reconnects by itself after the initial connect.
func DialMQTT(opts MQTTOptions) (*MQTTPublisher, error) {
	opts = opts.withDefaults()

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetCleanSession(true)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("[MQTT] connection lost", "broker", opts.Broker, "error", err)
	})
	co.SetOnConnectHandler(func(mqtt.Client) {
		slog.Info("[MQTT] connected", "broker", opts.Broker)
	})

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(opts.PublishTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s: timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", opts.Broker, err)
	}
	return NewMQTTPublisher(client, opts), nil
}

// NewMQTTPublisher wraps an already configured client.
func NewMQTTPublisher(client mqtt.Client, opts MQTTOptions) *MQTTPublisher {
	return &MQTTPublisher{
		client:    client,
		opts:      opts.withDefaults(),
		now:       time.Now,
		lastState: -1,
	}
}

// ObserveSnapshot publishes the reading when it or the session state changed.
func (p *MQTTPublisher) ObserveSnapshot(snap ble.Snapshot) {
	if snap.Reading == nil {
		p.mu.Lock()
		p.lastReading = nil
		p.lastState = snap.State
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	unchanged := p.lastReading != nil && *p.lastReading == *snap.Reading && p.lastState == snap.State
	v := *snap.Reading
	p.lastReading = &v
	p.lastState = snap.State
	p.mu.Unlock()
	if unchanged {
		return
	}

	at := snap.At
	if at.IsZero() {
		at = p.now()
	}
	p.publish(p.topic("reading"), ReadingMessage{
		Reading:  v,
		Status:   health.Classify(&v),
		State:    snap.State,
		DeviceID: snap.DeviceID,
		At:       at,
	})
}

// HealthCommitted implements monitor.Listener.
func (p *MQTTPublisher) HealthCommitted(plantID string, v float64) {
	p.publish(p.topic("plants", plantID, "health"), HealthMessage{
		PlantID: plantID,
		Health:  v,
		At:      p.now(),
	})
}

// EpisodeChanged implements monitor.Listener.
func (p *MQTTPublisher) EpisodeChanged(plantID string, ep *plant.DrynessEpisode) {
	msg := EpisodeMessage{PlantID: plantID, At: p.now()}
	if ep != nil {
		started, anchor := ep.StartedAt, ep.HealthAtStart
		msg.Open = true
		msg.StartedAt = &started
		msg.HealthAtStart = &anchor
	}
	p.publish(p.topic("plants", plantID, "episode"), msg)
}

// Close disconnects from the broker, allowing in-flight messages 250ms.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

func (p *MQTTPublisher) topic(parts ...string) string {
	return p.opts.TopicPrefix + "/" + strings.Join(parts, "/")
}

// publish is the listener path. It runs on the snapshot pump and the
// coordinator, so it never waits for the broker: messages are dropped while
// the client is offline and acknowledgements are checked in the background.
func (p *MQTTPublisher) publish(topic string, v any) {
	if !p.client.IsConnectionOpen() {
		slog.Debug("[MQTT] offline, dropping message", "topic", topic)
		return
	}
	token, err := p.send(topic, v)
	if err != nil {
		slog.Warn("[MQTT] publish failed", "topic", topic, "error", err)
		return
	}
	go func() {
		if err := p.wait(topic, token); err != nil {
			slog.Warn("[MQTT] publish failed", "topic", topic, "error", err)
		}
	}()
}

// Publish encodes v as JSON and publishes it on topic, waiting up to
// PublishTimeout for the broker to acknowledge. It fails with
// ErrNotConnected without waiting while the client is offline.
func (p *MQTTPublisher) Publish(topic string, v any) error {
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("%w: publish to %s", ErrNotConnected, topic)
	}
	token, err := p.send(topic, v)
	if err != nil {
		return err
	}
	return p.wait(topic, token)
}

func (p *MQTTPublisher) send(topic string, v any) (mqtt.Token, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mqtt: encode %s: %w", topic, err)
	}
	return p.client.Publish(topic, p.opts.QoS, p.opts.Retain, payload), nil
}

func (p *MQTTPublisher) wait(topic string, token mqtt.Token) error {
	if !token.WaitTimeout(p.opts.PublishTimeout) {
		return fmt.Errorf("mqtt: publish to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

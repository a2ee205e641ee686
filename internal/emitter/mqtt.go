// Package emitter mirrors channel events to an MQTT broker and accepts
// trigger fragments on an optional control topic.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-leida/internal/channel"
)

// Config holds the broker settings.
type Config struct {
	Broker       string
	ClientID     string
	EventsTopic  string
	ControlTopic string
	QoS          byte
	// Buffer is the number of events queued for publishing.
	Buffer int
}

// ControlHandler receives raw control payloads.
type ControlHandler func(payload []byte)

// publisher is the subset of mqtt.Client used for publishing.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter publishes channel events as JSON to <events_topic>/<channel>.
type MQTTEmitter struct {
	cfg     Config
	client  mqtt.Client
	pub     publisher
	control ControlHandler

	events    chan channel.Event
	connected atomic.Bool
	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewMQTTEmitter creates an emitter. control may be nil, in which case the
// control topic is not subscribed.
func NewMQTTEmitter(cfg Config, control ControlHandler) *MQTTEmitter {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &MQTTEmitter{
		cfg:     cfg,
		control: control,
		events:  make(chan channel.Event, cfg.Buffer),
		done:    make(chan struct{}),
	}
}

// Connect establishes the broker connection. The client reconnects on its
// own afterwards and resubscribes the control topic on every connect.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.connected.Store(true)
		slog.Info("mqtt connection established", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
		e.subscribeControl(c)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.connected.Store(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", e.cfg.Broker)
	}

	e.client = mqtt.NewClient(opts)
	e.pub = e.client

	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)
	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func (e *MQTTEmitter) subscribeControl(c mqtt.Client) {
	if e.control == nil || e.cfg.ControlTopic == "" {
		return
	}
	token := c.Subscribe(e.cfg.ControlTopic, e.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		slog.Debug("mqtt control message", "topic", msg.Topic(), "size", len(msg.Payload()))
		e.control(msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			slog.Warn("mqtt control subscribe timeout", "topic", e.cfg.ControlTopic)
			return
		}
		if err := token.Error(); err != nil {
			slog.Error("mqtt control subscribe failed", "topic", e.cfg.ControlTopic, "error", err)
			return
		}
		slog.Info("mqtt control topic subscribed", "topic", e.cfg.ControlTopic)
	}()
}

// ObserveEvent implements channel.Observer. It never blocks; events are
// dropped while the queue is full.
func (e *MQTTEmitter) ObserveEvent(ev channel.Event) {
	select {
	case <-e.done:
		return
	default:
	}
	select {
	case e.events <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Run publishes queued events until ctx is cancelled, then disconnects.
func (e *MQTTEmitter) Run(ctx context.Context) error {
	defer e.closeOnce.Do(func() { close(e.done) })
	defer e.disconnect()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			if err := e.publish(ev); err != nil {
				e.errors.Add(1)
				slog.Debug("mqtt publish failed", "channel", ev.Channel, "kind", ev.Kind, "error", err)
			}
		}
	}
}

func (e *MQTTEmitter) publish(ev channel.Event) error {
	if e.pub == nil {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := Payload(ev)
	if err != nil {
		return err
	}
	topic := EventTopic(e.cfg.EventsTopic, ev)
	token := e.pub.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	e.published.Add(1)
	return nil
}

func (e *MQTTEmitter) disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.connected.Store(false)
}

// Stats contains emitter counters.
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

func (e *MQTTEmitter) Stats() Stats {
	return Stats{
		Connected: e.connected.Load(),
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
		Errors:    e.errors.Load(),
	}
}

// EventTopic returns the topic an event is published on.
func EventTopic(base string, ev channel.Event) string {
	return strings.TrimRight(base, "/") + "/" + string(ev.Channel)
}

// Payload encodes ev as JSON.
func Payload(ev channel.Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return b, nil
}

// brokerURL adds the tcp scheme to bare host:port brokers.
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

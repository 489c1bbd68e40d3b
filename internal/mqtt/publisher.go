// Package mqtt mirrors session telemetry and connection state to a broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/obd-dash/internal/obd"
)

// Config holds the broker connection settings.
type Config struct {
	Broker   string
	Port     int
	ClientID string
	Prefix   string // topic root, default "obd"
}

// Telemetry is the JSON payload of a telemetry message.
type Telemetry struct {
	Device    string    `json:"device"`
	Timestamp time.Time `json:"timestamp"`
	obd.Reading
}

// State is the JSON payload of a retained state message.
type State struct {
	Device    string              `json:"device"`
	Timestamp time.Time           `json:"timestamp"`
	State     obd.ConnectionState `json:"connection"`
}

// Source is the session surface the publisher mirrors.
type Source interface {
	ObserveReading(ctx context.Context) <-chan obd.Reading
	ObserveConnectionState(ctx context.Context) <-chan obd.ConnectionState
}

type Publisher struct {
	client    mqtt.Client
	cfg       Config
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	// send publishes one message; replaced in tests.
	send func(topic string, retained bool, payload []byte) error

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	if cfg.Prefix == "" {
		cfg.Prefix = "obd"
	}
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "obd-dash"
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")

	p := &Publisher{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	p.send = p.publish

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		p.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		logger.Warn("mqtt connection lost", "err", err)
	})

	p.client = mqtt.NewClient(opts)
	return p
}

// Connect waits for the initial broker connection, honouring ctx and Close.
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return fmt.Errorf("publisher stopped")
	default:
	}

	if p.IsConnected() {
		return nil
	}

	token := p.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return fmt.Errorf("publisher stopped")
		default:
		}
	}
}

// Topic returns the topic for a device and kind ("telemetry" or "state").
func (p *Publisher) Topic(device, kind string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.Prefix, topicSegment(device), kind)
}

// topicSegment makes a device label safe for a single topic level.
func topicSegment(device string) string {
	if device == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '_'
		}
		return r
	}, device)
}

// PublishTelemetry sends one reading with QoS 1.
func (p *Publisher) PublishTelemetry(device string, r obd.Reading) error {
	ts := r.At
	if ts.IsZero() {
		ts = time.Now()
	}
	data, err := json.Marshal(Telemetry{Device: device, Timestamp: ts, Reading: r})
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	return p.send(p.Topic(device, "telemetry"), false, data)
}

// PublishState sends the connection state as a retained message.
func (p *Publisher) PublishState(device string, st obd.ConnectionState) error {
	data, err := json.Marshal(State{Device: device, Timestamp: time.Now(), State: st})
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return p.send(p.Topic(device, "state"), true, data)
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	if !p.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	token := p.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.logger.Debug("published", "topic", topic, "size", len(payload))
	return nil
}

// Run mirrors src until ctx ends. Readings are attributed to the device of
// the last Connected state; state changes go to that device's state topic.
func (p *Publisher) Run(ctx context.Context, src Source) {
	readings := src.ObserveReading(ctx)
	states := src.ObserveConnectionState(ctx)

	var device string
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if st.Kind == obd.StateConnected {
				device = st.Device
			}
			if device == "" {
				continue
			}
			if err := p.PublishState(device, st); err != nil {
				p.logger.Warn("publish state failed", "device", device, "err", err)
			}
		case r, ok := <-readings:
			if !ok {
				return
			}
			if r.Empty() || device == "" {
				continue
			}
			if err := p.PublishTelemetry(device, r); err != nil {
				p.logger.Warn("publish telemetry failed", "device", device, "err", err)
			}
		}
	}
}

// IsConnected reports whether the broker connection is up.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Close stops the publisher and disconnects. Safe to call more than once.
func (p *Publisher) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.client != nil {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
	p.logger.Info("mqtt disconnected")
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

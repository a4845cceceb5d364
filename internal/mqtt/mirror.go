// Package mqtt mirrors the operational event bus onto an MQTT broker
// so home-automation consumers can react to Reeve activity. Each event
// is published as JSON under reeve/<device>/events/<kind>; a retained
// availability topic with a will message tracks whether the process is
// up. Content deltas stay off the broker: they arrive token by token
// and would swamp it without telling an automation anything.
//
// The mirror uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. The bus drops events for
// slow subscribers, so a dead broker never backs up a turn.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/reeveworks/reeve-agent/internal/config"
	"github.com/reeveworks/reeve-agent/internal/events"
)

// mirrorBuffer is the bus subscription depth. Events beyond it are
// dropped, not queued.
const mirrorBuffer = 256

// Mirror forwards bus events to an MQTT broker.
type Mirror struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Mirror but does not connect. Call [Mirror.Start] to
// begin the connection and forwarding loop.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "mqtt"),
	}
}

// Start connects to the MQTT broker and forwards bus events until ctx
// is cancelled. On every (re-)connect it publishes "online" to the
// availability topic; the will message flips it to "offline" if the
// process dies without a clean Stop.
func (m *Mirror) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := m.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "reeve-" + m.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	// Wait for the initial connection before forwarding.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	m.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
// The provided context bounds how long the publish and disconnect may
// take.
func (m *Mirror) Stop(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	m.publishAvailability(ctx, m.cm, "offline")
	return m.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (m *Mirror) AwaitConnection(ctx context.Context) error {
	if m.cm == nil {
		return fmt.Errorf("mqtt mirror not started")
	}
	return m.cm.AwaitConnection(ctx)
}

func (m *Mirror) runLoop(ctx context.Context) {
	sub := m.bus.Subscribe(mirrorBuffer)
	defer m.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			m.publishEvent(ctx, ev)
		}
	}
}

func (m *Mirror) publishEvent(ctx context.Context, ev events.Event) {
	if !shouldMirror(ev.Kind) {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("mqtt marshal event", "kind", ev.Kind, "error", err)
		return
	}

	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.eventTopic(ev.Kind),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		m.logger.Debug("mqtt event publish failed", "kind", ev.Kind, "error", err)
	}
}

func (m *Mirror) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		m.logger.Info("mqtt availability published", "status", status)
	}
}

// shouldMirror reports whether a kind belongs on the broker. Deltas
// do not.
func shouldMirror(kind string) bool {
	return kind != events.KindDelta
}

func (m *Mirror) baseTopic() string {
	return "reeve/" + m.cfg.DeviceName
}

func (m *Mirror) availabilityTopic() string {
	return m.baseTopic() + "/availability"
}

func (m *Mirror) eventTopic(kind string) string {
	return m.baseTopic() + "/events/" + kind
}

package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/config"
)

var ErrNotConnected = errors.New("mqtt not connected")

// Move is the payload published for every Actuate command. The drive
// controller on the other side owns the motor math.
type Move struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	TS int64   `json:"ts"`
}

// MQTT publishes movement commands to a broker.
type MQTT struct {
	cfg    config.MQTTConfig
	client mqtt.Client

	connected atomic.Bool
	published atomic.Uint64
	failures  atomic.Uint64
}

func NewMQTT(cfg config.MQTTConfig) *MQTT {
	return &MQTT{cfg: cfg}
}

func (m *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", m.cfg.Broker))
	opts.SetClientID(m.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		m.connected.Store(true)
		log.Info().Str("module", "actuator.mqtt").Str("broker", m.cfg.Broker).Msg("mqtt connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.connected.Store(false)
		log.Warn().Err(err).Str("module", "actuator.mqtt").Str("broker", m.cfg.Broker).Msg("mqtt connection lost, reconnecting")
	}

	m.client = mqtt.NewClient(opts)
	log.Info().Str("module", "actuator.mqtt").Str("broker", m.cfg.Broker).Msg("connecting to mqtt broker")

	// With connect retry on, the token only completes once connected, so a
	// caller giving up must stop the retry loop.
	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		m.client.Disconnect(0)
		return ctx.Err()
	case <-time.After(5 * time.Second):
		m.client.Disconnect(0)
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		m.client.Disconnect(0)
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	m.connected.Store(true)
	return nil
}

func (m *MQTT) Actuate(ctx context.Context, x, y float64) error {
	if m.client == nil || !m.connected.Load() {
		m.failures.Add(1)
		return ErrNotConnected
	}
	payload, err := encodeMove(x, y, time.Now())
	if err != nil {
		m.failures.Add(1)
		return err
	}

	token := m.client.Publish(m.cfg.Topic, m.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		m.failures.Add(1)
		return ctx.Err()
	case <-time.After(2 * time.Second):
		m.failures.Add(1)
		return fmt.Errorf("mqtt publish timeout")
	}
	if err := token.Error(); err != nil {
		m.failures.Add(1)
		return fmt.Errorf("mqtt publish: %w", err)
	}
	m.published.Add(1)
	return nil
}

func (m *MQTT) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	m.connected.Store(false)
	log.Info().Str("module", "actuator.mqtt").Uint64("published", m.published.Load()).
		Uint64("failures", m.failures.Load()).Msg("mqtt closed")
	return nil
}

// encodeMove clamps both axes to [-1, 1].
func encodeMove(x, y float64, now time.Time) ([]byte, error) {
	if math.IsNaN(x) || math.IsNaN(y) {
		return nil, fmt.Errorf("invalid move %v,%v", x, y)
	}
	return json.Marshal(Move{
		X:  math.Max(-1, math.Min(1, x)),
		Y:  math.Max(-1, math.Min(1, y)),
		TS: now.UnixMilli(),
	})
}

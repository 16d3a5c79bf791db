package actuator

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Rover/internal/config"
)

func TestEncodeMove(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	tests := []struct {
		name string
		x, y float64
		want Move
	}{
		{name: "in range", x: 0.5, y: -0.25, want: Move{X: 0.5, Y: -0.25, TS: now.UnixMilli()}},
		{name: "clamped", x: 3, y: -7, want: Move{X: 1, Y: -1, TS: now.UnixMilli()}},
		{name: "stop", want: Move{TS: now.UnixMilli()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := encodeMove(tt.x, tt.y, now)
			require.NoError(t, err)
			var got Move
			require.NoError(t, json.Unmarshal(b, &got))
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := encodeMove(math.NaN(), 0, now)
	assert.Error(t, err)
}

func TestMQTTActuateRequiresConnection(t *testing.T) {
	m := NewMQTT(config.MQTTConfig{Broker: "localhost:1", Topic: "rover/drive"})
	err := m.Actuate(context.Background(), 0.1, 0.1)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.EqualValues(t, 1, m.failures.Load())
	assert.NoError(t, m.Close())
}

func TestNew(t *testing.T) {
	a, err := New(context.Background(), config.ActuatorConfig{Kind: "log"})
	require.NoError(t, err)
	assert.IsType(t, Logger{}, a)
	assert.NoError(t, a.Actuate(context.Background(), 1, 0))
	assert.NoError(t, a.Close())

	_, err = New(context.Background(), config.ActuatorConfig{Kind: "can-bus"})
	assert.Error(t, err)
}

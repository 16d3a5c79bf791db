package actuator

import (
	"context"
	"fmt"

	"github.com/dkeye/Rover/internal/config"
	"github.com/dkeye/Rover/internal/core"
)

// New builds the configured actuator. An MQTT actuator is connected before
// it is returned.
func New(ctx context.Context, cfg config.ActuatorConfig) (core.Actuator, error) {
	switch cfg.Kind {
	case "log", "":
		return Logger{}, nil
	case "mqtt":
		m := NewMQTT(cfg.MQTT)
		if err := m.Connect(ctx); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown actuator %q", cfg.Kind)
}

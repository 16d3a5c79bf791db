// Package actuator delivers movement commands to the drive subsystem.
package actuator

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Logger only records movement; used when no drive is attached.
type Logger struct{}

func (Logger) Actuate(_ context.Context, x, y float64) error {
	log.Info().Str("module", "actuator").Float64("x", x).Float64("y", y).Msg("move")
	return nil
}

func (Logger) Close() error { return nil }

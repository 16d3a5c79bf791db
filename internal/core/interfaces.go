package core

import (
	"context"
	"time"

	"github.com/dkeye/Rover/internal/domain"
)

// Camera abstracts a physical capture device.
// Only the capture worker touches it, so implementations need not be
// safe for concurrent use.
type Camera interface {
	Open(index int) error
	Frame() (domain.RawImage, error)
	Close() error
}

// Sink is a viewer's output: the transport that carries samples to a peer.
// Owned by the adapter that created it.
type Sink interface {
	WriteSample(sample domain.Sample, duration time.Duration) error
}

// Encoder is a stateful per-session compressor. It is never shared between
// sessions and never reused after Close.
type Encoder interface {
	Encode(frame *domain.Frame) (domain.Sample, error)
	// ForceKeyframe makes the next encoded sample self-contained.
	ForceKeyframe()
	Close() error
}

// EncoderFactory builds an Encoder sized to the first frame a session sees.
type EncoderFactory interface {
	NewEncoder(width, height int) (Encoder, error)
}

// Actuator consumes movement commands relayed from viewers.
type Actuator interface {
	Actuate(ctx context.Context, x, y float64) error
	Close() error
}

// Peer is the handle a signaling adapter registers for a viewer's connection.
type Peer interface {
	ID() domain.ViewerID
	Close() error
}

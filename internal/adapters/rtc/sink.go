package rtc

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/dkeye/Rover/internal/domain"
)

var ErrPeerGone = errors.New("peer gone")

type sampleWriter interface {
	WriteSample(media.Sample) error
}

// TrackSink writes H.264 access units to a viewer's video track.
//
// Samples only go out when the camera produced a new frame, which is not
// every tick, so the RTP clock advances by the wall time between writes
// once the first sample is out.
type TrackSink struct {
	track sampleWriter
	id    domain.ViewerID
	gone  <-chan struct{}

	last time.Time
	sent atomic.Uint64
	now  func() time.Time
}

func NewTrackSink(track sampleWriter, id domain.ViewerID, gone <-chan struct{}) *TrackSink {
	return &TrackSink{track: track, id: id, gone: gone, now: time.Now}
}

func (s *TrackSink) WriteSample(sample domain.Sample, duration time.Duration) error {
	select {
	case <-s.gone:
		return fmt.Errorf("%w: %s", ErrPeerGone, s.id)
	default:
	}

	now := s.now()
	if !s.last.IsZero() {
		if elapsed := now.Sub(s.last); elapsed > duration {
			duration = elapsed
		}
	}
	s.last = now

	if err := s.track.WriteSample(media.Sample{Data: sample.Data, Duration: duration}); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	s.sent.Add(1)
	return nil
}

func (s *TrackSink) Sent() uint64 { return s.sent.Load() }

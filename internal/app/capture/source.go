// Package capture owns the camera and the shared latest-frame slot.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/core"
	"github.com/dkeye/Rover/internal/domain"
)

const (
	DefaultInterval      = 10 * time.Millisecond
	DefaultMaxReadErrors = 30
	DefaultMaxReopens    = 3
)

// Config tunes the capture worker. MaxReadErrors is the number of failed
// reads in a row after which the device is released and reopened;
// MaxReopens bounds the reopens without a good frame before the source
// reports the camera unavailable.
type Config struct {
	Index         int
	Interval      time.Duration
	MaxReadErrors int
	MaxReopens    int
}

type Stats struct {
	Powered    bool   `json:"powered"`
	Open       bool   `json:"open"`
	Fault      string `json:"fault,omitempty"`
	Seq        uint64 `json:"seq"`
	Captured   uint64 `json:"captured"`
	ReadErrors uint64 `json:"read_errors"`
	Opens      uint64 `json:"opens"`
	Reopens    uint64 `json:"reopens"`
}

// Source runs the capture worker and keeps the current-frame slot fresh.
//
// Only the worker goroutine (Run) touches the device: power changes are
// signals it picks up between reads, so a close never races a read.
type Source struct {
	dev core.Camera
	cfg Config

	slot atomic.Pointer[domain.Frame]
	seq  atomic.Uint64

	powered atomic.Bool
	isOpen  atomic.Bool
	wake    chan struct{}

	mu    sync.Mutex
	fault error

	// worker-only
	failStreak int
	reopenRun  int

	captured   atomic.Uint64
	readErrors atomic.Uint64
	opens      atomic.Uint64
	reopens    atomic.Uint64
}

func New(dev core.Camera, cfg Config) *Source {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxReadErrors <= 0 {
		cfg.MaxReadErrors = DefaultMaxReadErrors
	}
	if cfg.MaxReopens <= 0 {
		cfg.MaxReopens = DefaultMaxReopens
	}
	return &Source{
		dev:  dev,
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
}

// PowerOn asks the worker to open the device and start pulling frames.
func (s *Source) PowerOn() {
	if s.powered.Load() {
		return
	}
	s.mu.Lock()
	s.fault = nil
	s.mu.Unlock()
	if s.powered.Swap(true) {
		return
	}
	log.Info().Str("module", "capture").Msg("power on")
	s.signal()
}

// PowerOff asks the worker to stop pulling and release the device.
// It also clears a previous open failure so the next PowerOn retries.
func (s *Source) PowerOff() {
	s.mu.Lock()
	s.fault = nil
	s.mu.Unlock()
	if !s.powered.Swap(false) {
		return
	}
	log.Info().Str("module", "capture").Msg("power off")
	s.signal()
}

func (s *Source) Powered() bool { return s.powered.Load() }

// Faulted returns the open failure that blocks new sessions, if any.
// An unpowered source is never faulted: the next PowerOn retries the open.
func (s *Source) Faulted() error {
	if !s.powered.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// Current returns the latest published frame, or nil before the first one.
func (s *Source) Current() *domain.Frame {
	return s.slot.Load()
}

// Publish stamps img with the next sequence number and overwrites the slot.
func (s *Source) Publish(img domain.RawImage) *domain.Frame {
	f := &domain.Frame{
		Width:      img.Width,
		Height:     img.Height,
		Pix:        img.Pix,
		Seq:        s.seq.Add(1),
		CapturedAt: time.Now(),
	}
	s.slot.Store(f)
	s.captured.Add(1)
	return f
}

func (s *Source) Stats() Stats {
	st := Stats{
		Powered:    s.powered.Load(),
		Open:       s.isOpen.Load(),
		Seq:        s.seq.Load(),
		Captured:   s.captured.Load(),
		ReadErrors: s.readErrors.Load(),
		Opens:      s.opens.Load(),
		Reopens:    s.reopens.Load(),
	}
	if err := s.Faulted(); err != nil {
		st.Fault = err.Error()
	}
	return st
}

func (s *Source) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the capture worker. It returns when ctx is done, releasing the
// device if it still holds it.
func (s *Source) Run(ctx context.Context) {
	logger := log.With().Str("module", "capture").Int("index", s.cfg.Index).Logger()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	defer s.release()

	logger.Info().Dur("interval", s.cfg.Interval).Msg("capture worker started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("capture worker stopped")
			return
		case <-ticker.C:
		case <-s.wake:
		}

		want := s.powered.Load()
		if !want {
			s.failStreak, s.reopenRun = 0, 0
		}
		switch {
		case want && !s.isOpen.Load():
			if s.Faulted() != nil {
				continue
			}
			if err := s.open(); err != nil {
				logger.Error().Err(err).Msg("open failed")
				continue
			}
			logger.Info().Msg("device opened")
		case !want && s.isOpen.Load():
			s.release()
			logger.Info().Msg("device released")
			continue
		}

		if s.isOpen.Load() {
			s.capture(&logger)
		}
	}
}

func (s *Source) open() error {
	if err := s.dev.Open(s.cfg.Index); err != nil {
		err = fmt.Errorf("%w: open device %d: %v", core.ErrCameraUnavailable, s.cfg.Index, err)
		s.setFault(err)
		return err
	}
	s.opens.Add(1)
	s.isOpen.Store(true)
	return nil
}

func (s *Source) release() {
	if !s.isOpen.Swap(false) {
		return
	}
	if err := s.dev.Close(); err != nil {
		log.Warn().Err(err).Str("module", "capture").Msg("device close error")
	}
}

func (s *Source) setFault(err error) {
	s.mu.Lock()
	s.fault = err
	s.mu.Unlock()
}

// capture pulls one frame. A failed read keeps the previous frame; a device
// that stopped delivering (EOF, or MaxReadErrors failures in a row) is
// released so the next tick reopens it.
func (s *Source) capture(logger *zerolog.Logger) {
	img, err := s.dev.Frame()
	if err == nil && (img.Width <= 0 || img.Height <= 0 || len(img.Pix) != img.Width*img.Height*3) {
		err = fmt.Errorf("malformed frame %dx%d with %d bytes", img.Width, img.Height, len(img.Pix))
	}
	if err != nil {
		n := s.readErrors.Add(1)
		s.failStreak++
		ev := logger.Debug()
		if s.failStreak == 1 {
			ev = logger.Warn()
		}
		ev.Err(err).Uint64("read_errors", n).Int("streak", s.failStreak).Msg("frame read failed, keeping previous frame")

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || s.failStreak >= s.cfg.MaxReadErrors {
			s.recover(logger, err)
		}
		return
	}
	s.failStreak, s.reopenRun = 0, 0
	s.Publish(img)
}

func (s *Source) recover(logger *zerolog.Logger, cause error) {
	s.release()
	s.failStreak = 0
	s.reopenRun++
	if s.reopenRun > s.cfg.MaxReopens {
		s.setFault(fmt.Errorf("%w: device %d stopped delivering frames: %v", core.ErrCameraUnavailable, s.cfg.Index, cause))
		logger.Error().Err(cause).Int("reopens", s.reopenRun-1).Msg("device gave up, camera unavailable until power cycle")
		return
	}
	s.reopens.Add(1)
	logger.Warn().Err(cause).Int("attempt", s.reopenRun).Msg("device stopped delivering, reopening")
}

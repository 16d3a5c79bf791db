// Package codec turns a session's frames into H.264 access units. Each
// encoder pipes raw RGB24 into its own ffmpeg libx264 process and reads
// Annex-B back, so a browser can play the result in a plain <video>.
package codec

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/core"
	"github.com/dkeye/Rover/internal/domain"
)

const (
	maxDimension = 4096

	// keyframeCooldown spaces out encoder restarts caused by keyframe
	// requests.
	keyframeCooldown = time.Second
	// unitWait bounds how long Encode waits for ffmpeg to finish the
	// previous access unit, and how long a frame write may block.
	unitWait = 500 * time.Millisecond
)

type Config struct {
	FFmpegPath string
	// Preset is the x264 speed preset.
	Preset string
	// Bitrate is passed to -b:v when set, e.g. "800k".
	Bitrate string
	// SkipFrames drops the next frame after an encode that overran the
	// per-frame budget of 1/MaxFrameRate.
	SkipFrames   bool
	MaxFrameRate float64
	// KeyframeInterval is the GOP length in frames; zero keeps x264's
	// default.
	KeyframeInterval int
	// MaxStalled aborts the session after this many frames in a row came
	// back without output; zero waits forever.
	MaxStalled int
}

func DefaultConfig() Config {
	return Config{
		FFmpegPath:       "ffmpeg",
		Preset:           "ultrafast",
		SkipFrames:       true,
		MaxFrameRate:     30,
		KeyframeInterval: 60,
		MaxStalled:       90,
	}
}

type Factory struct {
	cfg   Config
	spawn spawnFunc
}

func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg, spawn: ffmpegSpawner(cfg)}
}

func (f *Factory) NewEncoder(width, height int) (core.Encoder, error) {
	return newEncoder(width, height, f.cfg, f.spawn)
}

// Encoder owns one ffmpeg process. Output trails input by one frame: an
// access unit is complete only once the next one's delimiter arrives, so
// the first Encode after a (re)start reports ErrFrameSkipped.
//
// Not safe for concurrent Encode calls; ForceKeyframe may be called from
// anywhere.
type Encoder struct {
	cfg    Config
	w, h   int
	budget time.Duration
	wait   time.Duration
	spawn  spawnFunc
	policy Policy

	proc      *process
	spawnedAt time.Time
	fromProc  int
	pending   []uint64

	index    uint32
	stalled  uint64
	forceKey atomic.Bool
	skipNext bool
	closed   bool

	now func() time.Time
}

func NewEncoder(width, height int, cfg Config) (*Encoder, error) {
	return newEncoder(width, height, cfg, ffmpegSpawner(cfg))
}

func newEncoder(width, height int, cfg Config, spawn spawnFunc) (*Encoder, error) {
	// yuv420p needs even dimensions
	if width <= 0 || height <= 0 || width > maxDimension || height > maxDimension || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", core.ErrEncoderInit, width, height)
	}
	e := &Encoder{
		cfg:    cfg,
		w:      width,
		h:      height,
		wait:   unitWait,
		spawn:  spawn,
		policy: PolicyFor(cfg.MaxStalled),
		now:    time.Now,
	}
	if cfg.MaxFrameRate > 0 {
		e.budget = time.Duration(float64(time.Second) / cfg.MaxFrameRate)
	}
	if err := e.restart(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEncoderInit, err)
	}
	log.Debug().Str("module", "codec").Int("width", width).Int("height", height).Msg("encoder created")
	return e, nil
}

func (e *Encoder) ForceKeyframe() { e.forceKey.Store(true) }

// restart replaces the ffmpeg process. A fresh x264 instance opens with an
// IDR picture, which is how keyframes are forced.
func (e *Encoder) restart() error {
	if e.proc != nil {
		if err := e.proc.close(); err != nil {
			log.Debug().Err(err).Str("module", "codec").Msg("encoder process close")
		}
		e.proc = nil
	}
	p, err := e.spawn(e.w, e.h)
	if err != nil {
		return err
	}
	e.proc = p
	e.spawnedAt = e.now()
	e.fromProc = 0
	e.pending = e.pending[:0]
	return nil
}

func (e *Encoder) Encode(frame *domain.Frame) (domain.Sample, error) {
	if e.closed {
		return domain.Sample{}, fmt.Errorf("%w: encoder closed", core.ErrEncode)
	}
	if e.proc == nil {
		return domain.Sample{}, fmt.Errorf("%w: no encoder process", core.ErrEncode)
	}
	if frame == nil || frame.Width != e.w || frame.Height != e.h || len(frame.Pix) != e.w*e.h*3 {
		return domain.Sample{}, fmt.Errorf("%w: frame does not match %dx%d", core.ErrEncode, e.w, e.h)
	}
	if e.skipNext {
		e.skipNext = false
		return domain.Sample{}, core.ErrFrameSkipped
	}

	if e.forceKey.Load() {
		switch {
		case e.fromProc == 0:
			// the process has not emitted anything yet; its first unit is an IDR
			e.forceKey.Store(false)
		case e.now().Sub(e.spawnedAt) >= keyframeCooldown:
			e.forceKey.Store(false)
			if err := e.restart(); err != nil {
				return domain.Sample{}, fmt.Errorf("%w: restart for keyframe: %v", core.ErrEncode, err)
			}
			log.Debug().Str("module", "codec").Msg("encoder restarted for keyframe")
		}
	}

	start := e.now()
	if err := e.proc.write(frame.Pix, e.wait); err != nil {
		return domain.Sample{}, fmt.Errorf("%w: %v", core.ErrEncode, err)
	}
	e.pending = append(e.pending, frame.Seq)

	var wait time.Duration
	if len(e.pending) > 1 {
		wait = e.wait
	}
	au, err := e.proc.next(wait)
	if err != nil {
		return domain.Sample{}, fmt.Errorf("%w: %v", core.ErrEncode, err)
	}
	if au == nil {
		e.stalled++
		if e.policy.OnBackPressure(e.stalled) == Evict {
			return domain.Sample{}, fmt.Errorf("%w: no output for %d frames", core.ErrEncode, e.stalled)
		}
		return domain.Sample{}, core.ErrFrameSkipped
	}
	e.stalled = 0

	sample := domain.Sample{
		Data:     au.data,
		Keyframe: au.key,
		Index:    e.index,
		Seq:      e.pending[0],
	}
	e.pending = e.pending[1:]
	e.index++
	e.fromProc++

	if e.cfg.SkipFrames && e.budget > 0 && e.now().Sub(start) > e.budget {
		e.skipNext = true
	}
	return sample, nil
}

func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.proc == nil {
		return nil
	}
	err := e.proc.close()
	e.proc = nil
	return err
}

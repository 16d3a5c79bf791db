package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/rs/zerolog/log"
)

var annexBStart = []byte{0, 0, 0, 1}

type accessUnit struct {
	data []byte
	key  bool
}

type spawnFunc func(width, height int) (*process, error)

// process is one running encoder: frames go into stdin, a reader goroutine
// groups the NAL units coming back into access units.
type process struct {
	stdin  io.WriteCloser
	stderr fmt.Stringer
	stop   func() error

	units chan accessUnit
	quit  chan struct{}
	done  chan struct{}
	err   error // valid once done is closed

	closeOnce sync.Once
	closeErr  error
}

func newProcess(stdin io.WriteCloser, stdout io.Reader, stderr fmt.Stringer, stop func() error) *process {
	p := &process{
		stdin:  stdin,
		stderr: stderr,
		stop:   stop,
		units:  make(chan accessUnit, 4),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.read(stdout)
	return p
}

// read splits the Annex-B stream on access unit delimiters. Delimiters are
// dropped; every other NAL is kept with a four byte start code.
func (p *process) read(r io.Reader) {
	defer close(p.done)

	nals, err := h264reader.NewReader(r)
	if err != nil {
		p.err = err
		return
	}
	var au accessUnit
	emit := func() bool {
		if len(au.data) == 0 {
			return true
		}
		select {
		case p.units <- au:
		case <-p.quit:
			return false
		}
		au = accessUnit{}
		return true
	}

	for {
		nal, err := nals.NextNAL()
		if err != nil {
			if errors.Is(err, io.EOF) {
				emit()
				err = io.ErrUnexpectedEOF
			}
			p.err = err
			return
		}
		if nal.UnitType == h264reader.NalUnitTypeAUD {
			if !emit() {
				p.err = io.ErrClosedPipe
				return
			}
			continue
		}
		au.data = append(au.data, annexBStart...)
		au.data = append(au.data, nal.Data...)
		if nal.UnitType == h264reader.NalUnitTypeCodedSliceIdr {
			au.key = true
		}
	}
}

func (p *process) exitErr() error {
	msg := ""
	if p.stderr != nil {
		msg = p.stderr.String()
	}
	return fmt.Errorf("encoder exited: %w (stderr: %s)", p.err, msg)
}

// write hands one raw frame to the encoder. Pipes that support deadlines
// give up after limit.
func (p *process) write(pix []byte, limit time.Duration) error {
	select {
	case <-p.done:
		return p.exitErr()
	default:
	}
	if d, ok := p.stdin.(interface{ SetWriteDeadline(time.Time) error }); ok && limit > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(limit))
	}
	if _, err := p.stdin.Write(pix); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// next returns the oldest finished access unit, waiting up to wait for
// one. It returns nil, nil when nothing arrived in time.
func (p *process) next(wait time.Duration) (*accessUnit, error) {
	select {
	case au := <-p.units:
		return &au, nil
	default:
	}

	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	} else {
		select {
		case <-p.done:
		default:
			return nil, nil
		}
	}

	select {
	case au := <-p.units:
		return &au, nil
	case <-p.done:
		select {
		case au := <-p.units:
			return &au, nil
		default:
		}
		return nil, p.exitErr()
	case <-timeout:
		return nil, nil
	}
}

func (p *process) close() error {
	p.closeOnce.Do(func() {
		close(p.quit)
		_ = p.stdin.Close()
		if p.stop != nil {
			p.closeErr = p.stop()
		}
		<-p.done
	})
	return p.closeErr
}

func ffmpegArgs(cfg Config, width, height int) []string {
	fps := 30
	if cfg.MaxFrameRate > 0 {
		fps = max(int(math.Round(cfg.MaxFrameRate)), 1)
	}
	preset := cfg.Preset
	if preset == "" {
		preset = "ultrafast"
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", strconv.Itoa(fps),
		"-i", "-",
		"-an",
		"-c:v", "libx264",
		"-preset", preset,
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-pix_fmt", "yuv420p",
		"-bf", "0",
		"-x264-params", "aud=1:repeat-headers=1",
	}
	if cfg.KeyframeInterval > 0 {
		args = append(args, "-g", strconv.Itoa(cfg.KeyframeInterval))
	}
	if cfg.Bitrate != "" {
		args = append(args, "-b:v", cfg.Bitrate)
	}
	return append(args, "-flush_packets", "1", "-f", "h264", "-")
}

func ffmpegSpawner(cfg Config) spawnFunc {
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	return func(width, height int) (*process, error) {
		bin, err := exec.LookPath(path)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found: %w", err)
		}
		cmd := exec.Command(bin, ffmpegArgs(cfg, width, height)...)

		// os.Pipe rather than StdinPipe: the write end supports deadlines.
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		cmd.Stdin = pr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			_ = pr.Close()
			_ = pw.Close()
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderr := &tailBuffer{max: 4096}
		cmd.Stderr = stderr
		if err := cmd.Start(); err != nil {
			_ = pr.Close()
			_ = pw.Close()
			return nil, fmt.Errorf("start ffmpeg: %w", err)
		}
		_ = pr.Close()
		log.Debug().Str("module", "codec").Int("pid", cmd.Process.Pid).Msg("ffmpeg encoder started")

		stop := func() error {
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return fmt.Errorf("kill ffmpeg: %w", err)
			}
			_ = cmd.Wait()
			return nil
		}
		return newProcess(pw, stdout, stderr, stop), nil
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

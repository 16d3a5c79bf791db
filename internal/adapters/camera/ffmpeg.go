package camera

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/domain"
)

var ErrNotOpen = errors.New("device not open")

// FFmpeg reads raw RGB24 frames from a V4L2 device through an ffmpeg pipe.
type FFmpeg struct {
	Path   string
	Width  int
	Height int
	FPS    int

	cmd    *exec.Cmd
	stdout *bufio.Reader
	stderr *tailBuffer
}

func NewFFmpeg(path string, width, height, fps int) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path, Width: width, Height: height, FPS: fps}
}

func DevicePath(index int) string {
	return "/dev/video" + strconv.Itoa(index)
}

func (f *FFmpeg) Open(index int) error {
	if f.cmd != nil {
		return nil
	}
	dev := DevicePath(index)
	if _, err := os.Stat(dev); err != nil {
		return fmt.Errorf("stat %s: %w", dev, err)
	}
	bin, err := exec.LookPath(f.Path)
	if err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}

	cmd := exec.Command(bin,
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", f.Width, f.Height),
		"-framerate", strconv.Itoa(f.FPS),
		"-i", dev,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	f.cmd = cmd
	f.stdout = bufio.NewReaderSize(stdout, f.Width*f.Height*3)
	f.stderr = stderr
	log.Info().Str("module", "camera").Str("device", dev).Int("pid", cmd.Process.Pid).Msg("ffmpeg capture started")
	return nil
}

// Frame blocks until the next full frame is read from the pipe.
func (f *FFmpeg) Frame() (domain.RawImage, error) {
	if f.cmd == nil {
		return domain.RawImage{}, ErrNotOpen
	}
	// A fresh buffer per frame: published frames are shared and immutable.
	pix := make([]byte, f.Width*f.Height*3)
	if _, err := io.ReadFull(f.stdout, pix); err != nil {
		return domain.RawImage{}, fmt.Errorf("read frame: %w (stderr: %s)", err, f.stderr.String())
	}
	return domain.RawImage{Width: f.Width, Height: f.Height, Pix: pix}, nil
}

func (f *FFmpeg) Close() error {
	if f.cmd == nil {
		return nil
	}
	cmd := f.cmd
	f.cmd, f.stdout = nil, nil
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill ffmpeg: %w", err)
	}
	_ = cmd.Wait()
	log.Info().Str("module", "camera").Msg("ffmpeg capture stopped")
	return nil
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

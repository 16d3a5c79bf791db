// Package camera provides capture devices for the frame source.
package camera

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Rover/internal/config"
	"github.com/dkeye/Rover/internal/core"
)

const (
	KindAuto    = "auto"
	KindFFmpeg  = "ffmpeg"
	KindPattern = "pattern"
)

// New picks a device from config. "auto" prefers the V4L2 device at the
// configured index and falls back to the test pattern when it is missing.
func New(cfg config.CameraConfig) (core.Camera, error) {
	switch cfg.Device {
	case KindFFmpeg:
		return NewFFmpeg(cfg.FFmpegPath, cfg.Width, cfg.Height, cfg.FPS), nil
	case KindPattern:
		return NewPattern(cfg.Width, cfg.Height, cfg.FPS), nil
	case KindAuto, "":
		if Available(cfg.Index, cfg.FFmpegPath) {
			log.Info().Str("module", "camera").Str("device", DevicePath(cfg.Index)).Msg("using v4l2 device")
			return NewFFmpeg(cfg.FFmpegPath, cfg.Width, cfg.Height, cfg.FPS), nil
		}
		log.Warn().Str("module", "camera").Str("device", DevicePath(cfg.Index)).Msg("no camera found, using test pattern")
		return NewPattern(cfg.Width, cfg.Height, cfg.FPS), nil
	}
	return nil, fmt.Errorf("unknown camera device %q", cfg.Device)
}

// Available reports whether the device node and ffmpeg are both present.
func Available(index int, ffmpegPath string) bool {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if _, err := os.Stat(DevicePath(index)); err != nil {
		return false
	}
	_, err := exec.LookPath(ffmpegPath)
	return err == nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	LogLevel   string `mapstructure:"log_level"`

	Camera   CameraConfig   `mapstructure:"camera"`
	Session  SessionConfig  `mapstructure:"session"`
	Encoder  EncoderConfig  `mapstructure:"encoder"`
	WebRTC   WebRTCConfig   `mapstructure:"webrtc"`
	Control  ControlConfig  `mapstructure:"control"`
	Actuator ActuatorConfig `mapstructure:"actuator"`
}

type CameraConfig struct {
	// Device is auto, ffmpeg or pattern.
	Device     string        `mapstructure:"device"`
	Index      int           `mapstructure:"index"`
	Width      int           `mapstructure:"width"`
	Height     int           `mapstructure:"height"`
	FPS        int           `mapstructure:"fps"`
	Interval   time.Duration `mapstructure:"interval"`
	FFmpegPath string        `mapstructure:"ffmpeg_path"`
	// MaxReadErrors failed reads in a row make the worker reopen the
	// device; after MaxReopens fruitless reopens it is reported unavailable.
	MaxReadErrors int `mapstructure:"max_read_errors"`
	MaxReopens    int `mapstructure:"max_reopens"`
}

type SessionConfig struct {
	Tick              time.Duration `mapstructure:"tick"`
	FirstFrameTimeout time.Duration `mapstructure:"first_frame_timeout"`
}

type EncoderConfig struct {
	FFmpegPath       string  `mapstructure:"ffmpeg_path"`
	Preset           string  `mapstructure:"preset"`
	Bitrate          string  `mapstructure:"bitrate"`
	SkipFrames       bool    `mapstructure:"skip_frames"`
	MaxFrameRate     float64 `mapstructure:"max_frame_rate"`
	KeyframeInterval int     `mapstructure:"keyframe_interval"`
	// MaxStalled ends a session whose encoder returned nothing for this
	// many frames in a row; zero never does.
	MaxStalled int `mapstructure:"max_stalled"`
}

type WebRTCConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
}

type ControlConfig struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	// RateLimit is the number of control messages a viewer may send per
	// RateWindow.
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
}

type ActuatorConfig struct {
	// Kind is log or mqtt.
	Kind string     `mapstructure:"kind"`
	MQTT MQTTConfig `mapstructure:"mqtt"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "rover-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("camera.device", "auto")
	v.SetDefault("camera.index", 0)
	v.SetDefault("camera.width", 320)
	v.SetDefault("camera.height", 240)
	v.SetDefault("camera.fps", 30)
	v.SetDefault("camera.interval", "10ms")
	v.SetDefault("camera.ffmpeg_path", "ffmpeg")
	v.SetDefault("camera.max_read_errors", 30)
	v.SetDefault("camera.max_reopens", 3)

	v.SetDefault("session.tick", "20ms")
	v.SetDefault("session.first_frame_timeout", "5s")

	v.SetDefault("encoder.ffmpeg_path", "ffmpeg")
	v.SetDefault("encoder.preset", "ultrafast")
	v.SetDefault("encoder.bitrate", "")
	v.SetDefault("encoder.skip_frames", true)
	v.SetDefault("encoder.max_frame_rate", 30.0)
	v.SetDefault("encoder.keyframe_interval", 60)
	v.SetDefault("encoder.max_stalled", 90)

	v.SetDefault("webrtc.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("control.read_limit", 4096)
	v.SetDefault("control.ping_period", "54s")
	v.SetDefault("control.rate_limit", 50)
	v.SetDefault("control.rate_window", "1s")

	v.SetDefault("actuator.kind", "log")
	v.SetDefault("actuator.mqtt.broker", "localhost:1883")
	v.SetDefault("actuator.mqtt.client_id", "rover")
	v.SetDefault("actuator.mqtt.topic", "rover/drive")
	v.SetDefault("actuator.mqtt.qos", 0)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) on top of the
// defaults. ROVER_* environment variables override both, e.g.
// ROVER_CAMERA_DEVICE=pattern.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.SetEnvPrefix("ROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("camera", cfg.Camera.Device).Str("actuator", cfg.Actuator.Kind).Msg("config ready")
	return &cfg, nil
}

var ErrInvalid = errors.New("invalid config")

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Port > 0 && c.Port < 65536, "port %d out of range", c.Port)
	check(oneOf(c.Mode, "debug", "release", "test"), "unknown mode %q", c.Mode)
	_, err := zerolog.ParseLevel(c.LogLevel)
	check(err == nil, "unknown log level %q", c.LogLevel)

	check(oneOf(c.Camera.Device, "auto", "ffmpeg", "pattern"), "unknown camera device %q", c.Camera.Device)
	check(c.Camera.Width > 0 && c.Camera.Height > 0, "camera size %dx%d", c.Camera.Width, c.Camera.Height)
	check(c.Camera.Interval > 0, "camera interval must be positive")
	check(c.Camera.MaxReadErrors > 0, "camera max read errors must be positive")
	check(c.Camera.MaxReopens > 0, "camera max reopens must be positive")
	check(c.Session.Tick > 0, "session tick must be positive")
	check(c.Session.FirstFrameTimeout >= 0, "first frame timeout must not be negative")
	check(c.Encoder.MaxFrameRate > 0, "encoder max frame rate must be positive")
	check(c.Encoder.KeyframeInterval >= 0, "keyframe interval must not be negative")
	check(oneOf(c.Encoder.Preset, "ultrafast", "superfast", "veryfast", "faster", "fast", "medium"),
		"unknown encoder preset %q", c.Encoder.Preset)
	check(c.Encoder.MaxStalled >= 0, "encoder max stalled must not be negative")
	check(c.Control.RateLimit > 0 && c.Control.RateWindow > 0, "control rate limit must be positive")

	check(oneOf(c.Actuator.Kind, "log", "mqtt"), "unknown actuator %q", c.Actuator.Kind)
	if c.Actuator.Kind == "mqtt" {
		check(c.Actuator.MQTT.Broker != "", "mqtt broker required")
		check(c.Actuator.MQTT.Topic != "", "mqtt topic required")
		check(c.Actuator.MQTT.QoS <= 2, "mqtt qos %d out of range", c.Actuator.MQTT.QoS)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func oneOf(s string, options ...string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}

package camera

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Rover/internal/config"
)

func TestPatternFrames(t *testing.T) {
	p := NewPattern(16, 4, 0)

	_, err := p.Frame()
	require.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, p.Open(0))
	a, err := p.Frame()
	require.NoError(t, err)
	assert.Equal(t, 16, a.Width)
	assert.Equal(t, 4, a.Height)
	assert.Len(t, a.Pix, 16*4*3)

	b, err := p.Frame()
	require.NoError(t, err)
	assert.NotEqual(t, a.Pix, b.Pix, "bars move between frames")

	require.NoError(t, p.Close())
	_, err = p.Frame()
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestPatternPacing(t *testing.T) {
	p := NewPattern(2, 2, 25)
	var slept []time.Duration
	p.sleep = func(d time.Duration) { slept = append(slept, d) }

	require.NoError(t, p.Open(0))
	for rep := 0; rep < 3; rep++ {
		_, err := p.Frame()
		require.NoError(t, err)
	}
	require.Len(t, slept, 2)
	for _, d := range slept {
		assert.LessOrEqual(t, d, 40*time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
	}
}

func TestFFmpegOpenMissingDevice(t *testing.T) {
	f := NewFFmpeg("", 640, 480, 30)
	err := f.Open(4242)
	assert.Error(t, err)

	_, err = f.Frame()
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.NoError(t, f.Close())
}

func TestNew(t *testing.T) {
	tests := []struct {
		device  string
		want    any
		wantErr bool
	}{
		{device: KindPattern, want: &Pattern{}},
		{device: KindFFmpeg, want: &FFmpeg{}},
		{device: "webcam9000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.device, func(t *testing.T) {
			cam, err := New(config.CameraConfig{Device: tt.device, Width: 8, Height: 8, FPS: 30})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, cam)
		})
	}
}

func TestNewAutoFallsBackToPattern(t *testing.T) {
	cam, err := New(config.CameraConfig{Device: KindAuto, Index: 4242, Width: 8, Height: 8})
	require.NoError(t, err)
	assert.IsType(t, &Pattern{}, cam)
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 4}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defg"))
	assert.Equal(t, "defg", tb.String())
}

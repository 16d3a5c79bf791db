package codec

import (
	"bytes"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Rover/internal/core"
	"github.com/dkeye/Rover/internal/domain"
)

var (
	nalSPS = []byte{0x67, 0x42, 0xc0, 0x1e}
	nalPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

// fakeX264 stands in for the ffmpeg process. For every frame it reads it
// writes an access unit delimiter and one slice: parameter sets and an IDR
// for the first frame, a P slice afterwards. The slice carries the spawn
// generation and the frame's first byte.
type fakeX264 struct {
	mu       sync.Mutex
	spawns   int
	stops    int
	frames   int
	failWith error
	mute     bool
	dieAfter int
}

func (f *fakeX264) spawn(w, h int) (*process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.spawns++
	gen := byte(f.spawns)
	mute, dieAfter := f.mute, f.dieAfter

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		defer inR.Close()
		defer outW.Close()
		frame := make([]byte, w*h*3)
		for n := 0; ; n++ {
			if dieAfter > 0 && n == dieAfter {
				return
			}
			if _, err := io.ReadFull(inR, frame); err != nil {
				return
			}
			f.mu.Lock()
			f.frames++
			f.mu.Unlock()
			if mute {
				continue
			}
			var b []byte
			b = append(b, 0, 0, 0, 1, 0x09, 0xf0)
			if n == 0 {
				b = append(b, 0, 0, 0, 1)
				b = append(b, nalSPS...)
				b = append(b, 0, 0, 0, 1)
				b = append(b, nalPPS...)
				b = append(b, 0, 0, 0, 1, 0x65, gen, frame[0]|0x80)
			} else {
				b = append(b, 0, 0, 0, 1, 0x41, gen, frame[0]|0x80)
			}
			if _, err := outW.Write(b); err != nil {
				return
			}
		}
	}()
	stop := func() error {
		f.mu.Lock()
		f.stops++
		f.mu.Unlock()
		_ = inR.Close()
		_ = outW.Close()
		return nil
	}
	return newProcess(inW, outR, nil, stop), nil
}

func (f *fakeX264) count() (spawns, stops, frames int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns, f.stops, f.frames
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SkipFrames = false
	return cfg
}

func newTestEncoder(t *testing.T, fake *fakeX264, cfg Config) (*Encoder, *fakeClock) {
	t.Helper()
	e, err := newEncoder(4, 2, cfg, fake.spawn)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Unix(1000, 0)}
	e.now = clock.now
	e.spawnedAt = clock.now()
	e.wait = time.Second
	t.Cleanup(func() { _ = e.Close() })
	return e, clock
}

func testFrame(seq uint64) *domain.Frame {
	pix := make([]byte, 4*2*3)
	pix[0] = byte(seq)
	return &domain.Frame{Width: 4, Height: 2, Pix: pix, Seq: seq}
}

func TestNewEncoderRejectsBadSize(t *testing.T) {
	fake := &fakeX264{}
	for _, size := range [][2]int{{0, 10}, {10, -1}, {5000, 2}, {3, 2}, {4, 3}} {
		_, err := newEncoder(size[0], size[1], testConfig(), fake.spawn)
		assert.ErrorIs(t, err, core.ErrEncoderInit, "%dx%d", size[0], size[1])
	}
	spawns, _, _ := fake.count()
	assert.Zero(t, spawns)
}

func TestNewEncoderSpawnFailure(t *testing.T) {
	fake := &fakeX264{failWith: errors.New("ffmpeg not found")}
	_, err := newEncoder(4, 2, testConfig(), fake.spawn)
	assert.ErrorIs(t, err, core.ErrEncoderInit)
}

func TestEncoderTrailsInputByOneFrame(t *testing.T) {
	e, _ := newTestEncoder(t, &fakeX264{}, testConfig())

	_, err := e.Encode(testFrame(1))
	require.ErrorIs(t, err, core.ErrFrameSkipped)

	s, err := e.Encode(testFrame(2))
	require.NoError(t, err)
	assert.True(t, s.Keyframe)
	assert.EqualValues(t, 0, s.Index)
	assert.EqualValues(t, 1, s.Seq)

	var want []byte
	for _, nal := range [][]byte{nalSPS, nalPPS, {0x65, 1, 0x81}} {
		want = append(want, annexBStart...)
		want = append(want, nal...)
	}
	assert.Equal(t, want, s.Data, "delimiter dropped, parameter sets kept")

	s, err = e.Encode(testFrame(3))
	require.NoError(t, err)
	assert.False(t, s.Keyframe)
	assert.EqualValues(t, 1, s.Index)
	assert.EqualValues(t, 2, s.Seq)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x41, 1, 0x82}, s.Data)
}

func TestForceKeyframeRestartsEncoder(t *testing.T) {
	fake := &fakeX264{}
	e, clock := newTestEncoder(t, fake, testConfig())

	for seq := uint64(1); seq <= 3; seq++ {
		_, _ = e.Encode(testFrame(seq))
	}

	// within the cooldown the request waits
	e.ForceKeyframe()
	s, err := e.Encode(testFrame(4))
	require.NoError(t, err)
	assert.False(t, s.Keyframe)
	spawns, _, _ := fake.count()
	assert.Equal(t, 1, spawns)

	clock.advance(keyframeCooldown)
	_, err = e.Encode(testFrame(5))
	require.ErrorIs(t, err, core.ErrFrameSkipped)
	spawns, stops, _ := fake.count()
	assert.Equal(t, 2, spawns)
	assert.Equal(t, 1, stops)

	s, err = e.Encode(testFrame(6))
	require.NoError(t, err)
	assert.True(t, s.Keyframe)
	assert.EqualValues(t, 5, s.Seq)
	assert.EqualValues(t, 3, s.Index, "index keeps counting across restarts")
	assert.Contains(t, string(s.Data), string([]byte{0x65, 2}))
}

func TestForceKeyframeBeforeFirstOutputIsFree(t *testing.T) {
	fake := &fakeX264{}
	e, clock := newTestEncoder(t, fake, testConfig())
	clock.advance(time.Hour)

	e.ForceKeyframe()
	_, err := e.Encode(testFrame(1))
	require.ErrorIs(t, err, core.ErrFrameSkipped)
	s, err := e.Encode(testFrame(2))
	require.NoError(t, err)
	assert.True(t, s.Keyframe)

	spawns, _, _ := fake.count()
	assert.Equal(t, 1, spawns)
}

func TestSkipAfterOverrun(t *testing.T) {
	cfg := testConfig()
	cfg.SkipFrames = true
	fake := &fakeX264{}
	e, clock := newTestEncoder(t, fake, cfg)
	e.now = func() time.Time {
		clock.advance(50 * time.Millisecond)
		return clock.t
	}

	_, err := e.Encode(testFrame(1))
	require.ErrorIs(t, err, core.ErrFrameSkipped)
	_, err = e.Encode(testFrame(2))
	require.NoError(t, err)

	_, _, before := fake.count()
	_, err = e.Encode(testFrame(3))
	require.ErrorIs(t, err, core.ErrFrameSkipped)
	_, _, after := fake.count()
	assert.Equal(t, before, after, "a skipped frame never reaches the encoder")
}

func TestStalledEncoderAbortsAfterLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStalled = 3
	fake := &fakeX264{mute: true}
	e, _ := newTestEncoder(t, fake, cfg)
	e.wait = 10 * time.Millisecond

	for seq := uint64(1); seq <= 2; seq++ {
		_, err := e.Encode(testFrame(seq))
		require.ErrorIs(t, err, core.ErrFrameSkipped)
	}
	_, err := e.Encode(testFrame(3))
	require.ErrorIs(t, err, core.ErrEncode)
	assert.Contains(t, err.Error(), "no output for 3 frames")
}

func TestEncoderExitIsAnEncodeError(t *testing.T) {
	fake := &fakeX264{dieAfter: 1}
	e, _ := newTestEncoder(t, fake, testConfig())
	_, _ = e.Encode(testFrame(1))

	require.Eventually(t, func() bool {
		_, err := e.Encode(testFrame(2))
		return errors.Is(err, core.ErrEncode)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEncoderRejectsMismatchedFrame(t *testing.T) {
	e, _ := newTestEncoder(t, &fakeX264{}, testConfig())
	_, err := e.Encode(&domain.Frame{Width: 2, Height: 2, Pix: make([]byte, 12)})
	assert.ErrorIs(t, err, core.ErrEncode)
	_, err = e.Encode(nil)
	assert.ErrorIs(t, err, core.ErrEncode)
}

func TestEncoderClose(t *testing.T) {
	fake := &fakeX264{}
	e, _ := newTestEncoder(t, fake, testConfig())

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	_, stops, _ := fake.count()
	assert.Equal(t, 1, stops)

	_, err := e.Encode(testFrame(1))
	assert.ErrorIs(t, err, core.ErrEncode)
}

func TestFactoryBuildsIndependentEncoders(t *testing.T) {
	fake := &fakeX264{}
	f := &Factory{cfg: testConfig(), spawn: fake.spawn}

	a, err := f.NewEncoder(4, 2)
	require.NoError(t, err)
	b, err := f.NewEncoder(4, 2)
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	assert.NotSame(t, a, b)
	spawns, _, _ := fake.count()
	assert.Equal(t, 2, spawns)
}

func TestFFmpegArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bitrate = "600k"
	args := strings.Join(ffmpegArgs(cfg, 320, 240), " ")

	for _, want := range []string{
		"-f rawvideo -pix_fmt rgb24 -video_size 320x240 -framerate 30 -i -",
		"-c:v libx264 -preset ultrafast -tune zerolatency",
		"-profile:v baseline -pix_fmt yuv420p",
		"aud=1",
		"-g 60",
		"-b:v 600k",
	} {
		assert.Contains(t, args, want)
	}
	assert.True(t, strings.HasSuffix(args, "-f h264 -"))

	cfg.KeyframeInterval = 0
	cfg.Bitrate = ""
	args = strings.Join(ffmpegArgs(cfg, 320, 240), " ")
	assert.NotContains(t, args, "-g ")
	assert.NotContains(t, args, "-b:v")
}

func hasLibx264(t *testing.T) bool {
	t.Helper()
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		return false
	}
	out, err := exec.Command(bin, "-hide_banner", "-encoders").Output()
	return err == nil && bytes.Contains(out, []byte("libx264"))
}

func TestFFmpegEncoder(t *testing.T) {
	if !hasLibx264(t) {
		t.Skip("ffmpeg with libx264 not installed")
	}
	cfg := testConfig()
	e, err := NewEncoder(64, 48, cfg)
	require.NoError(t, err)
	defer e.Close()

	var samples []domain.Sample
	for seq := uint64(1); seq <= 10; seq++ {
		pix := make([]byte, 64*48*3)
		for i := range pix {
			pix[i] = byte(i + int(seq)*9)
		}
		s, err := e.Encode(&domain.Frame{Width: 64, Height: 48, Pix: pix, Seq: seq})
		if errors.Is(err, core.ErrFrameSkipped) {
			continue
		}
		require.NoError(t, err)
		samples = append(samples, s)
	}

	require.NotEmpty(t, samples)
	assert.True(t, samples[0].Keyframe)
	assert.EqualValues(t, 1, samples[0].Seq)
	for i, s := range samples {
		assert.True(t, bytes.HasPrefix(s.Data, annexBStart))
		assert.EqualValues(t, i, s.Index)
	}
}

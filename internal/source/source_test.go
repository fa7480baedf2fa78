package source

import (
	"context"
	"image/color"
	"math"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/DualCam/internal/media"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"pattern", Config{Kind: KindPattern, ID: "a", Width: 640, Height: 480, FPS: 30}, false},
		{"camera", Config{Kind: KindCamera, ID: "a", Device: "/dev/video0", Width: 640, Height: 480, FPS: 30}, false},
		{"screen without size", Config{Kind: KindScreen, ID: "a", FPS: 10}, false},
		{"camera without device", Config{Kind: KindCamera, ID: "a", Width: 640, Height: 480, FPS: 30}, true},
		{"unknown kind", Config{Kind: "ndi", ID: "a", Width: 640, Height: 480, FPS: 30}, true},
		{"pattern without size", Config{Kind: KindPattern, ID: "a", FPS: 30}, true},
		{"zero fps", Config{Kind: KindPattern, ID: "a", Width: 640, Height: 480}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPatternAdvancesWithClock(t *testing.T) {
	p := NewPattern(Config{ID: "front", Width: 64, Height: 48, FPS: 10})
	base := time.Unix(1_700_000_000, 0)
	now := base
	p.start = base
	p.now = func() time.Time { return now }

	w, h, ok := p.Dimensions()
	assert.Equal(t, 64, w)
	assert.Equal(t, 48, h)
	assert.True(t, ok)

	f0, err := p.Frame()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), f0.Seq)

	now = base.Add(50 * time.Millisecond)
	same, err := p.Frame()
	require.NoError(t, err)
	assert.Same(t, f0, same, "frame is reused within one period")

	now = base.Add(100 * time.Millisecond)
	f1, err := p.Frame()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f1.Seq)
	assert.NotSame(t, f0.Image, f1.Image)
	assert.Equal(t, colorFor("front"), f1.Image.RGBAAt(63, 0))
}

func TestPatternEnd(t *testing.T) {
	p := NewPattern(Config{ID: "back", Width: 64, Height: 48, FPS: 30})
	require.NoError(t, p.Close())

	_, err := p.Frame()
	assert.ErrorIs(t, err, media.ErrSourceEnded)
	_, _, ok := p.Dimensions()
	assert.False(t, ok)
}

func TestPatternTone(t *testing.T) {
	silent := NewPattern(Config{ID: "a", Width: 8, Height: 8, FPS: 30})
	assert.Nil(t, silent.Audio())

	p := NewPattern(Config{ID: "a", Width: 8, Height: 8, FPS: 30, ToneHz: 440})
	track := p.Audio()
	require.NotNil(t, track)
	assert.Equal(t, media.AudioFormat{SampleRate: 48000, Channels: 1}, track.Format())
	assert.Equal(t, "a-tone", track.ID())

	tone := track.(*toneTrack)
	base := time.Unix(1_700_000_000, 0)
	now := base
	tone.last = base
	tone.now = func() time.Time { return now }

	assert.Nil(t, tone.ReadSamples())

	now = base.Add(10 * time.Millisecond)
	samples := tone.ReadSamples()
	assert.Len(t, samples, 480)
	for _, s := range samples {
		assert.LessOrEqual(t, math.Abs(float64(s)), 0.2*math.MaxInt16+1)
	}
	assert.Nil(t, tone.ReadSamples(), "drained")
}

func TestPCMTrackDrainsAndTrims(t *testing.T) {
	tr := newPCMTrack("mic", media.AudioFormat{SampleRate: 5, Channels: 2})
	assert.Nil(t, tr.ReadSamples())

	tr.write([]int16{1, 2, 3, 4})
	assert.Equal(t, []int16{1, 2, 3, 4}, tr.ReadSamples())
	assert.Nil(t, tr.ReadSamples())

	// limit is two seconds: 5 frames/s * 2 channels * 2s
	in := make([]int16, 24)
	for i := range in {
		in[i] = int16(i)
	}
	tr.write(in)
	out := tr.ReadSamples()
	require.Len(t, out, 20)
	assert.Equal(t, int16(4), out[0], "oldest frames dropped, channels stay aligned")
}

func TestOpenPattern(t *testing.T) {
	src, err := Open(context.Background(), Config{Kind: KindPattern, ID: "a", Width: 32, Height: 24, FPS: 30})
	require.NoError(t, err)
	assert.IsType(t, &Pattern{}, src)
	assert.Equal(t, "a", src.ID())

	_, err = Open(context.Background(), Config{Kind: "ndi", ID: "x"})
	assert.Error(t, err)
}

func TestOpenPair(t *testing.T) {
	a := Config{Kind: KindPattern, ID: "front", Width: 32, Height: 24, FPS: 30}
	b := Config{Kind: KindPattern, ID: "back", Width: 32, Height: 24, FPS: 30}

	sa, sb, err := OpenPair(context.Background(), a, b)
	require.NoError(t, err)
	assert.Equal(t, "front", sa.ID())
	assert.Equal(t, "back", sb.ID())

	bad := Config{Kind: KindCamera, ID: "broken", FPS: 30}
	_, _, err = OpenPair(context.Background(), a, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestCapturePipelines(t *testing.T) {
	cfg := Config{Kind: KindCamera, ID: "a", Device: "/dev/video2", Width: 640, Height: 480, FPS: 30}
	assert.Equal(t,
		"v4l2src device=/dev/video2 do-timestamp=true ! videoconvert ! videoscale ! videorate ! "+
			"video/x-raw,format=RGBA,width=640,height=480,framerate=30/1 ! fdsink fd=1 sync=false",
		cameraPipeline(cfg))

	p := portalPipeline(Config{Kind: KindPortal, ID: "s", Width: 1280, Height: 720, FPS: 15}, 42)
	assert.True(t, strings.HasPrefix(p, "pipewiresrc path=42 do-timestamp=true ! "))
	assert.Contains(t, p, "width=1280,height=720,framerate=15/1")

	assert.NoError(t, Config{Kind: KindPortal, ID: "s", Width: 1280, Height: 720, FPS: 15}.Validate())
	assert.Error(t, Config{Kind: KindPortal, ID: "s", FPS: 15}.Validate(), "portal frames need a fixed size")
}

func TestPortalResponseParsing(t *testing.T) {
	_, err := parseResponse(nil)
	assert.Error(t, err)

	_, err = parseResponse([]any{uint32(1), map[string]dbus.Variant{}})
	assert.ErrorContains(t, err, "denied")

	results, err := parseResponse([]any{uint32(0), map[string]dbus.Variant{
		"session_handle": dbus.MakeVariant("/org/freedesktop/portal/desktop/session/1/x"),
	}})
	require.NoError(t, err)
	assert.Contains(t, results, "session_handle")

	results, err = parseResponse([]any{uint32(0)})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFirstNodeID(t *testing.T) {
	props := map[string]dbus.Variant{}

	id, ok := firstNodeID([][]any{{uint32(42), props}})
	assert.True(t, ok)
	assert.Equal(t, uint32(42), id)

	id, ok = firstNodeID([]any{[]any{uint32(7), props}})
	assert.True(t, ok)
	assert.Equal(t, uint32(7), id)

	_, ok = firstNodeID([][]any{})
	assert.False(t, ok)
	_, ok = firstNodeID("streams")
	assert.False(t, ok)
}

func TestRestoreToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dualcam", "portal_token")
	assert.Empty(t, loadRestoreToken(path))

	saveRestoreToken(path, "")
	assert.NoFileExists(t, path)

	saveRestoreToken(path, "abc123")
	assert.Equal(t, "abc123", loadRestoreToken(path))
}

func TestScreenConvert(t *testing.T) {
	s := &Screen{screen: &xproto.ScreenInfo{RootDepth: 24}}

	// two BGRx pixels: blue-ish and red-ish
	img, err := s.convert([]byte{200, 10, 20, 0, 5, 6, 250, 0}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 20, G: 10, B: 200, A: 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 250, G: 6, B: 5, A: 255}, img.RGBAAt(1, 0))

	_, err = s.convert([]byte{1, 2, 3}, 2, 1)
	assert.ErrorContains(t, err, "short image data")

	s.screen.RootDepth = 16
	_, err = s.convert(make([]byte, 8), 2, 1)
	assert.ErrorContains(t, err, "unsupported color depth")
}

func TestCaptureCloseDrainsReaders(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	orig := launchGst
	launchGst = func(string) *exec.Cmd { return exec.Command("cat", "/dev/zero") }
	t.Cleanup(func() { launchGst = orig })

	released := 0
	cfg := Config{Kind: KindCamera, ID: "cam", Device: "/dev/null", Width: 2, Height: 2, FPS: 30}
	c, err := openCapture(context.Background(), cfg, "ignored", func() error {
		released++
		return nil
	})
	require.NoError(t, err)

	frame, err := c.Frame()
	require.NoError(t, err)
	assert.Equal(t, 2, frame.Image.Bounds().Dx())

	require.NoError(t, c.Close())
	assert.Equal(t, 1, released)

	// Close returns only after the frame reader saw the pipe close
	_, err = c.Frame()
	assert.ErrorIs(t, err, media.ErrSourceEnded)

	require.NoError(t, c.Close())
	assert.Equal(t, 1, released)
}

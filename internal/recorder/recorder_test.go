package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"mime/multipart"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/DualCam/internal/compositor"
	"github.com/bryanchriswhite/DualCam/internal/encoder"
	"github.com/bryanchriswhite/DualCam/internal/encoder/encodertest"
	"github.com/bryanchriswhite/DualCam/internal/media"
)

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
)

// fakeSource is a VideoSource whose frames are set by the test
type fakeSource struct {
	id   string
	w, h int

	mu    sync.Mutex
	frame *media.Frame
	err   error
	reads int
}

func newFakeSource(id string, c color.RGBA) *fakeSource {
	s := &fakeSource{id: id, w: 64, h: 48}
	s.Paint(c)
	return s
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) Dimensions() (int, int, bool) {
	return s.w, s.h, s.w > 0 && s.h > 0
}

func (s *fakeSource) Frame() (*media.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return nil, s.err
	}
	return s.frame, nil
}

func (s *fakeSource) Audio() media.AudioTrack { return nil }

func (s *fakeSource) Paint(c color.RGBA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := image.NewRGBA(image.Rect(0, 0, max(s.w, 1), max(s.h, 1)))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	var seq uint64
	if s.frame != nil {
		seq = s.frame.Seq + 1
	}
	s.frame = &media.Frame{Seq: seq, Timestamp: time.Now(), Image: img}
}

func (s *fakeSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSource) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

type fixture struct {
	a, b     *fakeSource
	platform *encodertest.Platform
	clock    *ManualClock
	rec      *Recorder
}

func newFixture(t *testing.T, configure func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		a:        newFakeSource("front", red),
		b:        newFakeSource("back", blue),
		platform: encodertest.NewPlatform(),
		clock:    NewManualClock(),
	}
	layout := compositor.DefaultLayout()
	layout.Labels = [2]string{}
	layout.Scaler = compositor.ScalerNearest

	opts := Options{
		Platform:  f.platform,
		MimeTypes: []string{encodertest.DefaultType},
		Layout:    layout,
		Clock:     f.clock,
	}
	if configure != nil {
		configure(&opts)
	}

	rec, err := New(f.a, f.b, opts)
	require.NoError(t, err)
	f.rec = rec
	t.Cleanup(rec.Cleanup)
	return f
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitEvent(t *testing.T, ch chan Event, typ EventType) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return Event{}
		}
	}
}

func TestNewRequiresTwoSources(t *testing.T) {
	_, err := New(newFakeSource("a", red), nil, Options{})
	assert.ErrorIs(t, err, media.ErrSourceUnavailable)
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	_, err := New(newFakeSource("a", red), newFakeSource("b", blue), Options{AudioPolicy: "stereo"})
	assert.Error(t, err)
}

func TestNewIsReady(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, StateReady, f.rec.State())
	assert.Equal(t, StateReady, f.rec.Status().State)
}

func TestStartThenImmediateStopYieldsBlob(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.rec.Start(testCtx(t)))
	assert.Equal(t, StateRecording, f.rec.State())

	blob, err := f.rec.Stop(testCtx(t))
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.NotZero(t, blob.Size())
	assert.Equal(t, encodertest.DefaultType, blob.MimeType)
	assert.Equal(t, StateReady, f.rec.State())
}

func TestStartThenImmediateStopMJPEG(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Platform = encoder.NewMJPEG()
		o.MimeTypes = []string{"video/webm", encoder.MJPEGMimeType}
	})

	require.NoError(t, f.rec.Start(testCtx(t)))
	blob, err := f.rec.Stop(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, encoder.MJPEGMimeType, blob.MimeType)

	part, err := multipart.NewReader(bytes.NewReader(blob.Data), encoder.MJPEGBoundary).NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(128, 48), img.Bounds().Size())
}

func TestStartTwiceKeepsOneSession(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.rec.Start(testCtx(t)))
	err := f.rec.Start(testCtx(t))
	require.ErrorIs(t, err, media.ErrInvalidState)

	assert.Equal(t, StateRecording, f.rec.State())
	assert.Equal(t, 1, f.platform.Opened())
	assert.Equal(t, 1, f.rec.producer.Active())
}

func TestStopBeforeStartAllocatesNothing(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.rec.Stop(testCtx(t))
	require.ErrorIs(t, err, media.ErrInvalidState)

	assert.Equal(t, StateReady, f.rec.State())
	assert.Zero(t, f.platform.Opened())
	assert.Zero(t, f.a.Reads())
	assert.Zero(t, f.rec.producer.Active())
}

func TestCleanupReleasesEverything(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.rec.Start(testCtx(t)))

	f.rec.Cleanup()
	assert.Equal(t, StateDisposed, f.rec.State())

	enc := f.platform.Last()
	require.NotNil(t, enc)
	assert.True(t, enc.Stream().Surface().Released(), "surface")
	assert.True(t, enc.Stream().Released(), "stream")
	assert.True(t, enc.Closed(), "encoder")
	assert.Zero(t, f.rec.producer.Active())
	assert.False(t, f.clock.Running())

	assert.NotPanics(t, f.rec.Cleanup)
	assert.ErrorIs(t, f.rec.Start(testCtx(t)), media.ErrDisposed)
	_, err := f.rec.Stop(testCtx(t))
	assert.ErrorIs(t, err, media.ErrDisposed)
	assert.Equal(t, StateDisposed, f.rec.Status().State)
}

func TestCleanupFromReady(t *testing.T) {
	f := newFixture(t, nil)
	f.rec.Cleanup()
	assert.Equal(t, StateDisposed, f.rec.State())
	assert.Zero(t, f.platform.Opened())
}

func TestStalledSourceFreezesItsRegion(t *testing.T) {
	f := newFixture(t, nil)
	events := f.rec.Subscribe()
	defer f.rec.Unsubscribe(events)

	require.NoError(t, f.rec.Start(testCtx(t)))
	enc := f.platform.Last()

	f.b.Fail(media.ErrSourceEnded)
	f.a.Paint(green)

	now := time.Now()
	for i := 1; i <= 4; i++ {
		f.clock.Tick(now.Add(time.Duration(i) * 33 * time.Millisecond))
		require.Eventually(t, func() bool { return enc.Frames() == i+1 }, 5*time.Second, time.Millisecond)

		img := enc.LastFrame()
		assert.Equal(t, green, img.RGBAAt(10, 10), "region A keeps rendering")
		assert.Equal(t, blue, img.RGBAAt(64+10, 10), "region B keeps its last frame")
		assert.Equal(t, blue, img.RGBAAt(127, 47), "region B keeps its last frame")
	}

	ev := waitEvent(t, events, EventStalled)
	assert.Equal(t, "back", ev.Source)
	require.NotNil(t, ev.Region)
	assert.Equal(t, 1, *ev.Region)
	assert.True(t, f.rec.Status().Stalled[1])
	assert.False(t, f.rec.Status().Stalled[0])

	_, err := f.rec.Stop(testCtx(t))
	require.NoError(t, err)
}

func TestChunksFinalizeInDeliveryOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.platform.FrameData = false

	require.NoError(t, f.rec.Start(testCtx(t)))
	enc := f.platform.Last()
	enc.Emit([]byte("c1"))
	enc.Emit([]byte("c2"))
	enc.Emit([]byte("c3"))

	blob, err := f.rec.Stop(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "c1c2c3", string(blob.Data))
}

func TestUnsupportedFormatFailsBeforeCompositing(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Platform = encodertest.NewPlatform("video/webm")
		o.MimeTypes = []string{"video/mp4"}
	})

	err := f.rec.Start(testCtx(t))
	require.ErrorIs(t, err, media.ErrUnsupportedFormat)
	assert.Equal(t, StateReady, f.rec.State())
	assert.Zero(t, f.a.Reads())
	assert.Zero(t, f.b.Reads())
	assert.Zero(t, f.platform.Opened())
}

func TestMimeTypeFallback(t *testing.T) {
	platform := encodertest.NewPlatform("video/webm")
	f := newFixture(t, func(o *Options) {
		o.Platform = platform
		o.MimeTypes = []string{"video/webm;codecs=vp9", "video/webm"}
	})

	require.NoError(t, f.rec.Start(testCtx(t)))
	assert.Equal(t, "video/webm", f.rec.Status().MimeType)
}

func TestSourceUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.b.w = 0

	err := f.rec.Start(testCtx(t))
	require.ErrorIs(t, err, media.ErrSourceUnavailable)
	assert.Equal(t, StateReady, f.rec.State())
	assert.Zero(t, f.platform.Opened())
	assert.Zero(t, f.rec.producer.Active())
}

func TestStartUnwindsWhenEncoderCannotOpen(t *testing.T) {
	f := newFixture(t, nil)
	f.platform.OpenErr = errors.New("no hardware encoder")

	err := f.rec.Start(testCtx(t))
	require.Error(t, err)
	assert.Equal(t, StateReady, f.rec.State())
	assert.Zero(t, f.rec.producer.Active())
	assert.Zero(t, f.platform.Opened())

	f.platform.OpenErr = nil
	require.NoError(t, f.rec.Start(testCtx(t)))
}

func TestStartAbandonedWhileOpening(t *testing.T) {
	f := newFixture(t, nil)
	f.platform.OpenDelay = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := f.rec.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, StateReady, f.rec.State())
	assert.Zero(t, f.rec.producer.Active())
	require.Equal(t, 1, f.platform.Opened())
	assert.True(t, f.platform.Last().Closed())
	assert.True(t, f.platform.Last().Stream().Surface().Released())
	assert.False(t, f.clock.Running())

	f.platform.OpenDelay = 0
	require.NoError(t, f.rec.Start(testCtx(t)))
	assert.Equal(t, StateRecording, f.rec.State())
}

func TestEncoderFailureReclaimsResources(t *testing.T) {
	f := newFixture(t, nil)
	events := f.rec.Subscribe()
	defer f.rec.Unsubscribe(events)

	require.NoError(t, f.rec.Start(testCtx(t)))
	f.platform.Last().Fail(errors.New("disk full"))

	ev := waitEvent(t, events, EventError)
	assert.Contains(t, ev.Error, "disk full")
	assert.True(t, f.rec.Status().Failed)
	assert.Zero(t, f.rec.producer.Active())
	assert.True(t, f.platform.Last().Closed())

	_, err := f.rec.Stop(testCtx(t))
	require.ErrorIs(t, err, media.ErrEncodingFailed)
	assert.Equal(t, StateReady, f.rec.State())

	// the recorder is usable again
	require.NoError(t, f.rec.Start(testCtx(t)))
	assert.Equal(t, 2, f.platform.Opened())
}

func TestCleanupWhileStopping(t *testing.T) {
	f := newFixture(t, nil)
	f.platform.HoldStop = true
	require.NoError(t, f.rec.Start(testCtx(t)))

	errc := make(chan error, 1)
	go func() {
		_, err := f.rec.Stop(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.rec.State() == StateStopping }, 5*time.Second, time.Millisecond)

	f.rec.Cleanup()
	assert.ErrorIs(t, <-errc, media.ErrDisposed)
	assert.True(t, f.platform.Last().Closed())
	assert.True(t, f.platform.Last().Stream().Released())
}

func TestFinalizeTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.FinalizeTimeout = 20 * time.Millisecond
	})
	f.platform.HoldStop = true
	require.NoError(t, f.rec.Start(testCtx(t)))

	_, err := f.rec.Stop(testCtx(t))
	require.ErrorIs(t, err, media.ErrEncodingFailed)
	assert.Equal(t, StateReady, f.rec.State())
	assert.True(t, f.platform.Last().Closed())
}

func TestStateEvents(t *testing.T) {
	f := newFixture(t, nil)
	events := f.rec.Subscribe()

	require.NoError(t, f.rec.Start(testCtx(t)))
	_, err := f.rec.Stop(testCtx(t))
	require.NoError(t, err)

	var states []State
	for len(states) < 3 {
		ev := waitEvent(t, events, EventState)
		states = append(states, ev.State)
	}
	assert.Equal(t, []State{StateRecording, StateStopping, StateReady}, states)

	f.rec.Unsubscribe(events)
	assert.Empty(t, f.rec.listeners)
}

func TestEventRegionJSON(t *testing.T) {
	zero := 0
	data, err := json.Marshal(Event{Type: EventStalled, Source: "front", Region: &zero})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"region":0`)

	data, err = json.Marshal(Event{Type: EventState, State: StateReady})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"region"`)
}

func TestTickerClockRestarts(t *testing.T) {
	c := NewTickerClock(1000)
	ch := c.Start()
	<-ch
	c.Stop()
	ch = c.Start()
	<-ch
	c.Stop()
}

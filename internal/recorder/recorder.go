// Package recorder is the public recording controller. One goroutine owns
// every piece of session state; Start, Stop and Cleanup are commands sent to it.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/DualCam/internal/compositor"
	"github.com/bryanchriswhite/DualCam/internal/encoder"
	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/media"
	"github.com/bryanchriswhite/DualCam/internal/stream"
)

// Options configures a Recorder
type Options struct {
	// Platform creates encoders; defaults to the mjpeg platform
	Platform encoder.Platform
	// MimeTypes are tried in order; the first one the platform supports is used
	MimeTypes []string
	// Encoder carries bitrate, frame rate, quality and timeslice
	Encoder     encoder.Options
	Layout      compositor.Layout
	AudioPolicy stream.AudioPolicy
	// Clock paces render ticks; defaults to a ticker at Encoder.FPS
	Clock FrameClock
	// FinalizeTimeout bounds how long Stop waits for the encoder to drain
	FinalizeTimeout time.Duration
}

// DefaultOptions returns options for an mjpeg recording with the default layout
func DefaultOptions() Options {
	return Options{
		Encoder:         encoder.DefaultOptions(),
		Layout:          compositor.DefaultLayout(),
		AudioPolicy:     stream.DefaultAudioPolicy,
		FinalizeTimeout: 10 * time.Second,
	}
}

// Status is a point-in-time view of the recorder
type Status struct {
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Frames    uint64    `json:"frames"`
	Chunks    int       `json:"chunks"`
	Stalled   [2]bool   `json:"stalled"`
	Failed    bool      `json:"failed"`
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdCleanup
	cmdStatus
)

type result struct {
	blob   *media.Blob
	status Status
	err    error
}

type command struct {
	kind  commandKind
	ctx   context.Context
	reply chan result
}

// session is everything allocated by one Start
type session struct {
	id        string
	log       *zerolog.Logger
	startedAt time.Time
	comp      *compositor.Compositor
	stream    *stream.CompositeStream
	enc       *encoder.Session
	// failure is set when the encoder died mid-recording; Stop reports it
	failure error
}

// Recorder composites two sources and records the result, one session at a time
type Recorder struct {
	a, b     media.VideoSource
	opts     Options
	producer *stream.Producer

	cmds  chan command
	done  chan struct{}
	state atomic.Int32

	mu        sync.Mutex
	listeners []chan Event

	// owned by loop
	cur      *session
	ticks    <-chan time.Time
	pending  chan result
	deadline *time.Timer
}

// New creates a Ready recorder for sources a and b
func New(a, b media.VideoSource, opts Options) (*Recorder, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("%w: two sources are required", media.ErrSourceUnavailable)
	}
	d := DefaultOptions()
	if opts.Platform == nil {
		opts.Platform = encoder.NewMJPEG()
	}
	if opts.Layout == (compositor.Layout{}) {
		opts.Layout = d.Layout
	}
	if opts.AudioPolicy == "" {
		opts.AudioPolicy = d.AudioPolicy
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = d.FinalizeTimeout
	}
	if opts.Encoder.FPS <= 0 {
		opts.Encoder.FPS = d.Encoder.FPS
	}
	if opts.Clock == nil {
		opts.Clock = NewTickerClock(opts.Encoder.FPS)
	}
	if err := opts.Layout.Validate(); err != nil {
		return nil, err
	}
	if err := opts.AudioPolicy.Validate(); err != nil {
		return nil, err
	}

	r := &Recorder{
		a:        a,
		b:        b,
		opts:     opts,
		producer: stream.NewProducer(),
		cmds:     make(chan command),
		done:     make(chan struct{}),
	}
	r.state.Store(int32(StateUninitialized))
	r.setState(StateReady)
	go r.loop()

	logger.WithComponent("recorder").Debug().
		Str("source_a", a.ID()).
		Str("source_b", b.ID()).
		Str("platform", opts.Platform.Name()).
		Msg("Recorder ready")
	return r, nil
}

// State returns the current state
func (r *Recorder) State() State {
	return State(r.state.Load())
}

// Start begins a recording session. Valid only from Ready.
// Once the loop has taken the command Start waits for its outcome; if ctx ends
// before the session commits, everything is unwound and ctx.Err() is returned.
func (r *Recorder) Start(ctx context.Context) error {
	res, err := r.call(ctx, cmdStart)
	if err != nil {
		return err
	}
	return res.err
}

// Stop finalizes the session and returns the encoded blob. Valid only from Recording.
// If ctx ends first the session still finalizes in the background and its blob is dropped.
func (r *Recorder) Stop(ctx context.Context) (*media.Blob, error) {
	res, err := r.call(ctx, cmdStop)
	if err != nil {
		return nil, err
	}
	return res.blob, res.err
}

// Cleanup unwinds whatever is allocated and disposes the recorder. Safe to call more than once.
func (r *Recorder) Cleanup() {
	r.call(context.Background(), cmdCleanup)
	<-r.done
}

// Status reports the current session
func (r *Recorder) Status() Status {
	res, err := r.call(context.Background(), cmdStatus)
	if err != nil {
		return Status{State: StateDisposed}
	}
	return res.status
}

func (r *Recorder) call(ctx context.Context, kind commandKind) (result, error) {
	cmd := command{kind: kind, ctx: ctx, reply: make(chan result, 1)}
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return result{}, media.ErrDisposed
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	if kind == cmdStart {
		// start checks ctx itself before committing; the reply must match the state
		return <-cmd.reply, nil
	}
	select {
	case res := <-cmd.reply:
		return res, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

func (r *Recorder) loop() {
	defer close(r.done)

	for {
		var deadline <-chan time.Time
		if r.deadline != nil {
			deadline = r.deadline.C
		}
		var events <-chan encoder.Event
		if r.cur != nil {
			events = r.cur.enc.Events()
		}

		select {
		case cmd := <-r.cmds:
			r.handle(cmd)
			if r.State() == StateDisposed {
				return
			}

		case at := <-r.ticks:
			r.tick(at)

		case ev := <-events:
			r.onEncoderEvent(ev)

		case <-deadline:
			r.deadline = nil
			r.finishStop(nil, fmt.Errorf("%w: encoder did not finalize within %v", media.ErrEncodingFailed, r.opts.FinalizeTimeout))
		}
	}
}

func (r *Recorder) handle(cmd command) {
	switch cmd.kind {
	case cmdStart:
		cmd.reply <- result{err: r.start(cmd.ctx)}
	case cmdStop:
		r.stop(cmd.reply)
	case cmdCleanup:
		r.cleanup()
		cmd.reply <- result{}
	case cmdStatus:
		cmd.reply <- result{status: r.status()}
	}
}

func (r *Recorder) start(ctx context.Context) error {
	if state := r.State(); state != StateReady {
		return fmt.Errorf("%w: start while %s", media.ErrInvalidState, state)
	}

	// fail fast before anything is allocated or drawn
	mimeType, err := encoder.Negotiate(r.opts.Platform, r.opts.MimeTypes)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	log := logger.WithSession("recorder", id)

	comp, err := compositor.New(r.a, r.b, r.opts.Layout)
	if err != nil {
		return err
	}

	cs, err := r.producer.Capture(comp.Surface(), r.opts.AudioPolicy, r.a.Audio(), r.b.Audio())
	if err != nil {
		comp.Shutdown()
		return err
	}

	encOpts := r.opts.Encoder
	encOpts.MimeType = mimeType
	enc := encoder.NewSession(r.opts.Platform)
	if err := enc.Open(ctx, cs, encOpts); err != nil {
		r.producer.Release(cs)
		comp.Shutdown()
		return err
	}

	s := &session{
		id:        id,
		log:       log,
		startedAt: time.Now(),
		comp:      comp,
		stream:    cs,
		enc:       enc,
	}

	// the caller may have given up while the encoder was opening
	if err := ctx.Err(); err != nil {
		r.unwind(s)
		log.Debug().Err(err).Msg("Start abandoned")
		return err
	}

	// one frame up front so an immediate Stop still yields a playable blob
	changes := comp.RenderTick()
	if err := cs.Pump(s.startedAt); err != nil {
		r.unwind(s)
		return fmt.Errorf("%w: %v", media.ErrEncodingFailed, err)
	}

	r.cur = s
	r.ticks = r.opts.Clock.Start()
	r.setState(StateRecording)
	r.publishStalls(changes)

	log.Info().
		Str("mime_type", mimeType).
		Str("bounds", cs.Bounds().String()).
		Str("audio_policy", string(cs.Policy())).
		Int("audio_tracks", len(cs.AudioTracks())).
		Msg("Recording started")
	return nil
}

func (r *Recorder) tick(at time.Time) {
	s := r.cur
	if s == nil || s.failure != nil || r.State() != StateRecording {
		return
	}
	r.publishStalls(s.comp.RenderTick())
	if err := s.stream.Pump(at); err != nil {
		r.fail(fmt.Errorf("%w: %v", media.ErrEncodingFailed, err))
	}
}

func (r *Recorder) onEncoderEvent(ev encoder.Event) {
	s := r.cur
	if s == nil {
		return
	}
	blob, done, err := s.enc.Handle(ev)
	if !done {
		return
	}
	switch r.State() {
	case StateStopping:
		r.finishStop(blob, err)
	case StateRecording:
		if err == nil {
			err = fmt.Errorf("%w: encoder closed without finalize", media.ErrEncodingFailed)
		}
		r.fail(err)
	}
}

// fail unwinds a recording whose encoder died; the error is kept for Stop
func (r *Recorder) fail(err error) {
	s := r.cur
	s.failure = err
	r.stopClock()
	r.unwind(s)
	s.log.Error().Err(err).Msg("Recording failed")
	r.publish(Event{Type: EventError, Session: s.id, Error: err.Error()})
}

func (r *Recorder) stop(reply chan result) {
	state := r.State()
	if state != StateRecording {
		reply <- result{err: fmt.Errorf("%w: stop while %s", media.ErrInvalidState, state)}
		return
	}
	s := r.cur

	if s.failure != nil {
		err := s.failure
		r.cur = nil
		r.setState(StateReady)
		reply <- result{err: err}
		return
	}

	r.setState(StateStopping)
	r.stopClock()
	r.pending = reply
	if err := s.enc.Finalize(); err != nil {
		r.finishStop(nil, err)
		return
	}
	r.deadline = time.NewTimer(r.opts.FinalizeTimeout)
	s.log.Debug().Int("chunks", s.enc.Chunks()).Msg("Finalizing recording")
}

// finishStop resolves a pending Stop; resources are reclaimed on every path
func (r *Recorder) finishStop(blob *media.Blob, err error) {
	s := r.cur
	if r.deadline != nil {
		r.deadline.Stop()
		r.deadline = nil
	}
	r.unwind(s)
	r.cur = nil
	r.setState(StateReady)

	if err != nil {
		s.log.Error().Err(err).Msg("Recording could not be finalized")
		r.publish(Event{Type: EventError, Session: s.id, Error: err.Error()})
		blob = nil
	} else {
		s.log.Info().
			Int("bytes", blob.Size()).
			Dur("duration", time.Since(s.startedAt)).
			Msg("Recording finalized")
	}
	if r.pending != nil {
		r.pending <- result{blob: blob, err: err}
		r.pending = nil
	}
}

func (r *Recorder) cleanup() {
	if r.pending != nil {
		r.pending <- result{err: media.ErrDisposed}
		r.pending = nil
	}
	if r.deadline != nil {
		r.deadline.Stop()
		r.deadline = nil
	}
	r.stopClock()
	if r.cur != nil {
		r.unwind(r.cur)
		r.cur = nil
	}
	r.setState(StateDisposed)
	logger.WithComponent("recorder").Debug().Msg("Recorder disposed")
}

// unwind releases in reverse acquisition order: encoder, stream, surface
func (r *Recorder) unwind(s *session) {
	s.enc.Close()
	r.producer.Release(s.stream)
	s.comp.Shutdown()
}

func (r *Recorder) stopClock() {
	if r.ticks != nil {
		r.opts.Clock.Stop()
		r.ticks = nil
	}
}

func (r *Recorder) status() Status {
	st := Status{State: r.State()}
	if s := r.cur; s != nil {
		st.SessionID = s.id
		st.MimeType = s.enc.MimeType()
		st.StartedAt = s.startedAt
		st.Frames = s.stream.Frames()
		st.Chunks = s.enc.Chunks()
		st.Stalled = [2]bool{s.comp.Stalled(0), s.comp.Stalled(1)}
		st.Failed = s.failure != nil
	}
	return st
}

func (r *Recorder) setState(state State) {
	prev := State(r.state.Swap(int32(state)))
	if prev == state {
		return
	}
	ev := Event{Type: EventState, State: state}
	if r.cur != nil {
		ev.Session = r.cur.id
	}
	r.publish(ev)
}

func (r *Recorder) publishStalls(changes []compositor.StallChange) {
	for _, c := range changes {
		region := c.Region
		ev := Event{
			Type:   EventRecovered,
			Source: c.SourceID,
			Region: &region,
		}
		if c.Stalled {
			ev.Type = EventStalled
			if c.Err != nil && !errors.Is(c.Err, media.ErrSourceEnded) {
				ev.Error = c.Err.Error()
			}
		}
		if r.cur != nil {
			ev.Session = r.cur.id
		}
		r.publish(ev)
	}
}

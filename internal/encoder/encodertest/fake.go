// Package encodertest provides a scriptable encoder platform for tests.
package encodertest

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/DualCam/internal/encoder"
	"github.com/bryanchriswhite/DualCam/internal/media"
	"github.com/bryanchriswhite/DualCam/internal/stream"
)

// DefaultType is the only type a zero-config Platform accepts
const DefaultType = "video/x-fake"

// Platform accepts a fixed list of mime types and records every encoder it opens
type Platform struct {
	// OpenErr, when set, is returned by Open
	OpenErr error
	// FrameData makes each written frame add bytes that are delivered on Flush
	FrameData bool
	// HoldStop keeps Flush from emitting EventStopped
	HoldStop bool
	// OpenDelay makes Open block this long, ignoring ctx like a slow subprocess start
	OpenDelay time.Duration

	types []string

	mu       sync.Mutex
	encoders []*Encoder
}

// NewPlatform creates a platform supporting types, or DefaultType when empty
func NewPlatform(types ...string) *Platform {
	if len(types) == 0 {
		types = []string{DefaultType}
	}
	return &Platform{types: types, FrameData: true}
}

func (p *Platform) Name() string {
	return "fake"
}

func (p *Platform) Types() []string {
	return p.types
}

func (p *Platform) Supports(mimeType string) bool {
	for _, t := range p.types {
		if t == mimeType {
			return true
		}
	}
	return false
}

func (p *Platform) Open(ctx context.Context, s *stream.CompositeStream, opts encoder.Options) (encoder.Encoder, error) {
	if p.OpenDelay > 0 {
		time.Sleep(p.OpenDelay)
	}
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if !p.Supports(opts.MimeType) {
		return nil, fmt.Errorf("%w: %q", media.ErrUnsupportedFormat, opts.MimeType)
	}
	e := &Encoder{
		mimeType:  opts.MimeType,
		stream:    s,
		frameData: p.FrameData,
		holdStop:  p.HoldStop,
		events:    make(chan encoder.Event, 256),
	}
	p.mu.Lock()
	p.encoders = append(p.encoders, e)
	p.mu.Unlock()
	return e, nil
}

// Opened returns how many encoders have been opened
func (p *Platform) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.encoders)
}

// Last returns the most recently opened encoder, or nil
func (p *Platform) Last() *Encoder {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.encoders) == 0 {
		return nil
	}
	return p.encoders[len(p.encoders)-1]
}

// Encoders returns every encoder opened so far
func (p *Platform) Encoders() []*Encoder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Encoder(nil), p.encoders...)
}

// Encoder is a fake encoder whose output is scripted by the test
type Encoder struct {
	mimeType  string
	stream    *stream.CompositeStream
	frameData bool
	holdStop  bool
	events    chan encoder.Event

	mu      sync.Mutex
	seq     uint64
	pending []byte
	frames  int
	last    *image.RGBA
	audio   map[string]int
	flushed bool
	closed  bool
}

// Stream returns the composite stream the encoder was opened on
func (e *Encoder) Stream() *stream.CompositeStream {
	return e.stream
}

func (e *Encoder) MimeType() string {
	return e.mimeType
}

func (e *Encoder) Events() <-chan encoder.Event {
	return e.events
}

func (e *Encoder) WriteVideo(frame stream.VideoFrame) error {
	defer frame.Done()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.flushed {
		return media.ErrInvalidState
	}
	e.frames++
	if frame.Image != nil {
		e.last = image.NewRGBA(frame.Image.Rect)
		copy(e.last.Pix, frame.Image.Pix)
	}
	if e.frameData {
		e.pending = append(e.pending, fmt.Sprintf("frame:%d;", frame.Seq)...)
	}
	return nil
}

func (e *Encoder) WriteAudio(chunk stream.AudioChunk) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.flushed {
		return media.ErrInvalidState
	}
	if e.audio == nil {
		e.audio = make(map[string]int)
	}
	e.audio[chunk.TrackID] += len(chunk.Samples)
	return nil
}

// Emit delivers data as the next chunk
func (e *Encoder) Emit(data []byte) {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()
	e.events <- encoder.Event{Type: encoder.EventData, Chunk: encoder.Chunk{Seq: seq, Data: data}}
}

// Fail delivers a runtime error event
func (e *Encoder) Fail(err error) {
	e.events <- encoder.Event{Type: encoder.EventError, Err: err}
}

// Stop delivers EventStopped, for use with HoldStop
func (e *Encoder) Stop() {
	e.events <- encoder.Event{Type: encoder.EventStopped}
}

func (e *Encoder) Flush() error {
	e.mu.Lock()
	if e.closed || e.flushed {
		e.mu.Unlock()
		return media.ErrInvalidState
	}
	e.flushed = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(pending) > 0 {
		e.Emit(pending)
	}
	if !e.holdStop {
		e.Stop()
	}
	return nil
}

func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Frames returns how many video frames were written
func (e *Encoder) Frames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// LastFrame returns a copy of the most recent video frame, or nil
func (e *Encoder) LastFrame() *image.RGBA {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// AudioSamples returns how many samples were written for trackID
func (e *Encoder) AudioSamples(trackID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audio[trackID]
}

// Flushed reports whether Flush was called
func (e *Encoder) Flushed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushed
}

// Closed reports whether Close was called
func (e *Encoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

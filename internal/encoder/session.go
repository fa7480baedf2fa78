package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/media"
	"github.com/bryanchriswhite/DualCam/internal/stream"
)

// State of an encoding session
type State int

const (
	StateIdle State = iota
	StateRecording
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session binds one encoder to a composite stream and accumulates its chunks.
// It is not safe for concurrent use; the recorder loop owns it.
type Session struct {
	platform Platform
	state    State
	enc      Encoder
	stream   *stream.CompositeStream
	mimeType string
	chunks   []Chunk
	size     int
}

// NewSession creates an idle session on platform
func NewSession(p Platform) *Session {
	return &Session{platform: p}
}

func (s *Session) State() State {
	return s.state
}

// MimeType returns the negotiated type once opened
func (s *Session) MimeType() string {
	return s.mimeType
}

// Chunks returns how many chunks have been accumulated
func (s *Session) Chunks() int {
	return len(s.chunks)
}

// Released reports whether the encoder has been closed
func (s *Session) Released() bool {
	return s.enc == nil
}

// Open starts an encoder bound to cs and attaches it as the stream's sink.
// Fails with media.ErrUnsupportedFormat when the platform rejects opts.MimeType;
// the caller may retry on a fresh session with another type.
func (s *Session) Open(ctx context.Context, cs *stream.CompositeStream, opts Options) error {
	if s.state != StateIdle {
		return fmt.Errorf("%w: open from %s", media.ErrInvalidState, s.state)
	}
	if cs == nil || cs.Released() {
		return fmt.Errorf("%w: stream released", media.ErrInvalidState)
	}
	if !s.platform.Supports(opts.MimeType) {
		return fmt.Errorf("%w: %s rejects %q", media.ErrUnsupportedFormat, s.platform.Name(), opts.MimeType)
	}

	enc, err := s.platform.Open(ctx, cs, opts)
	if err != nil {
		return err
	}
	if err := cs.Attach(enc); err != nil {
		enc.Close()
		return err
	}

	s.enc = enc
	s.stream = cs
	s.mimeType = enc.MimeType()
	s.state = StateRecording

	logger.WithComponent("encoder").Debug().
		Str("platform", s.platform.Name()).
		Str("mime_type", s.mimeType).
		Msg("Encoding session opened")
	return nil
}

// Events returns the encoder's event channel, or nil when no encoder is open.
// A nil channel blocks forever in a select, which is what the recorder loop wants.
func (s *Session) Events() <-chan Event {
	if s.enc == nil {
		return nil
	}
	return s.enc.Events()
}

// Handle applies one encoder event. done is true once the session has closed,
// with either the finalized blob or an error wrapping media.ErrEncodingFailed.
func (s *Session) Handle(ev Event) (*media.Blob, bool, error) {
	if s.state != StateRecording && s.state != StateFinalizing {
		return nil, false, nil
	}

	switch ev.Type {
	case EventData:
		if len(ev.Chunk.Data) == 0 {
			return nil, false, nil
		}
		s.chunks = append(s.chunks, ev.Chunk)
		s.size += len(ev.Chunk.Data)
		return nil, false, nil

	case EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("encoder reported an error")
		}
		return nil, true, s.fail(err)

	case EventStopped:
		if s.state != StateFinalizing {
			return nil, true, s.fail(errors.New("encoder stopped before finalize"))
		}
		blob := s.assemble()
		s.close()
		logger.WithComponent("encoder").Debug().
			Str("mime_type", blob.MimeType).
			Int("bytes", blob.Size()).
			Msg("Encoding session finalized")
		return blob, true, nil
	}
	return nil, false, nil
}

// Finalize asks the encoder to flush; the blob arrives through Handle
func (s *Session) Finalize() error {
	if s.state != StateRecording {
		return fmt.Errorf("%w: finalize from %s", media.ErrInvalidState, s.state)
	}
	s.state = StateFinalizing
	s.stream.Detach()
	if err := s.enc.Flush(); err != nil {
		return s.fail(err)
	}
	return nil
}

// Wait drives Handle from the event channel until the session closes
func (s *Session) Wait(ctx context.Context) (*media.Blob, error) {
	if s.state != StateFinalizing {
		return nil, fmt.Errorf("%w: wait from %s", media.ErrInvalidState, s.state)
	}
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return nil, s.fail(errors.New("encoder event channel closed"))
			}
			if blob, done, err := s.Handle(ev); done {
				return blob, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close releases the encoder and discards anything accumulated. Safe to call more than once.
func (s *Session) Close() {
	if s.state == StateClosed {
		return
	}
	s.close()
}

func (s *Session) fail(err error) error {
	logger.WithComponent("encoder").Error().
		Err(err).
		Int("chunks_discarded", len(s.chunks)).
		Msg("Encoding failed")
	s.close()
	if errors.Is(err, media.ErrEncodingFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", media.ErrEncodingFailed, err)
}

func (s *Session) close() {
	if s.stream != nil {
		s.stream.Detach()
	}
	if s.enc != nil {
		s.enc.Close()
		s.enc = nil
	}
	s.chunks = nil
	s.size = 0
	s.state = StateClosed
}

// assemble concatenates the chunks in delivery order
func (s *Session) assemble() *media.Blob {
	var buf bytes.Buffer
	buf.Grow(s.size)
	for _, c := range s.chunks {
		buf.Write(c.Data)
	}
	return &media.Blob{MimeType: s.mimeType, Data: buf.Bytes()}
}

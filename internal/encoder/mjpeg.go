package encoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image/jpeg"
	"sync"
	"time"

	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/media"
	"github.com/bryanchriswhite/DualCam/internal/stream"
)

const (
	// MJPEGBoundary separates parts in the Motion JPEG container
	MJPEGBoundary = "dualcam"
	// MJPEGMimeType is the container produced by the mjpeg platform
	MJPEGMimeType = "multipart/x-mixed-replace;boundary=" + MJPEGBoundary

	mjpegQueueSize = 32
)

// MJPEG is a pure-Go platform: every composite frame becomes a JPEG part in
// a multipart stream, the same framing browsers accept for MJPEG over HTTP.
// Audio is carried as audio/L16 parts interleaved in tick order.
type MJPEG struct{}

// NewMJPEG creates the mjpeg platform
func NewMJPEG() *MJPEG {
	return &MJPEG{}
}

func (m *MJPEG) Name() string {
	return "mjpeg"
}

func (m *MJPEG) Types() []string {
	return []string{MJPEGMimeType}
}

func (m *MJPEG) Supports(mimeType string) bool {
	mediaType, _, err := parseType(mimeType)
	if err != nil {
		return false
	}
	return mediaType == "multipart/x-mixed-replace" || mediaType == "video/x-motion-jpeg"
}

func (m *MJPEG) Open(ctx context.Context, s *stream.CompositeStream, opts Options) (Encoder, error) {
	if !m.Supports(opts.MimeType) {
		return nil, fmt.Errorf("%w: %s cannot produce %q", media.ErrUnsupportedFormat, m.Name(), opts.MimeType)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	e := &mjpegEncoder{
		opts:    opts,
		emitter: newEmitter(),
		in:      make(chan sinkItem, mjpegQueueSize),
		flush:   make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()

	logger.WithComponent("mjpeg").Info().
		Str("bounds", s.Bounds().String()).
		Int("quality", opts.Quality).
		Int("audio_tracks", len(s.AudioTracks())).
		Dur("timeslice", opts.Timeslice).
		Msg("MJPEG encoder started")
	return e, nil
}

type mjpegEncoder struct {
	opts Options
	emitter
	in    chan sinkItem
	flush chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	flushing bool
	closed   bool
	dropped  uint64

	// owned by run
	chunks chunker
	part   bytes.Buffer
	frames uint64
}

// MimeType always names the fixed boundary the parts are written with
func (e *mjpegEncoder) MimeType() string {
	return MJPEGMimeType
}

func (e *mjpegEncoder) Events() <-chan Event {
	return e.events
}

func (e *mjpegEncoder) WriteVideo(frame stream.VideoFrame) error {
	if err := e.accepting(); err != nil {
		frame.Done()
		return err
	}
	select {
	case e.in <- sinkItem{video: &frame}:
	default:
		// encoder is behind, skip this frame
		frame.Done()
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
	return nil
}

func (e *mjpegEncoder) WriteAudio(chunk stream.AudioChunk) error {
	if err := e.accepting(); err != nil {
		return err
	}
	select {
	case e.in <- sinkItem{audio: &chunk}:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
	return nil
}

func (e *mjpegEncoder) accepting() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.flushing {
		return fmt.Errorf("%w: encoder no longer accepts input", media.ErrInvalidState)
	}
	return nil
}

func (e *mjpegEncoder) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.flushing {
		return fmt.Errorf("%w: encoder already flushing", media.ErrInvalidState)
	}
	e.flushing = true
	close(e.flush)
	return nil
}

func (e *mjpegEncoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	dropped := e.dropped
	e.mu.Unlock()

	e.wg.Wait()
	// return pooled frames still queued
	for {
		select {
		case it := <-e.in:
			if it.video != nil {
				it.video.Done()
			}
		default:
			logger.WithComponent("mjpeg").Debug().
				Uint64("frames", e.frames).
				Uint64("chunks", e.chunks.seq).
				Uint64("dropped", dropped).
				Msg("MJPEG encoder closed")
			return nil
		}
	}
}

func (e *mjpegEncoder) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.Timeslice / 4)
	defer ticker.Stop()
	e.chunks.lastCut = time.Now()

	for {
		select {
		case <-e.done:
			return

		case it := <-e.in:
			if !e.encode(it) {
				return
			}

		case now := <-ticker.C:
			if e.chunks.due(now, e.opts.Timeslice) && !e.deliver(now) {
				return
			}

		case <-e.flush:
			// drain what was queued before Flush
		drain:
			for {
				select {
				case it := <-e.in:
					if !e.encode(it) {
						return
					}
				default:
					break drain
				}
			}
			e.chunks.write([]byte("--"+MJPEGBoundary+"--\r\n"), e.chunks.pts)
			if !e.deliver(time.Now()) {
				return
			}
			e.emit(Event{Type: EventStopped})
			return
		}
	}
}

func (e *mjpegEncoder) deliver(now time.Time) bool {
	chunk, ok := e.chunks.cut(now)
	if !ok {
		return true
	}
	return e.emit(Event{Type: EventData, Chunk: chunk})
}

// encode appends one multipart part; returns false once the encoder must stop
func (e *mjpegEncoder) encode(it sinkItem) bool {
	var err error
	switch {
	case it.video != nil:
		err = e.encodeVideo(*it.video)
	case it.audio != nil:
		e.encodeAudio(*it.audio)
	}
	if err != nil {
		e.emit(Event{Type: EventError, Err: fmt.Errorf("%w: %v", media.ErrEncodingFailed, err)})
		return false
	}
	if e.chunks.buf.Len() >= maxChunkBytes {
		return e.deliver(time.Now())
	}
	return true
}

func (e *mjpegEncoder) encodeVideo(frame stream.VideoFrame) error {
	defer frame.Done()

	e.part.Reset()
	if err := jpeg.Encode(&e.part, frame.Image, &jpeg.Options{Quality: e.opts.Quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	e.frames++

	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\nX-Timestamp: %d\r\n\r\n",
		MJPEGBoundary, e.part.Len(), frame.PTS.Microseconds())
	e.chunks.write([]byte(header), frame.PTS)
	e.chunks.write(e.part.Bytes(), frame.PTS)
	e.chunks.write([]byte("\r\n"), frame.PTS)
	return nil
}

// encodeAudio writes network byte order PCM as RFC 2586 audio/L16 requires
func (e *mjpegEncoder) encodeAudio(chunk stream.AudioChunk) {
	pcm := make([]byte, len(chunk.Samples)*2)
	for i, s := range chunk.Samples {
		binary.BigEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	header := fmt.Sprintf("--%s\r\nContent-Type: audio/L16;rate=%d;channels=%d\r\nContent-Length: %d\r\nX-Track: %s\r\nX-Timestamp: %d\r\n\r\n",
		MJPEGBoundary, chunk.Format.SampleRate, chunk.Format.Channels, len(pcm), chunk.TrackID, chunk.PTS.Microseconds())
	e.chunks.write([]byte(header), chunk.PTS)
	e.chunks.write(pcm, chunk.PTS)
	e.chunks.write([]byte("\r\n"), chunk.PTS)
}

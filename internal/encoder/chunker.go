package encoder

import (
	"bytes"
	"time"

	"github.com/bryanchriswhite/DualCam/internal/stream"
)

// maxChunkBytes forces a chunk out before the timeslice when output piles up
const maxChunkBytes = 1 << 20

// chunker accumulates encoded bytes and cuts them into ordered chunks.
// It is owned by a single encoder goroutine.
type chunker struct {
	buf     bytes.Buffer
	seq     uint64
	pts     time.Duration
	started bool
	lastCut time.Time
}

func (c *chunker) write(p []byte, pts time.Duration) {
	if !c.started {
		c.pts = pts
		c.started = true
	}
	c.buf.Write(p)
}

// due reports whether the pending data should be delivered now
func (c *chunker) due(now time.Time, slice time.Duration) bool {
	if c.buf.Len() == 0 {
		return false
	}
	if c.buf.Len() >= maxChunkBytes {
		return true
	}
	return now.Sub(c.lastCut) >= slice
}

// cut returns the pending data as the next chunk
func (c *chunker) cut(now time.Time) (Chunk, bool) {
	c.lastCut = now
	if c.buf.Len() == 0 {
		return Chunk{}, false
	}
	data := make([]byte, c.buf.Len())
	copy(data, c.buf.Bytes())
	c.buf.Reset()

	c.seq++
	chunk := Chunk{Seq: c.seq, PTS: c.pts, Data: data}
	c.started = false
	return chunk, true
}

// sinkItem is one queued write from the stream
type sinkItem struct {
	video *stream.VideoFrame
	audio *stream.AudioChunk
}

// emitter delivers events without blocking forever once the encoder is closed
type emitter struct {
	events chan Event
	done   chan struct{}
}

func newEmitter() emitter {
	return emitter{
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

func (e emitter) emit(ev Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

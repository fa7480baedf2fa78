package source

import (
	"sync"

	"github.com/bryanchriswhite/DualCam/internal/media"
)

// pcmTrack buffers PCM written by a capture goroutine until the recorder drains it
type pcmTrack struct {
	id     string
	format media.AudioFormat
	limit  int

	mu  sync.Mutex
	buf []int16
}

func newPCMTrack(id string, format media.AudioFormat) *pcmTrack {
	return &pcmTrack{
		id:     id,
		format: format,
		// two seconds; older samples are dropped if nobody drains
		limit: format.SampleRate * format.Channels * 2,
	}
}

func (t *pcmTrack) ID() string {
	return t.id
}

func (t *pcmTrack) Format() media.AudioFormat {
	return t.format
}

func (t *pcmTrack) write(samples []int16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, samples...)
	if over := len(t.buf) - t.limit; over > 0 {
		// keep channel alignment when trimming
		if ch := t.format.Channels; ch > 1 {
			over = (over + ch - 1) / ch * ch
		}
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *pcmTrack) ReadSamples() []int16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.buf) == 0 {
		return nil
	}
	out := t.buf
	t.buf = nil
	return out
}

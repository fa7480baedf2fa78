package stream

import (
	"image"
	"sync"
)

// framePool recycles snapshot images of a single resolution.
// A stream's surface never changes size, so one pool per stream suffices.
// Sinks may return frames from their own goroutines.
type framePool struct {
	mu   sync.Mutex
	pool sync.Pool
	rect image.Rectangle
}

// get returns a pooled image matching rect, or nil so the caller allocates
func (p *framePool) get(rect image.Rectangle) *image.RGBA {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rect != rect {
		// resolution changed, drop everything pooled so far
		p.rect = rect
		p.pool = sync.Pool{}
		return nil
	}
	if v := p.pool.Get(); v != nil {
		return v.(*image.RGBA)
	}
	return nil
}

func (p *framePool) put(img *image.RGBA) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rect == img.Bounds() {
		p.pool.Put(img)
	}
}

package source

import (
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"
	"time"

	"github.com/bryanchriswhite/DualCam/internal/media"
)

const patternSampleRate = 48000

// Pattern is a synthetic source: a solid colour with a moving white bar,
// optionally with a sine tone. Frames advance with wall-clock time at the
// configured FPS.
type Pattern struct {
	id     string
	width  int
	height int
	fps    int
	base   color.RGBA
	start  time.Time
	now    func() time.Time

	mu    sync.Mutex
	ended bool
	frame *media.Frame
	tone  *toneTrack
}

// NewPattern creates a pattern source; the base colour derives from the id
func NewPattern(cfg Config) *Pattern {
	p := &Pattern{
		id:     cfg.ID,
		width:  cfg.Width,
		height: cfg.Height,
		fps:    cfg.FPS,
		base:   colorFor(cfg.ID),
		now:    time.Now,
	}
	p.start = p.now()
	if cfg.ToneHz > 0 {
		p.tone = &toneTrack{
			id:    cfg.ID + "-tone",
			hz:    cfg.ToneHz,
			now:   p.now,
			last:  p.start,
			phase: 0,
		}
	}
	return p
}

func (p *Pattern) ID() string {
	return p.id
}

func (p *Pattern) Dimensions() (int, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height, !p.ended
}

// Frame renders a new image whenever the frame counter advances
func (p *Pattern) Frame() (*media.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ended {
		return nil, media.ErrSourceEnded
	}

	now := p.now()
	seq := uint64(now.Sub(p.start) * time.Duration(p.fps) / time.Second)
	if p.frame != nil && p.frame.Seq == seq {
		return p.frame, nil
	}

	p.frame = &media.Frame{
		Seq:       seq,
		Timestamp: now,
		Image:     p.render(seq),
	}
	return p.frame, nil
}

func (p *Pattern) render(seq uint64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	draw.Draw(img, img.Bounds(), image.NewUniform(p.base), image.Point{}, draw.Src)

	barWidth := max(p.width/16, 1)
	x := int(seq*uint64(barWidth)/2) % p.width
	bar := image.Rect(x, 0, min(x+barWidth, p.width), p.height)
	draw.Draw(img, bar, image.White, image.Point{}, draw.Src)
	return img
}

func (p *Pattern) Audio() media.AudioTrack {
	if p.tone == nil {
		return nil
	}
	return p.tone
}

// End makes the source behave like an unplugged camera
func (p *Pattern) End() {
	p.mu.Lock()
	p.ended = true
	p.mu.Unlock()
}

func (p *Pattern) Close() error {
	p.End()
	return nil
}

// colorFor picks a stable, fairly saturated colour per id
func colorFor(id string) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(id))
	v := h.Sum32()
	return color.RGBA{
		R: uint8(v>>16) | 0x40,
		G: uint8(v>>8) | 0x20,
		B: uint8(v) | 0x40,
		A: 255,
	}
}

// toneTrack synthesises mono PCM for the wall-clock time elapsed between reads
type toneTrack struct {
	id    string
	hz    float64
	now   func() time.Time
	mu    sync.Mutex
	last  time.Time
	phase float64
}

func (t *toneTrack) ID() string {
	return t.id
}

func (t *toneTrack) Format() media.AudioFormat {
	return media.AudioFormat{SampleRate: patternSampleRate, Channels: 1}
}

func (t *toneTrack) ReadSamples() []int16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	elapsed := now.Sub(t.last)
	if elapsed > time.Second {
		elapsed = time.Second
	}
	n := int(elapsed * patternSampleRate / time.Second)
	if n <= 0 {
		return nil
	}
	// advance by whole samples only so no time is lost to rounding
	t.last = t.last.Add(time.Duration(n) * time.Second / patternSampleRate)
	if now.Sub(t.last) > time.Second {
		t.last = now
	}

	out := make([]int16, n)
	step := 2 * math.Pi * t.hz / patternSampleRate
	for i := range out {
		out[i] = int16(math.Sin(t.phase) * 0.2 * math.MaxInt16)
		t.phase += step
	}
	t.phase = math.Mod(t.phase, 2*math.Pi)
	return out
}

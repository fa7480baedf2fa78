package compositor

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/bryanchriswhite/DualCam/internal/logger"
	"github.com/bryanchriswhite/DualCam/internal/media"
)

// Surface is the off-screen composite frame. It is owned by a Compositor and
// is only ever touched from the render loop.
type Surface struct {
	img      *image.RGBA
	released bool
}

// Bounds returns the surface rectangle (empty once released)
func (s *Surface) Bounds() image.Rectangle {
	if s.img == nil {
		return image.Rectangle{}
	}
	return s.img.Bounds()
}

// Released reports whether the surface memory has been given up
func (s *Surface) Released() bool {
	return s.released
}

// CopyTo copies the current composite into dst, allocating when dst is nil
// or the wrong size. Returns nil after release.
func (s *Surface) CopyTo(dst *image.RGBA) *image.RGBA {
	if s.img == nil {
		return nil
	}
	if dst == nil || dst.Bounds() != s.img.Bounds() {
		dst = image.NewRGBA(s.img.Bounds())
	}
	copy(dst.Pix, s.img.Pix)
	return dst
}

// StallChange reports that a region started or stopped freezing
type StallChange struct {
	Region   int
	SourceID string
	Stalled  bool
	Err      error
}

type region struct {
	source  media.VideoSource
	rect    image.Rectangle
	label   *label
	lastSeq uint64
	drawn   bool
	stalled bool
}

// Compositor draws two sources into one surface, A then B, once per tick
type Compositor struct {
	layout  Layout
	interp  draw.Interpolator
	surface *Surface
	regions [2]region
	ticks   uint64
}

// New sizes a surface for the two sources using layout.
// Fails with media.ErrSourceUnavailable when either source has no valid dimensions.
func New(a, b media.VideoSource, layout Layout) (*Compositor, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	sizes := [2]image.Point{}
	for i, src := range []media.VideoSource{a, b} {
		if src == nil {
			return nil, fmt.Errorf("%w: source %d is nil", media.ErrSourceUnavailable, i)
		}
		w, h, ok := src.Dimensions()
		if !ok || w <= 0 || h <= 0 {
			return nil, fmt.Errorf("%w: %s reports %dx%d", media.ErrSourceUnavailable, src.ID(), w, h)
		}
		sizes[i] = image.Pt(w, h)
	}

	plan, err := layout.Plan(sizes[0], sizes[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrSourceUnavailable, err)
	}

	img := image.NewRGBA(image.Rectangle{Max: plan.Size})
	draw.Draw(img, img.Bounds(), image.NewUniform(layout.Background), image.Point{}, draw.Src)

	c := &Compositor{
		layout:  layout,
		interp:  layout.interpolator(),
		surface: &Surface{img: img},
	}
	for i, src := range []media.VideoSource{a, b} {
		c.regions[i] = region{
			source: src,
			rect:   plan.Regions[i],
			label:  newLabel(layout.Labels[i]),
		}
	}

	logger.WithComponent("compositor").Debug().
		Str("arrangement", string(layout.Arrangement)).
		Int("width", plan.Size.X).
		Int("height", plan.Size.Y).
		Str("source_a", a.ID()).
		Str("source_b", b.ID()).
		Msg("Composite surface allocated")

	return c, nil
}

// Surface returns the composite surface
func (c *Compositor) Surface() *Surface {
	return c.surface
}

// Ticks returns how many render ticks have been performed
func (c *Compositor) Ticks() uint64 {
	return c.ticks
}

// Stalled reports whether region i (0 = A, 1 = B) is frozen
func (c *Compositor) Stalled(i int) bool {
	return c.regions[i].stalled
}

// RenderTick draws the latest frame of each source into its region.
// A source that fails keeps its previous pixels and is flagged stalled;
// the returned slice lists stall transitions that happened on this tick.
func (c *Compositor) RenderTick() []StallChange {
	if c.surface.released {
		return nil
	}
	c.ticks++

	var changes []StallChange
	for i := range c.regions {
		if change, ok := c.renderRegion(i); ok {
			changes = append(changes, change)
		}
	}
	return changes
}

func (c *Compositor) renderRegion(i int) (StallChange, bool) {
	r := &c.regions[i]

	frame, err := r.source.Frame()
	if err == nil && (frame == nil || frame.Image == nil) {
		err = media.ErrSourceEnded
	}
	if err != nil {
		if r.stalled {
			return StallChange{}, false
		}
		r.stalled = true
		logger.WithComponent("compositor").Warn().
			Err(err).
			Str("source", r.source.ID()).
			Int("region", i).
			Msg("Source stalled, freezing last frame")
		return StallChange{Region: i, SourceID: r.source.ID(), Stalled: true, Err: err}, true
	}

	if !r.drawn || frame.Seq != r.lastSeq {
		c.interp.Scale(c.surface.img, r.rect, frame.Image, frame.Image.Bounds(), draw.Src, nil)
		r.label.drawOnto(c.surface.img, r.rect)
		r.lastSeq = frame.Seq
		r.drawn = true
	}

	if r.stalled {
		r.stalled = false
		logger.WithComponent("compositor").Info().
			Str("source", r.source.ID()).
			Int("region", i).
			Msg("Source recovered")
		return StallChange{Region: i, SourceID: r.source.ID(), Stalled: false}, true
	}
	return StallChange{}, false
}

// Shutdown releases the surface. Safe to call more than once.
func (c *Compositor) Shutdown() {
	if c.surface.released {
		return
	}
	c.surface.img = nil
	c.surface.released = true
	logger.WithComponent("compositor").Debug().
		Uint64("ticks", c.ticks).
		Msg("Composite surface released")
}

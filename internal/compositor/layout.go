package compositor

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Arrangement selects how the two regions are placed on the surface
type Arrangement string

const (
	// SideBySide scales both sources to a common height, A left of B
	SideBySide Arrangement = "side-by-side"
	// Stacked scales both sources to a common width, A above B
	Stacked Arrangement = "stacked"
)

// Scaler names an interpolator from golang.org/x/image/draw
type Scaler string

const (
	ScalerNearest    Scaler = "nearest"
	ScalerBilinear   Scaler = "bilinear"
	ScalerCatmullRom Scaler = "catmull-rom"
)

// Layout is the compositing policy fixed for the lifetime of a surface
type Layout struct {
	Arrangement Arrangement
	// MaxExtent caps the common dimension (height for SideBySide, width for Stacked). 0 disables the cap.
	MaxExtent int
	Scaler    Scaler
	// Labels are drawn in the top-left corner of each region when non-empty
	Labels     [2]string
	Background color.RGBA
}

// DefaultLayout mirrors the split-screen preview: side by side, labelled
func DefaultLayout() Layout {
	return Layout{
		Arrangement: SideBySide,
		MaxExtent:   720,
		Scaler:      ScalerBilinear,
		Labels:      [2]string{"Front Camera", "Back Camera"},
		Background:  color.RGBA{A: 255},
	}
}

// Plan is the resolved geometry of a composite surface
type Plan struct {
	Size    image.Point
	Regions [2]image.Rectangle
}

// Validate checks the enum fields
func (l Layout) Validate() error {
	switch l.Arrangement {
	case SideBySide, Stacked:
	default:
		return fmt.Errorf("unknown arrangement: %q", l.Arrangement)
	}
	switch l.Scaler {
	case ScalerNearest, ScalerBilinear, ScalerCatmullRom:
	default:
		return fmt.Errorf("unknown scaler: %q", l.Scaler)
	}
	if l.MaxExtent < 0 {
		return fmt.Errorf("max extent must not be negative: %d", l.MaxExtent)
	}
	return nil
}

// Plan sizes the surface for two sources of native size a and b.
// All resulting dimensions are even, which encoders working in 4:2:0 require.
func (l Layout) Plan(a, b image.Point) (Plan, error) {
	if a.X <= 0 || a.Y <= 0 || b.X <= 0 || b.Y <= 0 {
		return Plan{}, fmt.Errorf("invalid source dimensions %v and %v", a, b)
	}

	switch l.Arrangement {
	case SideBySide:
		h := capExtent(min(a.Y, b.Y), l.MaxExtent)
		wa := even(a.X * h / a.Y)
		wb := even(b.X * h / b.Y)
		if h < 2 || wa < 2 || wb < 2 {
			return Plan{}, fmt.Errorf("layout collapses to %dx%d", wa+wb, h)
		}
		return Plan{
			Size: image.Pt(wa+wb, h),
			Regions: [2]image.Rectangle{
				image.Rect(0, 0, wa, h),
				image.Rect(wa, 0, wa+wb, h),
			},
		}, nil

	case Stacked:
		w := capExtent(min(a.X, b.X), l.MaxExtent)
		ha := even(a.Y * w / a.X)
		hb := even(b.Y * w / b.X)
		if w < 2 || ha < 2 || hb < 2 {
			return Plan{}, fmt.Errorf("layout collapses to %dx%d", w, ha+hb)
		}
		return Plan{
			Size: image.Pt(w, ha+hb),
			Regions: [2]image.Rectangle{
				image.Rect(0, 0, w, ha),
				image.Rect(0, ha, w, ha+hb),
			},
		}, nil
	}

	return Plan{}, fmt.Errorf("unknown arrangement: %q", l.Arrangement)
}

func (l Layout) interpolator() draw.Interpolator {
	switch l.Scaler {
	case ScalerNearest:
		return draw.NearestNeighbor
	case ScalerCatmullRom:
		return draw.CatmullRom
	default:
		return draw.ApproxBiLinear
	}
}

func capExtent(v, limit int) int {
	if limit > 0 && v > limit {
		v = limit
	}
	return even(v)
}

func even(v int) int {
	return v &^ 1
}

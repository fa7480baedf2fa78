package compositor

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	labelPadding = 5
	labelOpacity = 0.8
)

var (
	labelText       = color.RGBA{255, 255, 255, 255}
	labelBackground = color.RGBA{0, 0, 0, 160}
)

// label is a pre-rendered caption blended onto a region after each redraw
type label struct {
	img *image.RGBA
}

// newLabel renders text once with basicfont; returns nil for empty text
func newLabel(text string) *label {
	if text == "" {
		return nil
	}

	face := basicfont.Face7x13
	textWidth := font.MeasureString(face, text).Ceil()
	height := face.Metrics().Height.Ceil()

	img := image.NewRGBA(image.Rect(0, 0, textWidth+labelPadding*2, height+labelPadding*2))
	draw.Draw(img, img.Bounds(), image.NewUniform(labelBackground), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelText),
		Face: face,
		Dot:  fixed.P(labelPadding, labelPadding+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)

	return &label{img: img}
}

// drawOnto blends the label into the top-left corner of region, clipped to it
func (l *label) drawOnto(dst *image.RGBA, region image.Rectangle) {
	if l == nil {
		return
	}
	origin := region.Min.Add(image.Pt(labelPadding, labelPadding))
	r := l.img.Bounds().Add(origin).Intersect(region)
	if r.Empty() {
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(labelOpacity * 255)})
	draw.DrawMask(dst, r, l.img, r.Min.Sub(origin), mask, image.Point{}, draw.Over)
}

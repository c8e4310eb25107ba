package display

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	// Line height of the default basicfont face.
	lineHeight = 13
	// Smallest vertical span of the sparkline, so noise is not magnified.
	minSpanMillivolts = 200
)

var (
	background = color.Gray{Y: 0x00}
	foreground = color.Gray{Y: 0xff}
)

// FrameRenderer draws frames into a monochrome image the size of the handheld
// display.
type FrameRenderer struct {
	mu         sync.Mutex
	img        *image.Gray
	drawer     font.Drawer
	lineHeight int
	onRender   func(*image.Gray)
}

// FrameOption configures a FrameRenderer.
type FrameOption func(*FrameRenderer)

// WithFace draws text with face instead of the 7x13 bitmap font.
func WithFace(face font.Face) FrameOption {
	return func(r *FrameRenderer) {
		r.drawer.Face = face
		r.lineHeight = face.Metrics().Height.Ceil()
	}
}

// NewFrameRenderer creates a renderer for a width x height display.
// onRender, if not nil, is called after every frame with the rendered image;
// the image must not be retained.
func NewFrameRenderer(width, height int, onRender func(*image.Gray), opts ...FrameOption) *FrameRenderer {
	img := image.NewGray(image.Rect(0, 0, width, height))
	r := &FrameRenderer{
		img: img,
		drawer: font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(foreground),
			Face: basicfont.Face7x13,
		},
		lineHeight: lineHeight,
		onRender:   onRender,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render draws the record and the voltage history.
func (r *FrameRenderer) Render(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	draw.Draw(r.img, r.img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	rec := f.Record
	r.text(0, fmt.Sprintf("%6.2f V", rec.Millivolts/1000))
	r.text(1, fmt.Sprintf("SHOTS %d", rec.Shots))
	r.text(2, fmt.Sprintf("SEQ %d", rec.Seq))
	r.text(3, fmt.Sprintf("DROP %d SKIP %d", rec.BuffersDropped, rec.SamplesSkipped))

	top := 4*r.lineHeight + 4
	r.sparkline(f.History, image.Rect(0, top, r.img.Rect.Dx(), r.img.Rect.Dy()))

	if r.onRender != nil {
		r.onRender(r.img)
	}
	return nil
}

// Snapshot copies the last rendered image into dst, allocating when dst is nil
// or the wrong size.
func (r *FrameRenderer) Snapshot(dst *image.Gray) *image.Gray {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dst == nil || dst.Rect != r.img.Rect {
		dst = image.NewGray(r.img.Rect)
	}
	copy(dst.Pix, r.img.Pix)
	return dst
}

func (r *FrameRenderer) text(line int, s string) {
	r.drawer.Dot = fixed.P(1, (line+1)*r.lineHeight-2)
	r.drawer.DrawString(s)
}

func (r *FrameRenderer) sparkline(values []float32, area image.Rectangle) {
	if len(values) == 0 || area.Empty() {
		return
	}

	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if span := hi - lo; span < minSpanMillivolts {
		mid := (hi + lo) / 2
		lo, hi = mid-minSpanMillivolts/2, mid+minSpanMillivolts/2
	}

	h := float32(area.Dy() - 1)
	for i, v := range values {
		x := area.Min.X + i*area.Dx()/len(values)
		y := area.Max.Y - 1 - int((v-lo)/(hi-lo)*h)
		r.img.SetGray(x, y, foreground)
	}
}

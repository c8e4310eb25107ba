package scope

import (
	"fmt"
	"image/color"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
)

var (
	gridColor  = color.RGBA{R: 40, G: 40, B: 40, A: 255}
	labelColor = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	traceColor = color.RGBA{R: 255, G: 165, B: 0, A: 255}
	infoColor  = color.RGBA{R: 200, G: 200, B: 200, A: 255}
)

// renderer renders the scope widget.
type renderer struct {
	scope      *Widget
	background *canvas.Rectangle
	objects    []fyne.CanvasObject
	lastSize   fyne.Size
}

// MinSize returns the minimum size of the widget.
func (r *renderer) MinSize() fyne.Size {
	return fyne.NewSize(400, 200)
}

// Layout arranges the widget components.
func (r *renderer) Layout(size fyne.Size) {
	r.background.Resize(size)
	if r.lastSize != size {
		r.lastSize = size
		r.scope.BaseWidget.Refresh()
	}
}

// Refresh rebuilds the plot.
func (r *renderer) Refresh() {
	r.scope.mu.RLock()
	history := append([]float32(nil), r.scope.history...)
	rec := r.scope.record
	yMin, yMax := r.scope.yMin, r.scope.yMax
	r.scope.mu.RUnlock()

	size := r.scope.Size()
	if size.Width == 0 || size.Height == 0 {
		return
	}

	r.objects = []fyne.CanvasObject{r.background}

	const (
		marginLeft   = 60
		marginRight  = 20
		marginTop    = 20
		marginBottom = 20
	)
	plot := plotArea{
		x: marginLeft,
		y: marginTop,
		w: size.Width - marginLeft - marginRight,
		h: size.Height - marginTop - marginBottom,
	}

	r.drawGrid(plot, yMin, yMax)
	r.drawTrace(plot, history, yMin, yMax)
	r.drawInfo(plot, fmt.Sprintf("%.3f V  shots %d  seq %d", rec.Millivolts/1000, rec.Shots, rec.Seq))
}

type plotArea struct {
	x, y, w, h float32
}

func (p plotArea) yOf(v, lo, hi float32) float32 {
	return p.y + p.h - (v-lo)/(hi-lo)*p.h
}

// drawGrid draws the oscilloscope-style grid with voltage labels.
func (r *renderer) drawGrid(p plotArea, yMin, yMax float32) {
	const hLines, vLines = 8, 10

	for i := range hLines + 1 {
		y := p.y + float32(i)*p.h/hLines
		r.line(gridColor, 1, fyne.NewPos(p.x, y), fyne.NewPos(p.x+p.w, y))

		v := yMax - float32(i)*(yMax-yMin)/hLines
		text := canvas.NewText(fmt.Sprintf("%.2fV", v/1000), labelColor)
		text.TextSize = 10
		text.Alignment = fyne.TextAlignTrailing
		text.Move(fyne.NewPos(p.x-5, y-6))
		r.objects = append(r.objects, text)
	}

	for i := range vLines + 1 {
		x := p.x + float32(i)*p.w/vLines
		r.line(gridColor, 1, fyne.NewPos(x, p.y), fyne.NewPos(x, p.y+p.h))
	}
}

// drawTrace draws the history, oldest on the left.
func (r *renderer) drawTrace(p plotArea, values []float32, yMin, yMax float32) {
	if len(values) < 2 {
		return
	}
	step := p.w / float32(len(values)-1)
	prev := fyne.NewPos(p.x, p.yOf(values[0], yMin, yMax))
	for i, v := range values[1:] {
		next := fyne.NewPos(p.x+float32(i+1)*step, p.yOf(v, yMin, yMax))
		r.line(traceColor, 1.5, prev, next)
		prev = next
	}
}

func (r *renderer) drawInfo(p plotArea, s string) {
	text := canvas.NewText(s, infoColor)
	text.TextSize = 11
	text.Move(fyne.NewPos(p.x+10, p.y+10))
	r.objects = append(r.objects, text)
}

func (r *renderer) line(c color.Color, width float32, from, to fyne.Position) {
	l := canvas.NewLine(c)
	l.Position1 = from
	l.Position2 = to
	l.StrokeWidth = width
	r.objects = append(r.objects, l)
}

// Objects returns all canvas objects for rendering.
func (r *renderer) Objects() []fyne.CanvasObject {
	return r.objects
}

// Destroy cleans up resources.
func (r *renderer) Destroy() {}

package display

import (
	"fmt"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
)

// TrueTypeFace parses a TrueType font and returns a face of size points at
// 72 DPI, fully hinted so glyphs land on whole pixels of the monochrome frame.
func TrueTypeFace(ttf []byte, size float64) (font.Face, error) {
	parsed, err := freetype.ParseFont(ttf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	return truetype.NewFace(parsed, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	}), nil
}

package pipeline

import (
	"image"
	"image/color"
	"testing"
)

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestDominantColor_SolidRed(t *testing.T) {
	img := solid(200, 100, color.NRGBA{R: 255, A: 255})

	if got := DominantColor(img); got != "#FF0000" {
		t.Errorf("expected #FF0000, got %s", got)
	}
}

func TestDominantColor_Majority(t *testing.T) {
	img := solid(100, 100, color.NRGBA{B: 255, A: 255})
	// A minority patch must not win.
	for y := range 10 {
		for x := range 10 {
			img.Set(x, y, color.NRGBA{G: 255, A: 255})
		}
	}

	if got := DominantColor(img); got != "#0000FF" {
		t.Errorf("expected #0000FF, got %s", got)
	}
}

func TestDominantColor_NilImage(t *testing.T) {
	if got := DominantColor(nil); got != DefaultDominantColor {
		t.Errorf("expected default %s, got %s", DefaultDominantColor, got)
	}
}

package pipeline

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// DefaultDominantColor is used when extraction fails.
const DefaultDominantColor = "#FFFFFF"

// dominantColorSampleSize is the downsampled raster edge used for counting.
const dominantColorSampleSize = 64

// DominantColor finds the most frequent quantized color in an image and
// returns it as a #RRGGBB hex string. The raster is downsampled first so the
// cost is independent of image size.
func DominantColor(img image.Image) string {
	if img == nil {
		return DefaultDominantColor
	}

	small := imaging.Resize(img, dominantColorSampleSize, 0, imaging.Box)
	bounds := small.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return DefaultDominantColor
	}

	// Quantize to 4 bits per channel to merge near-identical shades.
	counts := make(map[uint32]int)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := small.At(x, y).RGBA()
			key := (r >> 12 << 8) | (g >> 12 << 4) | (b >> 12)
			counts[key]++
		}
	}

	var bestKey uint32
	bestCount := -1
	for key, count := range counts {
		if count > bestCount {
			bestKey = key
			bestCount = count
		}
	}

	r := (bestKey >> 8 & 0xF) * 17
	g := (bestKey >> 4 & 0xF) * 17
	b := (bestKey & 0xF) * 17
	return fmt.Sprintf("#%02X%02X%02X", r, g, b)
}

package pipeline

import (
	"image"
	"strconv"
	"strings"
)

// Astro classification labels.
const (
	AstroStars          = "stars"
	AstroDenseStarField = "dense_star_field"
	AstroMoonPlanets    = "moon_planets"
	AstroDeepSpace      = "deep_space"
)

const (
	astroScoreThreshold  = 0.5
	starBrightnessMin    = 150
	starSizeMin          = 1
	starSizeMax          = 10
	darkPixelBrightness  = 50
	brightPixelThreshold = 200
)

// AstroResult is the scored astrophotography classification of an image.
type AstroResult struct {
	IsAstro        bool    `json:"is_astro"`
	Score          float64 `json:"score"`
	Classification string  `json:"classification,omitempty"`
	StarCount      int     `json:"star_count"`
	DarkRatio      float64 `json:"dark_ratio"`
	AvgBrightness  float64 `json:"avg_brightness"`
	Contrast       float64 `json:"contrast"`
}

// DetectAstro analyzes a raster for astrophotography signals: a dark frame,
// point-like star candidates, low average brightness and high contrast, plus
// long exposure and high ISO hints from capture metadata.
func DetectAstro(img image.Image, exposure string, iso int) AstroResult {
	gray := grayscale(img)
	bounds := gray.Bounds()
	total := bounds.Dx() * bounds.Dy()
	if total == 0 {
		return AstroResult{}
	}

	var darkCount int
	var sum, minB, maxB float64
	minB = 255
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			b := float64(gray.GrayAt(x, y).Y)
			sum += b
			if b < darkPixelBrightness {
				darkCount++
			}
			if b < minB {
				minB = b
			}
			if b > maxB {
				maxB = b
			}
		}
	}

	result := AstroResult{
		DarkRatio:     float64(darkCount) / float64(total),
		AvgBrightness: sum / float64(total),
		StarCount:     countStarCandidates(gray),
	}
	if maxB > 0 {
		result.Contrast = (maxB - minB) / 255
	}

	if result.DarkRatio >= 0.6 {
		result.Score += 0.3
	}
	switch {
	case result.StarCount >= 50:
		result.Score += 0.4
	case result.StarCount >= 10:
		result.Score += 0.2
	}
	if result.AvgBrightness <= 30 {
		result.Score += 0.2
	}
	if result.Contrast >= 0.3 {
		result.Score += 0.1
	}
	if exposureSeconds(exposure) > 5 {
		result.Score += 0.1
	}
	if iso > 1600 {
		result.Score += 0.05
	}

	result.IsAstro = result.Score >= astroScoreThreshold
	if result.IsAstro {
		result.Classification = classifyAstro(gray, result)
	}
	return result
}

// classifyAstro picks a label for a frame already identified as astro.
func classifyAstro(gray *image.Gray, r AstroResult) string {
	switch {
	case r.StarCount >= 200:
		return AstroDenseStarField
	case hasLargeBrightRegion(gray):
		return AstroMoonPlanets
	case r.StarCount >= 10:
		return AstroStars
	default:
		return AstroDeepSpace
	}
}

// countStarCandidates counts connected components of bright pixels whose
// size is within the star range. Larger blobs (the moon, light pollution)
// are rejected.
func countStarCandidates(gray *image.Gray) int {
	bounds := gray.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	visited := make([]bool, w*h)

	at := func(x, y int) uint8 {
		return gray.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y
	}

	count := 0
	var stack [][2]int
	for y := range h {
		for x := range w {
			if visited[y*w+x] || at(x, y) < starBrightnessMin {
				continue
			}

			// Flood fill the component.
			size := 0
			stack = append(stack[:0], [2]int{x, y})
			visited[y*w+x] = true
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				size++
				for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
					nx, ny := p[0]+d[0], p[1]+d[1]
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					if visited[ny*w+nx] || at(nx, ny) < starBrightnessMin {
						continue
					}
					visited[ny*w+nx] = true
					stack = append(stack, [2]int{nx, ny})
				}
			}

			if size >= starSizeMin && size <= starSizeMax {
				count++
			}
		}
	}
	return count
}

// hasLargeBrightRegion reports whether a substantial share of the frame is
// very bright, which suggests the moon or a planet rather than stars.
func hasLargeBrightRegion(gray *image.Gray) bool {
	bounds := gray.Bounds()
	total := bounds.Dx() * bounds.Dy()
	if total == 0 {
		return false
	}
	bright := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if gray.GrayAt(x, y).Y >= brightPixelThreshold {
				bright++
			}
		}
	}
	return float64(bright)/float64(total) >= 0.005
}

// grayscale converts any raster to 8-bit grayscale.
func grayscale(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok {
		return gray
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	return gray
}

// exposureSeconds parses an exposure string like "1/200" or "30" to seconds.
func exposureSeconds(exposure string) float64 {
	if exposure == "" {
		return 0
	}
	if num, den, ok := strings.Cut(exposure, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	s, err := strconv.ParseFloat(exposure, 64)
	if err != nil {
		return 0
	}
	return s
}

package pipeline

import (
	"image"
	"image/color"
	"testing"
)

// nightSky builds a dark raster with count single-pixel stars spread on a
// diagonal grid so no two candidates touch.
func nightSky(w, h, count int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range count {
		x := (i * 7 % (w - 4)) + 2
		y := (i * 13 % (h - 4)) + 2
		img.SetGray(x, y, color.Gray{Y: 220})
	}
	return img
}

func TestDetectAstro_StarField(t *testing.T) {
	img := nightSky(400, 300, 80)

	result := DetectAstro(img, "30", 3200)

	if !result.IsAstro {
		t.Fatalf("expected astro classification, score %f", result.Score)
	}
	if result.StarCount < 50 {
		t.Errorf("expected at least 50 star candidates, got %d", result.StarCount)
	}
	if result.DarkRatio < 0.6 {
		t.Errorf("expected dark ratio >= 0.6, got %f", result.DarkRatio)
	}
	if result.Classification == "" {
		t.Error("astro frames must carry a classification")
	}
}

func TestDetectAstro_DaylightPhoto(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 200, 200))
	for y := range 200 {
		for x := range 200 {
			img.SetGray(x, y, color.Gray{Y: 180})
		}
	}

	result := DetectAstro(img, "1/250", 100)

	if result.IsAstro {
		t.Errorf("daylight frame misclassified as astro, score %f", result.Score)
	}
}

func TestDetectAstro_MoonShot(t *testing.T) {
	// Dark frame with one large bright disc.
	img := image.NewGray(image.Rect(0, 0, 200, 200))
	for y := 90; y < 110; y++ {
		for x := 90; x < 110; x++ {
			img.SetGray(x, y, color.Gray{Y: 250})
		}
	}

	result := DetectAstro(img, "1/125", 200)

	if !result.IsAstro {
		t.Fatalf("expected astro classification, score %f", result.Score)
	}
	if result.Classification != AstroMoonPlanets {
		t.Errorf("expected %s, got %s", AstroMoonPlanets, result.Classification)
	}
	// The disc is far larger than a star candidate.
	if result.StarCount != 0 {
		t.Errorf("expected no star candidates, got %d", result.StarCount)
	}
}

func TestCountStarCandidates_RejectsLargeBlobs(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 100, 100))
	// A 5x5 blob (size 25) is above the star size limit.
	for y := 10; y < 15; y++ {
		for x := 10; x < 15; x++ {
			img.SetGray(x, y, color.Gray{Y: 200})
		}
	}
	// A 2x2 blob (size 4) is a valid candidate.
	img.SetGray(50, 50, color.Gray{Y: 200})
	img.SetGray(51, 50, color.Gray{Y: 200})
	img.SetGray(50, 51, color.Gray{Y: 200})
	img.SetGray(51, 51, color.Gray{Y: 200})

	if got := countStarCandidates(img); got != 1 {
		t.Errorf("expected 1 candidate, got %d", got)
	}
}

func TestExposureSeconds(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"1/200", 0.005},
		{"30", 30},
		{"", 0},
		{"abc", 0},
		{"1/0", 0},
	}
	for _, tc := range tests {
		if got := exposureSeconds(tc.in); got != tc.want {
			t.Errorf("exposureSeconds(%q) = %f, want %f", tc.in, got, tc.want)
		}
	}
}

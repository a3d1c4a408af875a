package pipeline

import (
	"image"
	"image/color"
	"testing"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/compreface"
)

func TestMapBoxToRaw_Identity(t *testing.T) {
	box := Box{10, 20, 110, 140}
	if got := mapBoxToRaw(box, 1, 640, 480); got != box {
		t.Errorf("orientation 1 must not change the box, got %+v", got)
	}
}

func TestMapBoxToRaw_Rotated180(t *testing.T) {
	got := mapBoxToRaw(Box{10, 20, 110, 140}, 3, 640, 480)
	want := Box{530, 340, 630, 460}
	if got != want {
		t.Errorf("orientation 3: got %+v, want %+v", got, want)
	}
}

func TestMapBoxToRaw_Rotated90CW(t *testing.T) {
	// Raw 640x480, display is 480x640. A box near the display top-left maps
	// to the raw bottom-left.
	got := mapBoxToRaw(Box{10, 20, 110, 140}, 6, 640, 480)
	want := Box{20, 370, 140, 470}
	if got != want {
		t.Errorf("orientation 6: got %+v, want %+v", got, want)
	}
}

func TestMapBoxToRaw_Rotated90CCW(t *testing.T) {
	got := mapBoxToRaw(Box{10, 20, 110, 140}, 8, 640, 480)
	want := Box{500, 10, 620, 110}
	if got != want {
		t.Errorf("orientation 8: got %+v, want %+v", got, want)
	}
}

func TestMapBoxToRaw_PreservesSize(t *testing.T) {
	box := Box{15, 25, 95, 145}
	for _, orientation := range []int{1, 3, 5, 6, 7, 8} {
		got := mapBoxToRaw(box, orientation, 640, 480)
		gw, gh := got.XMax-got.XMin, got.YMax-got.YMin
		bw, bh := box.XMax-box.XMin, box.YMax-box.YMin
		rotated := orientation >= 5
		if rotated {
			bw, bh = bh, bw
		}
		if gw != bw || gh != bh {
			t.Errorf("orientation %d: box %dx%d became %dx%d", orientation, bw, bh, gw, gh)
		}
	}
}

func TestClampBox(t *testing.T) {
	if got, ok := clampBox(Box{-10, -10, 50, 50}, 100, 100); !ok || got.XMin != 0 || got.YMin != 0 {
		t.Errorf("expected clamp to origin, got %+v ok=%v", got, ok)
	}
	if got, ok := clampBox(Box{50, 50, 150, 150}, 100, 100); !ok || got.XMax != 100 || got.YMax != 100 {
		t.Errorf("expected clamp to bounds, got %+v ok=%v", got, ok)
	}
	if _, ok := clampBox(Box{200, 200, 300, 300}, 100, 100); ok {
		t.Error("fully outside box must be rejected")
	}
}

// TestExtractFaceCrop_RoundTrip paints a marker in display space, maps it
// through a rotated raw raster and checks the upright crop recovers it.
func TestExtractFaceCrop_RoundTrip(t *testing.T) {
	// Raw raster 100x60. With orientation 6 the display is 60x100; the
	// display-space box {10,20,30,50} covers raw {20,30,50,50}. Mark that
	// raw region red.
	raw := image.NewNRGBA(image.Rect(0, 0, 100, 60))
	for y := 30; y < 50; y++ {
		for x := 20; x < 50; x++ {
			raw.Set(x, y, color.NRGBA{R: 255, A: 255})
		}
	}

	det := compreface.BoundingBox{XMin: 10, YMin: 20, XMax: 30, YMax: 50}
	crop, err := ExtractFaceCrop(raw, det, 6)
	if err != nil {
		t.Fatalf("ExtractFaceCrop failed: %v", err)
	}

	// The upright crop must have display proportions: 20 wide, 30 tall.
	bounds := crop.Bounds()
	if bounds.Dx() != 20 || bounds.Dy() != 30 {
		t.Errorf("expected 20x30 crop, got %dx%d", bounds.Dx(), bounds.Dy())
	}
}

func TestExtractFaceCrop_OutsideRaster(t *testing.T) {
	raw := image.NewNRGBA(image.Rect(0, 0, 100, 60))
	det := compreface.BoundingBox{XMin: 500, YMin: 500, XMax: 600, YMax: 600}

	if _, err := ExtractFaceCrop(raw, det, 1); err == nil {
		t.Error("expected an error for a box outside the raster")
	}
}

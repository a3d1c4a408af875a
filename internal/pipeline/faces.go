package pipeline

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/compreface"
)

// Box is a pixel-space bounding box.
type Box struct {
	XMin, YMin, XMax, YMax int
}

// mapBoxToRaw converts a bounding box given in display orientation into raw
// raster coordinates. The face service sees the image auto-oriented, while
// the raster on disk is stored in raw sensor orientation; rawW and rawH are
// the raw raster dimensions.
func mapBoxToRaw(b Box, orientation, rawW, rawH int) Box {
	switch orientation {
	case 3: // rotated 180
		return Box{rawW - b.XMax, rawH - b.YMax, rawW - b.XMin, rawH - b.YMin}
	case 6: // display = raw rotated 90 CW
		return Box{b.YMin, rawH - b.XMax, b.YMax, rawH - b.XMin}
	case 8: // display = raw rotated 90 CCW
		return Box{rawW - b.YMax, b.XMin, rawW - b.YMin, b.XMax}
	case 5: // mirrored then rotated (transpose)
		return Box{b.YMin, b.XMin, b.YMax, b.XMax}
	case 7: // mirrored then rotated (transverse)
		return Box{rawW - b.YMax, rawH - b.XMax, rawW - b.YMin, rawH - b.XMin}
	default: // 1 and the pure mirror codes keep axes
		return b
	}
}

// uprightFace rotates a raw-orientation crop so the face is displayed
// upright, reversing the raw-to-display transform for the crop only.
func uprightFace(crop image.Image, orientation int) image.Image {
	switch orientation {
	case 3:
		return imaging.Rotate180(crop)
	case 6:
		return imaging.Rotate270(crop)
	case 8:
		return imaging.Rotate90(crop)
	case 5:
		return imaging.Transpose(crop)
	case 7:
		return imaging.Transverse(crop)
	default:
		return crop
	}
}

// clampBox restricts a box to the raster bounds. Returns false when nothing
// of the box remains.
func clampBox(b Box, w, h int) (Box, bool) {
	if b.XMin < 0 {
		b.XMin = 0
	}
	if b.YMin < 0 {
		b.YMin = 0
	}
	if b.XMax > w {
		b.XMax = w
	}
	if b.YMax > h {
		b.YMax = h
	}
	if b.XMax <= b.XMin || b.YMax <= b.YMin {
		return Box{}, false
	}
	return b, true
}

// ExtractFaceCrop cuts a detected face out of the raw raster and orients it
// upright. The bounding box is in display coordinates as reported by the
// face service.
func ExtractFaceCrop(raster image.Image, det compreface.BoundingBox, orientation int) (image.Image, error) {
	bounds := raster.Bounds()
	rawW, rawH := bounds.Dx(), bounds.Dy()

	box := mapBoxToRaw(Box{det.XMin, det.YMin, det.XMax, det.YMax}, orientation, rawW, rawH)
	box, ok := clampBox(box, rawW, rawH)
	if !ok {
		return nil, fmt.Errorf("face box %+v outside raster %dx%d", det, rawW, rawH)
	}

	crop := imaging.Crop(raster, image.Rect(
		bounds.Min.X+box.XMin, bounds.Min.Y+box.YMin,
		bounds.Min.X+box.XMax, bounds.Min.Y+box.YMax))
	return uprightFace(crop, orientation), nil
}

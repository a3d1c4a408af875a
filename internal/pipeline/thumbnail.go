package pipeline

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// WriteThumbnail renders a fitted thumbnail of the display-oriented raster
// and saves it as JPEG at destPath.
func WriteThumbnail(raster image.Image, orientation, size, quality int, destPath string) error {
	if size <= 0 {
		size = 300
	}
	if quality <= 0 {
		quality = 85
	}

	oriented := orientRaster(raster, orientation)
	thumb := imaging.Fit(oriented, size, size, imaging.Lanczos)

	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return fmt.Errorf("create thumbnail directory: %w", err)
	}
	if err := imaging.Save(thumb, destPath, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("save thumbnail: %w", err)
	}
	return nil
}

// orientRaster applies the EXIF orientation so the raster displays upright.
func orientRaster(raster image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(raster)
	case 3:
		return imaging.Rotate180(raster)
	case 4:
		return imaging.FlipV(raster)
	case 5:
		return imaging.Transpose(raster)
	case 6:
		return imaging.Rotate270(raster)
	case 7:
		return imaging.Transverse(raster)
	case 8:
		return imaging.Rotate90(raster)
	default:
		return raster
	}
}

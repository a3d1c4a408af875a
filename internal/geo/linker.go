package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/constants"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// Geolocation link provenance.
const (
	MethodExifGPS     = "exif_gps"
	MethodRetroactive = "retroactive"
)

// minLinkConfidence is the floor for a city at the edge of the radius.
const minLinkConfidence = 0.1

// linkBatchSize is the page size for retroactive scans.
const linkBatchSize = 500

// Linker resolves image GPS coordinates to the nearest gazetteer city.
type Linker struct {
	db          *database.Stores
	radiusMiles float64
}

// New creates a linker with the default search radius.
func New(db *database.Stores) *Linker {
	return &Linker{db: db, radiusMiles: constants.DefaultGeoRadiusMiles}
}

// LinkImage links a freshly processed image to its nearest city. Images
// without GPS coordinates, and coordinates with no city inside the radius,
// are silently left unlinked.
func (l *Linker) LinkImage(ctx context.Context, img *database.Image) error {
	if img.Latitude == nil || img.Longitude == nil {
		return nil
	}
	_, err := l.link(ctx, img, MethodExifGPS)
	return err
}

// link performs one lookup-and-save. Returns whether a link was written.
func (l *Linker) link(ctx context.Context, img *database.Image, method string) (bool, error) {
	city, distance, ok, err := l.db.Geo.NearestCity(ctx, *img.Latitude, *img.Longitude, l.radiusMiles)
	if err != nil {
		return false, fmt.Errorf("nearest city for image %d: %w", img.ID, err)
	}
	if !ok {
		return false, nil
	}

	confidence := 1 - distance/l.radiusMiles
	if confidence < minLinkConfidence {
		confidence = minLinkConfidence
	}
	link := &database.ImageGeolocation{
		ImageID:       img.ID,
		CityID:        city.ID,
		Confidence:    confidence,
		DistanceMiles: distance,
		Method:        method,
		CreatedAt:     time.Now(),
	}
	if err := l.db.Geo.SaveImageGeolocation(ctx, link); err != nil {
		return false, fmt.Errorf("save geolocation for image %d: %w", img.ID, err)
	}
	return true, nil
}

// ScanReport summarizes a retroactive linking pass.
type ScanReport struct {
	ImagesScanned int      `json:"images_scanned"`
	Linked        int      `json:"linked"`
	NoCity        int      `json:"no_city"`
	Errors        []string `json:"errors,omitempty"`
}

// LinkAll links every GPS-tagged image that has no geolocation yet, in
// pages. progress may be nil.
func (l *Linker) LinkAll(ctx context.Context, progress func(scanned int)) (*ScanReport, error) {
	cities, err := l.db.Geo.CountCities(ctx)
	if err != nil {
		return nil, fmt.Errorf("count cities: %w", err)
	}
	if cities == 0 {
		return nil, fmt.Errorf("gazetteer is empty, import cities first")
	}

	// Images that stay unlinked (out of radius, lookup error) reappear in
	// the next page query, so track what was already scanned.
	seen := make(map[int64]bool)
	report := &ScanReport{}
	for {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		images, err := l.db.Images.ListImagesWithGPS(ctx, linkBatchSize)
		if err != nil {
			return report, fmt.Errorf("list images with gps: %w", err)
		}

		fresh := 0
		for i := range images {
			img := &images[i]
			if seen[img.ID] {
				continue
			}
			seen[img.ID] = true
			fresh++
			report.ImagesScanned++
			if progress != nil {
				progress(report.ImagesScanned)
			}
			linked, err := l.link(ctx, img, MethodRetroactive)
			switch {
			case err != nil:
				report.Errors = append(report.Errors, err.Error())
			case linked:
				report.Linked++
			default:
				report.NoCity++
			}
		}
		if fresh == 0 {
			return report, nil
		}
	}
}

// Package exif extracts capture metadata from image files. Decoding is
// best-effort: files without usable EXIF data still yield a metadata record
// with the file's modification time as the capture date.
package exif

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	goexif "github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// Date source labels, ordered by reliability. The extractor records which
// source produced the capture date so downstream consumers can weigh it.
const (
	SourceDateTimeOriginal = "DateTimeOriginal"
	SourceCreateDate       = "CreateDate"
	SourceModifyDate       = "ModifyDate"
	SourceFileModifyDate   = "FileModifyDate"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// Metadata is the typed projection of an image's EXIF block plus the raw
// tag dump for archival.
type Metadata struct {
	DateTaken   time.Time
	DateSource  string
	CameraMake  string
	CameraModel string
	LensModel   string
	Software    string
	Orientation int
	Width       int
	Height      int
	ISO         int
	FNumber     float64
	FocalLength float64
	Exposure    string
	Latitude    *float64
	Longitude   *float64
	Altitude    *float64
	Raw         json.RawMessage
}

// HasGPS reports whether the image carries a usable GPS position.
func (m *Metadata) HasGPS() bool {
	return m.Latitude != nil && m.Longitude != nil
}

// Extract reads the EXIF block of the file at path. A missing or corrupt
// EXIF block is not an error: the result falls back to file times and the
// date source records the fallback.
func Extract(path string) (*Metadata, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}

	meta := &Metadata{
		DateTaken:   stat.ModTime(),
		DateSource:  SourceFileModifyDate,
		Orientation: 1,
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	x, err := goexif.Decode(f)
	if err != nil {
		// No EXIF block. The mtime fallback already set above applies.
		return meta, nil
	}

	if taken, source, ok := captureDate(x); ok {
		meta.DateTaken = taken
		meta.DateSource = source
	}

	meta.CameraMake = stringTag(x, goexif.Make)
	meta.CameraModel = stringTag(x, goexif.Model)
	meta.LensModel = stringTag(x, goexif.LensModel)
	meta.Software = stringTag(x, goexif.Software)
	meta.Orientation = intTag(x, goexif.Orientation, 1)
	meta.Width = intTag(x, goexif.PixelXDimension, 0)
	meta.Height = intTag(x, goexif.PixelYDimension, 0)
	meta.ISO = intTag(x, goexif.ISOSpeedRatings, 0)
	meta.FNumber = ratioTag(x, goexif.FNumber)
	meta.FocalLength = ratioTag(x, goexif.FocalLength)
	meta.Exposure = exposureTag(x)

	if lat, long, err := x.LatLong(); err == nil {
		meta.Latitude = &lat
		meta.Longitude = &long
	}
	if alt := ratioTag(x, goexif.GPSAltitude); alt != 0 {
		meta.Altitude = &alt
	}

	meta.Raw = rawDump(x)
	return meta, nil
}

// captureDate walks the date tags from most to least reliable and returns
// the first that parses. The full fallback chain would also consult IPTC
// DateCreated and the filesystem creation date between ModifyDate and
// mtime, but goexif decodes only the EXIF IFDs, so those rungs are
// unavailable here; files without any EXIF date fall back to mtime in
// Extract.
func captureDate(x *goexif.Exif) (time.Time, string, bool) {
	candidates := []struct {
		field  goexif.FieldName
		source string
	}{
		{goexif.DateTimeOriginal, SourceDateTimeOriginal},
		{goexif.DateTimeDigitized, SourceCreateDate},
		{goexif.DateTime, SourceModifyDate},
	}
	for _, c := range candidates {
		tag, err := x.Get(c.field)
		if err != nil {
			continue
		}
		raw, err := tag.StringVal()
		if err != nil {
			continue
		}
		if t, err := ParseExifTime(raw); err == nil {
			return t, c.source, true
		}
	}
	return time.Time{}, "", false
}

// ParseExifTime parses the EXIF "YYYY:MM:DD HH:MM:SS" timestamp format in
// the local timezone. Cameras do not record zone offsets in this field.
func ParseExifTime(value string) (time.Time, error) {
	t, err := time.ParseInLocation(exifTimeLayout, value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse exif timestamp %q: %w", value, err)
	}
	if t.Year() < 1900 {
		return time.Time{}, fmt.Errorf("exif timestamp %q predates photography", value)
	}
	return t, nil
}

func stringTag(x *goexif.Exif, field goexif.FieldName) string {
	tag, err := x.Get(field)
	if err != nil {
		return ""
	}
	v, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return v
}

func intTag(x *goexif.Exif, field goexif.FieldName, fallback int) int {
	tag, err := x.Get(field)
	if err != nil {
		return fallback
	}
	v, err := tag.Int(0)
	if err != nil {
		return fallback
	}
	return v
}

func ratioTag(x *goexif.Exif, field goexif.FieldName) float64 {
	tag, err := x.Get(field)
	if err != nil {
		return 0
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// exposureTag renders exposure time as the conventional fraction, e.g.
// "1/200".
func exposureTag(x *goexif.Exif) string {
	tag, err := x.Get(goexif.ExposureTime)
	if err != nil {
		return ""
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return ""
	}
	if den == 1 {
		return fmt.Sprintf("%d", num)
	}
	return fmt.Sprintf("%d/%d", num, den)
}

type tagCollector struct {
	tags map[string]string
}

func (c *tagCollector) Walk(name goexif.FieldName, tag *tiff.Tag) error {
	c.tags[string(name)] = tag.String()
	return nil
}

// rawDump serializes every decoded tag as a string map for archival in the
// metadata table.
func rawDump(x *goexif.Exif) json.RawMessage {
	c := &tagCollector{tags: make(map[string]string)}
	if err := x.Walk(c); err != nil {
		return nil
	}
	data, err := json.Marshal(c.tags)
	if err != nil {
		return nil
	}
	return data
}

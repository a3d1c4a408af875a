package geo

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// importBatchSize is how many cities are written per store call.
const importBatchSize = 1000

// header aliases accepted in gazetteer CSV files.
var cityColumnAliases = map[string]string{
	"city":        "name",
	"city_ascii":  "name",
	"name":        "name",
	"state_code":  "state_code",
	"admin_code":  "state_code",
	"state_name":  "state_name",
	"admin_name":  "state_name",
	"country":     "country",
	"country_iso": "country",
	"iso2":        "country",
	"lat":         "lat",
	"latitude":    "lat",
	"lng":         "lon",
	"lon":         "lon",
	"longitude":   "lon",
	"population":  "population",
}

// ImportCitiesCSV loads a gazetteer CSV into the geo store and returns how
// many cities were imported. The first row must be a header; column order
// is free and common column name variants are accepted.
func (l *Linker) ImportCitiesCSV(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open gazetteer: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("read gazetteer header: %w", err)
	}
	columns := make(map[string]int)
	for i, name := range header {
		if canonical, ok := cityColumnAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
			if _, taken := columns[canonical]; !taken {
				columns[canonical] = i
			}
		}
	}
	for _, required := range []string{"name", "lat", "lon"} {
		if _, ok := columns[required]; !ok {
			return 0, fmt.Errorf("gazetteer is missing a %s column", required)
		}
	}

	total := 0
	line := 1
	var batch []database.GeoCity
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := l.db.Geo.ImportCities(ctx, batch)
		total += n
		batch = batch[:0]
		return err
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("read gazetteer line %d: %w", line+1, err)
		}
		line++

		city, err := cityFromRecord(record, columns)
		if err != nil {
			return total, fmt.Errorf("gazetteer line %d: %w", line, err)
		}
		batch = append(batch, *city)
		if len(batch) >= importBatchSize {
			if err := flush(); err != nil {
				return total, fmt.Errorf("import cities: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return total, fmt.Errorf("import cities: %w", err)
	}
	return total, nil
}

func cityFromRecord(record []string, columns map[string]int) (*database.GeoCity, error) {
	field := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	name := field("name")
	if name == "" {
		return nil, fmt.Errorf("empty city name")
	}
	lat, err := strconv.ParseFloat(field("lat"), 64)
	if err != nil {
		return nil, fmt.Errorf("bad latitude %q", field("lat"))
	}
	lon, err := strconv.ParseFloat(field("lon"), 64)
	if err != nil {
		return nil, fmt.Errorf("bad longitude %q", field("lon"))
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("coordinates out of range: %f, %f", lat, lon)
	}

	population := int64(0)
	if raw := field("population"); raw != "" {
		// Some gazetteer exports format population as a float.
		value, err := strconv.ParseFloat(raw, 64)
		if err == nil {
			population = int64(value)
		}
	}

	return &database.GeoCity{
		Name:       name,
		StateCode:  field("state_code"),
		StateName:  field("state_name"),
		CountryISO: strings.ToUpper(field("country")),
		Latitude:   lat,
		Longitude:  lon,
		Population: population,
	}, nil
}

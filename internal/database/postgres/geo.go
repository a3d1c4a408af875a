package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// GeoRepository provides PostgreSQL-backed gazetteer and geolocation storage.
type GeoRepository struct {
	pool *Pool
}

var _ database.GeoStore = (*GeoRepository)(nil)

// NewGeoRepository creates a new PostgreSQL geo repository.
func NewGeoRepository(pool *Pool) *GeoRepository {
	return &GeoRepository{pool: pool}
}

// ImportCities bulk-loads gazetteer cities inside a single transaction.
func (r *GeoRepository) ImportCities(ctx context.Context, cities []database.GeoCity) (int, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO geo_cities (name, state_code, state_name, country_iso, latitude, longitude, population)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare city insert: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, city := range cities {
		if _, err := stmt.ExecContext(ctx,
			city.Name, city.StateCode, city.StateName, city.CountryISO,
			city.Latitude, city.Longitude, city.Population,
		); err != nil {
			return 0, fmt.Errorf("insert city %q: %w", city.Name, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit city import: %w", err)
	}
	return written, nil
}

// CountCities returns the gazetteer size.
func (r *GeoRepository) CountCities(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM geo_cities").Scan(&count); err != nil {
		return 0, fmt.Errorf("count cities: %w", err)
	}
	return count, nil
}

// NearestCity finds the closest city within radiusMiles of the point using
// the haversine great-circle distance. A bounding-box prefilter keeps the
// scan off most of the gazetteer.
func (r *GeoRepository) NearestCity(ctx context.Context, lat, lon, radiusMiles float64) (*database.GeoCity, float64, bool, error) {
	// One degree of latitude is about 69 miles; longitude degrees shrink
	// with cos(latitude). The box is deliberately generous.
	const milesPerDegree = 69.0
	latDelta := radiusMiles/milesPerDegree + 0.01
	lonDelta := latDelta * 2

	query := `
		SELECT id, name, state_code, state_name, country_iso, latitude, longitude, population,
		       3958.8 * acos(LEAST(1.0,
		           cos(radians($1)) * cos(radians(latitude)) * cos(radians(longitude) - radians($2)) +
		           sin(radians($1)) * sin(radians(latitude))
		       )) AS distance_miles
		FROM geo_cities
		WHERE latitude BETWEEN $1 - $4 AND $1 + $4
		  AND longitude BETWEEN $2 - $5 AND $2 + $5
		  AND 3958.8 * acos(LEAST(1.0,
		          cos(radians($1)) * cos(radians(latitude)) * cos(radians(longitude) - radians($2)) +
		          sin(radians($1)) * sin(radians(latitude))
		      )) <= $3
		ORDER BY distance_miles
		LIMIT 1
	`
	var city database.GeoCity
	var distance float64
	err := r.pool.QueryRow(ctx, query, lat, lon, radiusMiles, latDelta, lonDelta).Scan(
		&city.ID, &city.Name, &city.StateCode, &city.StateName, &city.CountryISO,
		&city.Latitude, &city.Longitude, &city.Population, &distance,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("nearest city: %w", err)
	}
	return &city, distance, true, nil
}

// SaveImageGeolocation upserts an image's geolocation link.
func (r *GeoRepository) SaveImageGeolocation(ctx context.Context, link *database.ImageGeolocation) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO image_geolocations (image_id, city_id, confidence, distance_miles, method)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (image_id) DO UPDATE SET
			city_id = EXCLUDED.city_id,
			confidence = EXCLUDED.confidence,
			distance_miles = EXCLUDED.distance_miles,
			method = EXCLUDED.method
	`, link.ImageID, link.CityID, link.Confidence, link.DistanceMiles, link.Method)
	if err != nil {
		return fmt.Errorf("save image geolocation: %w", err)
	}
	return nil
}

// GetImageGeolocation retrieves a link, false when absent.
func (r *GeoRepository) GetImageGeolocation(ctx context.Context, imageID int64) (*database.ImageGeolocation, bool, error) {
	var link database.ImageGeolocation
	err := r.pool.QueryRow(ctx, `
		SELECT image_id, city_id, confidence, distance_miles, method, created_at
		FROM image_geolocations
		WHERE image_id = $1
	`, imageID).Scan(
		&link.ImageID, &link.CityID, &link.Confidence, &link.DistanceMiles, &link.Method, &link.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get image geolocation: %w", err)
	}
	return &link, true, nil
}

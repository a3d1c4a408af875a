// Package legacy reads the previous generation's MySQL photo database as a
// one-way migration source. Nothing here ever writes to the legacy side.
package legacy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Person is a named identity in the legacy database.
type Person struct {
	ID   int64
	Name string
}

// Image is a legacy photo row. Path is the absolute location on disk the
// legacy system recorded; the migration re-hashes the file into the
// content-addressed layout.
type Image struct {
	ID        int64
	Filename  string
	Path      string
	DateTaken *time.Time
}

// Face is a legacy face detection, optionally assigned to a person.
type Face struct {
	ID         int64
	ImageID    int64
	PersonID   *int64
	XMin       int
	YMin       int
	XMax       int
	YMax       int
	Confidence float64
}

// Reader is the read surface the migrator consumes.
type Reader interface {
	Persons(ctx context.Context) ([]Person, error)
	Images(ctx context.Context, limit, offset int) ([]Image, error)
	Faces(ctx context.Context, imageID int64) ([]Face, error)
	Close() error
}

// Source reads the legacy MySQL database.
type Source struct {
	db *sql.DB
}

var _ Reader = (*Source)(nil)

// Open connects to the legacy database. dsn is a go-sql-driver DSN, e.g.
// "user:pass@tcp(host:3306)/photos?parseTime=true".
func Open(dsn string) (*Source, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open legacy database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Source{db: db}, nil
}

// Close releases the connection pool.
func (s *Source) Close() error {
	return s.db.Close()
}

// Persons returns every legacy person.
func (s *Source) Persons(ctx context.Context) ([]Person, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name FROM persons ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query legacy persons: %w", err)
	}
	defer rows.Close()

	var persons []Person
	for rows.Next() {
		var p Person
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, fmt.Errorf("scan legacy person: %w", err)
		}
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

// Images returns a page of legacy images ordered by id.
func (s *Source) Images(ctx context.Context, limit, offset int) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, original_path, date_taken
		 FROM images ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query legacy images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		var taken sql.NullTime
		if err := rows.Scan(&img.ID, &img.Filename, &img.Path, &taken); err != nil {
			return nil, fmt.Errorf("scan legacy image: %w", err)
		}
		if taken.Valid {
			t := taken.Time
			img.DateTaken = &t
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// Faces returns the face rows of one legacy image.
func (s *Source) Faces(ctx context.Context, imageID int64) ([]Face, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, image_id, person_id, x_min, y_min, x_max, y_max, detection_confidence
		 FROM detected_faces WHERE image_id = ? ORDER BY id`, imageID)
	if err != nil {
		return nil, fmt.Errorf("query legacy faces: %w", err)
	}
	defer rows.Close()

	var faces []Face
	for rows.Next() {
		var f Face
		var personID sql.NullInt64
		if err := rows.Scan(&f.ID, &f.ImageID, &personID,
			&f.XMin, &f.YMin, &f.XMax, &f.YMax, &f.Confidence); err != nil {
			return nil, fmt.Errorf("scan legacy face: %w", err)
		}
		if personID.Valid {
			id := personID.Int64
			f.PersonID = &id
		}
		faces = append(faces, f)
	}
	return faces, rows.Err()
}

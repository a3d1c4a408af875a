package geo

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database/mock"
)

func newFixture(t *testing.T) (*Linker, *database.Stores) {
	t.Helper()
	db := mock.NewStores()
	return New(db), db
}

func seedCities(t *testing.T, db *database.Stores, cities ...database.GeoCity) {
	t.Helper()
	if _, err := db.Geo.ImportCities(context.Background(), cities); err != nil {
		t.Fatalf("import cities: %v", err)
	}
}

func addGPSImage(t *testing.T, db *database.Stores, lat, lon float64) *database.Image {
	t.Helper()
	img := &database.Image{
		Filename: "photo.jpg",
		FileHash: "hash",
		Latitude: &lat, Longitude: &lon,
	}
	id, err := db.Images.CreateImage(context.Background(), img)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	img.ID = id
	return img
}

func TestLinkImage_NearestCityWithinRadius(t *testing.T) {
	linker, db := newFixture(t)
	ctx := context.Background()

	seedCities(t, db,
		database.GeoCity{Name: "Portland", StateCode: "OR", CountryISO: "US", Latitude: 45.5152, Longitude: -122.6784},
		database.GeoCity{Name: "Seattle", StateCode: "WA", CountryISO: "US", Latitude: 47.6062, Longitude: -122.3321},
	)

	// A point a couple of miles from downtown Portland.
	img := addGPSImage(t, db, 45.5300, -122.6500)
	if err := linker.LinkImage(ctx, img); err != nil {
		t.Fatalf("link: %v", err)
	}

	link, ok, err := db.Geo.GetImageGeolocation(ctx, img.ID)
	if err != nil || !ok {
		t.Fatalf("get link: ok=%v err=%v", ok, err)
	}
	city, _, _, _ := db.Geo.NearestCity(ctx, 45.5152, -122.6784, 1)
	if link.CityID != city.ID {
		t.Errorf("linked city %d, want Portland (%d)", link.CityID, city.ID)
	}
	if link.Method != MethodExifGPS {
		t.Errorf("method = %q, want %q", link.Method, MethodExifGPS)
	}
	if link.DistanceMiles <= 0 || link.DistanceMiles > 5 {
		t.Errorf("distance = %.2f miles, want a few miles", link.DistanceMiles)
	}
	wantConfidence := 1 - link.DistanceMiles/linker.radiusMiles
	if math.Abs(link.Confidence-wantConfidence) > 1e-9 {
		t.Errorf("confidence = %.4f, want %.4f", link.Confidence, wantConfidence)
	}
}

func TestLinkImage_NoGPSIsNoop(t *testing.T) {
	linker, db := newFixture(t)
	ctx := context.Background()

	seedCities(t, db, database.GeoCity{Name: "Portland", Latitude: 45.5152, Longitude: -122.6784})

	img := &database.Image{Filename: "indoor.jpg", FileHash: "h"}
	id, err := db.Images.CreateImage(ctx, img)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	img.ID = id

	if err := linker.LinkImage(ctx, img); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, ok, _ := db.Geo.GetImageGeolocation(ctx, img.ID); ok {
		t.Error("image without GPS got a geolocation link")
	}
}

func TestLinkImage_OutsideRadiusUnlinked(t *testing.T) {
	linker, db := newFixture(t)
	ctx := context.Background()

	seedCities(t, db, database.GeoCity{Name: "Portland", Latitude: 45.5152, Longitude: -122.6784})

	// Middle of the Pacific, far beyond the search radius.
	img := addGPSImage(t, db, 30.0, -150.0)
	if err := linker.LinkImage(ctx, img); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, ok, _ := db.Geo.GetImageGeolocation(ctx, img.ID); ok {
		t.Error("image outside the radius got a geolocation link")
	}
}

func TestLinkAll_Retroactive(t *testing.T) {
	linker, db := newFixture(t)
	ctx := context.Background()

	seedCities(t, db, database.GeoCity{Name: "Portland", Latitude: 45.5152, Longitude: -122.6784})

	near := addGPSImage(t, db, 45.52, -122.68)
	far := addGPSImage(t, db, 30.0, -150.0)
	noGPS := &database.Image{Filename: "indoor.jpg", FileHash: "h2"}
	if _, err := db.Images.CreateImage(ctx, noGPS); err != nil {
		t.Fatalf("create image: %v", err)
	}

	var calls int
	report, err := linker.LinkAll(ctx, func(int) { calls++ })
	if err != nil {
		t.Fatalf("link all: %v", err)
	}
	if report.ImagesScanned != 2 || calls != 2 {
		t.Errorf("scanned = %d (progress %d), want 2", report.ImagesScanned, calls)
	}
	if report.Linked != 1 || report.NoCity != 1 {
		t.Errorf("linked = %d, no city = %d, want 1 and 1", report.Linked, report.NoCity)
	}

	link, ok, _ := db.Geo.GetImageGeolocation(ctx, near.ID)
	if !ok {
		t.Fatal("near image not linked")
	}
	if link.Method != MethodRetroactive {
		t.Errorf("method = %q, want %q", link.Method, MethodRetroactive)
	}
	if _, ok, _ := db.Geo.GetImageGeolocation(ctx, far.ID); ok {
		t.Error("far image got a link")
	}

	// A second pass finds nothing new to do.
	report, err = linker.LinkAll(ctx, nil)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if report.Linked != 0 {
		t.Errorf("second pass linked %d images", report.Linked)
	}
}

func TestLinkAll_EmptyGazetteerRefused(t *testing.T) {
	linker, db := newFixture(t)
	addGPSImage(t, db, 45.52, -122.68)

	if _, err := linker.LinkAll(context.Background(), nil); err == nil {
		t.Fatal("expected an error with an empty gazetteer")
	}
}

func TestImportCitiesCSV(t *testing.T) {
	linker, db := newFixture(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "cities.csv")
	csv := "city,state_code,state_name,country_iso,lat,lng,population\n" +
		"Portland,OR,Oregon,us,45.5152,-122.6784,652503\n" +
		"Seattle,WA,Washington,US,47.6062,-122.3321,737015.0\n"
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	n, err := linker.ImportCitiesCSV(ctx, path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported = %d, want 2", n)
	}
	count, _ := db.Geo.CountCities(ctx)
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	city, distance, ok, err := db.Geo.NearestCity(ctx, 47.60, -122.33, 10)
	if err != nil || !ok {
		t.Fatalf("nearest: ok=%v err=%v", ok, err)
	}
	if city.Name != "Seattle" || city.CountryISO != "US" || city.Population != 737015 {
		t.Errorf("city = %+v", city)
	}
	if distance > 1 {
		t.Errorf("distance = %.2f, want under a mile", distance)
	}
}

func TestImportCitiesCSV_MissingColumn(t *testing.T) {
	linker, _ := newFixture(t)

	path := filepath.Join(t.TempDir(), "cities.csv")
	if err := os.WriteFile(path, []byte("city,lat\nPortland,45.5\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if _, err := linker.ImportCitiesCSV(context.Background(), path); err == nil {
		t.Fatal("expected an error for a csv without longitude")
	}
}

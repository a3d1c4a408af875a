package pipeline

import (
	_ "embed"
	"fmt"
	"log"
	"math"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/constants"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/exif"
)

//go:embed screen_resolutions.yaml
var screenResolutionsYAML []byte

var screenResolutions = loadScreenResolutions()

type resolutionTable struct {
	Resolutions [][2]int `yaml:"resolutions"`
}

func loadScreenResolutions() map[[2]int]bool {
	var table resolutionTable
	if err := yaml.Unmarshal(screenResolutionsYAML, &table); err != nil {
		log.Printf("screenshot: failed to load resolution table: %v", err)
		return map[[2]int]bool{}
	}
	set := make(map[[2]int]bool, len(table.Resolutions)*2)
	for _, r := range table.Resolutions {
		set[[2]int{r[0], r[1]}] = true
		set[[2]int{r[1], r[0]}] = true
	}
	return set
}

// Filename patterns produced by screenshot tooling across platforms.
var screenshotFilenamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^screenshot[_\s-]`),
	regexp.MustCompile(`(?i)^screen[_\s-]?shot`),
	regexp.MustCompile(`(?i)^capture[_\s-]`),
	regexp.MustCompile(`(?i)^schermafbeelding`),
	regexp.MustCompile(`(?i)^bildschirmfoto`),
	regexp.MustCompile(`(?i)^snimek`),
	regexp.MustCompile(`(?i)[_\s-]screenshot`),
}

var screenshotSoftwareIndicators = []string{
	"screenshot", "snipping", "snagit", "greenshot", "lightshot", "flameshot",
}

// Object classes that indicate a photo of a screen or UI.
var uiObjectClasses = map[string]bool{
	"tv": true, "laptop": true, "monitor": true, "cell phone": true,
	"keyboard": true, "mouse": true, "remote": true, "screen": true,
}

// Object classes typical of real-world photography.
var photoSubjectClasses = map[string]bool{
	"person": true, "dog": true, "cat": true, "bird": true, "horse": true,
	"tree": true, "flower": true, "car": true, "bicycle": true, "boat": true,
	"mountain": true, "beach": true, "sky": true, "food": true, "pizza": true,
	"cake": true, "building": true, "bridge": true,
}

// ScreenshotResult is the scored classification of an image as a screenshot.
type ScreenshotResult struct {
	IsScreenshot bool
	Score        int
	Reasons      []string
}

// DetectScreenshot scores the likelihood that an image is a screenshot
// rather than a photograph. The score saturates at 100; at or above the
// threshold the image is classified as a screenshot.
func DetectScreenshot(filename, mimeType string, width, height int, meta *exif.Metadata, objs []database.DetectedObject) ScreenshotResult {
	score := 0
	signals := 0
	var reasons []string

	add := func(points int, reason string) {
		score += points
		signals++
		reasons = append(reasons, reason)
	}

	for _, pattern := range screenshotFilenamePatterns {
		if pattern.MatchString(filename) {
			add(40, "Filename matches screenshot pattern")
			break
		}
	}

	if meta == nil || (meta.CameraMake == "" && meta.CameraModel == "") {
		add(15, "No camera metadata found")
	}

	if meta != nil && meta.Software != "" {
		software := strings.ToLower(meta.Software)
		for _, indicator := range screenshotSoftwareIndicators {
			if strings.Contains(software, indicator) {
				add(25, fmt.Sprintf("Software field indicates screenshot tool: %s", meta.Software))
				break
			}
		}
	}

	if meta != nil && meta.FocalLength == 0 && meta.FNumber == 0 && meta.ISO == 0 {
		add(10, "No exposure metadata (focal length, aperture, ISO)")
	}

	if mimeType == "image/png" {
		add(15, "PNG format")
	}

	if width > 0 && height > 0 && screenResolutions[[2]int{width, height}] {
		add(20, "Resolution matches common screen size")
	}

	hasUI := false
	hasPhotoSubject := false
	for _, obj := range objs {
		if uiObjectClasses[obj.Class] {
			hasUI = true
		}
		if photoSubjectClasses[obj.Class] {
			hasPhotoSubject = true
		}
	}
	if hasUI {
		add(15, "Contains UI or device objects")
	}
	if len(objs) > 0 && !hasPhotoSubject {
		add(10, "No typical photo subjects detected")
	}

	if width > 0 && height > 0 {
		ratio := float64(width) / float64(height)
		if math.Abs(ratio-1.0) < 0.1 {
			add(5, "Near-square aspect ratio")
		}
	}

	if signals >= 3 {
		score += 5
		reasons = append(reasons, "Multiple screenshot signals present")
	}

	if score > 100 {
		score = 100
	}

	return ScreenshotResult{
		IsScreenshot: score >= constants.ScreenshotScoreThreshold,
		Score:        score,
		Reasons:      reasons,
	}
}

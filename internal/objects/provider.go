// Package objects detects objects in photos through vision-capable AI
// providers. The numeric model internals live behind the provider APIs; this
// package owns the prompt, the response contract and threshold filtering.
package objects

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
)

//go:embed prompts/object_detection.txt
var objectDetectionPrompt string

// Detection is a single object found in an image. Coordinates are pixels in
// the submitted raster.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	XMin       int     `json:"x_min"`
	YMin       int     `json:"y_min"`
	XMax       int     `json:"x_max"`
	YMax       int     `json:"y_max"`
}

// detectionEnvelope is the JSON contract the providers ask the model for.
type detectionEnvelope struct {
	Objects []Detection `json:"objects"`
}

// Provider defines the interface for object detection backends.
type Provider interface {
	Name() string
	DetectObjects(ctx context.Context, imageData []byte) ([]Detection, error)
}

// buildDetectionPrompt returns the embedded detection prompt.
func buildDetectionPrompt() string {
	return objectDetectionPrompt
}

// parseDetections decodes a model response into detections, normalizing
// class names to lowercase and dropping malformed entries.
func parseDetections(content string) ([]Detection, error) {
	var envelope detectionEnvelope
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse detection JSON: %w (response: %s)", err, content)
	}

	detections := make([]Detection, 0, len(envelope.Objects))
	for _, d := range envelope.Objects {
		d.Class = strings.ToLower(strings.TrimSpace(d.Class))
		if d.Class == "" {
			continue
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			continue
		}
		detections = append(detections, d)
	}
	return detections, nil
}

// FilterByConfidence keeps detections at or above the threshold.
func FilterByConfidence(detections []Detection, threshold float64) []Detection {
	kept := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Confidence >= threshold {
			kept = append(kept, d)
		}
	}
	return kept
}

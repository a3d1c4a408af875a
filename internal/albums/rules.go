package albums

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// ImageFacts bundles everything rule evaluation may look at.
type ImageFacts struct {
	Image    *database.Image
	Objects  []database.DetectedObject
	Faces    []database.DetectedFace
	Metadata *database.ImageMetadata // nil when no EXIF was archived
}

// ObjectRules matches images containing detected object classes.
type ObjectRules struct {
	Classes       []string `json:"classes" yaml:"classes"`
	MinConfidence float64  `json:"min_confidence" yaml:"min_confidence"`
	MinMatches    int      `json:"min_matches" yaml:"min_matches"`
}

// PersonRules matches images showing specific persons or enough faces.
type PersonRules struct {
	PersonIDs []int64 `json:"person_ids" yaml:"person_ids"`
	MinFaces  int     `json:"min_faces" yaml:"min_faces"`
}

// TimeRules matches on when the photo was taken. StartTime/EndTime support
// ranges that wrap past midnight; Anniversary matches month and day across
// years.
type TimeRules struct {
	StartDate   string `json:"start_date" yaml:"start_date"` // 2006-01-02
	EndDate     string `json:"end_date" yaml:"end_date"`
	DaysOfWeek  []int  `json:"days_of_week" yaml:"days_of_week"` // 0 = Sunday
	StartTime   string `json:"start_time" yaml:"start_time"`     // 15:04
	EndTime     string `json:"end_time" yaml:"end_time"`
	Anniversary string `json:"anniversary" yaml:"anniversary"` // 01-02
}

// CharacteristicRules matches derived image properties.
type CharacteristicRules struct {
	IsScreenshot *bool  `json:"is_screenshot,omitempty" yaml:"is_screenshot"`
	IsAstro      *bool  `json:"is_astro,omitempty" yaml:"is_astro"`
	IsSelfie     *bool  `json:"is_selfie,omitempty" yaml:"is_selfie"`
	ColorGroup   string `json:"color_group,omitempty" yaml:"color_group"`
}

// TechnicalRules matches archived EXIF camera settings.
type TechnicalRules struct {
	CameraContains string  `json:"camera_contains" yaml:"camera_contains"`
	LensContains   string  `json:"lens_contains" yaml:"lens_contains"`
	ISOMin         int     `json:"iso_min" yaml:"iso_min"`
	ISOMax         int     `json:"iso_max" yaml:"iso_max"`
	ApertureMin    float64 `json:"aperture_min" yaml:"aperture_min"`
	ApertureMax    float64 `json:"aperture_max" yaml:"aperture_max"`
}

// CustomRule is one step of an ordered rule chain. Operator binds the rule
// to the running result and is empty on the first rule.
type CustomRule struct {
	RuleType string          `json:"rule_type" yaml:"rule_type"`
	Operator string          `json:"operator" yaml:"operator"` // AND, OR, NOT
	Params   json.RawMessage `json:"params" yaml:"params"`
}

// CustomRules is the rule document of a custom_rule album.
type CustomRules struct {
	Rules []CustomRule `json:"rules" yaml:"rules"`
}

// Custom rule step types.
const (
	CustomRuleObjects        = "object_detection"
	CustomRuleMinFaces       = "min_faces"
	CustomRuleTime           = "time"
	CustomRuleCharacteristic = "characteristic"
	CustomRuleTechnical      = "technical"
)

// evaluate decides whether facts satisfy the album's rules, with what
// confidence, and why. Reasons are only populated on a match and are stored
// alongside the membership so a user can see why an image landed in an
// album.
func (e *Engine) evaluate(album *database.SmartAlbum, facts *ImageFacts) (bool, float64, []string, error) {
	switch album.Type {
	case database.AlbumTypeObject:
		var rules ObjectRules
		if err := json.Unmarshal(album.Rules, &rules); err != nil {
			return false, 0, nil, fmt.Errorf("object rules: %w", err)
		}
		return evalObjects(&rules, facts.Objects)
	case database.AlbumTypePerson:
		var rules PersonRules
		if err := json.Unmarshal(album.Rules, &rules); err != nil {
			return false, 0, nil, fmt.Errorf("person rules: %w", err)
		}
		matched, reasons := evalPersons(&rules, facts.Faces)
		return matched, 1.0, reasons, nil
	case database.AlbumTypeTime:
		var rules TimeRules
		if err := json.Unmarshal(album.Rules, &rules); err != nil {
			return false, 0, nil, fmt.Errorf("time rules: %w", err)
		}
		if !evalTime(&rules, facts.Image.DateTaken) {
			return false, 0, nil, nil
		}
		reason := fmt.Sprintf("taken %s", facts.Image.DateTaken.Format("2006-01-02"))
		return true, 1.0, []string{reason}, nil
	case database.AlbumTypeCharacteristic:
		var rules CharacteristicRules
		if err := json.Unmarshal(album.Rules, &rules); err != nil {
			return false, 0, nil, fmt.Errorf("characteristic rules: %w", err)
		}
		matched, reasons := e.evalCharacteristic(&rules, facts)
		return matched, 1.0, reasons, nil
	case database.AlbumTypeTechnical:
		var rules TechnicalRules
		if err := json.Unmarshal(album.Rules, &rules); err != nil {
			return false, 0, nil, fmt.Errorf("technical rules: %w", err)
		}
		if !evalTechnical(&rules, facts.Metadata) {
			return false, 0, nil, nil
		}
		return true, 1.0, []string{"camera settings match"}, nil
	case database.AlbumTypeCustom:
		var rules CustomRules
		if err := json.Unmarshal(album.Rules, &rules); err != nil {
			return false, 0, nil, fmt.Errorf("custom rules: %w", err)
		}
		matched, err := e.evalCustom(&rules, facts)
		if err != nil || !matched {
			return false, 0, nil, err
		}
		return true, 1.0, []string{"custom rule chain matched"}, nil
	default:
		return false, 0, nil, fmt.Errorf("unknown album type %q", album.Type)
	}
}

// evalObjects requires enough detected classes at the confidence floor.
// Confidence is the best matching detection's confidence; reasons name
// each matched class once with its best score.
func evalObjects(rules *ObjectRules, objects []database.DetectedObject) (bool, float64, []string, error) {
	if len(rules.Classes) == 0 {
		return false, 0, nil, nil
	}
	wanted := make(map[string]bool, len(rules.Classes))
	for _, class := range rules.Classes {
		wanted[strings.ToLower(class)] = true
	}
	minMatches := rules.MinMatches
	if minMatches < 1 {
		minMatches = 1
	}

	matches := 0
	best := 0.0
	bestByClass := make(map[string]float64)
	for _, obj := range objects {
		class := strings.ToLower(obj.Class)
		if !wanted[class] || obj.Confidence < rules.MinConfidence {
			continue
		}
		matches++
		if obj.Confidence > best {
			best = obj.Confidence
		}
		if obj.Confidence > bestByClass[class] {
			bestByClass[class] = obj.Confidence
		}
	}
	if matches < minMatches {
		return false, 0, nil, nil
	}

	classes := make([]string, 0, len(bestByClass))
	for class := range bestByClass {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	reasons := make([]string, 0, len(classes))
	for _, class := range classes {
		reasons = append(reasons, fmt.Sprintf("contains %s (%.2f)", class, bestByClass[class]))
	}
	return true, best, reasons, nil
}

func evalPersons(rules *PersonRules, faces []database.DetectedFace) (bool, []string) {
	if rules.MinFaces > 0 && len(faces) < rules.MinFaces {
		return false, nil
	}
	var reasons []string
	if rules.MinFaces > 0 {
		reasons = append(reasons, fmt.Sprintf("%d faces (minimum %d)", len(faces), rules.MinFaces))
	}
	if len(rules.PersonIDs) == 0 {
		return rules.MinFaces > 0, reasons
	}
	present := make(map[int64]bool)
	for _, f := range faces {
		if f.PersonID != nil {
			present[*f.PersonID] = true
		}
	}
	for _, id := range rules.PersonIDs {
		if !present[id] {
			return false, nil
		}
		reasons = append(reasons, fmt.Sprintf("shows person %d", id))
	}
	return true, reasons
}

func evalTime(rules *TimeRules, taken *time.Time) bool {
	if taken == nil {
		return false
	}
	t := *taken

	if rules.StartDate != "" {
		start, err := time.Parse("2006-01-02", rules.StartDate)
		if err != nil || t.Before(start) {
			return false
		}
	}
	if rules.EndDate != "" {
		end, err := time.Parse("2006-01-02", rules.EndDate)
		if err != nil || t.After(end.Add(24*time.Hour-time.Nanosecond)) {
			return false
		}
	}
	if len(rules.DaysOfWeek) > 0 {
		ok := false
		for _, day := range rules.DaysOfWeek {
			if int(t.Weekday()) == day {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if rules.StartTime != "" && rules.EndTime != "" {
		if !inTimeOfDay(t, rules.StartTime, rules.EndTime) {
			return false
		}
	}
	if rules.Anniversary != "" {
		anniversary, err := time.Parse("01-02", rules.Anniversary)
		if err != nil || t.Month() != anniversary.Month() || t.Day() != anniversary.Day() {
			return false
		}
	}
	return true
}

// inTimeOfDay checks a clock-time range, wrapping past midnight when the
// end is earlier than the start (e.g. 20:00-04:00).
func inTimeOfDay(t time.Time, startClock, endClock string) bool {
	start, err := time.Parse("15:04", startClock)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", endClock)
	if err != nil {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return minute >= startMin && minute <= endMin
	}
	return minute >= startMin || minute <= endMin
}

func (e *Engine) evalCharacteristic(rules *CharacteristicRules, facts *ImageFacts) (bool, []string) {
	img := facts.Image
	var reasons []string
	if rules.IsScreenshot != nil {
		if img.IsScreenshot != *rules.IsScreenshot {
			return false, nil
		}
		if *rules.IsScreenshot {
			reasons = append(reasons, "screenshot")
		} else {
			reasons = append(reasons, "not a screenshot")
		}
	}
	if rules.IsAstro != nil {
		if img.IsAstro != *rules.IsAstro {
			return false, nil
		}
		if *rules.IsAstro {
			reasons = append(reasons, "astrophotography")
		} else {
			reasons = append(reasons, "not astrophotography")
		}
	}
	if rules.IsSelfie != nil {
		if isSelfie(facts) != *rules.IsSelfie {
			return false, nil
		}
		if *rules.IsSelfie {
			reasons = append(reasons, "selfie")
		} else {
			reasons = append(reasons, "not a selfie")
		}
	}
	if rules.ColorGroup != "" {
		if img.DominantColor == "" || !e.colors.InGroup(img.DominantColor, rules.ColorGroup) {
			return false, nil
		}
		reasons = append(reasons, fmt.Sprintf("dominant color in %s group", rules.ColorGroup))
	}
	return true, reasons
}

// isSelfie: at least one face and the front camera recorded in EXIF.
func isSelfie(facts *ImageFacts) bool {
	if len(facts.Faces) == 0 || facts.Metadata == nil {
		return false
	}
	lens := strings.ToLower(facts.Metadata.LensModel)
	camera := strings.ToLower(facts.Metadata.CameraModel)
	return strings.Contains(lens, "front") || strings.Contains(camera, "front")
}

func evalTechnical(rules *TechnicalRules, meta *database.ImageMetadata) bool {
	if meta == nil {
		return false
	}
	if rules.CameraContains != "" &&
		!strings.Contains(strings.ToLower(meta.CameraModel), strings.ToLower(rules.CameraContains)) {
		return false
	}
	if rules.LensContains != "" &&
		!strings.Contains(strings.ToLower(meta.LensModel), strings.ToLower(rules.LensContains)) {
		return false
	}
	if rules.ISOMin > 0 && meta.ISO < rules.ISOMin {
		return false
	}
	if rules.ISOMax > 0 && meta.ISO > rules.ISOMax {
		return false
	}
	if rules.ApertureMin > 0 && meta.FNumber < rules.ApertureMin {
		return false
	}
	if rules.ApertureMax > 0 && meta.FNumber > rules.ApertureMax {
		return false
	}
	return true
}

// evalCustom combines the rule chain left to right with each rule's own
// operator: AND, OR or NOT (NOT means "and not").
func (e *Engine) evalCustom(rules *CustomRules, facts *ImageFacts) (bool, error) {
	if len(rules.Rules) == 0 {
		return false, nil
	}
	result := false
	for i, rule := range rules.Rules {
		value, err := e.evalCustomStep(&rule, facts)
		if err != nil {
			return false, fmt.Errorf("rule %d (%s): %w", i, rule.RuleType, err)
		}
		if i == 0 {
			result = value
			continue
		}
		switch strings.ToUpper(rule.Operator) {
		case "AND", "":
			result = result && value
		case "OR":
			result = result || value
		case "NOT":
			result = result && !value
		default:
			return false, fmt.Errorf("rule %d: unknown operator %q", i, rule.Operator)
		}
	}
	return result, nil
}

func (e *Engine) evalCustomStep(rule *CustomRule, facts *ImageFacts) (bool, error) {
	switch rule.RuleType {
	case CustomRuleObjects:
		var params ObjectRules
		if err := json.Unmarshal(rule.Params, &params); err != nil {
			return false, err
		}
		matched, _, _, err := evalObjects(&params, facts.Objects)
		return matched, err
	case CustomRuleMinFaces:
		var params struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(rule.Params, &params); err != nil {
			return false, err
		}
		return len(facts.Faces) >= params.Count, nil
	case CustomRuleTime:
		var params TimeRules
		if err := json.Unmarshal(rule.Params, &params); err != nil {
			return false, err
		}
		return evalTime(&params, facts.Image.DateTaken), nil
	case CustomRuleCharacteristic:
		var params CharacteristicRules
		if err := json.Unmarshal(rule.Params, &params); err != nil {
			return false, err
		}
		matched, _ := e.evalCharacteristic(&params, facts)
		return matched, nil
	case CustomRuleTechnical:
		var params TechnicalRules
		if err := json.Unmarshal(rule.Params, &params); err != nil {
			return false, err
		}
		return evalTechnical(&params, facts.Metadata), nil
	default:
		return false, fmt.Errorf("unknown rule type %q", rule.RuleType)
	}
}

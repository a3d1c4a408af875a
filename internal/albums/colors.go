package albums

import (
	_ "embed"
	"log"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed color_groups.yaml
var colorGroupsYAML []byte

var defaultColors = loadColorTable()

type colorTableDoc struct {
	Colors map[string]string   `yaml:"colors"`
	Groups map[string][]string `yaml:"groups"`
}

type namedColor struct {
	name    string
	r, g, b int
}

// colorTable maps a dominant color to its group by nearest reference color.
type colorTable struct {
	colors []namedColor
	groups map[string]map[string]bool // group -> color names
}

func loadColorTable() *colorTable {
	var doc colorTableDoc
	if err := yaml.Unmarshal(colorGroupsYAML, &doc); err != nil {
		log.Printf("albums: failed to load color table: %v", err)
		return &colorTable{groups: map[string]map[string]bool{}}
	}

	table := &colorTable{groups: make(map[string]map[string]bool, len(doc.Groups))}
	for name, hex := range doc.Colors {
		r, g, b, ok := parseHexColor(hex)
		if !ok {
			log.Printf("albums: bad reference color %s=%s", name, hex)
			continue
		}
		table.colors = append(table.colors, namedColor{name: name, r: r, g: g, b: b})
	}
	for group, names := range doc.Groups {
		set := make(map[string]bool, len(names))
		for _, name := range names {
			set[name] = true
		}
		table.groups[group] = set
	}
	return table
}

// Nearest returns the reference color name closest to a #RRGGBB value, or
// "" when the value cannot be parsed.
func (t *colorTable) Nearest(hex string) string {
	r, g, b, ok := parseHexColor(hex)
	if !ok {
		return ""
	}
	best := ""
	bestDistance := -1
	for _, c := range t.colors {
		d := sq(r-c.r) + sq(g-c.g) + sq(b-c.b)
		if bestDistance < 0 || d < bestDistance {
			bestDistance = d
			best = c.name
		}
	}
	return best
}

// InGroup reports whether a dominant color falls in the named group.
func (t *colorTable) InGroup(hex, group string) bool {
	set, ok := t.groups[strings.ToLower(group)]
	if !ok {
		return false
	}
	return set[t.Nearest(hex)]
}

func parseHexColor(hex string) (r, g, b int, ok bool) {
	hex = strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(hex) != 6 {
		return 0, 0, 0, false
	}
	value, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	return int(value >> 16 & 0xFF), int(value >> 8 & 0xFF), int(value & 0xFF), true
}

func sq(v int) int { return v * v }

// Package ports resolves port presets and custom port expressions into the
// ordered port sets consumed by the scan engine.
//
// Custom expressions are parsed best-effort: every comma-separated token that
// is not a valid port or port range is dropped without an error, so callers
// must reject an empty result themselves.
package ports

import (
	"slices"
	"strconv"
	"strings"
)

// Port number bounds.
const (
	MinPort = 1
	MaxPort = 65535
)

// Preset names.
const (
	PresetCommon   = "common"
	PresetWeb      = "web"
	PresetDatabase = "database"
	PresetTop100   = "top100"
	PresetTop1000  = "top1000"
	PresetCustom   = "custom"
)

// Preset describes a named port set.
type Preset struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Count       int    `json:"count"`
}

var fixedPresets = map[string][]int{
	PresetCommon:   {21, 22, 23, 25, 53, 80, 110, 143, 443, 993, 995, 3389, 3306, 5432, 6379, 8080},
	PresetWeb:      {80, 443, 8080, 8443, 8000, 8888, 9000},
	PresetDatabase: {3306, 5432, 1433, 1521, 6379, 9200, 27017},
}

var rangePresets = map[string]int{
	PresetTop100:  100,
	PresetTop1000: 1000,
}

var presetOrder = []struct {
	name string
	desc string
}{
	{PresetCommon, "Common service ports"},
	{PresetWeb, "Web server ports"},
	{PresetDatabase, "Database ports"},
	{PresetTop100, "Ports 1-100"},
	{PresetTop1000, "Ports 1-1000"},
	{PresetCustom, "Custom ports or ranges"},
}

// Resolve returns the ascending, deduplicated port set for a preset. The
// custom expression is only consulted for the custom preset. Unknown preset
// names resolve to an empty set.
func Resolve(preset, custom string) []int {
	name := strings.ToLower(strings.TrimSpace(preset))
	if name == PresetCustom {
		return ParseCustom(custom)
	}
	if fixed, ok := fixedPresets[name]; ok {
		return normalize(slices.Clone(fixed))
	}
	if n, ok := rangePresets[name]; ok {
		return sequence(MinPort, n)
	}
	return []int{}
}

// ParseCustom parses a comma-separated list of ports and start-end ranges.
// A token is kept only when both endpoints are integers, start <= end,
// start >= 1 and end <= 65535.
func ParseCustom(expr string) []int {
	var out []int
	for _, token := range strings.Split(expr, ",") {
		start, end, ok := parseToken(strings.TrimSpace(token))
		if !ok {
			continue
		}
		for p := start; p <= end; p++ {
			out = append(out, p)
		}
	}
	return normalize(out)
}

func parseToken(token string) (int, int, bool) {
	if token == "" {
		return 0, 0, false
	}

	lo, hi, isRange := strings.Cut(token, "-")
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, false
	}
	end := start
	if isRange {
		end, err = strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return 0, 0, false
		}
	}

	if start > end || start < MinPort || end > MaxPort {
		return 0, 0, false
	}
	return start, end, true
}

// IsPreset reports whether name is a known preset, including custom.
func IsPreset(name string) bool {
	for _, p := range presetOrder {
		if p.name == name {
			return true
		}
	}
	return false
}

// Presets lists the known presets in display order. The custom preset has a
// count of zero.
func Presets() []Preset {
	out := make([]Preset, 0, len(presetOrder))
	for _, p := range presetOrder {
		out = append(out, Preset{
			Name:        p.name,
			Description: p.desc,
			Count:       len(Resolve(p.name, "")),
		})
	}
	return out
}

// Describe renders an ascending port set compactly, collapsing runs into
// ranges, e.g. "22,80-82".
func Describe(ports []int) string {
	if len(ports) == 0 {
		return ""
	}

	var b strings.Builder
	start, prev := ports[0], ports[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(start))
		if prev != start {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(prev))
		}
	}

	for _, p := range ports[1:] {
		if p == prev+1 {
			prev = p
			continue
		}
		flush()
		start, prev = p, p
	}
	flush()

	return b.String()
}

func normalize(ports []int) []int {
	if len(ports) == 0 {
		return []int{}
	}
	slices.Sort(ports)
	return slices.Compact(ports)
}

func sequence(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for p := from; p <= to; p++ {
		out = append(out, p)
	}
	return out
}

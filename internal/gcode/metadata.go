// Package gcode extracts slicer metadata from G-code comments and prepares
// file bodies for upload.
package gcode

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Slicer is the family of slicer that produced a file
type Slicer string

const (
	SlicerUnknown Slicer = ""
	SlicerPrusa   Slicer = "prusaslicer"
	SlicerCura    Slicer = "cura"
)

// Metadata holds what the slicer wrote into the file. A nil field was not
// provided, which is different from zero.
type Metadata struct {
	EstimatedSeconds *int64
	FilamentMM       *float64
	FilamentGrams    *float64
	LayerCount       *int
	LayerHeight      *float64
	NozzleTemp       *float64
	BedTemp          *float64
	Slicer           Slicer
}

// Empty reports whether no field was found
func (m Metadata) Empty() bool {
	return m.EstimatedSeconds == nil && m.FilamentMM == nil && m.FilamentGrams == nil &&
		m.LayerCount == nil && m.LayerHeight == nil && m.NozzleTemp == nil && m.BedTemp == nil
}

// Clone returns a deep copy
func (m Metadata) Clone() Metadata {
	c := Metadata{Slicer: m.Slicer}
	c.EstimatedSeconds = clonePtr(m.EstimatedSeconds)
	c.FilamentMM = clonePtr(m.FilamentMM)
	c.FilamentGrams = clonePtr(m.FilamentGrams)
	c.LayerCount = clonePtr(m.LayerCount)
	c.LayerHeight = clonePtr(m.LayerHeight)
	c.NozzleTemp = clonePtr(m.NozzleTemp)
	c.BedTemp = clonePtr(m.BedTemp)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type field int

const (
	fieldTime field = iota
	fieldFilamentMM
	fieldFilamentGrams
	fieldLayerHeight
	fieldLayerCount
	fieldNozzleTemp
	fieldBedTemp
)

type rule struct {
	field   field
	slicer  Slicer
	pattern *regexp.Regexp
	// scale converts the captured unit, e.g. Cura reports filament in meters
	scale float64
}

// Rules are listed in priority order: when several match, the earliest
// listed rule wins regardless of where in the file it matched.
var rules = []rule{
	{fieldTime, SlicerPrusa, regexp.MustCompile(`(?i)^;\s*estimated printing time.*?=\s*(.+)$`), 1},
	{fieldTime, SlicerCura, regexp.MustCompile(`(?i)^;\s*TIME:\s*(\d+(?:\.\d+)?)\s*$`), 1},
	{fieldTime, SlicerCura, regexp.MustCompile(`(?i)^;\s*PRINT_TIME:\s*(\d+(?:\.\d+)?)\s*$`), 1},
	{fieldTime, SlicerPrusa, regexp.MustCompile(`(?i)^;\s*total estimated time:\s*(.+)$`), 1},

	{fieldFilamentMM, SlicerPrusa, regexp.MustCompile(`(?i)^;\s*filament used \[mm\]\s*=\s*([\d.]+)`), 1},
	{fieldFilamentMM, SlicerCura, regexp.MustCompile(`(?i)^;\s*FILAMENT_USED:\s*([\d.]+)`), 1},
	{fieldFilamentMM, SlicerCura, regexp.MustCompile(`(?i)^;\s*Filament used:\s*([\d.]+)\s*m\b`), 1000},

	{fieldFilamentGrams, SlicerPrusa, regexp.MustCompile(`(?i)^;\s*filament used \[g\]\s*=\s*([\d.]+)`), 1},
	{fieldFilamentGrams, SlicerPrusa, regexp.MustCompile(`(?i)^;\s*total filament used \[g\]\s*=\s*([\d.]+)`), 1},

	{fieldLayerHeight, SlicerPrusa, regexp.MustCompile(`(?i)^;\s*layer_height\s*=\s*([\d.]+)`), 1},
	{fieldLayerHeight, SlicerCura, regexp.MustCompile(`(?i)^;\s*LAYER_HEIGHT:\s*([\d.]+)`), 1},
	{fieldLayerHeight, SlicerCura, regexp.MustCompile(`(?i)^;\s*Layer height:\s*([\d.]+)`), 1},

	{fieldLayerCount, SlicerPrusa, regexp.MustCompile(`(?i)^;\s*total layers count\s*=\s*(\d+)`), 1},
	{fieldLayerCount, SlicerCura, regexp.MustCompile(`(?i)^;\s*LAYER_COUNT:\s*(\d+)`), 1},

	{fieldNozzleTemp, SlicerPrusa, regexp.MustCompile(`(?i)^;\s*nozzle_temperature\s*=\s*(\d+(?:\.\d+)?)`), 1},
	{fieldNozzleTemp, SlicerPrusa, regexp.MustCompile(`(?i)^;\s*temperature\s*=\s*(\d+(?:\.\d+)?)`), 1},

	{fieldBedTemp, SlicerPrusa, regexp.MustCompile(`(?i)^;\s*bed_temperature\s*=\s*(\d+(?:\.\d+)?)`), 1},
	{fieldBedTemp, SlicerPrusa, regexp.MustCompile(`(?i)^;\s*first_layer_bed_temperature\s*=\s*(\d+(?:\.\d+)?)`), 1},
}

var generators = []struct {
	marker string
	slicer Slicer
}{
	{"prusaslicer", SlicerPrusa},
	{"orcaslicer", SlicerPrusa},
	{"superslicer", SlicerPrusa},
	{"bambu studio", SlicerPrusa},
	{"cura", SlicerCura},
	{";flavor:", SlicerCura},
}

// Parse scans the comment lines of r. It never fails: unreadable input
// just ends the scan, and missing metadata leaves fields nil.
func Parse(r io.Reader) Metadata {
	matches := make([]string, len(rules))
	found := make([]bool, len(rules))
	slicer := SlicerUnknown

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, ";") {
			if slicer == SlicerUnknown {
				slicer = detectSlicer(line)
			}
			for i, rl := range rules {
				if found[i] {
					continue
				}
				if m := rl.pattern.FindStringSubmatch(line); m != nil {
					matches[i] = strings.TrimSpace(m[1])
					found[i] = true
				}
			}
		}

		if err != nil {
			break
		}
	}

	var md Metadata
	fromFamily := SlicerUnknown
	for i, rl := range rules {
		if !found[i] || md.has(rl.field) {
			continue
		}
		if md.set(rl, matches[i]) && fromFamily == SlicerUnknown {
			fromFamily = rl.slicer
		}
	}

	md.Slicer = slicer
	if md.Slicer == SlicerUnknown {
		md.Slicer = fromFamily
	}

	return md
}

func detectSlicer(line string) Slicer {
	lower := strings.ToLower(line)
	if !strings.Contains(lower, "generated") && !strings.HasPrefix(lower, ";flavor:") {
		return SlicerUnknown
	}
	for _, g := range generators {
		if strings.Contains(lower, g.marker) {
			return g.slicer
		}
	}
	return SlicerUnknown
}

func (m *Metadata) has(f field) bool {
	switch f {
	case fieldTime:
		return m.EstimatedSeconds != nil
	case fieldFilamentMM:
		return m.FilamentMM != nil
	case fieldFilamentGrams:
		return m.FilamentGrams != nil
	case fieldLayerHeight:
		return m.LayerHeight != nil
	case fieldLayerCount:
		return m.LayerCount != nil
	case fieldNozzleTemp:
		return m.NozzleTemp != nil
	case fieldBedTemp:
		return m.BedTemp != nil
	}
	return false
}

// set stores raw into the rule's field. It reports false when raw does
// not parse, leaving the field for a lower priority rule.
func (m *Metadata) set(rl rule, raw string) bool {
	if rl.field == fieldTime {
		secs, ok := ParseDuration(raw)
		if !ok {
			return false
		}
		m.EstimatedSeconds = &secs
		return true
	}

	if rl.field == fieldLayerCount {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return false
		}
		m.LayerCount = &n
		return true
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false
	}
	v *= rl.scale

	switch rl.field {
	case fieldFilamentMM:
		m.FilamentMM = &v
	case fieldFilamentGrams:
		m.FilamentGrams = &v
	case fieldLayerHeight:
		m.LayerHeight = &v
	case fieldNozzleTemp:
		m.NozzleTemp = &v
	case fieldBedTemp:
		m.BedTemp = &v
	case fieldTime, fieldLayerCount:
	}

	return true
}

var (
	unitPattern  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*([dhms])[a-z]*`)
	clockPattern = regexp.MustCompile(`^(\d+):(\d{1,2}):(\d{1,2})$`)
)

var unitSeconds = map[string]float64{"d": 86400, "h": 3600, "m": 60, "s": 1}

// ParseDuration converts a slicer time estimate to seconds. It accepts raw
// seconds, any subset of "1d 2h 3m 4s", and HH:MM:SS.
func ParseDuration(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	if v, err := strconv.ParseFloat(s, 64); err == nil {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v + 0.5), true
	}

	if m := clockPattern.FindStringSubmatch(s); m != nil {
		h, _ := strconv.ParseInt(m[1], 10, 64)
		mins, _ := strconv.ParseInt(m[2], 10, 64)
		secs, _ := strconv.ParseInt(m[3], 10, 64)
		return h*3600 + mins*60 + secs, true
	}

	units := unitPattern.FindAllStringSubmatch(s, -1)
	if len(units) == 0 {
		return 0, false
	}

	var total float64
	for _, u := range units {
		n, err := strconv.ParseFloat(u[1], 64)
		if err != nil {
			return 0, false
		}
		total += n * unitSeconds[strings.ToLower(u[2])]
	}

	return int64(total + 0.5), true
}

// FormatDuration renders seconds as HH:MM:SS
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds%3600/60, seconds%60)
}

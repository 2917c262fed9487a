package protocol

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"codeberg.org/mutker/printerctl/internal/errors"
)

// Reading is a current/target temperature pair in celsius
type Reading struct {
	Current float64
	Target  float64
}

// Temperatures holds whichever heaters the response reported
type Temperatures struct {
	Nozzle *Reading
	Bed    *Reading
}

// Status is the decoded status query
type Status struct {
	Machine     MachineState
	RawMachine  string
	MoveMode    string
	Endstop     string
	LED         *bool
	CurrentFile string
}

type Position struct {
	X, Y, Z float64
}

// Progress is the SD print byte counter
type Progress struct {
	Printing bool
	Done     int64
	Total    int64
}

// Percent returns the completed share, rounded to one decimal
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}

	return round1(float64(p.Done) / float64(p.Total) * 100)
}

type FileEntry struct {
	Name string
	Size int64
}

// Result is a decoded response. Fields that the response did not carry,
// or that failed to parse, are nil; parse failures are listed in Warnings.
type Result struct {
	Code         Opcode
	Lines        []string
	Temperatures *Temperatures
	Status       *Status
	Position     *Position
	Progress     *Progress
	Files        []FileEntry
	Warnings     []error
}

var (
	nozzlePattern   = regexp.MustCompile(`T0:\s*(\S+?)\s*/\s*(\S+)`)
	bedPattern      = regexp.MustCompile(`B:\s*(\S+?)\s*/\s*(\S+)`)
	axisPattern     = regexp.MustCompile(`\b([XYZ]):\s*(\S+)`)
	progressPattern = regexp.MustCompile(`(?i)SD printing byte\s+(\d+)\s*/\s*(\d+)`)
	fileSizePattern = regexp.MustCompile(`(?i)^(\d+)\s*bytes?$`)
)

var fileExtensions = []string{".gcode", ".gco", ".gx", ".g", ".3mf"}

// Decode turns a frame into a typed Result. A rejected frame yields
// ErrCommandRejected alongside whatever was decoded.
func Decode(cmd Command, f Frame) (Result, error) {
	errFactory := errors.New()

	res := Result{Code: cmd.Code, Lines: f.Payload}
	d := decoder{res: &res}

	d.temperatures(f.Payload)
	d.status(f.Payload)
	d.position(f.Payload)
	d.progress(f.Payload)
	if cmd.Shape == ShapeFileList {
		d.files(f.Payload)
	}

	d.expect(cmd.Shape)

	if f.Rejected() {
		return res, errFactory.WithData(ErrCommandRejected, f.Terminator)
	}

	return res, nil
}

type decoder struct {
	res *Result
}

func (d *decoder) warn(field, raw string) {
	d.res.Warnings = append(d.res.Warnings,
		errors.New().WithData(ErrParseWarning, fmt.Sprintf("%s: %q", field, raw)))
}

func (d *decoder) expect(shape Shape) {
	missing := ""
	switch shape {
	case ShapeTemperature:
		if d.res.Temperatures == nil {
			missing = "temperature"
		}
	case ShapeStatus:
		if d.res.Status == nil {
			missing = "status"
		}
	case ShapePosition:
		if d.res.Position == nil {
			missing = "position"
		}
	case ShapeAck, ShapeProgress, ShapeFileList:
	}
	if missing != "" {
		d.warn(missing, "not present in response")
	}
}

func (d *decoder) temperatures(lines []string) {
	var t Temperatures
	for _, line := range lines {
		if t.Nozzle == nil {
			t.Nozzle = d.reading("nozzle", nozzlePattern, line)
		}
		if t.Bed == nil {
			t.Bed = d.reading("bed", bedPattern, line)
		}
	}
	if t.Nozzle != nil || t.Bed != nil {
		d.res.Temperatures = &t
	}
}

func (d *decoder) reading(field string, re *regexp.Regexp, line string) *Reading {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	current, err1 := strconv.ParseFloat(m[1], 64)
	target, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil {
		d.warn(field, m[0])
		return nil
	}

	return &Reading{Current: round1(current), Target: round1(target)}
}

func (d *decoder) status(lines []string) {
	var (
		s     Status
		found bool
	)
	for _, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case "MachineStatus":
			s.RawMachine = value
			found = true
		case "MoveMode":
			s.MoveMode = value
		case "Endstop":
			s.Endstop = value
		case "CurrentFile":
			s.CurrentFile = value
		case "LED":
			switch value {
			case "1":
				on := true
				s.LED = &on
			case "0":
				off := false
				s.LED = &off
			default:
				d.warn("led", value)
			}
		}
	}

	if !found {
		return
	}

	s.Machine = parseMachineState(s.RawMachine, s.MoveMode)
	d.res.Status = &s
}

func (d *decoder) position(lines []string) {
	for _, line := range lines {
		matches := axisPattern.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			continue
		}

		axes := map[string]float64{}
		for _, m := range matches {
			v, err := strconv.ParseFloat(m[2], 64)
			if err != nil {
				d.warn("position."+strings.ToLower(m[1]), m[2])
				continue
			}
			axes[m[1]] = round1(v)
		}

		x, okX := axes["X"]
		y, okY := axes["Y"]
		z, okZ := axes["Z"]
		if okX && okY && okZ {
			d.res.Position = &Position{X: x, Y: y, Z: z}
			return
		}
	}
}

func (d *decoder) progress(lines []string) {
	for _, line := range lines {
		if m := progressPattern.FindStringSubmatch(line); m != nil {
			done, err1 := strconv.ParseInt(m[1], 10, 64)
			total, err2 := strconv.ParseInt(m[2], 10, 64)
			if err1 != nil || err2 != nil {
				d.warn("progress", m[0])
				return
			}
			d.res.Progress = &Progress{Printing: true, Done: done, Total: total}
			return
		}

		lower := strings.ToLower(line)
		if strings.Contains(lower, "not sd printing") {
			d.res.Progress = &Progress{}
			return
		}
	}
}

func (d *decoder) files(lines []string) {
	files := []FileEntry{}
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "file list") {
			continue
		}
		if !hasFileExtension(lower) {
			continue
		}

		parts := strings.Fields(line)
		entry := FileEntry{Name: parts[0]}
		if len(parts) > 1 {
			if m := fileSizePattern.FindStringSubmatch(strings.Join(parts[1:], " ")); m != nil {
				entry.Size, _ = strconv.ParseInt(m[1], 10, 64)
			}
		}
		files = append(files, entry)
	}

	d.res.Files = files
}

func hasFileExtension(lower string) bool {
	name := lower
	if i := strings.IndexAny(lower, " \t"); i >= 0 {
		name = lower[:i]
	}
	for _, ext := range fileExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}

	return false
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

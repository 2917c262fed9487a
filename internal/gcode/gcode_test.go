package gcode_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"codeberg.org/mutker/printerctl/internal/errors"
	"codeberg.org/mutker/printerctl/internal/gcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orcaSample = `; HEADER_BLOCK_START
; generated by OrcaSlicer 2.0.0 on 2024-05-01 at 10:00:00
; total layer number: 150
; HEADER_BLOCK_END
; layer_height = 0.2
; nozzle_temperature = 210
; bed_temperature = 60
G28 ; home all
G1 Z0.2 F3000
G1 X10 Y10 E0.5
M104 S0
; filament used [mm] = 12345.67
; filament used [g] = 37.5
; total layers count = 150
; estimated printing time (normal mode) = 2h 30m 45s
`

const curaSample = `;FLAVOR:Marlin
;TIME:6543
;Filament used: 2.5m
;Layer height: 0.16
;Generated with Cura_SteamEngine 5.4.0
;LAYER_COUNT:212
G28
`

func TestParseOrcaSample(t *testing.T) {
	md := gcode.Parse(strings.NewReader(orcaSample))

	require.NotNil(t, md.EstimatedSeconds)
	assert.Equal(t, int64(9045), *md.EstimatedSeconds)
	assert.Equal(t, "02:30:45", gcode.FormatDuration(*md.EstimatedSeconds))
	require.NotNil(t, md.FilamentMM)
	assert.InDelta(t, 12345.67, *md.FilamentMM, 1e-9)
	require.NotNil(t, md.FilamentGrams)
	assert.InDelta(t, 37.5, *md.FilamentGrams, 1e-9)
	require.NotNil(t, md.LayerHeight)
	assert.InDelta(t, 0.2, *md.LayerHeight, 1e-9)
	require.NotNil(t, md.LayerCount)
	assert.Equal(t, 150, *md.LayerCount)
	require.NotNil(t, md.NozzleTemp)
	assert.InDelta(t, 210.0, *md.NozzleTemp, 1e-9)
	require.NotNil(t, md.BedTemp)
	assert.InDelta(t, 60.0, *md.BedTemp, 1e-9)
	assert.Equal(t, gcode.SlicerPrusa, md.Slicer)
}

func TestParseCuraSample(t *testing.T) {
	md := gcode.Parse(strings.NewReader(curaSample))

	require.NotNil(t, md.EstimatedSeconds)
	assert.Equal(t, int64(6543), *md.EstimatedSeconds)
	require.NotNil(t, md.FilamentMM)
	assert.InDelta(t, 2500.0, *md.FilamentMM, 1e-9)
	require.NotNil(t, md.LayerHeight)
	assert.InDelta(t, 0.16, *md.LayerHeight, 1e-9)
	require.NotNil(t, md.LayerCount)
	assert.Equal(t, 212, *md.LayerCount)
	assert.Nil(t, md.FilamentGrams)
	assert.Equal(t, gcode.SlicerCura, md.Slicer)
}

func TestParseMinimalHeader(t *testing.T) {
	md := gcode.Parse(strings.NewReader("; estimated printing time = 2h 15m\nG28\n"))

	require.NotNil(t, md.EstimatedSeconds)
	assert.Equal(t, int64(8100), *md.EstimatedSeconds)
	assert.Nil(t, md.FilamentMM)
	assert.Nil(t, md.FilamentGrams)
	assert.Nil(t, md.LayerCount)
	assert.Nil(t, md.LayerHeight)
}

func TestParseTimeAndFilament(t *testing.T) {
	md := gcode.Parse(strings.NewReader("; filament used [mm] = 3520.5\n; estimated printing time = 45m\n"))

	require.NotNil(t, md.EstimatedSeconds)
	assert.Equal(t, int64(2700), *md.EstimatedSeconds)
	require.NotNil(t, md.FilamentMM)
	assert.InDelta(t, 3520.5, *md.FilamentMM, 1e-9)
}

func TestParseWithoutMetadata(t *testing.T) {
	md := gcode.Parse(strings.NewReader("G28\nG1 X10 Y10\n; just a note\n"))

	assert.True(t, md.Empty())
	assert.Equal(t, gcode.Metadata{}, md)
}

func TestParseIgnoresMoveLines(t *testing.T) {
	md := gcode.Parse(strings.NewReader("M104 S215 ; temperature = 215\nTIME:100\n"))
	assert.True(t, md.Empty())
}

func TestParseIsIdempotent(t *testing.T) {
	first := gcode.Parse(strings.NewReader(orcaSample))
	second := gcode.Parse(strings.NewReader(orcaSample))

	assert.Equal(t, first, second)
}

func TestParsePriorityIndependentOfOrder(t *testing.T) {
	md := gcode.Parse(strings.NewReader("; temperature = 200\n; nozzle_temperature = 215\n"))

	require.NotNil(t, md.NozzleTemp)
	assert.InDelta(t, 215.0, *md.NozzleTemp, 1e-9)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1h 30m 45s", 5445},
		{"2h 30m", 9000},
		{"45m 30s", 2730},
		{"3600", 3600},
		{"01:30:00", 5400},
		{"1d 2h 30m", 95400},
		{"2h 15m", 8100},
		{"45m", 2700},
		{"12min 5sec", 725},
		{"1.5h", 5400},
		{"2.5m 10s", 160},
	}

	for _, tt := range tests {
		got, ok := gcode.ParseDuration(tt.in)
		require.True(t, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "soon", "-5"} {
		_, ok := gcode.ParseDuration(bad)
		assert.False(t, ok, bad)
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00:00", gcode.FormatDuration(0))
	assert.Equal(t, "01:30:00", gcode.FormatDuration(5400))
	assert.Equal(t, "26:30:00", gcode.FormatDuration(95400))
	assert.Equal(t, "00:00:00", gcode.FormatDuration(-1))
}

func TestParseFileReadsHeadAndTail(t *testing.T) {
	var b strings.Builder
	b.WriteString("; generated by PrusaSlicer 2.7.1\n; layer_height = 0.2\n")
	for i := 0; i < 5000; i++ {
		b.WriteString("G1 X10 Y10 E0.01\n")
	}
	// in the middle of the file, outside both windows
	b.WriteString("; total layers count = 999\n")
	for i := 0; i < 5000; i++ {
		b.WriteString("G1 X20 Y20 E0.01\n")
	}
	b.WriteString("; filament used [mm] = 100.5\n; estimated printing time (normal mode) = 1h 2m 3s\n")

	path := filepath.Join(t.TempDir(), "big.gcode")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))

	md, err := gcode.ParseFile(path)
	require.NoError(t, err)

	require.NotNil(t, md.LayerHeight)
	assert.InDelta(t, 0.2, *md.LayerHeight, 1e-9)
	require.NotNil(t, md.EstimatedSeconds)
	assert.Equal(t, int64(3723), *md.EstimatedSeconds)
	require.NotNil(t, md.FilamentMM)
	assert.Nil(t, md.LayerCount, "middle of the file must not be read")
}

func TestParseFileMissing(t *testing.T) {
	_, err := gcode.ParseFile(filepath.Join(t.TempDir(), "missing.gcode"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gcode.ErrReadFile))
}

func TestUploadLines(t *testing.T) {
	body := "; generated by PrusaSlicer\nG28 ; home\n\nG1 X10.5 Y20 F3000\n; layer 1\nM104 S200\n"

	lines, err := gcode.UploadLines(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, []string{"G28", "G1 X10.5 Y20 F3000", "M104 S200"}, lines)
}

func TestCloneIsDeep(t *testing.T) {
	md := gcode.Parse(strings.NewReader(orcaSample))
	c := md.Clone()
	*c.EstimatedSeconds = 1

	assert.Equal(t, int64(9045), *md.EstimatedSeconds)
}

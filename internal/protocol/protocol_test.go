package protocol_test

import (
	"strings"
	"testing"

	"codeberg.org/mutker/printerctl/internal/errors"
	"codeberg.org/mutker/printerctl/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func splitFrame(raw string) []string {
	return strings.Split(strings.TrimSuffix(raw, "\r\n"), "\r\n")
}

func decode(t *testing.T, cmd protocol.Command, lines ...string) protocol.Result {
	t.Helper()

	f, err := protocol.ParseFrame(lines)
	require.NoError(t, err)
	res, err := protocol.Decode(cmd, f)
	require.NoError(t, err)

	return res
}

func TestEncode(t *testing.T) {
	tests := []struct {
		cmd  protocol.Command
		want string
	}{
		{protocol.Handshake(), "~M601 S1"},
		{protocol.QueryTemperature(), "~M105"},
		{protocol.EmergencyStop(), "~M112"},
		{protocol.SetLED(true), "~M146 r255 g255 b255 F0"},
		{protocol.SetLED(false), "~M146 r0 g0 b0 F0"},
		{protocol.SetNozzleTemperature(210), "~M104 S210"},
		{protocol.SetNozzleTemperature(500), "~M104 S300"},
		{protocol.SetBedTemperature(-5), "~M140 S0"},
		{protocol.SetBedTemperature(150), "~M140 S120"},
		{protocol.SelectFile("0:/user/benchy.gx"), "~M23 0:/user/benchy.gx"},
		{protocol.BeginWrite("cube.gcode"), "~M28 cube.gcode"},
		{protocol.Home(), "~G28"},
		{protocol.BareLine("G1 X10 Y20"), "G1 X10 Y20"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, protocol.Encode(tt.cmd))
	}
}

func TestParseCommandLine(t *testing.T) {
	cmd, err := protocol.ParseCommandLine("~M104 S215\r\n")
	require.NoError(t, err)
	assert.Equal(t, protocol.OpNozzleTemp, cmd.Code)
	assert.False(t, cmd.Bare)

	s, ok := cmd.Param("s")
	require.True(t, ok)
	assert.InDelta(t, 215.0, s, 1e-9)

	cmd, err = protocol.ParseCommandLine("G1 X1.5 E0.2")
	require.NoError(t, err)
	assert.True(t, cmd.Bare)
	assert.Equal(t, protocol.Opcode("G1"), cmd.Code)
	assert.Equal(t, []string{"X1.5", "E0.2"}, cmd.Params)

	_, err = protocol.ParseCommandLine("   ")
	assert.True(t, errors.HasCode(err, protocol.ErrInvalidCommand))
}

func TestRoundTrip(t *testing.T) {
	commands := []protocol.Command{
		protocol.Handshake(), protocol.QueryTemperature(), protocol.QueryStatus(),
		protocol.QueryPosition(), protocol.QueryProgress(), protocol.EmergencyStop(),
		protocol.SetLED(true), protocol.Pause(), protocol.Resume(),
		protocol.SetNozzleTemperature(200), protocol.SetBedTemperature(60),
		protocol.ListFiles(), protocol.SelectFile("a.gx"), protocol.DeleteFile("a.gx"),
		protocol.BeginWrite("a.gx"), protocol.EndWrite(), protocol.FanOn(),
		protocol.FanOff(), protocol.MotorsOff(), protocol.Home(),
		protocol.BareLine("G1 X1 Y1"),
	}

	for _, cmd := range commands {
		t.Run(protocol.Encode(cmd), func(t *testing.T) {
			got, err := protocol.ParseCommandLine(protocol.Encode(cmd) + "\r\n")
			require.NoError(t, err)
			assert.Equal(t, cmd.Code, got.Code)
			assert.Equal(t, cmd.Params, got.Params)
			assert.Equal(t, cmd.Bare, got.Bare)

			raw := protocol.EncodeResponse(got)
			lines := splitFrame(raw)
			assert.True(t, protocol.IsTerminator(lines[len(lines)-1]))

			f, err := protocol.ParseFrame(lines)
			require.NoError(t, err)
			if !cmd.Bare {
				assert.Equal(t, cmd.Code, f.Echo)
			}

			_, err = protocol.Decode(cmd, f)
			assert.False(t, errors.HasCode(err, protocol.ErrMalformedResponse))
		})
	}
}

func TestParseFrameMissingTerminator(t *testing.T) {
	_, err := protocol.ParseFrame([]string{"CMD M105 Received.", "T0:20/0 B:20/0"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, protocol.ErrMalformedResponse))

	_, err = protocol.ParseFrame(nil)
	assert.True(t, errors.HasCode(err, protocol.ErrMalformedResponse))
}

func TestDecodeRejected(t *testing.T) {
	cmd := protocol.SelectFile("missing.gx")
	f, err := protocol.ParseFrame(splitFrame(protocol.EncodeRejection(cmd, "file not found")))
	require.NoError(t, err)
	assert.True(t, f.Rejected())

	_, err = protocol.Decode(cmd, f)
	assert.True(t, errors.HasCode(err, protocol.ErrCommandRejected))
}

func TestDecodeTemperatures(t *testing.T) {
	res := decode(t, protocol.QueryTemperature(),
		"CMD M105 Received.", "T0:199.96/210 B:59.94/60", "ok")

	require.NotNil(t, res.Temperatures)
	require.NotNil(t, res.Temperatures.Nozzle)
	assert.Equal(t, protocol.Reading{Current: 200, Target: 210}, *res.Temperatures.Nozzle)
	assert.Equal(t, protocol.Reading{Current: 59.9, Target: 60}, *res.Temperatures.Bed)
	assert.Empty(t, res.Warnings)
}

func TestDecodeTemperaturePartialFailure(t *testing.T) {
	res := decode(t, protocol.QueryTemperature(),
		"CMD M105 Received.", "T0:abc/210 B:60/60", "ok")

	require.NotNil(t, res.Temperatures)
	assert.Nil(t, res.Temperatures.Nozzle, "bad field stays absent")
	require.NotNil(t, res.Temperatures.Bed)
	require.Len(t, res.Warnings, 1)
	assert.True(t, errors.HasCode(res.Warnings[0], protocol.ErrParseWarning))
}

func TestDecodeIgnoresExtraPayload(t *testing.T) {
	res := decode(t, protocol.QueryTemperature(),
		"CMD M105 Received.", "T0:25/0 B:24/0", "Endstop: X-max:0 Y-max:0 Z-min:0",
		"MachineStatus: READY", "something unrelated", "ok")

	require.NotNil(t, res.Temperatures)
	require.NotNil(t, res.Status)
	assert.Equal(t, protocol.StateIdle, res.Status.Machine)
	assert.Nil(t, res.Position)
}

func TestDecodeStatus(t *testing.T) {
	tests := []struct {
		name     string
		machine  string
		moveMode string
		want     protocol.MachineState
	}{
		{"ready", "READY", "READY", protocol.StateIdle},
		{"printing", "BUILDING_FROM_SD", "MOVING", protocol.StatePrinting},
		{"paused by move mode", "BUILDING_FROM_SD", "PAUSED", protocol.StatePaused},
		{"completed", "BUILDING_COMPLETED", "READY", protocol.StateComplete},
		{"fuzzy finished", "JOB_FINISHED", "READY", protocol.StateComplete},
		{"unknown", "WARMING_UP", "READY", protocol.StateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := decode(t, protocol.QueryStatus(),
				"CMD M119 Received.",
				"Endstop: X-max:0 Y-max:0 Z-min:0",
				"MachineStatus: "+tt.machine,
				"MoveMode: "+tt.moveMode,
				"Status: S:1 L:0 J:0 F:0",
				"LED: 1",
				"CurrentFile: benchy.gx",
				"ok")

			require.NotNil(t, res.Status)
			assert.Equal(t, tt.want, res.Status.Machine)
			require.NotNil(t, res.Status.LED)
			assert.True(t, *res.Status.LED)
			assert.Equal(t, "benchy.gx", res.Status.CurrentFile)
		})
	}
}

func TestDecodePosition(t *testing.T) {
	res := decode(t, protocol.QueryPosition(),
		"CMD M114 Received.", "X:125.04 Y:-3 Z:0.25 A:0 B:0", "ok")

	require.NotNil(t, res.Position)
	assert.Equal(t, protocol.Position{X: 125, Y: -3, Z: 0.3}, *res.Position)
}

func TestDecodeMissingPosition(t *testing.T) {
	res := decode(t, protocol.QueryPosition(), "CMD M114 Received.", "X:1 Y:2", "ok")

	assert.Nil(t, res.Position)
	assert.Len(t, res.Warnings, 1)
}

func TestDecodeProgress(t *testing.T) {
	res := decode(t, protocol.QueryProgress(),
		"CMD M27 Received.", "SD printing byte 250/1000", "ok")
	require.NotNil(t, res.Progress)
	assert.True(t, res.Progress.Printing)
	assert.InDelta(t, 25.0, res.Progress.Percent(), 1e-9)

	res = decode(t, protocol.QueryProgress(), "CMD M27 Received.", "Not SD printing.", "ok")
	require.NotNil(t, res.Progress)
	assert.False(t, res.Progress.Printing)
	assert.Zero(t, res.Progress.Percent())
}

func TestDecodeFiles(t *testing.T) {
	res := decode(t, protocol.ListFiles(),
		"CMD M20 Received.",
		"Begin file list",
		"benchy.gx 102400 bytes",
		"cube.gcode",
		"notes.txt",
		"End file list",
		"ok")

	assert.Equal(t, []protocol.FileEntry{
		{Name: "benchy.gx", Size: 102400},
		{Name: "cube.gcode"},
	}, res.Files)
}

func TestIsTerminator(t *testing.T) {
	assert.True(t, protocol.IsTerminator("ok"))
	assert.True(t, protocol.IsTerminator("ok T:20"))
	assert.True(t, protocol.IsTerminator("Error: unknown command"))
	assert.False(t, protocol.IsTerminator("ok_part.gx"))
	assert.False(t, protocol.IsTerminator("CMD M105 Received."))
}

// Package protocol encodes commands for FlashForge firmware and decodes
// the line framed responses into typed results. It performs no I/O.
package protocol

import (
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/printerctl/internal/errors"
	"github.com/256dpi/gcode"
)

// Prefix marks a control command on the wire. Upload body lines go
// without it.
const Prefix = "~"

// Opcode is the G/M word of a command, e.g. "M105"
type Opcode string

const (
	OpHandshake     Opcode = "M601"
	OpTemperature   Opcode = "M105"
	OpStatus        Opcode = "M119"
	OpPosition      Opcode = "M114"
	OpProgress      Opcode = "M27"
	OpEmergencyStop Opcode = "M112"
	OpLED           Opcode = "M146"
	OpPause         Opcode = "M25"
	OpResume        Opcode = "M24"
	OpNozzleTemp    Opcode = "M104"
	OpBedTemp       Opcode = "M140"
	OpListFiles     Opcode = "M20"
	OpSelectFile    Opcode = "M23"
	OpDeleteFile    Opcode = "M30"
	OpBeginWrite    Opcode = "M28"
	OpEndWrite      Opcode = "M29"
	OpFanOn         Opcode = "M106"
	OpFanOff        Opcode = "M107"
	OpMotorsOff     Opcode = "M18"
	OpHome          Opcode = "G28"
)

const (
	MaxNozzleTemp = 300
	MaxBedTemp    = 120
)

// Shape is the payload a command is expected to answer with
type Shape int

const (
	ShapeAck Shape = iota
	ShapeTemperature
	ShapeStatus
	ShapePosition
	ShapeProgress
	ShapeFileList
)

func (s Shape) String() string {
	switch s {
	case ShapeTemperature:
		return "temperature"
	case ShapeStatus:
		return "status"
	case ShapePosition:
		return "position"
	case ShapeProgress:
		return "progress"
	case ShapeFileList:
		return "file_list"
	default:
		return "ack"
	}
}

// Command is one request line. A zero Timeout means the gateway default.
type Command struct {
	Code    Opcode
	Params  []string
	Shape   Shape
	Timeout time.Duration
	Bare    bool
}

// String returns the command as written on the wire, without line ending
func (c Command) String() string {
	return Encode(c)
}

// Param returns the numeric value of the parameter starting with letter,
// case-insensitively ("S" matches "S210").
func (c Command) Param(letter string) (float64, bool) {
	for _, p := range c.Params {
		if len(p) < 2 || !strings.EqualFold(p[:1], letter) {
			continue
		}
		v, err := strconv.ParseFloat(p[1:], 64)
		if err == nil {
			return v, true
		}
	}

	return 0, false
}

// Arg returns the raw parameter string, used by the file commands
func (c Command) Arg() string {
	return strings.Join(c.Params, " ")
}

// WithTimeout returns a copy of c with a per-command deadline
func (c Command) WithTimeout(d time.Duration) Command {
	c.Timeout = d
	return c
}

// Encode renders the command line without its CRLF ending
func Encode(c Command) string {
	var b strings.Builder
	if !c.Bare {
		b.WriteString(Prefix)
	}
	b.WriteString(string(c.Code))
	for _, p := range c.Params {
		b.WriteByte(' ')
		b.WriteString(p)
	}

	return b.String()
}

// ParseCommandLine decodes a line received by a printer back into a
// Command. The opcode word is parsed as G-code; parameters are kept raw.
func ParseCommandLine(line string) (Command, error) {
	errFactory := errors.New()

	line = strings.TrimRight(line, "\r\n")
	cmd := Command{Bare: true}
	if strings.HasPrefix(line, Prefix) {
		cmd.Bare = false
		line = strings.TrimPrefix(line, Prefix)
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, errFactory.WithData(ErrInvalidCommand, "empty line")
	}

	word, err := gcode.ParseLine(fields[0])
	if err != nil {
		return Command{}, errFactory.Wrap(ErrInvalidCommand, err)
	}
	if len(word.Codes) != 1 {
		return Command{}, errFactory.WithData(ErrInvalidCommand, fields[0])
	}

	code := word.Codes[0]
	cmd.Code = Opcode(strings.ToUpper(code.Letter) + strconv.FormatFloat(code.Value, 'f', -1, 64))
	if len(fields) > 1 {
		cmd.Params = fields[1:]
	}
	cmd.Shape = shapeOf(cmd.Code)

	return cmd, nil
}

func shapeOf(code Opcode) Shape {
	switch code {
	case OpTemperature:
		return ShapeTemperature
	case OpStatus:
		return ShapeStatus
	case OpPosition:
		return ShapePosition
	case OpProgress:
		return ShapeProgress
	case OpListFiles:
		return ShapeFileList
	default:
		return ShapeAck
	}
}

func newCommand(code Opcode, params ...string) Command {
	return Command{Code: code, Params: params, Shape: shapeOf(code)}
}

func Handshake() Command        { return newCommand(OpHandshake, "S1") }
func QueryTemperature() Command { return newCommand(OpTemperature) }
func QueryStatus() Command      { return newCommand(OpStatus) }
func QueryPosition() Command    { return newCommand(OpPosition) }
func QueryProgress() Command    { return newCommand(OpProgress) }
func EmergencyStop() Command    { return newCommand(OpEmergencyStop) }
func Pause() Command            { return newCommand(OpPause) }
func Resume() Command           { return newCommand(OpResume) }
func ListFiles() Command        { return newCommand(OpListFiles) }
func EndWrite() Command         { return newCommand(OpEndWrite) }
func FanOn() Command            { return newCommand(OpFanOn) }
func FanOff() Command           { return newCommand(OpFanOff) }
func MotorsOff() Command        { return newCommand(OpMotorsOff) }
func Home() Command             { return newCommand(OpHome) }

// SetLED switches the chamber light fully on (white) or off
func SetLED(on bool) Command {
	if on {
		return newCommand(OpLED, "r255", "g255", "b255", "F0")
	}
	return newCommand(OpLED, "r0", "g0", "b0", "F0")
}

// SetNozzleTemperature clamps celsius to 0..300
func SetNozzleTemperature(celsius int) Command {
	return newCommand(OpNozzleTemp, "S"+strconv.Itoa(clamp(celsius, 0, MaxNozzleTemp)))
}

// SetBedTemperature clamps celsius to 0..120
func SetBedTemperature(celsius int) Command {
	return newCommand(OpBedTemp, "S"+strconv.Itoa(clamp(celsius, 0, MaxBedTemp)))
}

func SelectFile(name string) Command { return newCommand(OpSelectFile, name) }
func DeleteFile(name string) Command { return newCommand(OpDeleteFile, name) }
func BeginWrite(name string) Command { return newCommand(OpBeginWrite, name) }

// BareLine wraps an upload body line. It is sent without the control
// prefix and answered with a plain ok.
func BareLine(line string) Command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{Bare: true}
	}

	cmd := Command{Code: Opcode(fields[0]), Bare: true}
	if len(fields) > 1 {
		cmd.Params = fields[1:]
	}

	return cmd
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

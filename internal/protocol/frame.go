package protocol

import (
	"strings"

	"codeberg.org/mutker/printerctl/internal/errors"
)

const (
	terminatorOK    = "ok"
	rejectionPrefix = "Error"
	echoPrefix      = "CMD "
	echoSuffix      = " Received."
)

// Frame is one response: the optional echo line, payload lines and the
// terminator line.
type Frame struct {
	Echo       Opcode
	Payload    []string
	Terminator string
}

// Rejected reports whether the printer answered with an Error line
func (f Frame) Rejected() bool {
	return strings.HasPrefix(f.Terminator, rejectionPrefix)
}

// IsTerminator reports whether line ends a response frame
func IsTerminator(line string) bool {
	line = strings.TrimSpace(line)
	if line == terminatorOK || strings.HasPrefix(line, terminatorOK+" ") {
		return true
	}

	return strings.HasPrefix(line, rejectionPrefix)
}

// ParseFrame splits raw response lines into a Frame. The last line must
// be a terminator.
func ParseFrame(lines []string) (Frame, error) {
	errFactory := errors.New()

	if len(lines) == 0 {
		return Frame{}, errFactory.WithData(ErrMalformedResponse, "empty response")
	}

	last := strings.TrimSpace(lines[len(lines)-1])
	if !IsTerminator(last) {
		return Frame{}, errFactory.WithData(ErrMalformedResponse, "missing terminator after "+last)
	}

	f := Frame{Terminator: last}
	for _, line := range lines[:len(lines)-1] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if code, ok := parseEcho(line); ok && f.Echo == "" && len(f.Payload) == 0 {
			f.Echo = code
			continue
		}
		f.Payload = append(f.Payload, line)
	}

	// "ok <payload>" carries data on the terminator line itself
	if rest, ok := strings.CutPrefix(last, terminatorOK+" "); ok {
		f.Payload = append(f.Payload, strings.TrimSpace(rest))
	}

	return f, nil
}

func parseEcho(line string) (Opcode, bool) {
	if !strings.HasPrefix(line, echoPrefix) || !strings.HasSuffix(line, echoSuffix) {
		return "", false
	}

	code := strings.TrimSuffix(strings.TrimPrefix(line, echoPrefix), echoSuffix)
	code = strings.TrimPrefix(strings.TrimSpace(code), Prefix)
	if code == "" || strings.ContainsAny(code, " \t") {
		return "", false
	}

	return Opcode(code), true
}

// EncodeResponse renders the frame a printer sends back for cmd, with
// CRLF line endings. Bare lines are acknowledged without an echo.
func EncodeResponse(cmd Command, body ...string) string {
	var b strings.Builder
	if !cmd.Bare {
		b.WriteString(echoPrefix + string(cmd.Code) + echoSuffix + "\r\n")
	}
	for _, line := range body {
		b.WriteString(line + "\r\n")
	}
	b.WriteString(terminatorOK + "\r\n")

	return b.String()
}

// EncodeRejection renders an Error frame for cmd
func EncodeRejection(cmd Command, reason string) string {
	var b strings.Builder
	if !cmd.Bare {
		b.WriteString(echoPrefix + string(cmd.Code) + echoSuffix + "\r\n")
	}
	b.WriteString(rejectionPrefix)
	if reason != "" {
		b.WriteString(": " + reason)
	}
	b.WriteString("\r\n")

	return b.String()
}

package gcode

import "codeberg.org/mutker/printerctl/internal/errors"

const (
	ErrReadFile  = errors.ErrorCode("gcode_read_file_failed")
	ErrParseBody = errors.ErrorCode("gcode_parse_body_failed")
)

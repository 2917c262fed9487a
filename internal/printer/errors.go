package printer

import "codeberg.org/mutker/printerctl/internal/errors"

const (
	ErrInvalidFileName = errors.ErrorCode("printer_invalid_file_name")
	ErrUploadFailed    = errors.ErrorCode("printer_upload_failed")
	ErrInitFailed      = errors.ErrInitFailed
)

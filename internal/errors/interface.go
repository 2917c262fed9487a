package errors

// ErrorCode identifies a class of failure. Codes are stable strings so they
// can double as metric labels.
type ErrorCode string

// Error is a coded error. Two Errors match under Is when their codes match.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Is(target error) bool
	Unwrap() error
}

// Factory builds coded errors
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}

package errors_test

import (
	"context"
	"fmt"
	"testing"

	"codeberg.org/mutker/printerctl/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	errFactory := errors.New()

	err := errFactory.New(errors.ErrQueueDropped)
	assert.Equal(t, "Command dropped while reconnecting", err.Error())

	wrapped := errFactory.Wrap(errors.ErrIO, fmt.Errorf("connection reset by peer"))
	assert.Equal(t, "Printer connection failed mid-exchange: connection reset by peer", wrapped.Error())

	custom := errFactory.WithMessage(errors.ErrConnect, "printer refused connection")
	assert.Equal(t, "printer refused connection", custom.Error())
}

func TestHasCodeWalksChain(t *testing.T) {
	errFactory := errors.New()

	inner := errFactory.Wrap(errors.ErrCommandTimeout, context.DeadlineExceeded)
	outer := fmt.Errorf("poll: %w", inner)

	assert.True(t, errors.HasCode(outer, errors.ErrCommandTimeout))
	assert.False(t, errors.HasCode(outer, errors.ErrIO))
	assert.True(t, errors.Is(outer, context.DeadlineExceeded))
	assert.False(t, errors.HasCode(nil, errors.ErrIO))
}

func TestCodeOf(t *testing.T) {
	errFactory := errors.New()

	assert.Equal(t, errors.ErrMalformedResponse, errors.CodeOf(errFactory.New(errors.ErrMalformedResponse)))
	assert.Equal(t, errors.ErrInternal, errors.CodeOf(fmt.Errorf("plain")))
}

func TestWithDataKeepsCode(t *testing.T) {
	errFactory := errors.New()

	err := errFactory.New(errors.ErrInvalidConfig).WithData("printer.port out of range")
	assert.Equal(t, errors.ErrInvalidConfig, err.Code())
	assert.Equal(t, "printer.port out of range", err.GetData())
	assert.Contains(t, err.Error(), "Invalid configuration")
}

func TestIsMatchesByCode(t *testing.T) {
	errFactory := errors.New()

	err := fmt.Errorf("submit: %w", errFactory.WithData(errors.ErrQueueDropped, "M105"))

	assert.True(t, errors.Is(err, errFactory.New(errors.ErrQueueDropped)))
	assert.False(t, errors.Is(err, errFactory.New(errors.ErrIO)))
	assert.False(t, errors.Is(err, context.Canceled))
}

// Package transport owns the TCP socket to the printer control port. It
// writes CRLF terminated lines and reads lines until a terminator, with
// deadlines. It has no protocol knowledge.
package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/printerctl/internal/errors"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultKeepAlive      = 30 * time.Second
	DefaultMaxLineLength  = 4096
	DefaultMaxFrameLines  = 1024

	lineEnding = "\r\n"
)

// Dialer opens connections to the printer
type Dialer struct {
	Addr           string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	MaxLineLength  int
	MaxFrameLines  int
}

// Dial connects to the printer. Refused, unreachable and timed out
// connects all fail with ErrConnect.
func (d Dialer) Dial(ctx context.Context) (*Conn, error) {
	errFactory := errors.New()

	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	keepAlive := d.KeepAlive
	if keepAlive == 0 {
		keepAlive = DefaultKeepAlive
	}

	nd := net.Dialer{Timeout: timeout, KeepAlive: keepAlive}
	nc, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, errFactory.Wrap(ErrConnect, err)
	}

	return NewConn(nc, d.MaxLineLength, d.MaxFrameLines), nil
}

// Conn is a line oriented connection. It is not safe for concurrent use,
// except for Interrupt and Close which may be called from any goroutine.
type Conn struct {
	nc       net.Conn
	reader   *bufio.Reader
	partial  []byte
	maxLine  int
	maxLines int

	interrupted atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

// NewConn wraps an established connection
func NewConn(nc net.Conn, maxLine, maxLines int) *Conn {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxFrameLines
	}

	return &Conn{
		nc:       nc,
		reader:   bufio.NewReaderSize(nc, maxLine),
		maxLine:  maxLine,
		maxLines: maxLines,
	}
}

// RemoteAddr returns the printer address
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// WriteLine writes line followed by CRLF
func (c *Conn) WriteLine(line string, timeout time.Duration) error {
	errFactory := errors.New()

	if timeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return errFactory.Wrap(ErrIO, err)
		}
	}

	if _, err := io.WriteString(c.nc, line+lineEnding); err != nil {
		if isTimeout(err) {
			return errFactory.Wrap(ErrTimeout, err)
		}
		return errFactory.Wrap(ErrIO, err)
	}

	return nil
}

// ReadUntil reads lines, without their line endings, until isTerminator
// matches one. The terminator line is the last element of the result.
// The deadline covers the whole frame.
func (c *Conn) ReadUntil(isTerminator func(string) bool, timeout time.Duration) ([]string, error) {
	errFactory := errors.New()

	if c.interrupted.Swap(false) {
		return nil, errFactory.New(ErrInterrupted)
	}

	if err := c.nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errFactory.Wrap(ErrIO, err)
	}

	var lines []string
	for {
		line, err := c.readLine()
		if err != nil {
			switch {
			case c.interrupted.Swap(false):
				return lines, errFactory.Wrap(ErrInterrupted, err)
			case errors.HasCode(err, ErrFrameTooLarge):
				return lines, errFactory.Wrap(errors.ErrMalformedResponse, err)
			case isTimeout(err):
				return lines, errFactory.Wrap(ErrTimeout, err)
			default:
				return lines, errFactory.Wrap(ErrIO, err)
			}
		}

		if line == "" {
			continue
		}

		lines = append(lines, line)
		if isTerminator(line) {
			return lines, nil
		}
		if len(lines) >= c.maxLines {
			return lines, errFactory.Wrap(errors.ErrMalformedResponse,
				errFactory.WithData(ErrFrameTooLarge, len(lines)))
		}
	}
}

// readLine returns the next line. Bytes of a line cut short by a deadline
// are kept and prefixed to the next read.
func (c *Conn) readLine() (string, error) {
	for {
		chunk, err := c.reader.ReadSlice('\n')
		c.partial = append(c.partial, chunk...)

		if len(c.partial) > c.maxLine {
			c.partial = c.partial[:0]
			return "", errors.New().WithData(ErrFrameTooLarge, c.maxLine)
		}

		if err == nil {
			line := strings.TrimRight(string(c.partial), "\r\n")
			c.partial = c.partial[:0]
			return line, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", err
	}
}

// Interrupt makes a blocked or upcoming ReadUntil return ErrInterrupted.
// The connection stays usable.
func (c *Conn) Interrupt() {
	c.interrupted.Store(true)
	_ = c.nc.SetReadDeadline(time.Now())
}

// ClearInterrupt discards an interrupt that arrived after the read it was
// aimed at had already finished.
func (c *Conn) ClearInterrupt() {
	c.interrupted.Store(false)
}

// Close closes the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})

	return c.closeErr
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

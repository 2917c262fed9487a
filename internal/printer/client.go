// Package printer is the control surface for one FlashForge printer. It
// owns the command gateway, the telemetry poller and the metadata cache.
package printer

import (
	"bytes"
	"context"
	"io"
	"strings"
	"unicode"

	"codeberg.org/mutker/printerctl/internal/errors"
	"codeberg.org/mutker/printerctl/internal/gateway"
	"codeberg.org/mutker/printerctl/internal/gcode"
	"codeberg.org/mutker/printerctl/internal/logger"
	"codeberg.org/mutker/printerctl/internal/metadata"
	"codeberg.org/mutker/printerctl/internal/protocol"
	"codeberg.org/mutker/printerctl/internal/telemetry"
	"codeberg.org/mutker/printerctl/internal/transport"
)

type options struct {
	log      logger.Logger
	observer gateway.Observer
	meta     *metadata.Service
}

type Option func(*options)

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithObserver receives gateway events, typically a metrics.Collector
func WithObserver(obs gateway.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithMetadata replaces the cache built from Config.Metadata
func WithMetadata(s *metadata.Service) Option {
	return func(o *options) { o.meta = s }
}

type Client struct {
	gw     *gateway.Gateway
	store  *telemetry.Store
	poller *telemetry.Poller
	meta   *metadata.Service
	log    logger.Logger
}

// New builds a client. Nothing connects until Start.
func New(cfg Config, opts ...Option) (*Client, error) {
	errFactory := errors.New()

	o := options{log: logger.New("printer")}
	for _, opt := range opts {
		opt(&o)
	}

	meta := o.meta
	if meta == nil {
		var err error
		meta, err = metadata.NewService(cfg.Metadata, o.log)
		if err != nil {
			return nil, errFactory.Wrap(ErrInitFailed, err)
		}
	}

	gwOpts := []gateway.Option{gateway.WithLogger(o.log)}
	if o.observer != nil {
		gwOpts = append(gwOpts, gateway.WithObserver(o.observer))
	}
	dial := gateway.TransportDialer(transport.Dialer{
		Addr:           cfg.Addr,
		ConnectTimeout: cfg.ConnectTimeout,
		KeepAlive:      defaultKeepAlive,
	})
	gw := gateway.New(dial, cfg.Gateway, gwOpts...)

	store := telemetry.NewStore()
	poller, err := telemetry.NewPoller(gw, store, meta, cfg.Poll, telemetry.WithLogger(o.log))
	if err != nil {
		meta.Close()
		return nil, errFactory.Wrap(ErrInitFailed, err)
	}
	gw.OnStateChange(poller.HandleStateChange)

	return &Client{
		gw:     gw,
		store:  store,
		poller: poller,
		meta:   meta,
		log:    o.log,
	}, nil
}

// Start launches the gateway worker and the poller
func (c *Client) Start(ctx context.Context) {
	c.gw.Start()
	c.poller.Start(ctx)
}

// Close stops polling, fails queued commands and releases the connection
func (c *Client) Close() error {
	c.poller.Stop()
	c.gw.Stop()
	return c.meta.Close()
}

// SubmitCommand sends any command at the given priority
func (c *Client) SubmitCommand(ctx context.Context, cmd protocol.Command, priority gateway.Priority) (protocol.Result, error) {
	return c.gw.Submit(ctx, cmd, priority)
}

// Snapshot returns the last published telemetry without blocking
func (c *Client) Snapshot() telemetry.Snapshot {
	return c.store.Load()
}

// Watch registers fn to run after every snapshot publication
func (c *Client) Watch(fn func(prev, next telemetry.Snapshot)) {
	c.store.Watch(fn)
}

// GcodeMetadata returns the cached metadata of a printer file
func (c *Client) GcodeMetadata(fileID string) (gcode.Metadata, bool) {
	return c.meta.Get(fileID)
}

// ForceReconnect replaces the connection after the command in flight
func (c *Client) ForceReconnect() {
	c.gw.ForceReconnect()
}

func (c *Client) State() gateway.State {
	return c.gw.State()
}

func (c *Client) Connection() gateway.Connection {
	return c.gw.Connection()
}

// EmergencyStop goes ahead of every queued command and interrupts the
// one in flight.
func (c *Client) EmergencyStop(ctx context.Context) error {
	_, err := c.gw.Submit(ctx, protocol.EmergencyStop(), gateway.PriorityEmergency)
	if err == nil {
		c.log.Warn().Msg("Emergency stop sent")
	}
	return err
}

func (c *Client) SetLED(ctx context.Context, on bool) error {
	return c.ack(ctx, protocol.SetLED(on))
}

func (c *Client) Pause(ctx context.Context) error {
	return c.ack(ctx, protocol.Pause())
}

func (c *Client) Resume(ctx context.Context) error {
	return c.ack(ctx, protocol.Resume())
}

// SetNozzleTemperature sets the nozzle target, clamped to 0..300
func (c *Client) SetNozzleTemperature(ctx context.Context, celsius int) error {
	return c.ack(ctx, protocol.SetNozzleTemperature(celsius))
}

// SetBedTemperature sets the bed target, clamped to 0..120
func (c *Client) SetBedTemperature(ctx context.Context, celsius int) error {
	return c.ack(ctx, protocol.SetBedTemperature(celsius))
}

func (c *Client) SetFan(ctx context.Context, on bool) error {
	if on {
		return c.ack(ctx, protocol.FanOn())
	}
	return c.ack(ctx, protocol.FanOff())
}

func (c *Client) DisableMotors(ctx context.Context) error {
	return c.ack(ctx, protocol.MotorsOff())
}

func (c *Client) Home(ctx context.Context) error {
	return c.ack(ctx, protocol.Home())
}

// Position queries the current head position
func (c *Client) Position(ctx context.Context) (protocol.Position, error) {
	res, err := c.gw.Submit(ctx, protocol.QueryPosition(), gateway.PriorityNormal)
	if err != nil {
		return protocol.Position{}, err
	}
	if res.Position == nil {
		return protocol.Position{}, errors.New().WithData(protocol.ErrMalformedResponse, "no position in response")
	}
	return *res.Position, nil
}

// ListFiles fetches the printer's file list. It is never cached.
func (c *Client) ListFiles(ctx context.Context) ([]protocol.FileEntry, error) {
	res, err := c.gw.Submit(ctx, protocol.ListFiles(), gateway.PriorityNormal)
	if err != nil {
		return nil, err
	}
	return res.Files, nil
}

// StartPrint selects name and starts it without another command in
// between.
func (c *Client) StartPrint(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}

	return c.gw.Exclusive(ctx, func(s gateway.Session) error {
		return startPrint(s, name)
	})
}

// DeleteFile removes name from the printer and discards its metadata
func (c *Client) DeleteFile(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := c.ack(ctx, protocol.DeleteFile(name)); err != nil {
		return err
	}

	if err := c.meta.Delete(name); err != nil {
		c.log.Warn().Err(err).Str("file", name).Msg("Failed to discard metadata")
	}
	return nil
}

// UploadFile writes body to the printer as name and caches its metadata.
// The transfer holds the gateway for its whole duration: every other
// command, polling included, waits until it finishes. With start set the
// file is printed right after.
func (c *Client) UploadFile(ctx context.Context, name string, body io.Reader, start bool) (gcode.Metadata, error) {
	errFactory := errors.New()

	if err := validName(name); err != nil {
		return gcode.Metadata{}, err
	}

	content, err := io.ReadAll(body)
	if err != nil {
		return gcode.Metadata{}, errFactory.Wrap(ErrUploadFailed, err)
	}

	md := gcode.Parse(bytes.NewReader(content))
	lines, err := gcode.UploadLines(bytes.NewReader(content))
	if err != nil {
		return gcode.Metadata{}, errFactory.Wrap(ErrUploadFailed, err)
	}

	err = c.gw.Exclusive(ctx, func(s gateway.Session) error {
		if _, err := s.Exec(protocol.BeginWrite(name)); err != nil {
			return err
		}
		if err := writeBody(s, lines); err != nil {
			// The printer would store anything else sent on this
			// connection into the file.
			s.Invalidate()
			return err
		}

		if err := c.meta.Put(name, md); err != nil {
			c.log.Warn().Err(err).Str("file", name).Msg("Failed to store metadata")
		}

		if start {
			return startPrint(s, name)
		}
		return nil
	})
	if err != nil {
		return gcode.Metadata{}, err
	}

	c.log.Info().Str("file", name).Int("lines", len(lines)).Bool("start", start).Msg("File uploaded")

	return md, nil
}

func writeBody(s gateway.Session, lines []string) error {
	for _, line := range lines {
		if _, err := s.Exec(protocol.BareLine(line)); err != nil {
			return err
		}
	}
	_, err := s.Exec(protocol.EndWrite())
	return err
}

// ParseGcode extracts slicer metadata without contacting the printer
func (c *Client) ParseGcode(r io.Reader) gcode.Metadata {
	return gcode.Parse(r)
}

func (c *Client) ack(ctx context.Context, cmd protocol.Command) error {
	_, err := c.gw.Submit(ctx, cmd, gateway.PriorityNormal)
	return err
}

func startPrint(s gateway.Session, name string) error {
	if _, err := s.Exec(protocol.SelectFile(name)); err != nil {
		return err
	}
	_, err := s.Exec(protocol.Resume())
	return err
}

// validName rejects names the line protocol cannot carry as a single
// parameter.
func validName(name string) error {
	if name == "" || strings.IndexFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) >= 0 {
		return errors.New().WithData(ErrInvalidFileName, name)
	}
	return nil
}

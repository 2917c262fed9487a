package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/printerctl/internal/errors"
	"codeberg.org/mutker/printerctl/internal/gateway"
	"codeberg.org/mutker/printerctl/internal/gcode"
	"codeberg.org/mutker/printerctl/internal/logger"
	"codeberg.org/mutker/printerctl/internal/protocol"
)

// Submitter sends a command through the gateway
type Submitter interface {
	Submit(ctx context.Context, cmd protocol.Command, priority gateway.Priority) (protocol.Result, error)
}

// MetadataSource is told which file is active and returns its metadata
type MetadataSource interface {
	Activate(fileID string)
	Get(fileID string) (gcode.Metadata, bool)
}

type Option func(*Poller)

func WithLogger(l logger.Logger) Option {
	return func(p *Poller) { p.log = l }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// Poller queries status, temperatures, position and, during a job,
// progress on every tick. All polls are best-effort so they are dropped
// rather than queued while the gateway reconnects.
type Poller struct {
	cfg   Config
	gw    Submitter
	store *Store
	meta  MetadataSource
	log   logger.Logger
	now   func() time.Time

	// bumped on every connection loss the gateway reports
	losses atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	exited  chan struct{}
	running bool
}

func NewPoller(gw Submitter, store *Store, meta MetadataSource, cfg Config, opts ...Option) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.New().Wrap(ErrInvalidConfig, err)
	}

	p := &Poller{
		cfg:   cfg,
		gw:    gw,
		store: store,
		meta:  meta,
		log:   logger.New("telemetry"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Start polls once immediately and then on every interval until Stop
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.exited = make(chan struct{})

	go p.run(ctx, p.exited)
}

// Stop ends the loop and waits for the tick in progress
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, exited := p.cancel, p.exited
	p.mu.Unlock()

	cancel()
	<-exited
}

func (p *Poller) run(ctx context.Context, exited chan struct{}) {
	defer close(exited)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Debug().Err(err).Msg("Poll failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one tick and publishes its result. A failure publishes the
// last snapshot marked Disconnected and is returned for logging.
func (p *Poller) Poll(ctx context.Context) error {
	losses := p.losses.Load()
	prev := p.store.Load()
	next := prev.Clone()
	now := p.now()

	status, err := p.query(ctx, protocol.QueryStatus())
	if err != nil {
		return p.failed(ctx, err)
	}
	temps, err := p.query(ctx, protocol.QueryTemperature())
	if err != nil {
		return p.failed(ctx, err)
	}

	if t := temps.Temperatures; t != nil {
		if t.Nozzle != nil {
			next.Nozzle = *t.Nozzle
		}
		if t.Bed != nil {
			next.Bed = *t.Bed
		}
	}

	file := ""
	if s := status.Status; s != nil {
		next.Machine = s.Machine
		if s.LED != nil {
			led := *s.LED
			next.LEDOn = &led
		}
		file = s.CurrentFile
	} else {
		next.Machine = protocol.StateUnknown
	}

	if pos, err := p.query(ctx, protocol.QueryPosition()); err == nil && pos.Position != nil {
		next.Position = *pos.Position
	} else if err != nil && !p.optional(err) {
		return p.failed(ctx, err)
	}

	next.Job = nil
	if next.Machine.Active() && file != "" {
		job := p.job(prev.Job, file, now)

		prog, err := p.query(ctx, protocol.QueryProgress())
		switch {
		case err == nil && prog.Progress != nil:
			job.Progress = prog.Progress.Percent()
		case err != nil && !p.optional(err):
			return p.failed(ctx, err)
		}

		job.RemainingSeconds = nil
		if next.Machine == protocol.StatePrinting {
			job.RemainingSeconds = remaining(job.Metadata, job.StartedAt, now, job.Progress)
		}
		next.Job = job
	}

	next.Thermal = DeriveThermal(next.Nozzle, next.Bed)
	next.Connected = true
	next.LastSuccess = now
	next.PolledAt = now

	// A loss reported while this tick ran already published Disconnected.
	if !p.store.PublishIf(next, func() bool { return p.losses.Load() == losses }) {
		p.log.Debug().Msg("Connection lost during poll, result discarded")
	}

	return nil
}

// job carries the running job over from the previous snapshot, or starts
// a new one when the file changed.
func (p *Poller) job(prev *Job, file string, now time.Time) *Job {
	var job Job
	if prev != nil && prev.Filename == file {
		job = *prev
	} else {
		job = Job{Filename: file, StartedAt: now}
		if p.meta != nil {
			p.meta.Activate(file)
		}
		p.log.Info().Str("file", file).Msg("Job started")
	}

	if job.Metadata == nil && p.meta != nil {
		if md, ok := p.meta.Get(file); ok {
			job.Metadata = &md
		}
	}

	return &job
}

func (p *Poller) query(ctx context.Context, cmd protocol.Command) (protocol.Result, error) {
	return p.gw.Submit(ctx, cmd, gateway.PriorityBestEffort)
}

// optional reports whether err leaves the connection usable, in which
// case the affected fields keep their last values.
func (p *Poller) optional(err error) bool {
	return errors.HasCode(err, gateway.ErrCommandRejected) || errors.HasCode(err, gateway.ErrPreempted)
}

func (p *Poller) failed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	if p.optional(err) {
		p.log.Debug().Err(err).Msg("Poll skipped")
		return err
	}

	p.MarkDisconnected()
	return errors.New().Wrap(ErrPollState, err)
}

// MarkDisconnected publishes the last snapshot with the machine state set
// to Disconnected. Numeric fields keep their last values.
func (p *Poller) MarkDisconnected() {
	prev := p.store.Load()
	if !prev.Connected && prev.Machine == protocol.StateDisconnected {
		return
	}

	next := prev
	next.Machine = protocol.StateDisconnected
	next.Connected = false
	next.PolledAt = p.now()
	p.store.Publish(next)
}

// HandleStateChange is registered with the gateway so that a lost
// connection shows up before the next tick.
func (p *Poller) HandleStateChange(sc gateway.StateChange) {
	if sc.Connection == gateway.Connected || sc.Connection == gateway.Connecting {
		return
	}
	p.losses.Add(1)
	p.MarkDisconnected()
}

// Copyright © 2024 Mutker Telag <witty.text5011@fastmail.com>
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/printerctl/internal/config"
	"codeberg.org/mutker/printerctl/internal/errors"
	"codeberg.org/mutker/printerctl/internal/gcode"
	"codeberg.org/mutker/printerctl/internal/logger"
	"codeberg.org/mutker/printerctl/internal/metrics"
	"codeberg.org/mutker/printerctl/internal/pid"
	"codeberg.org/mutker/printerctl/internal/printer"
	"codeberg.org/mutker/printerctl/internal/telemetry"
)

func main() {
	cfg, err := config.Load(config.WithArgs(os.Args[1:]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.TemplatePath != "" {
		if err := config.WriteTemplate(cfg.TemplatePath, false); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote config template to %s\n", cfg.TemplatePath)
		return
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Str("printer", cfg.Printer.Addr()).Msg("Config loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx, cfg); err != nil {
		var e errors.Error
		if errors.As(err, &e) {
			logger.ErrorWithCode(e).Msg("Exiting on error")
		} else {
			logger.Error().Err(err).Msg("Exiting on error")
		}
		os.Exit(1)
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context, cfg *config.Config) error {
	errFactory := errors.New()

	lock, err := pid.Acquire(pid.Path(cfg.PidDir, cfg.Printer.Addr()))
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove pid file")
		}
	}()

	opts := []printer.Option{printer.WithLogger(logger.New("printer"))}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled() {
		var err error
		collector, err = metrics.New()
		if err != nil {
			return err
		}
		opts = append(opts, printer.WithObserver(collector))
	}

	client, err := printer.New(printer.ConfigFrom(cfg), opts...)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	client.Watch(snapshotLogger(cfg.Monitor))

	if collector != nil {
		client.Watch(collector.ObserveSnapshot)

		srv, err := metrics.Listen(cfg.Metrics.Addr, collector, logger.New("metrics"))
		if err != nil {
			client.Close()
			return err
		}
		defer func() {
			if err := srv.Shutdown(); err != nil {
				logger.Warn().Err(err).Msg("Failed to stop metrics server")
			}
		}()
		go func() {
			if err := srv.Serve(); err != nil {
				logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	logger.Info().
		Str("printer", cfg.Printer.Addr()).
		Dur("interval", cfg.Poll.Interval).
		Bool("metadata_db", cfg.Metadata.Enabled).
		Msg("Starting printer monitor")

	client.Start(ctx)
	<-ctx.Done()

	if err := client.Close(); err != nil {
		return errFactory.Wrap(errors.ErrShutdownFailed, err)
	}

	return nil
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

// snapshotLogger logs state transitions, or every snapshot in monitor mode
func snapshotLogger(monitor bool) func(prev, next telemetry.Snapshot) {
	return func(prev, next telemetry.Snapshot) {
		if prev.Connected != next.Connected {
			if next.Connected {
				logger.Info().Msg("Printer connected")
			} else {
				logger.Warn().Msg("Printer disconnected")
			}
		}
		if prev.Machine != next.Machine {
			logger.Info().
				Str("from", prev.Machine.String()).
				Str("to", next.Machine.String()).
				Msg("Machine state changed")
		}
		if prev.Thermal != next.Thermal && next.Connected {
			logger.Debug().Str("thermal", next.Thermal.String()).Msg("Thermal state changed")
		}

		if !monitor || !next.Connected {
			return
		}

		ev := logger.Info().
			Float64("nozzle", next.Nozzle.Current).
			Float64("nozzle_target", next.Nozzle.Target).
			Float64("bed", next.Bed.Current).
			Float64("bed_target", next.Bed.Target).
			Str("state", next.Machine.String()).
			Str("thermal", next.Thermal.String())
		if job := next.Job; job != nil {
			ev = ev.Str("file", job.Filename).Float64("progress", job.Progress)
			if job.RemainingSeconds != nil {
				ev = ev.Str("remaining", gcode.FormatDuration(*job.RemainingSeconds))
			}
		}
		ev.Msg("")
	}
}

// Package telemetry polls the printer on a fixed interval and publishes
// the merged result as an immutable snapshot.
package telemetry

import (
	"time"

	"codeberg.org/mutker/printerctl/internal/gcode"
	"codeberg.org/mutker/printerctl/internal/protocol"
)

// Snapshot is the last known printer state. Temperatures and position
// keep their last polled values while the printer is disconnected.
type Snapshot struct {
	Nozzle   protocol.Reading
	Bed      protocol.Reading
	Machine  protocol.MachineState
	Thermal  ThermalState
	Position protocol.Position
	LEDOn    *bool
	// Job is set while a file is being printed or is paused
	Job *Job

	Connected   bool
	LastSuccess time.Time
	PolledAt    time.Time
}

// Job describes the file being printed
type Job struct {
	Filename string
	// Progress is the completed share in percent
	Progress  float64
	StartedAt time.Time
	Metadata  *gcode.Metadata
	// RemainingSeconds is set when the file carries a time estimate
	RemainingSeconds *int64
}

// Clone returns a deep copy
func (s Snapshot) Clone() Snapshot {
	c := s
	if s.LEDOn != nil {
		v := *s.LEDOn
		c.LEDOn = &v
	}
	if s.Job != nil {
		j := *s.Job
		if s.Job.Metadata != nil {
			md := s.Job.Metadata.Clone()
			j.Metadata = &md
		}
		if s.Job.RemainingSeconds != nil {
			v := *s.Job.RemainingSeconds
			j.RemainingSeconds = &v
		}
		c.Job = &j
	}
	return c
}

// RemainingFormatted renders the remaining time as HH:MM:SS, empty when
// there is no estimate.
func (j *Job) RemainingFormatted() string {
	if j == nil || j.RemainingSeconds == nil {
		return ""
	}
	return gcode.FormatDuration(*j.RemainingSeconds)
}

func disconnectedSnapshot() Snapshot {
	return Snapshot{Machine: protocol.StateDisconnected}
}

// remaining averages the estimate left after elapsed time with the
// estimate left after the reported progress.
func remaining(md *gcode.Metadata, startedAt, now time.Time, progress float64) *int64 {
	if md == nil || md.EstimatedSeconds == nil || *md.EstimatedSeconds <= 0 {
		return nil
	}
	total := *md.EstimatedSeconds

	left := total - int64(now.Sub(startedAt).Seconds())
	if left < 0 {
		left = 0
	}

	if progress > 0 {
		byProgress := int64(float64(total) * (100 - progress) / 100)
		left = (left + byProgress) / 2
	}

	return &left
}

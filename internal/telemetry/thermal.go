package telemetry

import (
	"math"

	"codeberg.org/mutker/printerctl/internal/protocol"
)

// ThermalState summarizes what the heaters are doing
type ThermalState int

const (
	ThermalIdle ThermalState = iota
	ThermalPreheating
	ThermalHeating
	ThermalReady
	ThermalCooling
)

func (t ThermalState) String() string {
	switch t {
	case ThermalIdle:
		return "idle"
	case ThermalPreheating:
		return "preheating"
	case ThermalHeating:
		return "heating"
	case ThermalReady:
		return "ready"
	case ThermalCooling:
		return "cooling"
	default:
		return "unknown"
	}
}

const (
	// a heater within this many degrees of its target has reached it
	thermalTolerance = 3.0
	// preheating means both heaters are at least this far below target
	preheatThreshold = 10.0
	// targets at or below room temperature mean the heater is off
	targetSetAbove = 30.0
	// a heater is only reported as cooling while still warm
	coolingAbove = 40.0
)

type heater struct {
	set        bool
	heating    bool
	preheating bool
	cooling    bool
	ready      bool
}

func classify(r protocol.Reading) heater {
	diff := r.Target - r.Current
	h := heater{set: r.Target > targetSetAbove}
	h.heating = h.set && diff > thermalTolerance
	h.preheating = h.set && diff > preheatThreshold
	h.cooling = r.Current > r.Target+thermalTolerance && r.Current > coolingAbove
	h.ready = h.set && math.Abs(diff) <= thermalTolerance
	return h
}

// DeriveThermal classifies the nozzle and bed readings. Preheating needs
// both heaters far below target; one heater below target is Heating.
func DeriveThermal(nozzle, bed protocol.Reading) ThermalState {
	n, b := classify(nozzle), classify(bed)

	switch {
	case n.preheating && b.preheating:
		return ThermalPreheating
	case n.heating || b.heating:
		return ThermalHeating
	case (n.set || b.set) && (n.ready || !n.set) && (b.ready || !b.set):
		return ThermalReady
	case n.cooling || b.cooling:
		return ThermalCooling
	default:
		return ThermalIdle
	}
}

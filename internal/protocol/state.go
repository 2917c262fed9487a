package protocol

import "strings"

// MachineState is the printer activity reported by the status query
type MachineState int

const (
	StateUnknown MachineState = iota
	StateIdle
	StatePrinting
	StatePaused
	StateComplete
	StateError
	StateDisconnected
)

func (s MachineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrinting:
		return "printing"
	case StatePaused:
		return "paused"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Active reports whether a job is running or paused
func (s MachineState) Active() bool {
	return s == StatePrinting || s == StatePaused
}

var machineStatuses = map[string]MachineState{
	"READY":              StateIdle,
	"BUILDING_FROM_SD":   StatePrinting,
	"BUILDING":           StatePrinting,
	"PAUSED":             StatePaused,
	"BUILDING_COMPLETED": StateComplete,
	"COMPLETED":          StateComplete,
	"ERROR":              StateError,
}

// parseMachineState maps the MachineStatus and MoveMode values. Firmware
// reports a paused job as BUILDING_FROM_SD with MoveMode PAUSED.
func parseMachineState(status, moveMode string) MachineState {
	status = strings.ToUpper(strings.TrimSpace(status))
	moveMode = strings.ToUpper(strings.TrimSpace(moveMode))

	state, ok := machineStatuses[status]
	if !ok {
		state = fuzzyMachineState(status)
	}
	if state == StatePrinting && moveMode == "PAUSED" {
		return StatePaused
	}

	return state
}

func fuzzyMachineState(s string) MachineState {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, "printing"), strings.Contains(s, "building"):
		return StatePrinting
	case strings.Contains(s, "paused"):
		return StatePaused
	case strings.Contains(s, "complete"), strings.Contains(s, "finished"):
		return StateComplete
	case strings.Contains(s, "error"):
		return StateError
	case strings.Contains(s, "ready"), strings.Contains(s, "idle"):
		return StateIdle
	default:
		return StateUnknown
	}
}

package gateway

// State is the admission state of the gateway
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateBusy
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateBusy:
		return "busy"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Connection is the lifecycle of the transport owned by the gateway
type Connection int

const (
	Disconnected Connection = iota
	Connecting
	Connected
	Failing
)

func (c Connection) String() string {
	switch c {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failing:
		return "failing"
	default:
		return "unknown"
	}
}

// StateChange is passed to OnStateChange listeners
type StateChange struct {
	From       State
	To         State
	Connection Connection
}

// Priority selects the admission lane of a command
type Priority int

const (
	// PriorityNormal commands queue in submission order
	PriorityNormal Priority = iota
	// PriorityBestEffort commands are dropped instead of queued while
	// the gateway is reconnecting
	PriorityBestEffort
	// PriorityEmergency commands go ahead of the queue and interrupt the
	// command in flight
	PriorityEmergency
)

func (p Priority) String() string {
	switch p {
	case PriorityBestEffort:
		return "best_effort"
	case PriorityEmergency:
		return "emergency"
	default:
		return "normal"
	}
}

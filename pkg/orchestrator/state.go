package orchestrator

// State is one node of the orchestrator's session lifecycle (§4.G).
type State int

const (
	StateInit State = iota
	StateConnecting
	StateRegistering
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

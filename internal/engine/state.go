package engine

// State is the engine's position in its tick cycle.
type State int32

const (
	Idle State = iota
	Evaluating
	Dispatching
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Evaluating:
		return "evaluating"
	case Dispatching:
		return "dispatching"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

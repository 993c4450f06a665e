package worker

// Phase is where the coordinator is in the session lifecycle.
type Phase int

// Phases.
const (
	PhaseIdle Phase = iota
	PhaseJoining
	PhaseInSession
	PhaseEnding
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseJoining:
		return "joining"
	case PhaseInSession:
		return "in-session"
	case PhaseEnding:
		return "ending"
	default:
		return "unknown"
	}
}

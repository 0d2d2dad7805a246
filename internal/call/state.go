package call

// State is the call session negotiation state. The state field is the single
// source of truth for transition legality; there is no implicit "call active
// if handle non-nil" anywhere.
type State int

const (
	StateIdle State = iota
	// StateOfferReceived: an incoming offer is recorded and waits for the
	// local user to accept or reject.
	StateOfferReceived
	// StateAwaitingMedia: local media acquisition is in flight (caller after
	// the presence check, callee after accept).
	StateAwaitingMedia
	StateOfferSent
	StateAnswerSent
	StateConnected
	// StateEnding: local teardown in progress.
	StateEnding
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferReceived:
		return "offer-received"
	case StateAwaitingMedia:
		return "awaiting-media"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerSent:
		return "answer-sent"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal states immediately reset to Idle, releasing all call resources.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Active reports whether a call attempt is in flight.
func (s State) Active() bool {
	return s != StateIdle && !s.Terminal()
}

type Role int

const (
	RoleNone Role = iota
	RoleCaller
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "none"
	}
}

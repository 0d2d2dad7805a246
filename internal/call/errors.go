package call

import "errors"

var (
	// ErrBusy: a new attempt was rejected because the session is not idle.
	ErrBusy = errors.New("call: another call is active")
	// ErrBadState: the requested intent is not legal in the current state.
	ErrBadState      = errors.New("call: not legal in current state")
	ErrEmptyTarget   = errors.New("call: target must not be empty")
	ErrSessionClosed = errors.New("call: session closed")
	// ErrUnreachable: the presence check reported the peer as not connected.
	ErrUnreachable = errors.New("call: target unreachable")
	// ErrQueueFull: the candidate buffer overflowed, which signals a stuck
	// negotiation and fails the attempt.
	ErrQueueFull = errors.New("call: candidate buffer full")
)

// FailReason classifies why a call attempt reached StateFailed. Exactly one
// reason is reported per failed attempt.
type FailReason string

const (
	ReasonNone              FailReason = ""
	ReasonUnreachable       FailReason = "target-unreachable"
	ReasonMediaAcquisition  FailReason = "media-acquisition"
	ReasonNegotiation       FailReason = "negotiation"
	ReasonTransport         FailReason = "transport"
	ReasonAnswerTimeout     FailReason = "answer-timeout"
	ReasonConnectionLost    FailReason = "connection-lost"
	ReasonSignalingLost     FailReason = "signaling-lost"
	ReasonCandidateOverflow FailReason = "candidate-overflow"
)

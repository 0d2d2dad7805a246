// Package media defines the contract the call state machine consumes for one
// negotiated media session, plus the pion-backed production implementation.
//
// The state machine only ever talks to the Handle interface; tests substitute
// an in-memory fake.
package media

import (
	"errors"

	"github.com/tellory/peercall/internal/wire"
)

var (
	// ErrNoRemoteDescription is returned by AddICECandidate when no remote
	// description has been applied yet. Hitting it indicates a bug in the
	// caller: the state machine must buffer candidates until the remote
	// description is set.
	ErrNoRemoteDescription = errors.New("media: candidate before remote description")

	// ErrNoLocalMedia is returned by CreateOffer/CreateAnswer before
	// AttachLocalMedia has succeeded.
	ErrNoLocalMedia = errors.New("media: local media not attached")

	ErrClosed = errors.New("media: handle closed")
)

// ConnState is the connectivity of the underlying peer connection.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateConnecting
	ConnStateConnected
	ConnStateDisconnected
	ConnStateFailed
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the connectivity state ends the media session.
func (s ConnState) Terminal() bool {
	return s == ConnStateDisconnected || s == ConnStateFailed || s == ConnStateClosed
}

// TrackBundle is a read-only projection of a remote track for the rendering
// layer. The rendering layer never holds the underlying track.
type TrackBundle struct {
	Kind     string
	ID       string
	StreamID string
}

// Callbacks are invoked from the handle's own goroutines; receivers must not
// block and must re-enter the state machine through its event queue.
type Callbacks struct {
	OnLocalCandidate func(wire.Candidate)
	OnRemoteTrack    func(TrackBundle)
	OnStateChange    func(ConnState)
}

// TrackControls mutes or unmutes the outgoing tracks. Toggling never affects
// call state.
type TrackControls interface {
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
}

// Handle is one negotiation context. Every operation is fallible; Close is
// idempotent and safe from any state.
type Handle interface {
	AttachLocalMedia() (TrackControls, error)
	CreateOffer() (wire.SDP, error)
	CreateAnswer() (wire.SDP, error)
	SetLocalDescription(desc wire.SDP) error
	SetRemoteDescription(desc wire.SDP) error
	AddICECandidate(cand wire.Candidate) error
	RemoteDescriptionSet() bool
	Close() error
}

// Factory allocates a fresh Handle for one call attempt.
type Factory func(cb Callbacks) (Handle, error)

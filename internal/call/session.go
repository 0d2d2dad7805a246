// Package call implements the peer-to-peer call session state machine: one
// session per local user, at most one active call attempt at a time.
//
// All state lives behind a single event loop goroutine. User intents,
// signaling events, timers, and media callbacks are posted onto the loop as
// closures, so no transition ever races another. Async work (presence checks,
// media acquisition) runs off the loop and re-enters via a post tagged with
// the attempt number; a continuation from a superseded attempt is dropped.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tellory/peercall/internal/media"
	"github.com/tellory/peercall/internal/metrics"
	"github.com/tellory/peercall/internal/signalclient"
	"github.com/tellory/peercall/internal/wire"
)

// Signaler is the outbound signaling surface the session depends on.
// *signalclient.Client satisfies it; tests use a fake.
type Signaler interface {
	Send(msg wire.Message) error
	CheckTarget(ctx context.Context, target string) (bool, error)
}

// Notification is a read-only projection of a session transition, delivered
// to the UI layer. Notify callbacks run on the session loop and must not
// block or call back into the session.
type Notification struct {
	State        State
	Role         Role
	RemoteUserID string

	// Reason and Err are set when State is StateFailed.
	Reason FailReason
	Err    error

	// RemoteTrack is set when a remote media track arrived; the state is
	// unchanged by track arrival.
	RemoteTrack *media.TrackBundle
}

// Snapshot is the session's externally visible state.
type Snapshot struct {
	State        State
	Role         Role
	RemoteUserID string
	AudioEnabled bool
	VideoEnabled bool
}

type Config struct {
	LocalUserID string
	Signaler    Signaler
	Media       media.Factory

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	PresenceTimeout    time.Duration
	AnswerTimeout      time.Duration
	CandidateBufferCap int

	Notify func(Notification)
}

type incomingCall struct {
	from  string
	offer wire.SDP
}

type Session struct {
	cfg Config
	log *slog.Logger
	met *metrics.Metrics

	events   chan func()
	quit     chan struct{}
	loopDone chan struct{}

	closeOnce sync.Once

	// The fields below are owned by the event loop goroutine.
	state    State
	role     Role
	remote   string
	attempt  uint64
	handle   media.Handle
	controls media.TrackControls
	pending  *candidateQueue
	outbound []wire.Candidate
	descSent bool
	incoming *incomingCall

	audioEnabled bool
	videoEnabled bool

	answerTimer *time.Timer

	snapMu sync.Mutex
	snap   Snapshot
}

var _ signalclient.Handler = (*Session)(nil)

func NewSession(cfg Config) (*Session, error) {
	if cfg.LocalUserID == "" {
		return nil, fmt.Errorf("call: local user id must not be empty")
	}
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("call: signaler must not be nil")
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("call: media factory must not be nil")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = 5 * time.Second
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 30 * time.Second
	}

	s := &Session{
		cfg:          cfg,
		log:          cfg.Logger.With("component", "call", "user", cfg.LocalUserID),
		met:          cfg.Metrics,
		events:       make(chan func()),
		quit:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		state:        StateIdle,
		pending:      newCandidateQueue(cfg.CandidateBufferCap),
		audioEnabled: true,
		videoEnabled: true,
	}
	s.publishLocked()
	go s.run()
	return s, nil
}

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case f := <-s.events:
			f()
		case <-s.quit:
			for {
				select {
				case f := <-s.events:
					f()
				default:
					return
				}
			}
		}
	}
}

func (s *Session) post(f func()) bool {
	select {
	case s.events <- f:
		return true
	case <-s.quit:
		return false
	}
}

// postTagged drops the closure if the attempt it belongs to has been
// superseded. Every continuation of async work goes through here.
func (s *Session) postTagged(attempt uint64, f func()) bool {
	return s.post(func() {
		if s.attempt != attempt {
			return
		}
		f()
	})
}

func (s *Session) do(f func() error) error {
	errc := make(chan error, 1)
	if !s.post(func() { errc <- f() }) {
		return ErrSessionClosed
	}
	return <-errc
}

// Start begins an outgoing call to target. It fails with ErrBusy unless the
// session is idle. Reachability and media acquisition proceed asynchronously;
// their outcome arrives via Notify.
func (s *Session) Start(target string) error {
	if target == "" {
		return ErrEmptyTarget
	}
	return s.do(func() error { return s.startLocked(target) })
}

func (s *Session) startLocked(target string) error {
	if s.state != StateIdle {
		return ErrBusy
	}
	s.met.Inc(metrics.CallsStarted)
	s.role = RoleCaller
	s.remote = target
	s.setStateLocked(StateAwaitingMedia)

	handle, err := s.createHandleLocked()
	if err != nil {
		s.failLocked(ReasonMediaAcquisition, err)
		return nil
	}
	s.handle = handle
	go s.beginCallerAttempt(s.attempt, target, handle)
	return nil
}

func (s *Session) beginCallerAttempt(attempt uint64, target string, handle media.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PresenceTimeout)
	defer cancel()
	exists, err := s.cfg.Signaler.CheckTarget(ctx, target)
	if err != nil {
		s.met.Inc(metrics.PresenceFailures)
		s.postTagged(attempt, func() {
			s.failLocked(ReasonUnreachable, fmt.Errorf("presence check: %w", err))
		})
		return
	}
	if !exists {
		s.postTagged(attempt, func() {
			s.failLocked(ReasonUnreachable, fmt.Errorf("%w: target %q is not connected", ErrUnreachable, target))
		})
		return
	}

	controls, err := handle.AttachLocalMedia()
	if err != nil {
		s.postTagged(attempt, func() {
			s.failLocked(ReasonMediaAcquisition, err)
		})
		return
	}
	s.postTagged(attempt, func() { s.callerMediaReadyLocked(controls) })
}

func (s *Session) callerMediaReadyLocked(controls media.TrackControls) {
	s.controls = controls
	s.applyTrackFlagsLocked()

	offer, err := s.handle.CreateOffer()
	if err != nil {
		s.failLocked(ReasonNegotiation, fmt.Errorf("create offer: %w", err))
		return
	}
	if err := s.handle.SetLocalDescription(offer); err != nil {
		s.failLocked(ReasonNegotiation, err)
		return
	}
	err = s.cfg.Signaler.Send(wire.Message{
		Type:   wire.MessageTypeOffer,
		Target: s.remote,
		SDP:    &offer,
	})
	if err != nil {
		s.failLocked(ReasonTransport, fmt.Errorf("send offer: %w", err))
		return
	}
	s.descSent = true
	s.flushOutboundLocked()
	s.setStateLocked(StateOfferSent)
	s.armAnswerTimerLocked()
}

// Accept answers the pending incoming call. Legal only in StateOfferReceived.
func (s *Session) Accept() error {
	return s.do(func() error {
		if s.state != StateOfferReceived || s.incoming == nil {
			return ErrBadState
		}
		inc := *s.incoming
		s.incoming = nil
		s.setStateLocked(StateAwaitingMedia)
		go s.beginCalleeAttempt(s.attempt, inc, s.handle)
		return nil
	})
}

func (s *Session) beginCalleeAttempt(attempt uint64, inc incomingCall, handle media.Handle) {
	// The caller's offer proves it was reachable when it sent the offer, but
	// candidates only flow to peers confirmed reachable for this attempt, so
	// the callee validates too before answering.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PresenceTimeout)
	defer cancel()
	exists, err := s.cfg.Signaler.CheckTarget(ctx, inc.from)
	if err != nil {
		s.met.Inc(metrics.PresenceFailures)
		s.postTagged(attempt, func() {
			s.failLocked(ReasonUnreachable, fmt.Errorf("presence check: %w", err))
		})
		return
	}
	if !exists {
		s.postTagged(attempt, func() {
			s.failLocked(ReasonUnreachable, fmt.Errorf("%w: caller %q is no longer connected", ErrUnreachable, inc.from))
		})
		return
	}

	controls, err := handle.AttachLocalMedia()
	if err != nil {
		s.postTagged(attempt, func() {
			s.failLocked(ReasonMediaAcquisition, err)
		})
		return
	}
	s.postTagged(attempt, func() { s.calleeMediaReadyLocked(inc, controls) })
}

func (s *Session) calleeMediaReadyLocked(inc incomingCall, controls media.TrackControls) {
	s.controls = controls
	s.applyTrackFlagsLocked()

	if err := s.handle.SetRemoteDescription(inc.offer); err != nil {
		s.failLocked(ReasonNegotiation, fmt.Errorf("apply remote offer: %w", err))
		return
	}
	s.drainPendingLocked()

	answer, err := s.handle.CreateAnswer()
	if err != nil {
		s.failLocked(ReasonNegotiation, fmt.Errorf("create answer: %w", err))
		return
	}
	if err := s.handle.SetLocalDescription(answer); err != nil {
		s.failLocked(ReasonNegotiation, err)
		return
	}
	err = s.cfg.Signaler.Send(wire.Message{
		Type:   wire.MessageTypeAnswer,
		Target: s.remote,
		SDP:    &answer,
	})
	if err != nil {
		s.failLocked(ReasonTransport, fmt.Errorf("send answer: %w", err))
		return
	}
	s.descSent = true
	s.flushOutboundLocked()
	s.setStateLocked(StateAnswerSent)
}

// Reject declines the pending incoming call and returns the session to idle
// without sending an answer. After media setup has begun it behaves like End.
func (s *Session) Reject() error {
	return s.do(func() error {
		if s.state == StateOfferReceived {
			s.met.Inc(metrics.CallsRejected)
			s.log.Info("incoming call rejected", "from", s.remote)
			s.closeHandleLocked()
			s.sendCallEndedLocked()
			s.resetLocked()
			return nil
		}
		if s.state.Active() && s.role == RoleCallee {
			return s.endLocked()
		}
		return ErrBadState
	})
}

// End tears down the active call. Ending when no call is active is a no-op,
// so teardown is idempotent.
func (s *Session) End() error {
	return s.do(func() error { return s.endLocked() })
}

func (s *Session) endLocked() error {
	if !s.state.Active() {
		return nil
	}
	s.setStateLocked(StateEnding)
	s.closeHandleLocked()
	s.sendCallEndedLocked()
	s.met.Inc(metrics.CallsEnded)
	s.setStateLocked(StateEnded)
	s.resetLocked()
	return nil
}

// SetAudioEnabled toggles the outgoing audio track. If media is not attached
// yet, the flag is applied when it is. The flag resets when the call ends.
// Toggling never changes call state.
func (s *Session) SetAudioEnabled(enabled bool) error {
	return s.do(func() error {
		s.audioEnabled = enabled
		s.publishLocked()
		if s.controls == nil {
			return nil
		}
		return s.controls.SetAudioEnabled(enabled)
	})
}

func (s *Session) SetVideoEnabled(enabled bool) error {
	return s.do(func() error {
		s.videoEnabled = enabled
		s.publishLocked()
		if s.controls == nil {
			return nil
		}
		return s.controls.SetVideoEnabled(enabled)
	})
}

func (s *Session) Snapshot() Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snap
}

// Close ends any active call and stops the session loop. Safe to call more
// than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.do(func() error { return s.endLocked() })
		close(s.quit)
		<-s.loopDone
	})
	return nil
}

// HandleOffer implements signalclient.Handler. An offer arriving while any
// call is in progress is ignored: the session is busy, and responding would
// leak call state to an uninvolved peer.
func (s *Session) HandleOffer(from string, offer wire.SDP) {
	s.post(func() {
		if s.state != StateIdle {
			s.met.Inc(metrics.OffersIgnoredBusy)
			s.log.Info("ignoring offer while busy", "from", from, "state", s.state.String())
			return
		}
		if from == "" {
			s.met.Inc(metrics.ProtocolViolations)
			s.log.Warn("discarding offer without sender")
			return
		}
		s.role = RoleCallee
		s.remote = from
		s.incoming = &incomingCall{from: from, offer: offer}

		handle, err := s.createHandleLocked()
		if err != nil {
			s.setStateLocked(StateOfferReceived)
			s.failLocked(ReasonMediaAcquisition, err)
			return
		}
		s.handle = handle
		s.setStateLocked(StateOfferReceived)
	})
}

// HandleAnswer implements signalclient.Handler.
func (s *Session) HandleAnswer(answer wire.SDP) {
	s.post(func() {
		if s.state != StateOfferSent {
			s.met.Inc(metrics.ProtocolViolations)
			s.log.Warn("discarding answer outside offer-sent", "state", s.state.String())
			return
		}
		s.stopAnswerTimerLocked()
		if err := s.handle.SetRemoteDescription(answer); err != nil {
			s.sendCallEndedLocked()
			s.failLocked(ReasonNegotiation, fmt.Errorf("apply remote answer: %w", err))
			return
		}
		s.drainPendingLocked()
		s.met.Inc(metrics.CallsConnected)
		s.setStateLocked(StateConnected)
	})
}

// HandleCandidate implements signalclient.Handler. Candidates arriving before
// the remote description are buffered FIFO; candidates for no call, or from a
// peer other than the call remote, are discarded.
func (s *Session) HandleCandidate(from string, cand wire.Candidate) {
	s.post(func() {
		if !s.state.Active() {
			s.log.Debug("discarding candidate with no active call", "from", from)
			return
		}
		if from != "" && from != s.remote {
			s.met.Inc(metrics.ProtocolViolations)
			s.log.Warn("discarding candidate from unexpected peer", "from", from)
			return
		}
		if s.handle != nil && s.handle.RemoteDescriptionSet() {
			if err := s.handle.AddICECandidate(cand); err != nil {
				s.met.Inc(metrics.CandidatesDropped)
				s.log.Warn("dropping remote candidate", "err", err)
			}
			return
		}
		if err := s.pending.Enqueue(cand); err != nil {
			s.failLocked(ReasonCandidateOverflow, err)
			return
		}
		s.met.Inc(metrics.CandidatesBuffered)
	})
}

// HandleCallEnded implements signalclient.Handler. Duplicate or stale
// call-ended events are no-ops.
func (s *Session) HandleCallEnded(from string) {
	s.post(func() {
		if !s.state.Active() {
			return
		}
		if from != "" && from != s.remote {
			s.met.Inc(metrics.ProtocolViolations)
			s.log.Warn("discarding call-ended from unexpected peer", "from", from)
			return
		}
		s.log.Info("remote ended call", "from", s.remote)
		s.closeHandleLocked()
		s.met.Inc(metrics.CallsEnded)
		s.setStateLocked(StateEnded)
		s.resetLocked()
	})
}

// HandleConnectivity implements signalclient.Handler. Losing the signaling
// connection mid-call fails the call: once either side may have missed
// control messages, the negotiation state cannot be trusted, and a fresh
// attempt is cheaper than resynchronizing.
func (s *Session) HandleConnectivity(state signalclient.ConnState) {
	s.post(func() {
		if state == signalclient.ConnConnected {
			return
		}
		if !s.state.Active() {
			return
		}
		s.failLocked(ReasonSignalingLost, fmt.Errorf("signaling connection %s", state))
	})
}

func (s *Session) createHandleLocked() (media.Handle, error) {
	attempt := s.attempt
	cb := media.Callbacks{
		OnLocalCandidate: func(c wire.Candidate) {
			s.postTagged(attempt, func() { s.localCandidateLocked(c) })
		},
		OnRemoteTrack: func(tb media.TrackBundle) {
			s.postTagged(attempt, func() { s.remoteTrackLocked(tb) })
		},
		OnStateChange: func(st media.ConnState) {
			s.postTagged(attempt, func() { s.connStateLocked(st) })
		},
	}
	h, err := s.cfg.Media(cb)
	if err != nil {
		return nil, fmt.Errorf("create media handle: %w", err)
	}
	return h, nil
}

// localCandidateLocked gates locally gathered candidates until our own
// description has been sent; sending a candidate before the peer has seen an
// offer or answer would only get it discarded.
func (s *Session) localCandidateLocked(c wire.Candidate) {
	if !s.state.Active() {
		return
	}
	if !s.descSent {
		s.outbound = append(s.outbound, c)
		return
	}
	s.sendCandidateLocked(c)
}

func (s *Session) flushOutboundLocked() {
	for _, c := range s.outbound {
		s.sendCandidateLocked(c)
	}
	s.outbound = nil
}

// sendCandidateLocked sends one trickled candidate. A failed candidate send
// is not fatal: ICE tolerates missing candidates and connectivity checks can
// still succeed on the ones that got through.
func (s *Session) sendCandidateLocked(c wire.Candidate) {
	err := s.cfg.Signaler.Send(wire.Message{
		Type:      wire.MessageTypeCandidate,
		Target:    s.remote,
		Candidate: &c,
	})
	if err != nil {
		s.met.Inc(metrics.CandidatesDropped)
		s.log.Warn("failed to send local candidate", "err", err)
	}
}

func (s *Session) drainPendingLocked() {
	applied, dropped := s.pending.DrainInto(s.handle)
	if dropped > 0 {
		s.met.Add(metrics.CandidatesDropped, uint64(dropped))
	}
	if applied > 0 || dropped > 0 {
		s.log.Debug("drained buffered candidates", "applied", applied, "dropped", dropped)
	}
}

func (s *Session) remoteTrackLocked(tb media.TrackBundle) {
	s.log.Info("remote track", "kind", tb.Kind, "id", tb.ID)
	s.notifyLocked(Notification{
		State:        s.state,
		Role:         s.role,
		RemoteUserID: s.remote,
		RemoteTrack:  &tb,
	})
}

func (s *Session) connStateLocked(st media.ConnState) {
	if st == media.ConnStateConnected && s.state == StateAnswerSent {
		s.met.Inc(metrics.CallsConnected)
		s.setStateLocked(StateConnected)
		return
	}
	if st == media.ConnStateClosed {
		return
	}
	if st.Terminal() && s.state.Active() {
		s.sendCallEndedLocked()
		s.failLocked(ReasonConnectionLost, fmt.Errorf("peer connection %s", st))
	}
}

func (s *Session) armAnswerTimerLocked() {
	attempt := s.attempt
	s.answerTimer = time.AfterFunc(s.cfg.AnswerTimeout, func() {
		s.postTagged(attempt, func() {
			if s.state != StateOfferSent {
				return
			}
			s.sendCallEndedLocked()
			s.failLocked(ReasonAnswerTimeout, fmt.Errorf("no answer within %s", s.cfg.AnswerTimeout))
		})
	})
}

func (s *Session) stopAnswerTimerLocked() {
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
}

// sendCallEndedLocked notifies the peer of teardown, best effort. Teardown
// proceeds regardless of the outcome.
func (s *Session) sendCallEndedLocked() {
	if s.remote == "" {
		return
	}
	err := s.cfg.Signaler.Send(wire.Message{
		Type:   wire.MessageTypeCallEnded,
		Target: s.remote,
	})
	if err != nil {
		s.log.Warn("failed to send call-ended", "err", err)
	}
}

func (s *Session) failLocked(reason FailReason, err error) {
	if !s.state.Active() {
		return
	}
	s.met.Inc(metrics.CallsFailed)
	s.log.Warn("call failed",
		"reason", string(reason),
		"err", err,
		"remote", s.remote,
		"role", s.role.String(),
	)
	s.closeHandleLocked()
	s.state = StateFailed
	s.publishLocked()
	s.notifyLocked(Notification{
		State:        StateFailed,
		Role:         s.role,
		RemoteUserID: s.remote,
		Reason:       reason,
		Err:          err,
	})
	s.resetLocked()
}

func (s *Session) closeHandleLocked() {
	if s.handle == nil {
		return
	}
	if err := s.handle.Close(); err != nil {
		s.log.Warn("closing media handle", "err", err)
	}
	s.handle = nil
	s.controls = nil
}

// resetLocked releases all per-attempt resources and returns to idle. The
// attempt counter is bumped so in-flight continuations of the old attempt are
// dropped when they reach the loop.
func (s *Session) resetLocked() {
	s.stopAnswerTimerLocked()
	s.closeHandleLocked()
	s.pending.Clear()
	s.outbound = nil
	s.incoming = nil
	s.remote = ""
	s.role = RoleNone
	s.descSent = false
	s.audioEnabled = true
	s.videoEnabled = true
	s.attempt++
	s.setStateLocked(StateIdle)
}

func (s *Session) applyTrackFlagsLocked() {
	if s.controls == nil {
		return
	}
	if !s.audioEnabled {
		if err := s.controls.SetAudioEnabled(false); err != nil {
			s.log.Warn("applying audio mute", "err", err)
		}
	}
	if !s.videoEnabled {
		if err := s.controls.SetVideoEnabled(false); err != nil {
			s.log.Warn("applying video mute", "err", err)
		}
	}
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("state transition", "from", s.state.String(), "to", st.String())
	s.state = st
	s.publishLocked()
	s.notifyLocked(Notification{
		State:        st,
		Role:         s.role,
		RemoteUserID: s.remote,
	})
}

func (s *Session) publishLocked() {
	s.snapMu.Lock()
	s.snap = Snapshot{
		State:        s.state,
		Role:         s.role,
		RemoteUserID: s.remote,
		AudioEnabled: s.audioEnabled,
		VideoEnabled: s.videoEnabled,
	}
	s.snapMu.Unlock()
}

func (s *Session) notifyLocked(n Notification) {
	if s.cfg.Notify == nil {
		return
	}
	s.cfg.Notify(n)
}

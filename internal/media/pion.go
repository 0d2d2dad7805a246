package media

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/tellory/peercall/internal/wire"
)

// TrackSource produces the outgoing local tracks. Capture and device
// permissions live behind this interface; the negotiation core never sees
// them.
type TrackSource interface {
	AudioTrack() (webrtc.TrackLocal, error)
	VideoTrack() (webrtc.TrackLocal, error)
}

// StaticSource provides negotiation-only tracks with no frame producer
// attached. Real capture backends implement TrackSource and feed samples into
// the returned tracks.
type StaticSource struct{}

func (StaticSource) AudioTrack() (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "peercall",
	)
}

func (StaticSource) VideoTrack() (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "peercall",
	)
}

type PionConfig struct {
	ICEServers []webrtc.ICEServer
	Source     TrackSource
	Logger     *slog.Logger
}

// NewPionFactory returns a Factory that builds pion PeerConnections. The
// webrtc.API is constructed once so SettingEngine options (logger bridge)
// apply to every handle.
func NewPionFactory(cfg PionConfig) Factory {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	source := cfg.Source
	if source == nil {
		source = StaticSource{}
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = newSlogLoggerFactory(log)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	return func(cb Callbacks) (Handle, error) {
		return newPionHandle(api, cfg.ICEServers, source, log, cb)
	}
}

type pionHandle struct {
	pc     *webrtc.PeerConnection
	source TrackSource
	log    *slog.Logger

	mu        sync.Mutex
	attached  bool
	remoteSet bool
	closed    bool

	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	closeOnce sync.Once
	closeErr  error
}

func newPionHandle(api *webrtc.API, iceServers []webrtc.ICEServer, source TrackSource, log *slog.Logger, cb Callbacks) (*pionHandle, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	h := &pionHandle{
		pc:     pc,
		source: source,
		log:    log,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnLocalCandidate == nil {
			return
		}
		cb.OnLocalCandidate(candidateFromPion(c.ToJSON()))
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if cb.OnRemoteTrack != nil {
			cb.OnRemoteTrack(TrackBundle{
				Kind:     remote.Kind().String(),
				ID:       remote.ID(),
				StreamID: remote.StreamID(),
			})
		}
		// Keep reading so interceptors keep running; frames are consumed by
		// the rendering layer, which is outside this core.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := remote.Read(buf); err != nil {
					return
				}
			}
		}()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if cb.OnStateChange == nil {
			return
		}
		cb.OnStateChange(connStateFromPion(state))
	})

	return h, nil
}

// AttachLocalMedia acquires the outgoing tracks and adds them to the peer
// connection. On failure the handle is closed before the error surfaces, so a
// half-initialized handle can never leak.
func (h *pionHandle) AttachLocalMedia() (TrackControls, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if h.attached {
		h.mu.Unlock()
		return nil, fmt.Errorf("media: local media already attached")
	}
	h.mu.Unlock()

	audio, err := h.source.AudioTrack()
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("acquire audio track: %w", err)
	}
	video, err := h.source.VideoTrack()
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("acquire video track: %w", err)
	}

	audioSender, err := h.pc.AddTrack(audio)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	videoSender, err := h.pc.AddTrack(video)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}

	drainRTCP(audioSender)
	drainRTCP(videoSender)

	h.mu.Lock()
	h.attached = true
	h.audioTrack = audio
	h.videoTrack = video
	h.audioSender = audioSender
	h.videoSender = videoSender
	h.mu.Unlock()

	return &pionTrackControls{h: h}, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (h *pionHandle) CreateOffer() (wire.SDP, error) {
	if !h.localMediaAttached() {
		return wire.SDP{}, ErrNoLocalMedia
	}
	offer, err := h.pc.CreateOffer(nil)
	if err != nil {
		return wire.SDP{}, fmt.Errorf("create offer: %w", err)
	}
	return sdpFromPion(offer), nil
}

func (h *pionHandle) CreateAnswer() (wire.SDP, error) {
	if !h.localMediaAttached() {
		return wire.SDP{}, ErrNoLocalMedia
	}
	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return wire.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	return sdpFromPion(answer), nil
}

func (h *pionHandle) SetLocalDescription(desc wire.SDP) error {
	pionDesc, err := sdpToPion(desc)
	if err != nil {
		return err
	}
	if err := h.pc.SetLocalDescription(pionDesc); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (h *pionHandle) SetRemoteDescription(desc wire.SDP) error {
	pionDesc, err := sdpToPion(desc)
	if err != nil {
		return err
	}
	if err := h.pc.SetRemoteDescription(pionDesc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	h.mu.Lock()
	h.remoteSet = true
	h.mu.Unlock()
	return nil
}

func (h *pionHandle) AddICECandidate(cand wire.Candidate) error {
	if !h.RemoteDescriptionSet() {
		return ErrNoRemoteDescription
	}
	if err := h.pc.AddICECandidate(candidateToPion(cand)); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (h *pionHandle) RemoteDescriptionSet() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remoteSet
}

func (h *pionHandle) localMediaAttached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attached && !h.closed
}

func (h *pionHandle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.closeErr = h.pc.Close()
	})
	return h.closeErr
}

type pionTrackControls struct {
	h *pionHandle
}

func (c *pionTrackControls) SetAudioEnabled(enabled bool) error {
	return c.replace(c.h.audioSender, c.h.audioTrack, enabled)
}

func (c *pionTrackControls) SetVideoEnabled(enabled bool) error {
	return c.replace(c.h.videoSender, c.h.videoTrack, enabled)
}

// replace mutes by swapping the outgoing track for nil; pion keeps the
// transceiver and its negotiated direction intact.
func (c *pionTrackControls) replace(sender *webrtc.RTPSender, track webrtc.TrackLocal, enabled bool) error {
	if sender == nil {
		return ErrNoLocalMedia
	}
	if enabled {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

func sdpFromPion(desc webrtc.SessionDescription) wire.SDP {
	return wire.SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func sdpToPion(desc wire.SDP) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch desc.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

func candidateFromPion(init webrtc.ICECandidateInit) wire.Candidate {
	return wire.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func candidateToPion(c wire.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func connStateFromPion(state webrtc.PeerConnectionState) ConnState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnStateClosed
	default:
		return ConnStateNew
	}
}

package signalclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tellory/peercall/internal/metrics"
	"github.com/tellory/peercall/internal/wire"
)

type offerEvent struct {
	from string
	sdp  wire.SDP
}

type candidateEvent struct {
	from string
	cand wire.Candidate
}

type recordingHandler struct {
	offers     chan offerEvent
	answers    chan wire.SDP
	candidates chan candidateEvent
	ended      chan string
	conn       chan ConnState
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		offers:     make(chan offerEvent, 8),
		answers:    make(chan wire.SDP, 8),
		candidates: make(chan candidateEvent, 8),
		ended:      make(chan string, 8),
		conn:       make(chan ConnState, 8),
	}
}

func (h *recordingHandler) HandleOffer(from string, offer wire.SDP) {
	h.offers <- offerEvent{from: from, sdp: offer}
}

func (h *recordingHandler) HandleAnswer(answer wire.SDP) {
	h.answers <- answer
}

func (h *recordingHandler) HandleCandidate(from string, cand wire.Candidate) {
	h.candidates <- candidateEvent{from: from, cand: cand}
}

func (h *recordingHandler) HandleCallEnded(from string) {
	h.ended <- from
}

func (h *recordingHandler) HandleConnectivity(state ConnState) {
	h.conn <- state
}

var testUpgrader = websocket.Upgrader{}

func newTestServer(t *testing.T, serve func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testOptions(url string) Options {
	return Options{
		URL:        url,
		UserID:     "alice",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:    metrics.New(),
		BackoffMin: 5 * time.Millisecond,
		BackoffMax: 20 * time.Millisecond,
	}
}

func dialTest(t *testing.T, opts Options) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func recvOffer(t *testing.T, h *recordingHandler) offerEvent {
	t.Helper()
	select {
	case ev := <-h.offers:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for offer")
		return offerEvent{}
	}
}

func TestDialIdentifiesUserAndDispatchesOffer(t *testing.T) {
	userIDs := make(chan string, 1)
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		userIDs <- r.URL.Query().Get("userId")
		offer := wire.Message{
			Type: wire.MessageTypeOffer,
			From: "bob",
			SDP:  &wire.SDP{Type: "offer", SDP: "v=0"},
		}
		data, _ := offer.Encode()
		conn.WriteMessage(websocket.TextMessage, data)
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	h := newRecordingHandler()
	c := dialTest(t, testOptions(url))
	c.SetHandler(h)

	select {
	case got := <-userIDs:
		if got != "alice" {
			t.Fatalf("userId query = %q, want alice", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never saw the connection")
	}

	ev := recvOffer(t, h)
	if ev.from != "bob" || ev.sdp.SDP != "v=0" {
		t.Fatalf("unexpected offer event: %+v", ev)
	}
}

func TestSendWritesValidatedFrame(t *testing.T) {
	frames := make(chan []byte, 1)
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frames <- data
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := dialTest(t, testOptions(url))
	err := c.Send(wire.Message{
		Type:   wire.MessageTypeOffer,
		Target: "bob",
		SDP:    &wire.SDP{Type: "offer", SDP: "v=0"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-frames:
		msg, err := wire.ParseMessage(data)
		if err != nil {
			t.Fatalf("server could not parse frame: %v", err)
		}
		if msg.Type != wire.MessageTypeOffer || msg.Target != "bob" {
			t.Fatalf("unexpected frame: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received the frame")
	}

	// Invalid messages are rejected before any bytes hit the wire.
	if err := c.Send(wire.Message{Type: wire.MessageTypeOffer}); err == nil {
		t.Fatalf("expected validation error for offer without sdp")
	}
}

func TestCheckTargetCorrelatesReply(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := wire.ParseMessage(data)
			if err != nil || msg.Type != wire.MessageTypePresence {
				continue
			}
			exists := msg.Target == "bob"
			reply := wire.Message{
				Type:   wire.MessageTypeTargetStatus,
				ID:     msg.ID,
				Exists: &exists,
			}
			out, _ := reply.Encode()
			conn.WriteMessage(websocket.TextMessage, out)
		}
	})

	c := dialTest(t, testOptions(url))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	exists, err := c.CheckTarget(ctx, "bob")
	if err != nil {
		t.Fatalf("check bob: %v", err)
	}
	if !exists {
		t.Fatalf("bob should exist")
	}
	exists, err = c.CheckTarget(ctx, "ghost")
	if err != nil {
		t.Fatalf("check ghost: %v", err)
	}
	if exists {
		t.Fatalf("ghost should not exist")
	}
}

func TestCheckTargetTimesOutWithoutReply(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := dialTest(t, testOptions(url))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.CheckTarget(ctx, "bob"); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestMalformedMessagesAreDiscarded(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","bogus":true}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json at all`))
		good := wire.Message{
			Type: wire.MessageTypeOffer,
			From: "bob",
			SDP:  &wire.SDP{Type: "offer", SDP: "v=0"},
		}
		data, _ := good.Encode()
		conn.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	h := newRecordingHandler()
	opts := testOptions(url)
	c := dialTest(t, opts)
	c.SetHandler(h)

	ev := recvOffer(t, h)
	if ev.from != "bob" {
		t.Fatalf("good message not dispatched after bad ones: %+v", ev)
	}
	if got := opts.Metrics.Get(metrics.DecodeErrors); got != 2 {
		t.Fatalf("decode_errors = %d, want 2", got)
	}
}

func TestReconnectAfterConnectionDrop(t *testing.T) {
	var connCount atomic.Int64
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		if connCount.Add(1) == 1 {
			// Drop the first connection immediately.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	h := newRecordingHandler()
	opts := testOptions(url)
	c := dialTest(t, opts)
	c.SetHandler(h)

	states := []ConnState{}
	deadline := time.After(2 * time.Second)
	for len(states) < 2 {
		select {
		case st := <-h.conn:
			states = append(states, st)
		case <-deadline:
			t.Fatalf("timed out waiting for connectivity events, got %v", states)
		}
	}
	if states[0] != ConnReconnecting || states[1] != ConnConnected {
		t.Fatalf("connectivity sequence = %v, want [reconnecting connected]", states)
	}
	if got := opts.Metrics.Get(metrics.SignalingReconnects); got == 0 {
		t.Fatalf("signaling_reconnects not counted")
	}
}

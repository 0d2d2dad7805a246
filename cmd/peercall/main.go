package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/tellory/peercall/internal/call"
	"github.com/tellory/peercall/internal/config"
	"github.com/tellory/peercall/internal/media"
	"github.com/tellory/peercall/internal/metrics"
	"github.com/tellory/peercall/internal/signalclient"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	logger.Info("starting peercall",
		"user_id", cfg.UserID,
		"signaling_host", safeURLHost(cfg.SignalingURL),
		"mode", cfg.Mode,
		"presence_timeout", cfg.PresenceTimeout,
		"answer_timeout", cfg.AnswerTimeout,
		"candidate_buffer_cap", cfg.CandidateBufferCap,
		"ice_servers", len(cfg.ICEServers),
		"commit", commit,
		"build_time", built,
	)

	met := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := signalclient.Dial(dialCtx, signalclient.Options{
		URL:                cfg.SignalingURL,
		UserID:             cfg.UserID,
		Logger:             logger,
		Metrics:            met,
		WriteTimeout:       cfg.SignalingWriteTimeout,
		PingInterval:       cfg.PingInterval,
		IdleTimeout:        cfg.IdleTimeout,
		BackoffMin:         cfg.ReconnectBackoffMin,
		BackoffMax:         cfg.ReconnectBackoffMax,
		MaxMessageBytes:    cfg.MaxSignalingMessageBytes,
		MaxEventsPerSecond: cfg.MaxSignalingEventsPerSecond,
	})
	cancel()
	if err != nil {
		logger.Error("failed to connect to signaling server", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	factory := media.NewPionFactory(media.PionConfig{
		ICEServers: cfg.ICEServers,
		Logger:     logger,
	})

	session, err := call.NewSession(call.Config{
		LocalUserID:        cfg.UserID,
		Signaler:           client,
		Media:              factory,
		Metrics:            met,
		Logger:             logger,
		PresenceTimeout:    cfg.PresenceTimeout,
		AnswerTimeout:      cfg.AnswerTimeout,
		CandidateBufferCap: cfg.CandidateBufferCap,
		Notify:             printNotification,
	})
	if err != nil {
		logger.Error("failed to create call session", "err", err)
		os.Exit(2)
	}
	defer session.Close()

	client.SetHandler(session)

	var debugSrv *http.Server
	if cfg.DebugListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler(met))
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok\n"))
		})
		debugSrv = &http.Server{Addr: cfg.DebugListenAddr, Handler: mux}
		go func() {
			logger.Info("debug http listening", "addr", cfg.DebugListenAddr)
			if err := debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("debug http server exited", "err", err)
			}
		}()
	}

	go repl(session, stop)

	<-ctx.Done()
	logger.Info("shutting down")

	session.Close()
	client.Close()
	if debugSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := debugSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("debug http shutdown failed", "err", err)
		}
		cancel()
	}

	logger.Info("final counters", "metrics", met.Snapshot())
}

// repl is the interactive control surface. Each command maps onto one session
// intent; everything else the session reports arrives via printNotification.
func repl(session *call.Session, quit func()) {
	fmt.Println("commands: call <user> | accept | reject | end | mic on|off | cam on|off | status | quit")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		var err error
		switch fields[0] {
		case "call":
			if len(fields) != 2 {
				fmt.Println("usage: call <user>")
				continue
			}
			err = session.Start(fields[1])
		case "accept":
			err = session.Accept()
		case "reject":
			err = session.Reject()
		case "end":
			err = session.End()
		case "mic", "cam":
			if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
				fmt.Printf("usage: %s on|off\n", fields[0])
				continue
			}
			enabled := fields[1] == "on"
			if fields[0] == "mic" {
				err = session.SetAudioEnabled(enabled)
			} else {
				err = session.SetVideoEnabled(enabled)
			}
		case "status":
			snap := session.Snapshot()
			fmt.Printf("state=%s role=%s remote=%q mic=%t cam=%t\n",
				snap.State, snap.Role, snap.RemoteUserID, snap.AudioEnabled, snap.VideoEnabled)
		case "quit":
			quit()
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
	quit()
}

func printNotification(n call.Notification) {
	switch {
	case n.RemoteTrack != nil:
		fmt.Printf("<< remote %s track %s\n", n.RemoteTrack.Kind, n.RemoteTrack.ID)
	case n.State == call.StateOfferReceived:
		fmt.Printf("<< incoming call from %s (accept/reject)\n", n.RemoteUserID)
	case n.State == call.StateFailed:
		fmt.Printf("<< call failed: %s (%v)\n", n.Reason, n.Err)
	default:
		fmt.Printf("<< %s\n", n.State)
	}
}

func safeURLHost(raw string) string {
	if i := strings.Index(raw, "://"); i >= 0 {
		rest := raw[i+3:]
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			return rest[:j]
		}
		return rest
	}
	return raw
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return commit, built
}

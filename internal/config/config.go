// Package config loads and validates the peercall client configuration from
// environment variables and flags. Env values become flag defaults, so flags
// always win.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarSignalingURL    = "PEERCALL_SIGNALING_URL"
	envVarUserID          = "PEERCALL_USER_ID"
	envVarDebugListenAddr = "PEERCALL_DEBUG_LISTEN_ADDR"
	envVarMode            = "PEERCALL_MODE"
	envVarLogFormat       = "PEERCALL_LOG_FORMAT"
	envVarLogLevel        = "PEERCALL_LOG_LEVEL"

	envVarPresenceTimeout       = "PEERCALL_PRESENCE_TIMEOUT"
	envVarAnswerTimeout         = "PEERCALL_ANSWER_TIMEOUT"
	envVarSignalingWriteTimeout = "PEERCALL_SIGNALING_WRITE_TIMEOUT"
	envVarReconnectBackoffMin   = "PEERCALL_RECONNECT_BACKOFF_MIN"
	envVarReconnectBackoffMax   = "PEERCALL_RECONNECT_BACKOFF_MAX"
	envVarPingInterval          = "PEERCALL_PING_INTERVAL"
	envVarIdleTimeout           = "PEERCALL_IDLE_TIMEOUT"

	envVarMaxSignalingMessageBytes    = "PEERCALL_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingEventsPerSecond = "PEERCALL_MAX_SIGNALING_EVENTS_PER_SECOND"
	envVarCandidateBufferCap          = "PEERCALL_CANDIDATE_BUFFER_CAP"
)

const (
	DefaultPresenceTimeout       = 5 * time.Second
	DefaultAnswerTimeout         = 30 * time.Second
	DefaultSignalingWriteTimeout = 1 * time.Second
	DefaultReconnectBackoffMin   = 500 * time.Millisecond
	DefaultReconnectBackoffMax   = 15 * time.Second
	DefaultPingInterval          = 20 * time.Second
	DefaultIdleTimeout           = 60 * time.Second

	DefaultMaxSignalingMessageBytes    = int64(64 * 1024)
	DefaultMaxSignalingEventsPerSecond = 50
	DefaultCandidateBufferCap          = 256

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	// SignalingURL is the WebSocket endpoint of the call relay. The client
	// appends ?userId=<UserID> as the connection identity handshake.
	SignalingURL string
	UserID       string

	// DebugListenAddr optionally serves /metrics and /healthz on localhost.
	// Empty disables the debug listener.
	DebugListenAddr string

	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	// PresenceTimeout bounds the check-target-exists round trip before a call
	// attempt is abandoned.
	PresenceTimeout time.Duration
	// AnswerTimeout bounds how long a caller waits for the callee's answer.
	AnswerTimeout         time.Duration
	SignalingWriteTimeout time.Duration
	ReconnectBackoffMin   time.Duration
	ReconnectBackoffMax   time.Duration
	PingInterval          time.Duration
	IdleTimeout           time.Duration

	MaxSignalingMessageBytes    int64
	MaxSignalingEventsPerSecond int
	CandidateBufferCap          int

	// ICEServers is supplied to every media session handle. At least one
	// server is required so calls can traverse NAT; TURN entries must carry
	// credentials.
	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	signalingURL := envOrDefault(lookup, envVarSignalingURL, "")
	userID := envOrDefault(lookup, envVarUserID, "")
	debugListenAddr := envOrDefault(lookup, envVarDebugListenAddr, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	presenceTimeout, err := envDurationOrDefault(lookup, envVarPresenceTimeout, DefaultPresenceTimeout)
	if err != nil {
		return Config{}, err
	}
	answerTimeout, err := envDurationOrDefault(lookup, envVarAnswerTimeout, DefaultAnswerTimeout)
	if err != nil {
		return Config{}, err
	}
	writeTimeout, err := envDurationOrDefault(lookup, envVarSignalingWriteTimeout, DefaultSignalingWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	backoffMin, err := envDurationOrDefault(lookup, envVarReconnectBackoffMin, DefaultReconnectBackoffMin)
	if err != nil {
		return Config{}, err
	}
	backoffMax, err := envDurationOrDefault(lookup, envVarReconnectBackoffMax, DefaultReconnectBackoffMax)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarIdleTimeout, DefaultIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxEventsPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingEventsPerSecond, DefaultMaxSignalingEventsPerSecond)
	if err != nil {
		return Config{}, err
	}
	candidateBufferCap, err := envIntOrDefault(lookup, envVarCandidateBufferCap, DefaultCandidateBufferCap)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("peercall", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Signaling WebSocket URL (ws:// or wss://; env "+envVarSignalingURL+")")
	fs.StringVar(&userID, "user-id", userID, "Stable user identifier for this endpoint (env "+envVarUserID+")")
	fs.StringVar(&debugListenAddr, "debug-listen-addr", debugListenAddr, "Local debug HTTP listen address for /metrics (empty = disabled; env "+envVarDebugListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")

	fs.DurationVar(&presenceTimeout, "presence-timeout", presenceTimeout, "Max time to wait for a target reachability check (env "+envVarPresenceTimeout+")")
	fs.DurationVar(&answerTimeout, "answer-timeout", answerTimeout, "Max time a caller waits for an answer before the attempt fails (env "+envVarAnswerTimeout+")")
	fs.DurationVar(&writeTimeout, "signaling-write-timeout", writeTimeout, "Per-message signaling write deadline (env "+envVarSignalingWriteTimeout+")")
	fs.DurationVar(&backoffMin, "reconnect-backoff-min", backoffMin, "Initial signaling reconnect backoff (env "+envVarReconnectBackoffMin+")")
	fs.DurationVar(&backoffMax, "reconnect-backoff-max", backoffMax, "Maximum signaling reconnect backoff (env "+envVarReconnectBackoffMax+")")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "Signaling WebSocket ping interval (must be < --idle-timeout; env "+envVarPingInterval+")")
	fs.DurationVar(&idleTimeout, "idle-timeout", idleTimeout, "Signaling WebSocket idle read timeout (env "+envVarIdleTimeout+")")

	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxEventsPerSecond, "max-signaling-events-per-second", maxEventsPerSecond, "Max inbound signaling events per second (env "+envVarMaxSignalingEventsPerSecond+")")
	fs.IntVar(&candidateBufferCap, "candidate-buffer-cap", candidateBufferCap, "Max remote ICE candidates buffered before the remote description arrives; overflow fails the call (env "+envVarCandidateBufferCap+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if err := validateSignalingURL(signalingURL); err != nil {
		return Config{}, err
	}
	if err := validateUserID(userID); err != nil {
		return Config{}, err
	}
	if presenceTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--presence-timeout must be > 0", envVarPresenceTimeout)
	}
	if answerTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--answer-timeout must be > 0", envVarAnswerTimeout)
	}
	if writeTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-write-timeout must be > 0", envVarSignalingWriteTimeout)
	}
	if backoffMin <= 0 {
		return Config{}, fmt.Errorf("%s/--reconnect-backoff-min must be > 0", envVarReconnectBackoffMin)
	}
	if backoffMax < backoffMin {
		return Config{}, fmt.Errorf("%s/--reconnect-backoff-max must be >= %s", envVarReconnectBackoffMax, envVarReconnectBackoffMin)
	}
	if pingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ping-interval must be > 0", envVarPingInterval)
	}
	if idleTimeout <= pingInterval {
		return Config{}, fmt.Errorf("%s/--idle-timeout must be > %s/--ping-interval", envVarIdleTimeout, envVarPingInterval)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxEventsPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-events-per-second must be > 0", envVarMaxSignalingEventsPerSecond)
	}
	if candidateBufferCap <= 0 {
		return Config{}, fmt.Errorf("%s/--candidate-buffer-cap must be > 0", envVarCandidateBufferCap)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}
	if len(iceServers) == 0 {
		return Config{}, fmt.Errorf("no ICE servers configured: set %s or %s/%s", envICEServersJSON, envStunURLs, envTurnURLs)
	}

	return Config{
		SignalingURL:    signalingURL,
		UserID:          userID,
		DebugListenAddr: debugListenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,

		PresenceTimeout:       presenceTimeout,
		AnswerTimeout:         answerTimeout,
		SignalingWriteTimeout: writeTimeout,
		ReconnectBackoffMin:   backoffMin,
		ReconnectBackoffMax:   backoffMax,
		PingInterval:          pingInterval,
		IdleTimeout:           idleTimeout,

		MaxSignalingMessageBytes:    maxMessageBytes,
		MaxSignalingEventsPerSecond: maxEventsPerSecond,
		CandidateBufferCap:          candidateBufferCap,

		ICEServers: iceServers,
	}, nil
}

func validateSignalingURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s/--signaling-url must be set", envVarSignalingURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", envVarSignalingURL, raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s must use ws:// or wss://; got %q", envVarSignalingURL, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s missing host: %q", envVarSignalingURL, raw)
	}
	return nil
}

func validateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("%s/--user-id must be set", envVarUserID)
	}
	if strings.TrimSpace(id) != id || strings.ContainsAny(id, " \t\r\n") {
		return fmt.Errorf("%s must not contain whitespace: %q", envVarUserID, id)
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}

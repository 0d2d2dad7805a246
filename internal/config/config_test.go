package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func baseEnv() map[string]string {
	return map[string]string{
		envVarSignalingURL: "wss://calls.example.com/hub",
		envVarUserID:       "alice",
		envStunURLs:        "stun:stun.example.com:3478",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFrom(baseEnv()), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.SignalingURL != "wss://calls.example.com/hub" {
		t.Fatalf("SignalingURL = %q", cfg.SignalingURL)
	}
	if cfg.UserID != "alice" {
		t.Fatalf("UserID = %q", cfg.UserID)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("Mode = %q, want dev", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat = %q, want text in dev mode", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v, want debug in dev mode", cfg.LogLevel)
	}
	if cfg.PresenceTimeout != DefaultPresenceTimeout {
		t.Fatalf("PresenceTimeout = %v", cfg.PresenceTimeout)
	}
	if cfg.AnswerTimeout != DefaultAnswerTimeout {
		t.Fatalf("AnswerTimeout = %v", cfg.AnswerTimeout)
	}
	if cfg.CandidateBufferCap != DefaultCandidateBufferCap {
		t.Fatalf("CandidateBufferCap = %d", cfg.CandidateBufferCap)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("ICEServers = %+v", cfg.ICEServers)
	}
}

func TestLoad_ProdModeDefaultsToJSONLogs(t *testing.T) {
	env := baseEnv()
	env[envVarMode] = "prod"
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat = %q, want json in prod mode", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v, want info in prod mode", cfg.LogLevel)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	env := baseEnv()
	env[envVarAnswerTimeout] = "10s"
	cfg, err := load(lookupFrom(env), []string{"--answer-timeout=42s", "--user-id=bob"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AnswerTimeout != 42*time.Second {
		t.Fatalf("AnswerTimeout = %v, want 42s", cfg.AnswerTimeout)
	}
	if cfg.UserID != "bob" {
		t.Fatalf("UserID = %q, want bob", cfg.UserID)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(env map[string]string)
		args    []string
		wantSub string
	}{
		{
			name:    "missing signaling url",
			mutate:  func(env map[string]string) { delete(env, envVarSignalingURL) },
			wantSub: "signaling-url",
		},
		{
			name:    "http signaling url",
			mutate:  func(env map[string]string) { env[envVarSignalingURL] = "https://calls.example.com" },
			wantSub: "ws://",
		},
		{
			name:    "missing user id",
			mutate:  func(env map[string]string) { delete(env, envVarUserID) },
			wantSub: "user-id",
		},
		{
			name:    "user id with whitespace",
			mutate:  func(env map[string]string) { env[envVarUserID] = "al ice" },
			wantSub: "whitespace",
		},
		{
			name:    "no ice servers",
			mutate:  func(env map[string]string) { delete(env, envStunURLs) },
			wantSub: "no ICE servers",
		},
		{
			name:    "zero presence timeout",
			mutate:  func(env map[string]string) {},
			args:    []string{"--presence-timeout=0s"},
			wantSub: "presence-timeout",
		},
		{
			name:    "ping not below idle",
			mutate:  func(env map[string]string) {},
			args:    []string{"--ping-interval=60s", "--idle-timeout=60s"},
			wantSub: "idle-timeout",
		},
		{
			name:    "backoff max below min",
			mutate:  func(env map[string]string) {},
			args:    []string{"--reconnect-backoff-min=5s", "--reconnect-backoff-max=1s"},
			wantSub: "reconnect-backoff-max",
		},
		{
			name:    "zero candidate buffer",
			mutate:  func(env map[string]string) {},
			args:    []string{"--candidate-buffer-cap=0"},
			wantSub: "candidate-buffer-cap",
		},
		{
			name:    "bad duration env",
			mutate:  func(env map[string]string) { env[envVarAnswerTimeout] = "soon" },
			wantSub: envVarAnswerTimeout,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := baseEnv()
			tc.mutate(env)
			_, err := load(lookupFrom(env), tc.args)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf, CommandServe)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.DatabaseURL != testDatabaseURL {
		t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, testDatabaseURL)
	}

	// Verify that slog global logger is configured for JSON output
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
	if entry["service"] != "api" {
		t.Errorf("service = %q, want %q", entry["service"], "api")
	}
}

func TestInit_WorkerServiceName(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if _, err := Init(&buf, CommandWorker); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	slog.Default().Info("worker init")
	if !strings.Contains(buf.String(), `"service":"worker"`) {
		t.Errorf("worker logs should carry service=worker, got %s", buf.String())
	}
}

func TestInit_LogLevelFromEnv(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "warn")

	var buf bytes.Buffer
	if _, err := Init(&buf, CommandServe); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	slog.Default().Info("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("info log should be dropped at warn level, got %s", buf.String())
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	clearTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf, CommandServe)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"パスワードあり", "postgres://user:secret@db:5432/discordfeed?sslmode=disable", "postgres://user:xxxxx@db:5432/discordfeed?sslmode=disable"},
		{"パスワードなし", "postgres://db:5432/discordfeed", "postgres://db:5432/discordfeed"},
		{"不正なURL", "not a url", "***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := maskDatabaseURL(tt.in)
			if got != tt.want {
				t.Errorf("maskDatabaseURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if strings.Contains(got, "secret") {
				t.Error("password must not appear in masked URL")
			}
		})
	}
}

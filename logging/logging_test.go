package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	output := buf.String()
	if !strings.HasPrefix(output, "INFO ") {
		t.Errorf("log should start with INFO, got: %s", output)
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	base := New()
	base.SetOutput(&buf)
	logger := base.WithComponent("execution")

	logger.Warn("slow backend")

	output := buf.String()
	if !strings.Contains(output, "[execution]") {
		t.Errorf("expected component in log, got: %s", output)
	}
	if !strings.HasPrefix(output, "WARN ") {
		t.Errorf("expected WARN prefix, got: %s", output)
	}
}

func TestLogger_FieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Info("event", map[string]interface{}{
		"zeta":  1,
		"alpha": "a",
	})

	output := strings.TrimSpace(buf.String())
	if !strings.HasSuffix(output, "event alpha=a zeta=1") {
		t.Errorf("fields should be sorted, got: %s", output)
	}
}

func TestLogger_Discard(t *testing.T) {
	logger := Discard()
	logger.Error("nowhere")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" INFO ", LevelInfo},
		{"warning", LevelWarn},
		{"error", LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLogger_LifecycleEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelDebug)

	logger.ExecutionStart("billing", "rollup", "exec-1", true)
	logger.ExecutionDenied("billing", "rollup", "exec-2")
	logger.ExecutionComplete("billing", "rollup", "exec-1", 2*time.Second)
	logger.KeepAliveFailed("exec-1", errors.New("no responders"), true)
	logger.KeepAliveFailed("exec-3", errors.New("unknown execution"), false)
	logger.BlocksGenerated("exec-1", "date", 4)

	output := buf.String()
	for _, want := range []string{
		"execution_start", "unlimited=true",
		"execution_denied", "execution_id=exec-2",
		"execution_complete", "duration=2s",
		"WARN", "keepalive_failed", "error=no responders", "retryable=true",
		"ERROR", "execution_id=exec-3", "retryable=false",
		"blocks_generated", "count=4", "range_kind=date",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

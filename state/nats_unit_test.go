package state

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
)

func TestDefaultNATSStoreConfig(t *testing.T) {
	cfg := DefaultNATSStoreConfig()

	if cfg.Bucket != "taskkit" {
		t.Errorf("expected bucket 'taskkit', got %s", cfg.Bucket)
	}
	if cfg.History != 1 {
		t.Errorf("expected history 1, got %d", cfg.History)
	}
	if cfg.MaxValueSize != 1024*1024 {
		t.Errorf("expected max value size 1MB, got %d", cfg.MaxValueSize)
	}
	if cfg.Timeout <= 0 {
		t.Error("expected a positive operation timeout")
	}
}

func TestNewNATSStore_NilConn(t *testing.T) {
	if _, err := NewNATSStore(NATSStoreConfig{Bucket: "test"}); err == nil {
		t.Error("expected error for nil connection")
	}
}

func TestIsWrongLastSequence(t *testing.T) {
	stale := &jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}
	if !isWrongLastSequence(stale) {
		t.Error("wrong last sequence should be detected")
	}
	if !isWrongLastSequence(fmt.Errorf("update: %w", stale)) {
		t.Error("wrapped wrong last sequence should be detected")
	}
	other := &jetstream.APIError{Code: 503, ErrorCode: jetstream.JSErrCodeJetStreamNotEnabled}
	if isWrongLastSequence(other) {
		t.Error("other API errors are not revision conflicts")
	}
	if isWrongLastSequence(errors.New("plain")) {
		t.Error("plain errors are not revision conflicts")
	}
}

func TestLockKey(t *testing.T) {
	if got := lockKey("critical.app.task"); got != "_lock.critical.app.task" {
		t.Errorf("lockKey = %s", got)
	}
}

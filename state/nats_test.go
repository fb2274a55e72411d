//go:build integration

package state

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

var bucketSeq atomic.Int64

// getNATSURL returns the NATS URL from environment or default.
func getNATSURL() string {
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}
	return nats.DefaultURL
}

// newTestNATSStore creates a NATSStore on a fresh bucket.
func newTestNATSStore(t *testing.T) StateStore {
	conn, err := nats.Connect(getNATSURL())
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}

	bucket := fmt.Sprintf("taskkit-test-%d-%d", time.Now().UnixNano(), bucketSeq.Add(1))
	store, err := NewNATSStore(NATSStoreConfig{
		Conn:   conn,
		Bucket: bucket,
	})
	if err != nil {
		conn.Close()
		t.Fatalf("NewNATSStore failed: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
		store.js.DeleteKeyValue(context.Background(), bucket)
		conn.Close()
	})

	return store
}

func TestNATSStore(t *testing.T) {
	runStoreTests(t, newTestNATSStore)
}

// Package dblock serializes Postgres integration tests across test binaries
// that share one database.
package dblock

import (
	"net"
	"testing"
	"time"
)

const (
	lockAddr    = "127.0.0.1:45432"
	waitTimeout = 2 * time.Minute
)

// Acquire blocks until this process holds the lock and releases it when the
// test finishes.
func Acquire(t testing.TB) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		ln, err := net.Listen("tcp", lockAddr)
		if err == nil {
			t.Cleanup(func() { _ = ln.Close() })
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for database lock: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

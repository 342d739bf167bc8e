package lock

import (
	"context"
	"testing"
	"time"
)

func TestNilClientDegradesToNoop(t *testing.T) {
	l := NewRedisLocker(nil, "")
	release, err := l.Acquire(context.Background(), "booking:1", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	release()
	// A second acquire must not be blocked by the first.
	if _, err := l.Acquire(context.Background(), "booking:1", time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var n Noop
	if _, err := n.Acquire(context.Background(), "x", 0); err != nil {
		t.Fatalf("noop failed: %v", err)
	}
}

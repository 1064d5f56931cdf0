package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *Limiter
	if !l.AllowConn() || !l.AllowBytes(1 << 20) {
		t.Error("nil limiter must allow all work")
	}
	if err := l.WaitBytes(context.Background(), 1<<20); err != nil {
		t.Errorf("nil limiter WaitBytes: %v", err)
	}
}

func TestConnBucketDrains(t *testing.T) {
	l := New(0, 2, 0, ModeDrop)
	if !l.AllowConn() || !l.AllowConn() {
		t.Fatal("burst connections rejected")
	}
	if l.AllowConn() {
		t.Error("third connection allowed with an empty bucket")
	}
}

func TestConnBucketRefills(t *testing.T) {
	l := New(0, 100, 0, ModeDrop)
	for l.AllowConn() {
	}
	time.Sleep(50 * time.Millisecond)
	if !l.AllowConn() {
		t.Error("bucket did not refill")
	}
}

func TestByteBucketDropMode(t *testing.T) {
	l := New(1000, 0, 1000, ModeDrop)
	if !l.AllowBytes(1000) {
		t.Fatal("burst bytes rejected")
	}
	if l.AllowBytes(500) {
		t.Error("bytes allowed with an empty bucket")
	}
}

func TestWaitBytesPaces(t *testing.T) {
	l := New(10000, 0, 100, ModePace)
	if err := l.WaitBytes(context.Background(), 100); err != nil {
		t.Fatalf("initial burst: %v", err)
	}

	start := time.Now()
	if err := l.WaitBytes(context.Background(), 100); err != nil {
		t.Fatalf("paced wait: %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("pace mode did not wait for refill")
	}
}

func TestWaitBytesHonorsCancellation(t *testing.T) {
	l := New(1, 0, 1, ModePace)
	l.WaitBytes(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.WaitBytes(ctx, 1000)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

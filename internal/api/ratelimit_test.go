package api

import (
	"net/http/httptest"
	"testing"
	"time"
)

// fakeClock returns a limiter whose clock only moves when told to.
func fakeClock() (*RateLimiter, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiterAllowDeny(t *testing.T) {
	rl, _ := fakeClock()

	// Should allow up to the limit
	for i := 0; i < 5; i++ {
		if !rl.Allow("k1", 5) {
			t.Fatalf("expected allow on request %d", i+1)
		}
	}

	// Should deny at the limit
	if rl.Allow("k1", 5) {
		t.Fatal("expected deny after limit reached")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl, now := fakeClock()

	for i := 0; i < 3; i++ {
		rl.Allow("k1", 3)
	}
	if rl.Allow("k1", 3) {
		t.Fatal("expected deny after limit")
	}

	// Just over a third of a minute refills one token at 3 per minute.
	*now = now.Add(21 * time.Second)
	if !rl.Allow("k1", 3) {
		t.Fatal("expected allow after refill")
	}
	if rl.Allow("k1", 3) {
		t.Fatal("expected deny, only one token refilled")
	}
}

func TestRateLimiterKeyIsolation(t *testing.T) {
	rl, _ := fakeClock()

	// Exhaust key1
	for i := 0; i < 2; i++ {
		rl.Allow("key1", 2)
	}
	if rl.Allow("key1", 2) {
		t.Fatal("expected key1 denied")
	}

	// key2 should still be allowed
	if !rl.Allow("key2", 2) {
		t.Fatal("expected key2 allowed")
	}
	// The same key under another limit is a separate bucket.
	if !rl.Allow("key1", 10) {
		t.Fatal("expected key1 allowed under a different limit")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, now := fakeClock()

	rl.Allow("stale", 10)
	*now = now.Add(5 * time.Minute)
	rl.Allow("fresh", 10)

	if n := rl.Cleanup(2 * time.Minute); n != 1 {
		t.Fatalf("cleanup: got %d removed, want 1", n)
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.buckets) != 1 {
		t.Fatalf("buckets: got %d, want 1", len(rl.buckets))
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"remote addr", "", "10.0.0.1:5555", "10.0.0.1"},
		{"forwarded", "203.0.113.9", "10.0.0.1:5555", "203.0.113.9"},
		{"forwarded chain", "203.0.113.9, 10.0.0.2", "10.0.0.1:5555", "203.0.113.9"},
		{"no port", "", "10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(r); got != tt.want {
				t.Fatalf("clientIP: got %q, want %q", got, tt.want)
			}
		})
	}
}

package orchestrate

import (
	"testing"
	"time"
)

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Unix(1000, 0)
	if !rl.Allow("u1", now) {
		t.Fatal("first request should be allowed")
	}
	if !rl.Allow("u1", now) {
		t.Fatal("second request should be allowed")
	}
	if rl.Allow("u1", now) {
		t.Fatal("third request within window should be denied")
	}
}

func TestRateLimiter_WindowExpires(t *testing.T) {
	rl := NewRateLimiter(1, time.Second)
	now := time.Unix(1000, 0)
	if !rl.Allow("u1", now) {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("u1", now.Add(500*time.Millisecond)) {
		t.Fatal("request within the same window should be denied")
	}
	if !rl.Allow("u1", now.Add(1500*time.Millisecond)) {
		t.Fatal("request after the window elapsed should be allowed")
	}
}

func TestRateLimiter_PerUserIndependence(t *testing.T) {
	rl := NewRateLimiter(1, time.Second)
	now := time.Unix(1000, 0)
	if !rl.Allow("u1", now) {
		t.Fatal("u1 first request should be allowed")
	}
	if !rl.Allow("u2", now) {
		t.Fatal("u2 is a different user and should not be affected by u1's limit")
	}
}

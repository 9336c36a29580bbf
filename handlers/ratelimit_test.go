package handlers

import (
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	limiter := newRateLimiter()
	ip := "127.0.0.1"

	// 1. Initial state: Allowed
	if !limiter.Allow(ip) {
		t.Errorf("Expected IP to be allowed initially")
	}

	// 2. Record 4 failures (less than maxAttempts=5)
	for i := 0; i < 4; i++ {
		limiter.RecordFailure(ip)
	}
	if !limiter.Allow(ip) {
		t.Errorf("Expected IP to be allowed after 4 failures")
	}

	// 3. Record 5th failure -> Should block
	limiter.RecordFailure(ip)
	if limiter.Allow(ip) {
		t.Errorf("Expected IP to be blocked after 5 failures")
	}

	// 4. Reset -> Should allow
	limiter.Reset(ip)
	if !limiter.Allow(ip) {
		t.Errorf("Expected IP to be allowed after reset")
	}
}

func TestRateLimiterBlockExpires(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	limiter := newRateLimiter()
	limiter.now = func() time.Time { return now }
	ip := "10.1.1.1"

	for i := 0; i < maxAttempts; i++ {
		limiter.RecordFailure(ip)
	}
	if limiter.Allow(ip) {
		t.Fatal("Expected IP to be blocked")
	}

	now = now.Add(blockDuration + time.Second)
	if !limiter.Allow(ip) {
		t.Error("Expected block to expire")
	}

	// A fresh window starts counting from one again.
	limiter.RecordFailure(ip)
	if !limiter.Allow(ip) {
		t.Error("Expected a single new failure to be allowed")
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	limiter := newRateLimiter()
	limiter.now = func() time.Time { return now }
	ip := "10.2.2.2"

	for i := 0; i < maxAttempts-1; i++ {
		limiter.RecordFailure(ip)
	}
	now = now.Add(windowDuration + time.Minute)
	limiter.RecordFailure(ip)

	if !limiter.Allow(ip) {
		t.Error("Failures from an old window should not count")
	}
}

func TestRateLimiterPrunesKeepingBlocks(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	limiter := newRateLimiter()
	limiter.now = func() time.Time { return now }

	for i := 0; i < maxAttempts; i++ {
		limiter.RecordFailure("bad")
	}
	for i := 0; i <= maxTracked; i++ {
		limiter.RecordFailure(fmt.Sprintf("10.%d.%d.%d", i>>16&255, i>>8&255, i&255))
	}

	if limiter.Allow("bad") {
		t.Error("Pruning must not lift an active block")
	}
}

func TestRateLimiterParallel(t *testing.T) {
	limiter := newRateLimiter()
	ip := "10.0.0.1"

	var wg sync.WaitGroup
	// Simulate parallel requests
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			limiter.RecordFailure(ip)
		}()
	}
	wg.Wait()

	if limiter.Allow(ip) {
		t.Errorf("Expected IP to be blocked after concurrent failures")
	}
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	if ip := getClientIP(r); ip != "192.0.2.7" {
		t.Errorf("Expected 192.0.2.7, got %s", ip)
	}
	r.RemoteAddr = "not-an-addr"
	if ip := getClientIP(r); ip != "not-an-addr" {
		t.Errorf("Expected raw RemoteAddr, got %s", ip)
	}
}

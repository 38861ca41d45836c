package main

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestIPRateLimiterBurstAndRefill(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewIPRateLimiter(3)
	l.now = clock.now

	for i := 0; i < 3; i++ {
		assert.True(t, l.AllowRequest("10.0.0.1"), "request %d", i)
	}
	assert.False(t, l.AllowRequest("10.0.0.1"))
	assert.True(t, l.AllowRequest("10.0.0.2"), "limits are per IP")

	// 3 per minute refills one token every 20s
	clock.advance(21 * time.Second)
	assert.True(t, l.AllowRequest("10.0.0.1"))
	assert.False(t, l.AllowRequest("10.0.0.1"))
	assert.Equal(t, 2, l.GetStats())
}

func TestIPRateLimiterDisabled(t *testing.T) {
	l := NewIPRateLimiter(-1)
	for i := 0; i < 1000; i++ {
		assert.True(t, l.AllowRequest("10.0.0.1"))
	}
	assert.Zero(t, l.GetStats())
}

func TestIPRateLimiterCleanup(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewIPRateLimiter(10)
	l.now = clock.now

	l.AllowRequest("10.0.0.1")
	clock.advance(5 * time.Minute)
	l.AllowRequest("10.0.0.2")
	clock.advance(6 * time.Minute)

	l.Cleanup()
	assert.Equal(t, 1, l.GetStats())
}

func TestIPRateLimiterMiddleware(t *testing.T) {
	l := NewIPRateLimiter(1)
	handler := l.Limit(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)
	req.RemoteAddr = "192.0.2.7:5555"

	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "192.0.2.7", getClientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "203.0.113.9", getClientIP(req))

	req.Header.Del("X-Forwarded-For")
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", getClientIP(req))
}

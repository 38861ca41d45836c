package main

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter
// Allows bursts up to maxTokens, refilling at refillRate tokens per second
type RateLimiter struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
	now        func() time.Time
}

// newRateLimiter creates a bucket holding burst tokens refilled at perSecond
func newRateLimiter(burst, perSecond float64, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		tokens:     burst,
		maxTokens:  burst,
		refillRate: perSecond,
		lastRefill: now(),
		now:        now,
	}
}

// Allow checks if an action is allowed under the rate limit
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(rl.lastRefill).Seconds()

	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now

	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}
	return false
}

// IPRateLimiter limits requests per minute per client IP.
// A rate of zero or less disables limiting.
type IPRateLimiter struct {
	limiters map[string]*RateLimiter
	rate     int // requests per minute per IP
	mu       sync.Mutex
	now      func() time.Time
}

// NewIPRateLimiter creates a limiter allowing rate requests per minute per IP
func NewIPRateLimiter(rate int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rate,
		now:      time.Now,
	}
}

// AllowRequest checks if a request from ip is allowed
func (l *IPRateLimiter) AllowRequest(ip string) bool {
	if l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	limiter, exists := l.limiters[ip]
	if !exists {
		// e.g. 60 per minute = 60 tokens max, refilling at 1 token/sec
		limiter = newRateLimiter(float64(l.rate), float64(l.rate)/60.0, l.now)
		l.limiters[ip] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Cleanup removes limiters of IPs that haven't been seen for 10 minutes
func (l *IPRateLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for ip, limiter := range l.limiters {
		limiter.mu.Lock()
		if now.Sub(limiter.lastRefill) > 10*time.Minute {
			delete(l.limiters, ip)
		}
		limiter.mu.Unlock()
	}
}

// GetStats returns the current number of tracked IPs
func (l *IPRateLimiter) GetStats() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// StartCleanup runs Cleanup every interval until ctx is cancelled
func (l *IPRateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

// Limit wraps next, answering 429 once a client exceeds the limit
func (l *IPRateLimiter) Limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.AllowRequest(getClientIP(r)) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// getClientIP returns the request's source address without port.
// The first X-Forwarded-For entry wins when present.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP := strings.TrimSpace(xff)
		if commaIdx := strings.Index(clientIP, ","); commaIdx != -1 {
			clientIP = strings.TrimSpace(clientIP[:commaIdx])
		}
		if clientIP != "" {
			return clientIP
		}
	}

	sourceIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(sourceIP); err == nil {
		sourceIP = host
	}
	return sourceIP
}

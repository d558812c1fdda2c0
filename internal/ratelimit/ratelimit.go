// Package ratelimit throttles WebSocket upgrades per client address.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// IPLimiter tracks upgrade attempts per IP within a sliding window.
type IPLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
}

// NewIPLimiter creates an IPLimiter allowing max attempts per window.
// A max of 0 or less disables limiting.
func NewIPLimiter(max int, window time.Duration) *IPLimiter {
	return &IPLimiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Allow returns true if the IP has not exceeded the rate limit.
// If allowed, the attempt is recorded.
func (l *IPLimiter) Allow(ip string) bool {
	if l.max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := l.recent(ip, now)
	if len(valid) >= l.max {
		l.entries[ip] = valid
		return false
	}
	l.entries[ip] = append(valid, now)
	return true
}

// Prune forgets IPs with no attempts inside the window. Call it
// periodically so one-off visitors do not accumulate.
func (l *IPLimiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for ip := range l.entries {
		if valid := l.recent(ip, now); len(valid) == 0 {
			delete(l.entries, ip)
		} else {
			l.entries[ip] = valid
		}
	}
}

// Tracked returns the number of IPs currently held in memory.
func (l *IPLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// recent drops expired timestamps for ip. Must be called with mu held.
func (l *IPLimiter) recent(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	timestamps := l.entries[ip]
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}

// Middleware rejects requests from IPs over the limit with 429.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r)) {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the default budget of failed auth attempts per IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs bounds the number of IPs held in memory.
	DefaultMaxTrackedIPs = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks failed authentication attempts per client IP. Each IP
// gets a token bucket refilled at maxPerMinute/60 tokens per second; every
// failure spends one token.
type RateLimiter struct {
	mu            sync.Mutex
	entries       map[string]*ipEntry
	maxPerMinute  int
	maxTrackedIPs int
	now           func() time.Time
	cancel        context.CancelFunc
}

// NewRateLimiter creates a per-IP limiter allowing maxPerMinute failed
// attempts. A non-positive value selects [DefaultMaxAttemptsPerMinute]. The
// background cleanup stops when ctx ends or [RateLimiter.Stop] is called.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		entries:       make(map[string]*ipEntry),
		maxPerMinute:  maxPerMinute,
		maxTrackedIPs: DefaultMaxTrackedIPs,
		now:           time.Now,
		cancel:        cancel,
	}
	go rl.cleanup(ctx)
	return rl
}

// Allow reports whether ip still has failure budget left. It does not spend
// a token, so it is safe to call before every authentication attempt.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[ip]
	if !ok {
		return true
	}
	now := rl.now()
	e.lastSeen = now
	return e.limiter.TokensAt(now) >= 1
}

// RecordFailureAndAllow spends one token for a failed attempt from ip and
// reports whether the attempt was still within budget.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	e := rl.getOrCreateEntryLocked(ip, now)
	return e.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) getOrCreateEntryLocked(ip string, now time.Time) *ipEntry {
	e, ok := rl.entries[ip]
	if !ok {
		if len(rl.entries) >= rl.maxTrackedIPs {
			if rl.removeStaleLocked(now) == 0 {
				rl.evictOldestLocked()
			}
		}
		e = &ipEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute),
		}
		rl.entries[ip] = e
	}
	e.lastSeen = now
	return e
}

// Tracked returns the number of IPs currently held.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop cancels the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.removeStale()
		}
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.removeStaleLocked(rl.now())
}

// removeStaleLocked drops IPs idle for longer than staleThreshold and
// returns how many it dropped.
func (rl *RateLimiter) removeStaleLocked(now time.Time) int {
	removed := 0
	for ip, e := range rl.entries {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(rl.entries, ip)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldestIP string
	var oldestTime time.Time
	for ip, e := range rl.entries {
		if oldestIP == "" || e.lastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = e.lastSeen
		}
	}
	delete(rl.entries, oldestIP)
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

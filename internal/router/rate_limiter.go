package router

import (
	"sync"
	"time"

	"zbridge/internal/clock"
)

// DefaultRateLimit is the per-connection frame budget per window
const DefaultRateLimit = 100

// RateLimiter implements per-connection rate limiting
// ARCHITECTURAL DISCOVERY: Per-client state tracking with proper cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*ClientLimit
	limit   int
	window  time.Duration
	clock   clock.Clock
}

// ClientLimit tracks rate limiting for a single connection
// FUNCTIONAL DISCOVERY: Window resets a full minute after its first frame
type ClientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter creates a limiter allowing limit frames per minute.
// limit <= 0 uses DefaultRateLimit.
func NewRateLimiter(limit int, clk clock.Clock) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		clients: make(map[string]*ClientLimit),
		limit:   limit,
		window:  time.Minute,
		clock:   clk,
	}
}

// Limit returns the per-window budget
func (rl *RateLimiter) Limit() int { return rl.limit }

// Allow reports whether id may send another frame
func (rl *RateLimiter) Allow(id string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()

	cl, exists := rl.clients[id]
	if !exists {
		rl.clients[id] = &ClientLimit{messageCount: 1, windowStart: now}
		return true
	}

	if now.Sub(cl.windowStart) >= rl.window {
		cl.messageCount = 1
		cl.windowStart = now
		return true
	}

	if cl.messageCount >= rl.limit {
		return false
	}
	cl.messageCount++
	return true
}

// Forget drops id's state when its connection closes
func (rl *RateLimiter) Forget(id string) {
	rl.mu.Lock()
	delete(rl.clients, id)
	rl.mu.Unlock()
}

// Cleanup removes entries idle for more than five windows and returns how
// many were removed
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	removed := 0
	for id, cl := range rl.clients {
		if now.Sub(cl.windowStart) > 5*rl.window {
			delete(rl.clients, id)
			removed++
		}
	}
	return removed
}

package gateway

import (
	"sync"
	"time"
)

// rateLimiter is a sliding-window limiter over commands, per connection and
// across the whole gateway. A max of 0 disables that limit.
type rateLimiter struct {
	mu        sync.Mutex
	perConn   map[string][]time.Time
	global    []time.Time
	connMax   int
	globalMax int
	window    time.Duration
	now       func() time.Time
}

func newRateLimiter(perConnPerMin, globalPerMin int) *rateLimiter {
	return &rateLimiter{
		perConn:   make(map[string][]time.Time),
		connMax:   perConnPerMin,
		globalMax: globalPerMin,
		window:    time.Minute,
		now:       time.Now,
	}
}

// Allow records one command from connID if both windows have room.
func (r *rateLimiter) Allow(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	if r.globalMax > 0 {
		r.global = pruneOld(r.global, cutoff)
		if len(r.global) >= r.globalMax {
			return false
		}
	}
	if r.connMax > 0 {
		r.perConn[connID] = pruneOld(r.perConn[connID], cutoff)
		if len(r.perConn[connID]) >= r.connMax {
			return false
		}
		r.perConn[connID] = append(r.perConn[connID], now)
	}
	if r.globalMax > 0 {
		r.global = append(r.global, now)
	}
	return true
}

// Forget drops the history of a closed connection.
func (r *rateLimiter) Forget(connID string) {
	r.mu.Lock()
	delete(r.perConn, connID)
	r.mu.Unlock()
}

func pruneOld(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

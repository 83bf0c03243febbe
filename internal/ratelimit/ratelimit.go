// Package ratelimit provides a per-source-IP token bucket used to throttle
// POST submissions and RPC connection accepts, protecting the
// durable-then-broadcast write path from a single noisy producer.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter tracks per-IP rate limits. Rate limiting is per-process: each
// eventhub instance maintains its own counters. There is no cross-process
// clustering (the hub itself has none either), so this is consistent with
// the rest of the system's single-owner model.
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a rate limiter that allows r requests per second with a
// maximum burst of b. Stale entries are cleaned up periodically.
func New(r rate.Limit, b int) *Limiter {
	rl := &Limiter{
		visitors: make(map[string]*visitor),
		rate:     r,
		burst:    b,
		cleanup:  3 * time.Minute,
	}
	go rl.cleanupLoop()
	return rl
}

// Allow checks whether a request from the given source address is allowed.
func (rl *Limiter) Allow(addr string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[addr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[addr] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()
	return v.limiter.Allow()
}

// cleanupLoop removes visitors that haven't been seen recently.
func (rl *Limiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for addr, v := range rl.visitors {
			if time.Since(v.lastSeen) > rl.cleanup {
				delete(rl.visitors, addr)
			}
		}
		rl.mu.Unlock()
	}
}

// ClientIP extracts the client IP from an HTTP request, respecting
// X-Forwarded-For when present (common behind load balancers).
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

// unixSocketBucketKey is the bucket every Unix domain socket connection
// shares, since such a connection's net.Addr carries no peer identity to
// key a per-source bucket by.
const unixSocketBucketKey = "unix-socket"

// ConnKey derives the Allow key for a raw connection, for frontends (like
// the RPC frontend) that accept connections rather than HTTP requests. TCP
// connections key by remote IP, same as ClientIP does for HTTP. Unix
// domain socket connections report no usable peer address, so every
// connection accepted over a Unix socket shares unixSocketBucketKey: a
// coarse bound on one misbehaving local producer's connection rate, not a
// per-caller limit, since telling RPC callers apart would need a
// SO_PEERCRED lookup this package doesn't do.
func ConnKey(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	if _, ok := addr.(*net.UnixAddr); ok {
		return unixSocketBucketKey
	}
	return addr.String()
}

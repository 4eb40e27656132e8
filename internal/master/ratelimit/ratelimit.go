// Package ratelimit provides a per-client token-bucket limiter for the
// master's control API, guarding the lease and heartbeat endpoints against
// a misbehaving or misconfigured worker hammering the master.
package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	CleanupInterval   time.Duration
	Logger            *slog.Logger
}

// DefaultConfig returns sensible defaults for the lease/heartbeat endpoints,
// which a healthy worker calls at most a few times per poll/heartbeat
// interval.
func DefaultConfig(logger *slog.Logger) Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
		Logger:            logger,
	}
}

type clientBucket struct {
	tokens     int
	lastRefill time.Time
	mu         sync.Mutex
}

// Limiter implements token-bucket rate limiting per client IP.
type Limiter struct {
	config  Config
	buckets map[string]*clientBucket
	mu      sync.RWMutex
	stop    chan struct{}
}

// New creates a Limiter and starts its stale-bucket cleanup goroutine.
func New(config Config) *Limiter {
	l := &Limiter{
		config:  config,
		buckets: make(map[string]*clientBucket),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Middleware wraps next, rejecting requests over the configured rate with
// 429 Too Many Requests.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := clientIPFromRequest(r)

		if !l.allow(clientIP) {
			if l.config.Logger != nil {
				l.config.Logger.Warn("rate limit exceeded", "client", clientIP, "path", r.URL.Path)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "rate_limit_exceeded",
				"message": "too many requests, slow down",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(clientIP string) bool {
	l.mu.RLock()
	bucket, exists := l.buckets[clientIP]
	l.mu.RUnlock()

	if !exists {
		bucket = &clientBucket{tokens: l.config.BurstSize, lastRefill: time.Now()}
		l.mu.Lock()
		l.buckets[clientIP] = bucket
		l.mu.Unlock()
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastRefill)
	tokensToAdd := int(elapsed.Minutes() * float64(l.config.RequestsPerMinute))
	if tokensToAdd > 0 {
		bucket.tokens += tokensToAdd
		if bucket.tokens > l.config.BurstSize {
			bucket.tokens = l.config.BurstSize
		}
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	threshold := time.Now().Add(-2 * l.config.CleanupInterval)
	for ip, bucket := range l.buckets {
		bucket.mu.Lock()
		stale := bucket.lastRefill.Before(threshold)
		bucket.mu.Unlock()
		if stale {
			delete(l.buckets, ip)
		}
	}
}

// Stop terminates the cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func clientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

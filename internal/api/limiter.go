package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// requestLimiter caps how many requests one client may issue per fixed
// window. Buckets are tracked in memory and swept lazily once the table
// grows past sweepThreshold.
type requestLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*windowBucket
}

type windowBucket struct {
	reset time.Time
	used  int
}

const sweepThreshold = 512

func newRequestLimiter(limit int, window time.Duration) *requestLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	return &requestLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*windowBucket),
	}
}

// Allow records one request for key and reports whether it fits in the
// client's current window.
func (limiter *requestLimiter) Allow(key string, now time.Time) bool {
	if key == "" {
		key = "unknown"
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	bucket := limiter.buckets[key]
	if bucket == nil || !now.Before(bucket.reset) {
		bucket = &windowBucket{reset: now.Add(limiter.window)}
		limiter.buckets[key] = bucket
		limiter.sweep(now)
	}

	if bucket.used >= limiter.limit {
		return false
	}
	bucket.used++
	return true
}

// sweep drops buckets whose window ended long enough ago that the client
// is clearly gone. Called with the lock held.
func (limiter *requestLimiter) sweep(now time.Time) {
	if len(limiter.buckets) < sweepThreshold {
		return
	}
	for key, bucket := range limiter.buckets {
		if now.Sub(bucket.reset) > 2*limiter.window {
			delete(limiter.buckets, key)
		}
	}
}

// clientIdentity keys the limiter by remote host. RealIP middleware has
// already resolved proxy headers into RemoteAddr.
func clientIdentity(request *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(request.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(request.RemoteAddr)
}

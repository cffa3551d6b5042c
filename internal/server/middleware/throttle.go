package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"golang.org/x/time/rate"
)

const (
	throttleIdleTTL    = 30 * time.Minute
	throttleSweepEvery = 10 * time.Minute
)

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle keeps one token bucket per client IP. Idle buckets are evicted
// lazily from Allow.
type Throttle struct {
	mu        sync.Mutex
	entries   map[string]*throttleEntry
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

// NewThrottle allows perMinute requests per client with the given burst.
func NewThrottle(perMinute float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		entries:   make(map[string]*throttleEntry),
		limit:     rate.Limit(perMinute / 60.0),
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow reports whether key may make a request now.
func (t *Throttle) Allow(key string) bool {
	now := t.now()

	t.mu.Lock()
	if now.Sub(t.lastSweep) >= throttleSweepEvery {
		cutoff := now.Add(-throttleIdleTTL)
		for k, e := range t.entries {
			if e.lastSeen.Before(cutoff) {
				delete(t.entries, k)
			}
		}
		t.lastSweep = now
	}
	e, ok := t.entries[key]
	if !ok {
		e = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.entries[key] = e
	}
	e.lastSeen = now
	t.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked clients.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Middleware rejects over-limit clients with 429 and a Retry-After hint.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.Allow(clientKey(r)) {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := 1
		if t.limit > 0 {
			retryAfter = int(time.Duration(float64(time.Second)/float64(t.limit)).Seconds() + 0.999)
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

		envelope := errors.NewErrorEnvelope("RATE_LIMITED", "too many control requests, slow down").
			WithCorrelationID(GetRequestID(r.Context()))
		writeErrorResponse(w, envelope, http.StatusTooManyRequests)
	})
}

// clientKey strips the port from RemoteAddr; chi's RealIP runs earlier.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

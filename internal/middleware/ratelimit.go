package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"coupon-redemption-api/internal/redmine"
)

// idleAfter is how long a caller's bucket survives without requests.
const idleAfter = time.Hour

// RateLimiter gives every caller a bucket of rate requests that refills
// linearly over window.
type RateLimiter struct {
	rate   int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens   float64
	last     time.Time
	lastSeen time.Time
}

// Decision is the outcome of a single Take.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until one token is available again; zero when allowed.
	RetryAfter time.Duration
}

// NewRateLimiter creates a limiter allowing rate requests per window for each caller.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		rate:    rate,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}

	go rl.evictIdle(5 * time.Minute)

	return rl
}

func (rl *RateLimiter) evictIdle(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := rl.now().Add(-idleAfter)
			for key, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// Stop ends idle-bucket eviction. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Limit returns the number of requests allowed per window.
func (rl *RateLimiter) Limit() int {
	return rl.rate
}

// Allow reports whether the caller identified by key may make a request.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.Take(key).Allowed
}

// Take spends one token from key's bucket if it has one.
func (rl *RateLimiter) Take(key string) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.rate), last: now}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	perToken := rl.window / time.Duration(rl.rate)
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens += float64(elapsed) / float64(perToken)
		if b.tokens > float64(rl.rate) {
			b.tokens = float64(rl.rate)
		}
		b.last = now
	}

	if b.tokens < 1 {
		return Decision{
			RetryAfter: time.Duration((1 - b.tokens) * float64(perToken)),
		}
	}

	b.tokens--
	return Decision{Allowed: true, Remaining: int(b.tokens)}
}

// GetClientKey identifies the caller by tracker API key, falling back to the
// client IP for anonymous requests.
func GetClientKey(r *http.Request) string {
	if key := r.Header.Get(redmine.APIKeyHeader); key != "" {
		return "key:" + key
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimitMiddleware rejects callers that have used up their bucket. Health
// checks are never limited.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	limit := strconv.Itoa(limiter.Limit())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Take(GetClientKey(r))
			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				secs := int(d.RetryAfter.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

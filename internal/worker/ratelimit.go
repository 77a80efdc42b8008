package worker

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/thebtf/substrate/pkg/models"
)

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	lastUpdate time.Time
	now        func() time.Time
	rate       float64
	burst      int
	tokens     float64
	requests   int64
	rejected   int64
	mu         sync.Mutex
}

// NewRateLimiter creates a limiter refilling rate tokens per second up to burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return newRateLimiterAt(rate, burst, time.Now)
}

func newRateLimiterAt(rate float64, burst int, now func() time.Time) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

// Allow takes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	ok, _ := rl.Reserve()
	return ok
}

// Reserve takes a token if one is available. Otherwise it reports how long
// until the next token arrives.
func (rl *RateLimiter) Reserve() (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.requests++

	now := rl.now()
	elapsed := now.Sub(rl.lastUpdate).Seconds()
	rl.tokens += elapsed * rl.rate
	if rl.tokens > float64(rl.burst) {
		rl.tokens = float64(rl.burst)
	}
	rl.lastUpdate = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true, 0
	}

	rl.rejected++
	if rl.rate <= 0 {
		return false, time.Hour
	}
	wait := (1 - rl.tokens) / rl.rate
	return false, time.Duration(wait * float64(time.Second))
}

func (rl *RateLimiter) idleSince() time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.lastUpdate
}

// BucketStats describes one token bucket.
type BucketStats struct {
	Tokens   float64 `json:"tokens"`
	Requests int64   `json:"requests"`
	Rejected int64   `json:"rejected"`
}

// Stats returns the bucket's counters.
func (rl *RateLimiter) Stats() BucketStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return BucketStats{Tokens: rl.tokens, Requests: rl.requests, Rejected: rl.rejected}
}

// PerClientRateLimiter keeps one token bucket per client key.
type PerClientRateLimiter struct {
	lastCleanup     time.Time
	now             func() time.Time
	clients         map[string]*RateLimiter
	rate            float64
	burst           int
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	mu              sync.Mutex
}

// NewPerClientRateLimiter creates a new per-client rate limiter.
func NewPerClientRateLimiter(rate float64, burst int) *PerClientRateLimiter {
	return &PerClientRateLimiter{
		rate:            rate,
		burst:           burst,
		now:             time.Now,
		clients:         make(map[string]*RateLimiter),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

func (pcrl *PerClientRateLimiter) getLimiter(key string) *RateLimiter {
	pcrl.mu.Lock()
	defer pcrl.mu.Unlock()

	if pcrl.now().Sub(pcrl.lastCleanup) > pcrl.cleanupInterval {
		pcrl.cleanupLocked()
	}

	limiter, exists := pcrl.clients[key]
	if !exists {
		limiter = newRateLimiterAt(pcrl.rate, pcrl.burst, pcrl.now)
		pcrl.clients[key] = limiter
	}
	return limiter
}

// cleanupLocked removes idle limiters. Caller holds pcrl.mu.
func (pcrl *PerClientRateLimiter) cleanupLocked() {
	now := pcrl.now()
	for key, limiter := range pcrl.clients {
		if now.Sub(limiter.idleSince()) > pcrl.maxIdleTime {
			delete(pcrl.clients, key)
		}
	}
	pcrl.lastCleanup = now
}

// Reserve takes a token from clientKey's bucket.
func (pcrl *PerClientRateLimiter) Reserve(clientKey string) (bool, time.Duration) {
	return pcrl.getLimiter(clientKey).Reserve()
}

// Allow reports whether a request from clientKey may proceed.
func (pcrl *PerClientRateLimiter) Allow(clientKey string) bool {
	ok, _ := pcrl.Reserve(clientKey)
	return ok
}

// LimiterStats aggregates every live bucket. It is reported by /api/health.
type LimiterStats struct {
	Rate          float64 `json:"rate"`
	Burst         int     `json:"burst"`
	ActiveClients int     `json:"active_clients"`
	Requests      int64   `json:"requests"`
	Rejected      int64   `json:"rejected"`
}

// Stats returns aggregate statistics.
func (pcrl *PerClientRateLimiter) Stats() LimiterStats {
	pcrl.mu.Lock()
	out := LimiterStats{Rate: pcrl.rate, Burst: pcrl.burst, ActiveClients: len(pcrl.clients)}
	limiters := make([]*RateLimiter, 0, len(pcrl.clients))
	for _, limiter := range pcrl.clients {
		limiters = append(limiters, limiter)
	}
	pcrl.mu.Unlock()

	for _, limiter := range limiters {
		b := limiter.Stats()
		out.Requests += b.Requests
		out.Rejected += b.Rejected
	}
	return out
}

// PerUserRateLimitMiddleware limits each caller (by X-User-ID, falling back to
// the client address) and answers 429 with Retry-After in whole seconds.
func PerUserRateLimitMiddleware(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := UserID(r.Context())
			if key == "" {
				key = r.RemoteAddr
			}

			ok, wait := limiter.Reserve(key)
			if !ok {
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, fmt.Errorf("retry in %ds: %w", secs, models.ErrRateLimited))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

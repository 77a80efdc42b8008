package worker

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	clock := newFakeClock()
	rl := newRateLimiterAt(2, 3, clock.Now)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(), "request %d within burst", i)
	}
	ok, wait := rl.Reserve()
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	clock.Advance(500 * time.Millisecond)
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	// refill never exceeds burst
	clock.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow())
	}
	assert.False(t, rl.Allow())

	stats := rl.Stats()
	assert.Equal(t, int64(10), stats.Requests)
	assert.Equal(t, int64(3), stats.Rejected)
}

func TestRateLimiter_BurstFloor(t *testing.T) {
	rl := newRateLimiterAt(1, 0, newFakeClock().Now)
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestRateLimiter_ZeroRate(t *testing.T) {
	rl := newRateLimiterAt(0, 1, newFakeClock().Now)
	assert.True(t, rl.Allow())
	ok, wait := rl.Reserve()
	assert.False(t, ok)
	assert.Equal(t, time.Hour, wait)
}

func TestPerClientRateLimiter_Isolation(t *testing.T) {
	clock := newFakeClock()
	pcrl := NewPerClientRateLimiter(1, 1)
	pcrl.now = clock.Now

	assert.True(t, pcrl.Allow("alice"))
	assert.False(t, pcrl.Allow("alice"))
	assert.True(t, pcrl.Allow("bob"), "separate buckets per client")

	stats := pcrl.Stats()
	assert.Equal(t, 2, stats.ActiveClients)
	assert.Equal(t, int64(3), stats.Requests)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestPerClientRateLimiter_CleansUpIdleClients(t *testing.T) {
	clock := newFakeClock()
	pcrl := NewPerClientRateLimiter(1, 1)
	pcrl.now = clock.Now
	pcrl.lastCleanup = clock.Now()

	pcrl.Allow("alice")
	clock.Advance(pcrl.maxIdleTime + time.Minute)
	pcrl.Allow("bob")

	assert.Equal(t, 1, pcrl.Stats().ActiveClients)
}

func TestPerUserRateLimitMiddleware(t *testing.T) {
	clock := newFakeClock()
	limiter := NewPerClientRateLimiter(0.5, 1)
	limiter.now = clock.Now
	handler := RequireUser(PerUserRateLimitMiddleware(limiter)(okHandler))

	send := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/sessions/x/chat", nil)
		req.Header.Set(UserIDHeader, user)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusOK, send("alice").Code)

	rr := send("alice")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))
	assert.Contains(t, rr.Body.String(), `"code":"rate_limited"`)

	assert.Equal(t, http.StatusOK, send("bob").Code)

	clock.Advance(2 * time.Second)
	assert.Equal(t, http.StatusOK, send("alice").Code)
}

// ABOUTME: Tests for the idempotency cache used to make send retries safe.
// ABOUTME: Validates claim states, TTL expiration, size limits, eviction order, and concurrency.

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, maxSize)
	c.now = clk.now
	t.Cleanup(c.Close)
	return c, clk
}

func TestCache_ClaimNewKey(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	result, status := c.Claim("k")
	assert.Equal(t, Claimed, status)
	assert.Empty(t, result)
}

func TestCache_ClaimInFlight(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Claim("k")
	_, status := c.Claim("k")
	assert.Equal(t, InFlight, status)
}

func TestCache_ClaimCompleted(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Claim("k")
	c.Complete("k", "msg-1")

	result, status := c.Claim("k")
	assert.Equal(t, Completed, status)
	assert.Equal(t, "msg-1", result)
}

func TestCache_Release(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Claim("k")
	c.Release("k")

	_, status := c.Claim("k")
	assert.Equal(t, Claimed, status, "released key can be claimed again")
}

func TestCache_ReleaseKeepsCompleted(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Claim("k")
	c.Complete("k", "msg-1")
	c.Release("k")

	result, status := c.Claim("k")
	assert.Equal(t, Completed, status)
	assert.Equal(t, "msg-1", result)
}

func TestCache_Expiry(t *testing.T) {
	c, clk := newTestCache(t, time.Minute, 10)

	c.Claim("k")
	c.Complete("k", "msg-1")
	clk.advance(2 * time.Minute)

	_, status := c.Claim("k")
	assert.Equal(t, Claimed, status, "expired key is claimable")
}

func TestCache_Eviction(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 3)

	for _, k := range []string{"a", "b", "c", "d"} {
		c.Claim(k)
		c.Complete(k, k)
	}

	assert.Equal(t, 3, c.Len())
	_, status := c.Claim("a")
	assert.Equal(t, Claimed, status, "oldest key was evicted")
	_, status = c.Claim("d")
	assert.Equal(t, Completed, status)
}

func TestCache_Cleanup(t *testing.T) {
	c, clk := newTestCache(t, time.Minute, 10)

	c.Claim("old")
	clk.advance(30 * time.Second)
	c.Claim("new")
	clk.advance(45 * time.Second)

	c.runCleanup()

	assert.Equal(t, 1, c.Len())
	_, status := c.Claim("new")
	assert.Equal(t, InFlight, status)
}

func TestCache_ConcurrentClaimsOneWinner(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, status := c.Claim("same"); status == Claimed {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
}

func TestKey(t *testing.T) {
	assert.NotEqual(t, Key("u1", "x"), Key("u2", "x"))
	assert.Equal(t, Key("u1", "x"), Key("u1", "x"))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "claimed", Claimed.String())
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "in_flight", InFlight.String())
}

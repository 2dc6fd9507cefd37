package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLockout() (*loginRateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newLoginRateLimiter()
	rl.now = clock.now
	return rl, clock
}

func TestLockout_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLockout()
	for i := 0; i < maxFailures-1; i++ {
		rl.recordFailure("alice")
		blocked, _ := rl.check("alice")
		assert.False(t, blocked)
	}
}

func TestLockout_BlocksAfterThreshold(t *testing.T) {
	rl, clock := newTestLockout()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("alice")
	}
	blocked, retryAfter := rl.check("alice")
	require.True(t, blocked)
	assert.Equal(t, baseLockout, retryAfter)

	clock.advance(baseLockout)
	blocked, _ = rl.check("alice")
	assert.False(t, blocked, "lockout ends after baseLockout")
}

func TestLockout_ExponentialBackoffCapped(t *testing.T) {
	rl, _ := newTestLockout()
	for i := 0; i < maxFailures+1; i++ {
		rl.recordFailure("alice")
	}
	_, retryAfter := rl.check("alice")
	assert.Equal(t, 2*baseLockout, retryAfter)

	for i := 0; i < 20; i++ {
		rl.recordFailure("alice")
	}
	_, retryAfter = rl.check("alice")
	assert.Equal(t, maxLockout, retryAfter)
}

func TestLockout_SuccessResetsAndIsolates(t *testing.T) {
	rl, _ := newTestLockout()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("alice")
	}
	blocked, _ := rl.check("bob")
	assert.False(t, blocked, "other handles are unaffected")

	rl.recordSuccess("alice")
	blocked, _ = rl.check("alice")
	assert.False(t, blocked)
}

func TestLockout_SweepRemovesExpired(t *testing.T) {
	rl, clock := newTestLockout()
	rl.recordFailure("alice")
	clock.advance(attemptExpiry + time.Second)
	rl.recordFailure("bob")

	rl.sweep()
	assert.NotContains(t, rl.attempts, "alice")
	assert.Contains(t, rl.attempts, "bob")
}

func TestIPRateLimiter_BurstThenBlock(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newIPRateLimiter(rate.Limit(1), 3)
	rl.now = clock.now

	for i := 0; i < 3; i++ {
		ok, _ := rl.allow("10.0.0.1")
		require.True(t, ok, "request %d within burst", i)
	}
	ok, wait := rl.allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	ok, _ = rl.allow("10.0.0.2")
	assert.True(t, ok, "other IPs have their own bucket")

	// A refused request does not consume the next token.
	clock.advance(time.Second)
	ok, _ = rl.allow("10.0.0.1")
	assert.True(t, ok)
}

func TestIPRateLimiter_SweepIdle(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newIPRateLimiter(rate.Limit(1), 1)
	rl.now = clock.now

	rl.allow("10.0.0.1")
	clock.advance(ipIdleExpiry + time.Second)
	rl.allow("10.0.0.2")
	rl.sweep()
	assert.NotContains(t, rl.limiters, "10.0.0.1")
	assert.Contains(t, rl.limiters, "10.0.0.2")
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(200*time.Millisecond))
	assert.Equal(t, "2", retryAfterString(1500*time.Millisecond))
	assert.Equal(t, "60", retryAfterString(time.Minute))
}

func TestExtractClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		proxies    []netip.Prefix
		want       string
	}{
		{"remote addr only", "203.0.113.5:4321", nil, nil, "203.0.113.5"},
		{"headers ignored without trusted proxies", "10.0.0.1:80",
			map[string]string{"X-Forwarded-For": "198.51.100.7"}, nil, "10.0.0.1"},
		{"headers ignored from untrusted peer", "203.0.113.5:80",
			map[string]string{"X-Forwarded-For": "198.51.100.7"}, trusted, "203.0.113.5"},
		{"xff from trusted proxy", "10.0.0.1:80",
			map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.2"}, trusted, "198.51.100.7"},
		{"xff skips garbage", "10.0.0.1:80",
			map[string]string{"X-Forwarded-For": "unknown, 198.51.100.8"}, trusted, "198.51.100.8"},
		{"forwarded header", "10.0.0.1:80",
			map[string]string{"Forwarded": `for="[2001:db8::1]:4711";proto=https`}, trusted, "2001:db8::1"},
		{"x-real-ip", "10.0.0.1:80",
			map[string]string{"X-Real-IP": "198.51.100.9"}, trusted, "198.51.100.9"},
		{"ipv6 remote", "[2001:db8::2]:443", nil, nil, "2001:db8::2"},
		{"mapped ipv4", "[::ffff:192.0.2.1]:443", nil, nil, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodGet, "/", nil)
			require.NoError(t, err)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.proxies))
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ParseTrustedProxies([]string{"10.1.2.3/8", " 192.168.1.1 ", "", "::1"})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.1/32"),
		netip.MustParsePrefix("::1/128"),
	}, got)

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
}

package transport

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetClientIP(t *testing.T) {
	t.Run("prefers X-Forwarded-For", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.RemoteAddr = "192.168.1.1:54321"
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		assert.Equal(t, "203.0.113.7", getClientIP(r))
	})

	t.Run("falls back to RemoteAddr", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.RemoteAddr = "192.168.1.1:54321"
		assert.Equal(t, "192.168.1.1", getClientIP(r))
	})

	t.Run("tolerates RemoteAddr without port", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.RemoteAddr = "192.168.1.1"
		assert.Equal(t, "192.168.1.1", getClientIP(r))
	})
}

func TestConnRateLimiter(t *testing.T) {
	t.Run("disabled allows everything", func(t *testing.T) {
		l := NewConnRateLimiter(LimiterConfig{Enabled: false})
		defer l.Close()
		for i := 0; i < 1000; i++ {
			assert.True(t, l.Allow("10.0.0.1"))
		}
	})

	t.Run("per-address burst exhausts", func(t *testing.T) {
		l := NewConnRateLimiter(LimiterConfig{
			Enabled:     true,
			IPRate:      0.001,
			IPBurst:     3,
			GlobalRate:  1000,
			GlobalBurst: 1000,
		})
		defer l.Close()

		for i := 0; i < 3; i++ {
			assert.True(t, l.Allow("10.0.0.1"), "attempt %d", i)
		}
		assert.False(t, l.Allow("10.0.0.1"))

		// Another address has its own bucket.
		assert.True(t, l.Allow("10.0.0.2"))
	})

	t.Run("global bucket caps all addresses", func(t *testing.T) {
		l := NewConnRateLimiter(LimiterConfig{
			Enabled:     true,
			IPRate:      1000,
			IPBurst:     1000,
			GlobalRate:  0.001,
			GlobalBurst: 2,
		})
		defer l.Close()

		assert.True(t, l.Allow("10.0.0.1"))
		assert.True(t, l.Allow("10.0.0.2"))
		assert.False(t, l.Allow("10.0.0.3"))
	})
}

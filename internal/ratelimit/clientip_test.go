package ratelimit_test

import (
	"net/http/httptest"
	"testing"

	"github.com/mendbot/mendbot/internal/ratelimit"
	"github.com/stretchr/testify/assert"
)

func TestClientIP_DirectConnection(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "203.0.113.7:4711"

	ip := ratelimit.ClientIP(req, ratelimit.ClientIPConfig{})
	assert.Equal(t, "203.0.113.7", ip)
}

func TestClientIP_IgnoresHeadersWhenUntrusted(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "203.0.113.7:4711"
	req.Header.Set("CF-Connecting-IP", "198.51.100.1")
	req.Header.Set("X-Forwarded-For", "198.51.100.2, 10.0.0.1")

	ip := ratelimit.ClientIP(req, ratelimit.ClientIPConfig{TrustProxyHeaders: false})
	assert.Equal(t, "203.0.113.7", ip)
}

func TestClientIP_PrefersCDNHeader(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "203.0.113.7:4711"
	req.Header.Set("CF-Connecting-IP", "198.51.100.1")
	req.Header.Set("X-Forwarded-For", "198.51.100.2, 10.0.0.1")
	req.Header.Set("X-Real-IP", "198.51.100.3")

	ip := ratelimit.ClientIP(req, ratelimit.ClientIPConfig{TrustProxyHeaders: true})
	assert.Equal(t, "198.51.100.1", ip)
}

func TestClientIP_FirstForwardedHop(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "203.0.113.7:4711"
	req.Header.Set("X-Forwarded-For", " 198.51.100.2 , 10.0.0.1, 10.0.0.2")

	ip := ratelimit.ClientIP(req, ratelimit.ClientIPConfig{TrustProxyHeaders: true})
	assert.Equal(t, "198.51.100.2", ip)
}

func TestClientIP_RealIPFallback(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "203.0.113.7:4711"
	req.Header.Set("X-Real-IP", "198.51.100.3")

	ip := ratelimit.ClientIP(req, ratelimit.ClientIPConfig{TrustProxyHeaders: true})
	assert.Equal(t, "198.51.100.3", ip)
}

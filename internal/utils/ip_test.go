package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPAllowlist(t *testing.T) {
	a, err := NewIPAllowlist([]string{"185.71.76.0/27", "77.75.156.11/32", "2a02:5180::/32"})
	require.NoError(t, err)

	assert.True(t, a.Contains("185.71.76.5"))
	assert.False(t, a.Contains("185.71.76.32"))
	assert.True(t, a.Contains("77.75.156.11"))
	assert.False(t, a.Contains("77.75.156.12"))
	assert.True(t, a.Contains("2a02:5180::1"))
	assert.False(t, a.Contains("not-an-ip"))
	assert.False(t, a.Contains(""))
}

func TestNewIPAllowlistRejectsBadCIDR(t *testing.T) {
	_, err := NewIPAllowlist([]string{"10.0.0.0/8", "10.0.0.300/8"})
	assert.Error(t, err)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.RemoteAddr = "185.71.76.1:52344"
	assert.Equal(t, "185.71.76.1", ClientIP(r))

	r.RemoteAddr = "[2a02:5180::1]:443"
	assert.Equal(t, "2a02:5180::1", ClientIP(r))

	r.RemoteAddr = "185.71.76.1"
	assert.Equal(t, "185.71.76.1", ClientIP(r))
}

func TestForwardedFor(t *testing.T) {
	trusted, err := NewIPAllowlist([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	var seen string
	h := ForwardedFor(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClientIP(r)
	}))
	serve := func(remote string, header map[string]string) string {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.RemoteAddr = remote
		for k, v := range header {
			r.Header.Set(k, v)
		}
		h.ServeHTTP(httptest.NewRecorder(), r)
		return seen
	}

	assert.Equal(t, "185.71.76.1", serve("10.0.0.2:4000", map[string]string{"X-Forwarded-For": "185.71.76.1"}))
	// Entries left of the first untrusted hop are client supplied.
	assert.Equal(t, "203.0.113.9", serve("10.0.0.2:4000", map[string]string{"X-Forwarded-For": "185.71.76.1, 203.0.113.9, 10.0.0.3"}))
	assert.Equal(t, "203.0.113.9", serve("203.0.113.9:4000", map[string]string{"X-Forwarded-For": "185.71.76.1"}))
	assert.Equal(t, "203.0.113.9", serve("203.0.113.9:4000", map[string]string{"X-Real-IP": "185.71.76.1"}))
	assert.Equal(t, "10.0.0.2", serve("10.0.0.2:4000", map[string]string{"X-Forwarded-For": "garbage"}))
	assert.Equal(t, "10.0.0.2", serve("10.0.0.2:4000", nil))
}

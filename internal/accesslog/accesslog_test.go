package accesslog

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientIPPrefersXForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")
	assert.Equal(t, "203.0.113.9", ClientIP(r))
}

func TestClientIPFallsBackToXRealIPThenRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Real-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", ClientIP(r))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1:1234", ClientIP(r2))
}

func TestLineFillsMissingFieldsWithDash(t *testing.T) {
	line := Line(Entry{
		RemoteAddr: "10.0.0.1",
		Method:     "GET",
		URI:        "/",
		Proto:      "HTTP/1.1",
		Status:     200,
		Duration:   250 * time.Millisecond,
	})
	assert.Contains(t, line, `"-"`)
	assert.Contains(t, line, "GET / HTTP/1.1")
	assert.Contains(t, line, "200")
	assert.True(t, strings.HasPrefix(line, "- 10.0.0.1 "), "missing request ID should render as a leading dash")
}

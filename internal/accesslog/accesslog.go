// Package accesslog formats Nginx-style access log lines for the web
// gateway (spec §4.1): client address resolution through the
// X-Forwarded-For / X-Real-IP chain, request line, status, byte count,
// referer, user agent, latency, and the resolved upstream address.
package accesslog

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Entry is one completed request/response cycle.
type Entry struct {
	RequestID  string
	RemoteAddr string
	Method     string
	URI        string
	Proto      string
	Status     int
	Bytes      int64
	Referer    string
	UserAgent  string
	Duration   time.Duration
	Upstream   string
}

// ClientIP resolves the originating client address, preferring
// X-Forwarded-For, then X-Real-IP, then the raw connection address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	return r.RemoteAddr
}

// Line renders an entry in the teacher's Nginx-combined-log style.
func Line(e Entry) string {
	referer := e.Referer
	if referer == "" {
		referer = "-"
	}
	agent := e.UserAgent
	if agent == "" {
		agent = "-"
	}
	upstream := e.Upstream
	if upstream == "" {
		upstream = "-"
	}
	reqID := e.RequestID
	if reqID == "" {
		reqID = "-"
	}
	return fmt.Sprintf("%s %s %q %d %d %q %q %.3f %s",
		reqID,
		e.RemoteAddr,
		fmt.Sprintf("%s %s %s", e.Method, e.URI, e.Proto),
		e.Status,
		e.Bytes,
		referer,
		agent,
		e.Duration.Seconds()*1000,
		upstream,
	)
}

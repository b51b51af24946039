package webgateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostOnlyStripsPort(t *testing.T) {
	assert.Equal(t, "example.com", hostOnly("example.com:8443"))
	assert.Equal(t, "example.com", hostOnly("example.com"))
}

func TestIsWebSocketUpgradeRequiresBothHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, isWebSocketUpgrade(r))

	r.Header.Set("Connection", "Upgrade")
	assert.False(t, isWebSocketUpgrade(r), "Connection: upgrade alone must not trigger the websocket path")

	r.Header.Set("Upgrade", "websocket")
	assert.True(t, isWebSocketUpgrade(r))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("Connection", "keep-alive, Upgrade")
	r2.Header.Set("Upgrade", "websocket")
	assert.True(t, isWebSocketUpgrade(r2), "Connection header may list upgrade alongside other tokens")

	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Connection", "upgrade")
	r3.Header.Set("Upgrade", "h2c")
	assert.False(t, isWebSocketUpgrade(r3), "a non-websocket upgrade target must not be treated as a websocket request")
}

func TestIsWebSocketUpgradeRecognizesTransportQueryParam(t *testing.T) {
	assert.True(t, isWebSocketUpgrade(httptest.NewRequest(http.MethodGet, "/socket.io/?transport=websocket", nil)))
	assert.True(t, isWebSocketUpgrade(httptest.NewRequest(http.MethodGet, "/socket.io/?transport=polling", nil)))
	assert.False(t, isWebSocketUpgrade(httptest.NewRequest(http.MethodGet, "/socket.io/?transport=other", nil)))
}

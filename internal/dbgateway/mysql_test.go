package dbgateway

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePacketThenReadPacketRoundTrips(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	payload := []byte("hello mysql")
	go func() {
		_ = writePacket(client, payload, 7)
	}()

	got, err := readPacket(server)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSyntheticGreetingStartsWithProtocolVersion10(t *testing.T) {
	greeting := syntheticGreeting()
	require.True(t, len(greeting) > packetHeaderSize)
	assert.Equal(t, byte(protocolVersion10), greeting[packetHeaderSize])

	length := int(greeting[0]) | int(greeting[1])<<8 | int(greeting[2])<<16
	assert.Equal(t, len(greeting)-packetHeaderSize, length, "declared packet length must match the actual payload size")
}

func TestReadClientHandshakeExtractsUsername(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	var raw []byte
	var username string
	var readErr error
	go func() {
		raw, username, readErr = readClientHandshake(server, time.Second)
		close(done)
	}()

	// Drain the synthetic greeting the server side sends first.
	_, err := readPacket(client)
	require.NoError(t, err)

	response := make([]byte, fixedResponseHeaderSize)
	response = append(response, []byte("alice\x00")...)
	require.NoError(t, writePacket(client, response, 1))

	<-done
	require.NoError(t, readErr)
	assert.Equal(t, "alice", username)
	assert.True(t, bytes.HasSuffix(raw, []byte("alice\x00")))
}

func TestReadClientHandshakeRejectsMissingNulTerminator(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	var readErr error
	go func() {
		_, _, readErr = readClientHandshake(server, time.Second)
		close(done)
	}()

	_, err := readPacket(client)
	require.NoError(t, err)

	response := make([]byte, fixedResponseHeaderSize)
	response = append(response, []byte("no-terminator")...)
	require.NoError(t, writePacket(client, response, 1))

	<-done
	assert.Error(t, readErr)
}

package webgateway

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"time"
)

// proxyWebSocket dials the backend directly and splices it to the
// hijacked client connection, forwarding the upgrade request and response
// verbatim so Sec-WebSocket-* negotiation and the 101 response pass
// through unmodified (spec §4.1, §9). It returns the number of response
// bytes copied back to the client, for the access log.
func (g *Gateway) proxyWebSocket(w http.ResponseWriter, r *http.Request, backendAddr string) int64 {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade unsupported", http.StatusInternalServerError)
		return 0
	}

	backendConn, err := net.DialTimeout("tcp", backendAddr, 10*time.Second)
	if err != nil {
		g.Log.Error(err, "dialing websocket backend", "backend", backendAddr)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return 0
	}
	defer backendConn.Close()

	if err := r.Write(backendConn); err != nil {
		g.Log.Error(err, "forwarding websocket upgrade request", "backend", backendAddr)
		return 0
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		g.Log.Error(err, "hijacking client connection for websocket upgrade")
		return 0
	}
	defer clientConn.Close()

	backendReader := bufio.NewReader(backendConn)
	resp, err := http.ReadResponse(backendReader, r)
	if err != nil {
		g.Log.Error(err, "reading websocket upgrade response", "backend", backendAddr)
		return 0
	}
	if err := resp.Write(clientConn); err != nil {
		g.Log.Error(err, "forwarding websocket upgrade response")
		return 0
	}

	if clientBuf.Reader.Buffered() > 0 {
		if _, err := io.CopyN(backendConn, clientBuf.Reader, int64(clientBuf.Reader.Buffered())); err != nil {
			return 0
		}
	}

	applyDeadline(clientConn, g.WSReadTimeout, g.WSWriteTimeout)
	applyDeadline(backendConn, g.WSReadTimeout, g.WSWriteTimeout)

	var toClient int64
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(backendConn, clientConn)
		done <- struct{}{}
	}()
	go func() {
		toClient, _ = io.Copy(clientConn, backendReader)
		done <- struct{}{}
	}()
	<-done
	backendConn.Close()
	clientConn.Close()
	<-done
	return toClient
}

func applyDeadline(conn net.Conn, read, write time.Duration) {
	if read > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(read))
	}
	if write > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(write))
	}
}

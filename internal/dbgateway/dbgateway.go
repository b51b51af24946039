// Package dbgateway implements the database gateway: it accepts raw TCP
// connections, answers each with a synthetic MySQL-protocol greeting, reads
// the client's handshake response to learn the authenticating username
// before any backend is dialed, routes by username, then splices the two
// connections together (spec §4.3, §5).
package dbgateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"

	"github.com/cuemby/platformcore/internal/bufpool"
	"github.com/cuemby/platformcore/internal/routing/db"
	"github.com/cuemby/platformcore/internal/utils"
)

// Gateway accepts MySQL-wire-protocol connections and routes them by
// authenticating username.
type Gateway struct {
	Log   utils.Logger
	Table *db.Table

	ListenAddr        string
	MaxConnections    int
	ConnectionTimeout time.Duration
	UseProxyProto     bool

	bufPool  *bufpool.Pool
	sem      chan struct{}
	listener net.Listener
}

// New returns a Gateway with the given capacity limit and buffer pool size.
func New(log utils.Logger, table *db.Table, listenAddr string, maxConnections int, connTimeout time.Duration, useProxyProto bool, bufSize int) *Gateway {
	return &Gateway{
		Log:               log,
		Table:             table,
		ListenAddr:        listenAddr,
		MaxConnections:    maxConnections,
		ConnectionTimeout: connTimeout,
		UseProxyProto:     useProxyProto,
		bufPool:           bufpool.New(bufSize),
		sem:               make(chan struct{}, maxConnections),
	}
}

// Start accepts connections until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.ListenAddr, err)
	}
	if g.UseProxyProto {
		ln = &proxyproto.Listener{Listener: ln}
	}
	g.listener = ln
	g.Log.Info("db gateway listening", "addr", g.ListenAddr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			g.Log.Error(err, "accept error")
			continue
		}

		select {
		case g.sem <- struct{}{}:
			go func() {
				defer func() { <-g.sem }()
				g.handle(ctx, conn)
			}()
		default:
			// At capacity: fail fast rather than queue (spec §5's
			// counting-semaphore capacity model).
			g.Log.Info("rejecting connection at capacity", "remote", conn.RemoteAddr())
			conn.Close()
		}
	}
}

func (g *Gateway) handle(ctx context.Context, clientConn net.Conn) {
	defer clientConn.Close()

	handshake, username, err := readClientHandshake(clientConn, g.ConnectionTimeout)
	if err != nil {
		g.Log.Error(err, "reading client handshake", "remote", clientConn.RemoteAddr())
		return
	}

	entry, ok := g.Table.Lookup(username)
	if !ok {
		g.Log.Info("no route for username", "username", username)
		return
	}

	backendAddr := fmt.Sprintf("%s.%s.svc.cluster.local:%d", entry.Name, entry.Namespace, entry.Port)
	backendConn, err := net.DialTimeout("tcp", backendAddr, g.ConnectionTimeout)
	if err != nil {
		g.Log.Error(err, "dialing backend", "backend", backendAddr, "username", username)
		return
	}
	defer backendConn.Close()

	if err := spliceHandshake(backendConn, handshake); err != nil {
		g.Log.Error(err, "forwarding handshake to backend", "backend", backendAddr)
		return
	}

	authResult, err := readRawPacket(backendConn)
	if err != nil {
		g.Log.Error(err, "reading backend auth result", "backend", backendAddr)
		return
	}
	if err := writePacket(clientConn, authResult, 2); err != nil {
		g.Log.Error(err, "forwarding auth result to client")
		return
	}

	g.splice(clientConn, backendConn)
}

// splice bidirectionally copies bytes between the client and the backend
// using pooled buffers, closing both sides once either direction ends.
func (g *Gateway) splice(client, backend net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer backend.Close()
		buf := g.bufPool.Get()
		defer g.bufPool.Put(buf)
		if _, err := io.CopyBuffer(backend, client, buf); err != nil {
			g.Log.V(1).Info("client->backend copy ended", "error", err.Error())
		}
	}()

	go func() {
		defer wg.Done()
		defer client.Close()
		buf := g.bufPool.Get()
		defer g.bufPool.Put(buf)
		if _, err := io.CopyBuffer(client, backend, buf); err != nil {
			g.Log.V(1).Info("backend->client copy ended", "error", err.Error())
		}
	}()

	wg.Wait()
}

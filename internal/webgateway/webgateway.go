// Package webgateway implements the HTTP(S) ingress: TLS termination with
// per-SNI certificate resolution, WebSocket upgrade passthrough, ACME
// HTTP-01 challenge serving, and the scale-from-zero wake-up protocol
// (spec §4.1, §7, §9).
package webgateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/platformcore/internal/accesslog"
	"github.com/cuemby/platformcore/internal/certs"
	"github.com/cuemby/platformcore/internal/dnscache"
	"github.com/cuemby/platformcore/internal/kvstore"
	"github.com/cuemby/platformcore/internal/labels"
	"github.com/cuemby/platformcore/internal/orchestrator"
	"github.com/cuemby/platformcore/internal/routing/web"
	"github.com/cuemby/platformcore/internal/utils"
)

// wakeTimeout and wakePollInterval bound the wake-up protocol's final
// readiness poll (spec §4.1 step 4: "up to 30 seconds, polling every second").
const (
	wakeTimeout      = 30 * time.Second
	wakePollInterval = time.Second
)

// Gateway serves HTTP and HTTPS traffic, routing by Host/SNI and waking
// scaled-to-zero services on demand.
type Gateway struct {
	Log   utils.Logger
	Table *web.Table
	Certs *certs.Manager
	KV    *kvstore.Store
	Orch  *orchestrator.Orchestrator
	DNS   *dnscache.Cache

	ClusterSuffix string
	EnableHTTPS   bool

	ReadTimeout, WriteTimeout   time.Duration
	WSReadTimeout, WSWriteTimeout time.Duration

	httpServer  *http.Server
	httpsServer *http.Server
}

// New returns a Gateway ready to Start.
func New(log utils.Logger, table *web.Table, certMgr *certs.Manager, kv *kvstore.Store, orch *orchestrator.Orchestrator, dns *dnscache.Cache) *Gateway {
	return &Gateway{
		Log:            log,
		Table:          table,
		Certs:          certMgr,
		KV:             kv,
		Orch:           orch,
		DNS:            dns,
		ClusterSuffix:  "svc.cluster.local",
		ReadTimeout:    3600 * time.Second,
		WriteTimeout:   3600 * time.Second,
		WSReadTimeout:  3600 * time.Second,
		WSWriteTimeout: 3600 * time.Second,
	}
}

// Start listens on httpAddr (and httpsAddr, if EnableHTTPS) and serves
// until ctx is cancelled, then shuts down both servers with a 10s grace period.
func (g *Gateway) Start(ctx context.Context, httpAddr, httpsAddr string) error {
	mux := http.HandlerFunc(g.handle)

	g.httpServer = &http.Server{
		Addr:         httpAddr,
		Handler:      mux,
		ReadTimeout:  g.ReadTimeout,
		WriteTimeout: g.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	httpListener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", httpAddr, err)
	}
	go func() {
		if err := g.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			g.Log.Error(err, "http server error")
		}
	}()
	g.Log.Info("web gateway listening", "addr", httpAddr, "proto", "http")

	if g.EnableHTTPS {
		g.httpsServer = &http.Server{
			Addr:         httpsAddr,
			Handler:      mux,
			TLSConfig:    &tls.Config{MinVersion: tls.VersionTLS12, GetCertificate: g.getCertificate},
			ReadTimeout:  g.ReadTimeout,
			WriteTimeout: g.WriteTimeout,
			IdleTimeout:  120 * time.Second,
		}
		httpsListener, err := net.Listen("tcp", httpsAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", httpsAddr, err)
		}
		go func() {
			tlsListener := tls.NewListener(httpsListener, g.httpsServer.TLSConfig)
			if err := g.httpsServer.Serve(tlsListener); err != nil && err != http.ErrServerClosed {
				g.Log.Error(err, "https server error")
			}
		}()
		g.Log.Info("web gateway listening", "addr", httpsAddr, "proto", "https")
	}

	<-ctx.Done()
	g.Log.Info("shutting down web gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		g.Log.Error(err, "shutting down http server")
	}
	if g.httpsServer != nil {
		if err := g.httpsServer.Shutdown(shutdownCtx); err != nil {
			g.Log.Error(err, "shutting down https server")
		}
	}
	return nil
}

// getCertificate resolves a TLS certificate by SNI. An SNI absent from the
// routing table fails the handshake rather than falling back to a default
// certificate (spec §4.2, §7).
func (g *Gateway) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if _, ok := g.Table.Lookup(hello.ServerName); !ok {
		return nil, fmt.Errorf("no route for server name %q", hello.ServerName)
	}
	rec, err := g.Certs.Resolve(hello.Context(), hello.ServerName)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(rec.CertPEM, rec.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("building tls certificate for %s: %w", hello.ServerName, err)
	}
	return &cert, nil
}

func (g *Gateway) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	reqID := uuid.New().String()
	w.Header().Set("X-Request-Id", reqID)

	if r.URL.Path == "/healthz" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/.well-known/acme-challenge/") {
		g.serveACMEChallenge(w, r)
		return
	}

	if g.EnableHTTPS && r.TLS == nil {
		http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
		return
	}

	host := hostOnly(r.Host)
	entry, ok := g.Table.Lookup(host)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if err := g.wakeIfNeeded(r.Context(), entry); err != nil {
		g.Log.Error(err, "waking service", "requestId", reqID, "host", host)
		status = http.StatusServiceUnavailable
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		g.logAccess(r, reqID, status, start, entry.Name, 0)
		return
	}

	_ = g.KV.RecordAccess(r.Context(), entry.Namespace, labels.DeploymentName(entry.ServiceID))

	backendAddr, err := g.resolveBackend(entry)
	if err != nil {
		g.Log.Error(err, "resolving backend address", "requestId", reqID, "host", host)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		g.logAccess(r, reqID, http.StatusServiceUnavailable, start, entry.Name, 0)
		return
	}

	if isWebSocketUpgrade(r) {
		n := g.proxyWebSocket(w, r, backendAddr)
		g.logAccess(r, reqID, status, start, backendAddr, n)
		return
	}

	cw := &countingResponseWriter{ResponseWriter: w, status: http.StatusOK}
	g.proxyHTTP(cw, r, backendAddr)
	g.logAccess(r, reqID, cw.status, start, backendAddr, cw.bytes)
}

func (g *Gateway) logAccess(r *http.Request, reqID string, status int, start time.Time, upstream string, bytes int64) {
	line := accesslog.Line(accesslog.Entry{
		RequestID:  reqID,
		RemoteAddr: accesslog.ClientIP(r),
		Method:     r.Method,
		URI:        r.URL.RequestURI(),
		Proto:      r.Proto,
		Status:     status,
		Bytes:      bytes,
		Referer:    r.Referer(),
		UserAgent:  r.UserAgent(),
		Duration:   time.Since(start),
		Upstream:   upstream,
	})
	g.Log.Info(line)
}

// countingResponseWriter tracks the status code and response bytes written
// through a proxied HTTP response so they can be recorded in the access log.
type countingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (c *countingResponseWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *countingResponseWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	c.bytes += int64(n)
	return n, err
}

// Flush satisfies http.Flusher so streaming responses (SSE, chunked
// long-poll) proxied through the counting wrapper still flush promptly.
func (c *countingResponseWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (g *Gateway) serveACMEChallenge(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, "/.well-known/acme-challenge/")
	keyAuth, ok := g.Certs.HTTP01().GetKeyAuth(hostOnly(r.Host), token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(keyAuth))
}

// wakeIfNeeded implements the four-step wake-up protocol: a crash-looping
// service fails fast, a cached-active service skips the rest, otherwise the
// deployment is scaled to 1 and polled for readiness (spec §4.1).
func (g *Gateway) wakeIfNeeded(ctx context.Context, entry web.Entry) error {
	if !entry.ScaleToZeroEnabled {
		return nil
	}

	deployment := labels.DeploymentName(entry.ServiceID)
	looping, err := g.KV.CrashLooping(ctx, entry.Namespace, deployment)
	if err != nil {
		g.Log.Error(err, "checking crashloop flag", "namespace", entry.Namespace, "name", deployment)
	}
	if looping {
		return fmt.Errorf("service %s/%s is crash-looping", entry.Namespace, deployment)
	}

	active, ok, err := g.KV.Active(ctx, entry.Namespace, deployment)
	if err != nil {
		g.Log.Error(err, "checking active flag", "namespace", entry.Namespace, "name", deployment)
	}
	if ok && active {
		return nil
	}

	dep, err := g.Orch.GetDeployment(ctx, entry.Namespace, deployment)
	if err != nil {
		return err
	}
	if dep != nil && orchestrator.IsReady(dep) {
		_ = g.KV.SetActive(ctx, entry.Namespace, deployment, true)
		return nil
	}

	if err := g.Orch.ScaleTo(ctx, entry.Namespace, deployment, 1); err != nil {
		return err
	}
	if err := g.Orch.WaitReady(ctx, entry.Namespace, deployment, wakeTimeout, wakePollInterval); err != nil {
		return err
	}
	return g.KV.SetActive(ctx, entry.Namespace, deployment, true)
}

func (g *Gateway) resolveBackend(entry web.Entry) (string, error) {
	fqdn := fmt.Sprintf("%s.%s.%s", entry.Name, entry.Namespace, g.ClusterSuffix)
	if cached, ok := g.DNS.Get(fqdn); ok {
		return fmt.Sprintf("%s:%d", cached.(string), entry.Port), nil
	}
	addrs, err := net.LookupHost(fqdn)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("resolving %s: %w", fqdn, err)
	}
	g.DNS.Set(fqdn, addrs[0])
	return fmt.Sprintf("%s:%d", addrs[0], entry.Port), nil
}

func (g *Gateway) proxyHTTP(w http.ResponseWriter, r *http.Request, backendAddr string) {
	target, err := url.Parse("http://" + backendAddr)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = r.Host
		req.Header.Set("X-Forwarded-For", accesslog.ClientIP(r))
		req.Header.Set("X-Forwarded-Host", r.Host)
		if r.TLS != nil {
			req.Header.Set("X-Forwarded-Proto", "https")
		} else {
			req.Header.Set("X-Forwarded-Proto", "http")
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		g.Log.Error(err, "reverse proxy error", "backend", backendAddr)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	proxy.ServeHTTP(w, r)
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

// isWebSocketUpgrade recognizes both a standard RFC 6455 upgrade handshake
// and the lenient path-based heuristic real-time frameworks rely on: a
// long-poll request that later upgrades in place, identified by a
// transport=websocket|polling query parameter rather than the Upgrade
// header (spec §4.1, §9).
func isWebSocketUpgrade(r *http.Request) bool {
	if strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return true
	}
	switch r.URL.Query().Get("transport") {
	case "websocket", "polling":
		return true
	default:
		return false
	}
}

/*
Web Gateway terminates HTTP(S) ingress traffic for platform web services:
TLS with per-domain ACME certificates, WebSocket passthrough, and
waking scaled-to-zero deployments on first request.

With -timer, the binary instead runs as the idle scaler: it scans the
same routing table on a fixed interval and scales idle services down to
zero rather than serving traffic.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuemby/platformcore/internal/certs"
	"github.com/cuemby/platformcore/internal/config"
	"github.com/cuemby/platformcore/internal/dnscache"
	"github.com/cuemby/platformcore/internal/idlescaler"
	"github.com/cuemby/platformcore/internal/kubeclient"
	"github.com/cuemby/platformcore/internal/kvstore"
	"github.com/cuemby/platformcore/internal/orchestrator"
	"github.com/cuemby/platformcore/internal/routing/web"
	"github.com/cuemby/platformcore/internal/utils"
	"github.com/cuemby/platformcore/internal/webgateway"
)

const version = "0.1.0"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the JSON configuration file")
		timerMode   = flag.Bool("timer", false, "Run as the idle scaler instead of serving traffic")
		metricsAddr = flag.String("metrics-addr", "0.0.0.0:9090", "Metrics server address")
		showVersion = flag.Bool("version", false, "Print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	log := utils.NewLoggerFromEnv()

	if *configPath == "" {
		log.Error(nil, "-config is required")
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error(err, "loading configuration")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handles, err := kubeclient.New(cfg.KubeConfigPath)
	if err != nil {
		log.Error(err, "building kubernetes client")
		os.Exit(1)
	}

	kv, err := kvstore.New(ctx, kvstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		log.Error(err, "connecting to redis")
		os.Exit(1)
	}
	defer kv.Close()

	watcher := web.NewWatcher(handles.Clientset, cfg.LabelSelector, 10*time.Minute)
	go watcher.Run(ctx.Done())

	orch := orchestrator.New(handles.Client, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	startMetricsServer(ctx, log, *metricsAddr)

	if *timerMode {
		log.Info("starting idle scaler", "idleTimeout", cfg.IdleTimeout().String(), "checkInterval", cfg.CheckInterval().String())
		scaler := idlescaler.New(log, watcher.Table(), kv, orch, cfg.IdleTimeout(), cfg.CheckInterval())
		scaler.Run(ctx)
		log.Info("idle scaler stopped")
		return
	}

	certMgr, err := certs.New(ctx, log, kv, handles.Client, certs.Config{
		Email:              cfg.Email,
		ACMEServerURL:      cfg.ACMEServerURL,
		WildcardDomain:     cfg.WildcardDomain,
		CloudflareAPIToken: cfg.CloudflareAPIToken,
		EnableWildcard:     cfg.EnableWildcard,
	})
	if err != nil {
		log.Error(err, "initializing certificate manager")
		os.Exit(1)
	}
	certMgr.StartRenewalJob(ctx)

	dns := dnscache.New(dnscache.DefaultTTL)
	defer dns.Close()

	readTimeout, writeTimeout := cfg.ProxyTimeouts()
	wsRead, wsWrite := cfg.WebSocketTimeouts()

	gw := webgateway.New(log, watcher.Table(), certMgr, kv, orch, dns)
	gw.ClusterSuffix = cfg.ClusterSuffix
	gw.EnableHTTPS = cfg.EnableHTTPS
	gw.ReadTimeout, gw.WriteTimeout = readTimeout, writeTimeout
	gw.WSReadTimeout, gw.WSWriteTimeout = wsRead, wsWrite

	log.Info("starting web gateway", "httpAddr", cfg.HTTPAddr, "httpsAddr", cfg.HTTPSAddr, "enableHTTPS", cfg.EnableHTTPS)
	if err := gw.Start(ctx, cfg.HTTPAddr, cfg.HTTPSAddr); err != nil {
		log.Error(err, "web gateway failed")
		os.Exit(1)
	}
	log.Info("web gateway stopped")
}

func startMetricsServer(ctx context.Context, log utils.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "shutting down metrics server")
		}
	}()
}

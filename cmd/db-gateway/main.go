/*
DB Gateway accepts raw database connections, intercepts the backing
engine's wire-protocol handshake to read the authenticating username,
routes by username, and splices the connection to the selected backend.
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

	"github.com/cuemby/platformcore/internal/config"
	"github.com/cuemby/platformcore/internal/dbgateway"
	"github.com/cuemby/platformcore/internal/kubeclient"
	"github.com/cuemby/platformcore/internal/routing/db"
	"github.com/cuemby/platformcore/internal/utils"
)

const version = "0.1.0"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the JSON configuration file")
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

	watcher := db.NewWatcher(handles.Clientset, cfg.LabelSelector, 10*time.Minute)
	go watcher.Run(ctx.Done())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	startMetricsServer(ctx, log, *metricsAddr)

	gw := dbgateway.New(log, watcher.Table(), cfg.ListenAddr, cfg.MaxConnections, cfg.ConnectionTimeout(), cfg.UseProxyProto, cfg.ReadBufferSize)

	log.Info("starting db gateway", "listenAddr", cfg.ListenAddr, "maxConnections", cfg.MaxConnections)
	if err := gw.Start(ctx); err != nil {
		log.Error(err, "db gateway failed")
		os.Exit(1)
	}
	log.Info("db gateway stopped")
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

/*
Orchestration Worker drains the shared work queue and applies each
message to the Kubernetes cluster: deploying, starting/stopping, and
tearing down platform services, plus a crash-loop sweeper that scales
down and quarantines failing deployments.
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
	"github.com/cuemby/platformcore/internal/crashloop"
	"github.com/cuemby/platformcore/internal/kubeclient"
	"github.com/cuemby/platformcore/internal/kvstore"
	"github.com/cuemby/platformcore/internal/orchestrator"
	"github.com/cuemby/platformcore/internal/queue"
	"github.com/cuemby/platformcore/internal/utils"
	"github.com/cuemby/platformcore/internal/worker"
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

	kv, err := kvstore.New(ctx, kvstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		log.Error(err, "connecting to redis")
		os.Exit(1)
	}
	defer kv.Close()

	q := queue.New(kv.Raw(), cfg.QueueName)
	orch := orchestrator.New(handles.Client, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	startMetricsServer(ctx, log, *metricsAddr)

	sweeper := crashloop.New(log, handles.Client, kv, orch, cfg.CrashLoopInterval())
	go sweeper.Run(ctx)

	w := worker.New(q, orch, kv, log, cfg.StatusCallbackURL)
	log.Info("starting orchestration worker", "queue", cfg.QueueName)
	w.Run(ctx)
	log.Info("orchestration worker stopped")
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

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-qearn-stats/config"
	"go-qearn-stats/controller"
	"go-qearn-stats/logger"
	"go-qearn-stats/rpc"
	"go-qearn-stats/service"
	"go-qearn-stats/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.LogError(err)
		os.Exit(1)
	}
	if err := logger.InitLogger(logger.Options{Dir: cfg.Log.Dir, Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		logger.LogError(err)
		os.Exit(1)
	}
	logger.LogInfo("Server Starting...........................................................")

	client := rpc.NewClient(rpc.Options{Endpoint: cfg.RPC.Endpoint, Timeout: cfg.RPC.Timeout})
	caller := service.NewRetryingCaller(client, cfg.Retry.MaxRetries, cfg.Retry.BaseDelay)
	scheduler := service.NewScheduler(caller, service.SchedulerOptions{
		BatchSize:  cfg.Queue.BatchSize,
		BatchDelay: cfg.Queue.BatchDelay,
	})
	defer scheduler.Close()

	loadingStore := store.NewLoadingStore()
	statsStore := store.NewStatsStore()
	tickStore := store.NewTickStore()

	fetcher := service.NewEpochFetcher(scheduler, client, loadingStore, statsStore, service.FetcherOptions{
		ContractAddress: cfg.Qearn.ContractAddress,
		Contract:        service.QearnContract{Index: cfg.Qearn.ContractIndex},
		MaxEpochs:       cfg.Fetch.MaxEpochs,
		BatchSize:       cfg.Fetch.BatchSize,
		BatchDelay:      cfg.Fetch.BatchDelay,
		SettleDelay:     cfg.Fetch.SettleDelay,
	})
	defer fetcher.Close()

	watcher := service.NewEpochWatcher(client, tickStore, fetcher, loadingStore, cfg.Qearn.StartEpoch, cfg.Watcher.Schedule)
	logger.LogInfo("Starting epoch watcher from floor epoch %d", cfg.Qearn.StartEpoch)
	if err := watcher.Start(); err != nil {
		logger.LogError(err)
		os.Exit(1)
	}
	defer watcher.Stop()

	epochController := controller.NewEpochController(statsStore)
	statusController := controller.NewStatusController(loadingStore, scheduler, tickStore)

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", epochController.GetStats)
	mux.HandleFunc("/loading", statusController.GetLoading)
	mux.HandleFunc("/notifications", statusController.GetNotification)
	mux.HandleFunc("/query-stats", statusController.GetQueryStats)
	mux.HandleFunc("/tick-info", statusController.GetTickInfo)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.LogError(errors.Wrap(err, "shutdown http server"))
		}
	}()

	logger.LogInfo("Starting server at port %v", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.LogError(err)
	}
	logger.LogInfo("Server exited and released port %v", cfg.Server.Port)
}

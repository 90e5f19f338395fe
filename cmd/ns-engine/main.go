package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"NetSecMonitor/internal/api"
	"NetSecMonitor/internal/config"
	"NetSecMonitor/internal/engine/manager"
	"NetSecMonitor/internal/factory"
	"NetSecMonitor/internal/logging"
	"NetSecMonitor/internal/metrics"
	"NetSecMonitor/internal/model"
	"NetSecMonitor/internal/storage"

	_ "NetSecMonitor/internal/ingest" // Registers generator and replay sources
	_ "NetSecMonitor/internal/probe"  // Registers NATS sources

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "ns-engine",
		Short:         "Network traffic analytics and security alerting engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML configuration")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the analytics pipeline and the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(configPath)
		},
	}
	check := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadConfig(configPath); err != nil {
				return err
			}
			fmt.Println("Configuration is valid.")
			return nil
		},
	}
	root.AddCommand(run, check)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ns-engine: %v\n", err)
		os.Exit(1)
	}
}

func runEngine(configPath string) error {
	// 1. Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("Configuration loaded successfully.", zap.String("path", configPath))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 2. Create storage and sources
	sinks, err := factory.CreateSinks(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	sink := storage.NewMultiSink(sinks...)
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("Failed to close storage", zap.Error(err))
		}
	}()

	source, err := factory.CreateSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create traffic source: %w", err)
	}
	defer source.Close()

	scans, err := factory.CreateScanSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create scan source: %w", err)
	}
	var scanSource model.ScanSource
	if scans != nil {
		defer scans.Close()
		scanSource = scans
	}
	mgr := manager.NewManager(cfg, source, scanSource, sinks, m, logger.Named("engine"))

	// 3. Start the ops API
	deps := api.Deps{
		Alerts:    mgr.Alerts(),
		Baselines: mgr.Baselines(),
		Persist:   mgr.PersistBaseline,
		Gatherer:  reg,
		Ready:     mgr.Running,
		Logger:    logger.Named("api"),
	}
	if history, ok := sink.HistoryReader(); ok {
		deps.History = history
	}
	httpServer := &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("HTTP API starting", zap.String("addr", cfg.API.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP API stopped", zap.Error(err))
		}
	}()

	health := api.NewHealthServer()
	lis, err := net.Listen("tcp", cfg.API.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.API.GRPCListenAddr, err)
	}
	go func() {
		logger.Info("gRPC health server starting", zap.String("addr", cfg.API.GRPCListenAddr))
		if err := health.Serve(lis); err != nil {
			logger.Error("gRPC health server stopped", zap.Error(err))
		}
	}()

	// 4. Run until a shutdown signal arrives or the source ends
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health.SetServing(true)
	runErr := mgr.Run(ctx)
	health.SetServing(false)
	logger.Info("Pipeline stopped, shutting down servers...")

	health.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP API did not shut down cleanly", zap.Error(err))
	}

	if runErr != nil {
		return fmt.Errorf("pipeline failed: %w", runErr)
	}
	logger.Info("Shutdown complete.")
	return nil
}

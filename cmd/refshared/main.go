package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"refshare/internal/api"
	"refshare/internal/config"
	"refshare/internal/host"
	"refshare/internal/obs"
	"refshare/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "refshared",
		Short:        "Serve dirstate maps and lease-backed iterators over HTTP",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (env REFSHARE_* overrides)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the sqlite schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Path == "" {
				return errors.New("storage.path is not set")
			}
			db, err := storage.Open(cmd.Context(), storage.Config{
				Path:        cfg.Storage.Path,
				BusyTimeout: cfg.Storage.BusyTimeout,
			})
			if err != nil {
				return err
			}
			defer db.Close()
			v, err := db.Version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d at %s\n", v, cfg.Storage.Path)
			return nil
		},
	}

	root.AddCommand(serveCmd, migrateCmd)
	root.RunE = serveCmd.RunE
	return root
}

func serve(cfg *config.Config) error {
	start := time.Now()

	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := obs.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)

	policy, err := cfg.SharingPolicy()
	if err != nil {
		return err
	}

	opts := host.Options{
		Policy:   policy,
		Logger:   logger,
		Metrics:  metrics,
		MaxBatch: cfg.Iterators.MaxBatch,
	}
	if cfg.Storage.Path != "" {
		db, err := storage.Open(ctx, storage.Config{
			Path:        cfg.Storage.Path,
			BusyTimeout: cfg.Storage.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		defer db.Close()
		opts.Store = db
	}

	rt := host.New(opts)
	apiServer := api.NewServer(rt)
	reaper := host.NewReaper(rt, cfg.Iterators.IdleTTL, cfg.Iterators.SweepInterval)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx) // exits when ctx is cancelled
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info(map[string]interface{}{
			"op":     "startup",
			"addr":   cfg.Server.Addr,
			"db":     cfg.Storage.Path,
			"policy": policy.String(),
		})
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(map[string]interface{}{"op": "http_serve", "error": err.Error()})
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info(map[string]interface{}{"op": "shutdown"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(map[string]interface{}{"op": "http_shutdown", "error": err.Error()})
	}

	wg.Wait()
	logger.Info(map[string]interface{}{"op": "stopped", "uptime": time.Since(start).String()})
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mdbconductor/conductor/internal/advisorcache"
	"github.com/mdbconductor/conductor/internal/audit"
	"github.com/mdbconductor/conductor/internal/backend"
	"github.com/mdbconductor/conductor/internal/config"
	"github.com/mdbconductor/conductor/internal/httpapi"
	"github.com/mdbconductor/conductor/internal/instancedriver"
	"github.com/mdbconductor/conductor/internal/logging"
	"github.com/mdbconductor/conductor/internal/manifest"
	"github.com/mdbconductor/conductor/internal/metrics"
	"github.com/mdbconductor/conductor/internal/observability"
	"github.com/mdbconductor/conductor/internal/sqlconn"
)

func daemonCmd() *cobra.Command {
	var (
		logLevel string
		httpAddr string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the conductor daemon",
		Long:  "Run the conductor: discover pool minions, tick the autoscaling loop, and serve the HTTP dispatch surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("http-addr") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if cfg.Observability.Tracing.ServiceName == "" {
				cfg.Observability.Tracing.ServiceName = "conductor"
			}
			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			pools, err := manifest.Load(cfg.PoolManifestPath)
			if err != nil {
				return fmt.Errorf("load pool manifest: %w", err)
			}
			if err := pools.Validate(); err != nil {
				return fmt.Errorf("validate pool manifest: %w", err)
			}

			driver, err := instancedriver.NewEC2Driver(ctx, instancedriver.EC2Config{
				Region:    cfg.EC2.Region,
				AccessKey: cfg.EC2.AccessKey,
				SecretKey: cfg.EC2.SecretKey,
			})
			if err != nil {
				return fmt.Errorf("init ec2 driver: %w", err)
			}

			connector, err := sqlconn.ParseURL(cfg.SqlURL)
			if err != nil {
				return fmt.Errorf("parse sql url: %w", err)
			}

			backendOpts, auditLog := buildBackendOptions(ctx, cfg)
			if auditLog != nil {
				defer auditLog.Close()
			}

			b, err := backend.New(ctx, poolConfigs(pools), connector, driver, cfg.SqlPort, backendOpts...)
			if err != nil {
				return fmt.Errorf("build backend: %w", err)
			}
			go b.Run(ctx)

			srv := httpapi.New(b, cfg.StaticDir)
			httpServer := &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: srv.Handler()}
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("http server exited", "error", err)
				}
			}()
			logging.Op().Info("conductor started", "addr", cfg.Daemon.HTTPAddr, "pools", len(pools.Pools))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logging.Op().Warn("http server shutdown error", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides config)")

	return cmd
}

// buildBackendOptions wires the optional audit log and advisor cache into
// a backend.Option slice. A collaborator that fails to construct is
// logged and skipped rather than failing startup: both degrade gracefully
// at the backend level (see audit.Log.Record / advisorcache.Cache.Get).
func buildBackendOptions(ctx context.Context, cfg *config.Config) ([]backend.Option, *audit.Log) {
	var opts []backend.Option

	var auditLog *audit.Log
	if cfg.Audit.DSN != "" {
		log, err := audit.NewLog(ctx, cfg.Audit.DSN)
		if err != nil {
			logging.Op().Warn("audit log unavailable, dispatch will not be recorded", "error", err)
		} else {
			auditLog = log
			opts = append(opts, backend.WithAuditLog(log))
		}
	}

	if cfg.AdvisorCache.Addr != "" {
		cache := advisorcache.New(cfg.AdvisorCache.Addr, cfg.AdvisorCache.TTL)
		opts = append(opts, backend.WithAdvisorCache(cache))
	}

	return opts, auditLog
}

// poolConfigs converts the parsed pool manifest into the backend's
// construction-time pool list.
func poolConfigs(m *manifest.Manifest) []backend.PoolConfig {
	out := make([]backend.PoolConfig, 0, len(m.Pools))
	for _, p := range m.Pools {
		out = append(out, backend.PoolConfig{Name: p.Name, Tags: p.Tags, MemoryMiB: p.MemoryMiB})
	}
	return out
}

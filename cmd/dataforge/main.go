package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mmrzaf/dataforge/internal/app"
	"github.com/mmrzaf/dataforge/internal/config"
	"github.com/mmrzaf/dataforge/internal/connectors/script"
	"github.com/mmrzaf/dataforge/internal/infra/repos/datasources"
	"github.com/mmrzaf/dataforge/internal/infra/repos/versions"
	"github.com/mmrzaf/dataforge/internal/logging"
	"github.com/mmrzaf/dataforge/internal/metrics"
	"github.com/mmrzaf/dataforge/internal/registry"
	"github.com/mmrzaf/dataforge/internal/timeutil"
	"github.com/mmrzaf/dataforge/internal/versioning"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	sourcesDir    string
	dbDSN         string
	logLevel      string
	redisURL      string
	scriptTimeout string
	batchSize     int
)

func main() {
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:           "dataforge",
		Short:         "Connector-based ingestion with versioned snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&sourcesDir, "sources-dir", cfg.SourcesDir, "Data source config directory")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "db", cfg.DBDSN, "Version store (sqlite path or postgres DSN)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", cfg.LogLevel, "Log level")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", cfg.RedisURL, "Redis URL for cross-process version locks")
	rootCmd.PersistentFlags().StringVar(&scriptTimeout, "script-timeout", cfg.ScriptTimeout, "Default script source timeout")
	rootCmd.PersistentFlags().IntVar(&batchSize, "batch-size", cfg.DefaultBatchSize, "Batch size for sources that do not set one")

	rootCmd.AddCommand(sourceCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(serveMetricsCmd(cfg))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// runtime holds everything a command needs; close releases it.
type runtime struct {
	logger   *logging.Logger
	sources  *datasources.FileRepository
	store    *versions.Repository
	manager  *versioning.Manager
	ingest   *app.IngestService
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	redis    *redis.Client
}

func openRuntime(ctx context.Context) (*runtime, error) {
	logger := logging.NewLoggerWithWriter(logLevel, os.Stderr)

	timeout, err := timeutil.ParseBoundedDuration(scriptTimeout, script.MinTimeout, script.MaxTimeout)
	if err != nil {
		return nil, fmt.Errorf("script timeout: %w", err)
	}

	store, err := versions.Open(ctx, dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open version store: %w", err)
	}

	rt := &runtime{
		logger:   logger,
		sources:  datasources.NewFileRepository(sourcesDir),
		store:    store,
		registry: prometheus.NewRegistry(),
	}
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = metrics.New(rt.registry)

	var locker versioning.Locker = versioning.NewKeyedMutex()
	switch {
	case redisURL != "":
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis url: %w", err)
		}
		rt.redis = redis.NewClient(opts)
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			rt.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		locker = versioning.NewRedisLocker(rt.redis, 0)
	case store.Driver() == versions.DriverPostgres:
		locker = versioning.NewAdvisoryLocker(store.DB())
	}

	rt.manager = versioning.NewManager(store,
		versioning.WithLocker(locker),
		versioning.WithLogger(logger),
		versioning.WithObserver(rt.metrics),
	)
	reg := registry.DefaultConnectorRegistry(logger, registry.WithScriptTimeout(timeout))
	rt.ingest = app.NewIngestService(reg, rt.manager, store, rt.metrics, logger)
	return rt, nil
}

func (rt *runtime) close() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	_ = rt.store.Close()
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

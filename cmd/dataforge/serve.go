package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/mmrzaf/dataforge/internal/app"
	"github.com/mmrzaf/dataforge/internal/config"
	"github.com/mmrzaf/dataforge/internal/logging"
	"github.com/spf13/cobra"
)

func serveMetricsCmd(cfg *config.Config) *cobra.Command {
	var (
		addr     string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve-metrics [source-id...]",
		Short: "Expose Prometheus metrics, optionally ingesting sources on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				logger := rt.logger.WithComponent("serve")

				mux := http.NewServeMux()
				mux.Handle("GET /metrics", rt.metrics.Handler())
				mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
					if err := rt.store.DB().PingContext(r.Context()); err != nil {
						http.Error(w, err.Error(), http.StatusServiceUnavailable)
						return
					}
					w.Write([]byte("ok\n"))
				})
				srv := &http.Server{
					Addr:              addr,
					Handler:           loggingMiddleware(logger.WithComponent("http"), mux),
					ReadHeaderTimeout: 10 * time.Second,
				}

				var wg sync.WaitGroup
				if len(args) > 0 && interval > 0 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						ingestLoop(ctx, rt, args, interval, logger)
					}()
				}

				errCh := make(chan error, 1)
				go func() {
					logger.Infow("startup.listening", map[string]any{"bind": addr, "sources": args, "interval": interval.String()})
					errCh <- srv.ListenAndServe()
				}()

				select {
				case err := <-errCh:
					if !errors.Is(err, http.ErrServerClosed) {
						logger.Errorw("startup.failed", map[string]any{"error": err.Error(), "stage": "listen"})
						return err
					}
				case <-ctx.Done():
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				err := srv.Shutdown(shutdownCtx)
				wg.Wait()
				return err
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", cfg.MetricsAddr, "Listen address")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Ingest the given sources at this interval (0 disables)")
	return cmd
}

func ingestLoop(ctx context.Context, rt *runtime, ids []string, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, id := range ids {
			src, err := rt.sources.Get(id)
			if err != nil {
				logger.Errorw("ingest.load_failed", map[string]any{"data_source_id": id, "error": err.Error()})
				continue
			}
			res, err := rt.ingest.Ingest(ctx, app.ResolveDataSource(src, app.Overrides{BatchSize: batchSize}), app.IngestOptions{})
			if err != nil {
				logger.Errorw("ingest.rejected", map[string]any{"data_source_id": id, "error": err.Error()})
				continue
			}
			if !res.Result.Success {
				logger.Warnw("ingest.unsuccessful", map[string]any{"data_source_id": id, "execution_id": res.ExecutionID, "code": res.Result.Error.Code})
			}
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		fields := map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.status,
			"duration_ms": time.Since(started).Milliseconds(),
			"remote":      r.RemoteAddr,
		}
		if sw.status >= 500 {
			logger.Errorw("request.completed", fields)
			return
		}
		if sw.status >= 400 {
			logger.Warnw("request.completed", fields)
			return
		}
		logger.Debugw("request.completed", fields)
	})
}

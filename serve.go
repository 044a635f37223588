package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reelflow/internal/auth"
	"reelflow/internal/logging"
	"reelflow/internal/upload"
)

func newServeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and transform workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), e)
		},
	}
}

func newRouter(e *env, a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(logging.RequestLogger(e.logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Range", "X-API-Key", auth.OwnerHeader, "X-Request-ID"},
		ExposedHeaders: []string{"Content-Range", "Accept-Ranges", "Content-Length"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	handler := upload.NewHandler(a.service, e.cfg.MaxUploadBytes, e.logger)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(&auth.Config{APIKey: e.cfg.APIKey, JWTSecret: e.cfg.JWTSecret}))
		handler.Routes(r)
	})
	return r
}

func serve(ctx context.Context, e *env) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, e.cfg, e.logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if e.cfg.APIKey == "" && e.cfg.JWTSecret == "" {
		e.logger.Warn("no API_KEY or JWT_SECRET set, requests are not authenticated")
	}

	srv := &http.Server{
		Addr:              ":" + e.cfg.Port,
		Handler:           newRouter(e, a),
		ReadHeaderTimeout: 15 * time.Second,
		// Uploads are held open for the whole transform.
		WriteTimeout: e.cfg.TaskTimeout + time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("server listening", zap.String("port", e.cfg.Port), zap.String("env", e.cfg.AppEnv))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	e.logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	e.logger.Info("server stopped")
	return nil
}

// Command presigner runs next to the object store and issues presigned PUT
// URLs to the api over an HMAC-authenticated channel. It is the only process
// that needs the store's write credentials for deferred uploads.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/radif/media/internal/config"
	"github.com/radif/media/internal/logger"
	"github.com/radif/media/internal/metrics"
	appMiddleware "github.com/radif/media/internal/middleware"
	"github.com/radif/media/internal/presign"
	"github.com/radif/media/internal/signing"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.IsProduction()).With().Str("service", "presigner").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("presigner stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if cfg.Signing.Secret == "" {
		return errors.New("UPLOAD_SIGNING_SECRET is required")
	}

	grantor, err := presign.NewS3Grantor(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	m := metrics.MustNew(prometheus.NewRegistry())
	h := presign.NewHandler(signing.NewVerifier([]byte(cfg.Signing.Secret)), grantor, m, log)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(appMiddleware.Logger(log, m))
	r.Use(chiMiddleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", m.Handler())
	h.Routes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Signing.PresignerPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("presigner listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

//	@title			Media API
//	@version		1.0
//	@description	Media storage and delivery for the CMS: uploads, presigned uploads and range-serving playback.
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT Bearer token. Format: **Bearer {token}**

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
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"golang.org/x/sync/errgroup"

	"github.com/radif/media/internal/config"
	"github.com/radif/media/internal/db"
	"github.com/radif/media/internal/logger"
	"github.com/radif/media/internal/metrics"
	appMiddleware "github.com/radif/media/internal/middleware"
	"github.com/radif/media/internal/record"
	"github.com/radif/media/internal/storage"
	"github.com/radif/media/internal/stream"
	"github.com/radif/media/internal/upload"

	_ "github.com/radif/media/docs/swagger"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.IsProduction())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("api stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	pool, err := db.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL, log); err != nil {
		return err
	}

	sel, err := storage.NewSelector(cfg.Storage, log)
	if err != nil {
		return err
	}
	if err := prepareStorage(ctx, cfg, sel, log); err != nil {
		return err
	}

	if cfg.Signing.Secret == "" {
		log.Warn().Msg("UPLOAD_SIGNING_SECRET is not set; presigned uploads will fail")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNew(reg)

	// Wire dependencies: repository → service → handler
	records := record.NewRepository(pool)
	presigner := upload.NewPresignClient(cfg.Signing.PresignServiceURL, []byte(cfg.Signing.Secret))
	uploadSvc := upload.NewService(sel, records, presigner, m, log)
	uploadHandler := upload.NewHandler(uploadSvc, log)
	mediaHandler := stream.NewHandler(sel, cfg.Media.ChunkSize, m, log)
	sweeper := record.NewSweeper(sel, records, cfg.Sweep, m, log)

	// Router
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(appMiddleware.Logger(log, m))
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Range", "X-Request-ID"},
		ExposedHeaders: []string{"Accept-Ranges", "Content-Length", "Content-Range"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", m.Handler())

	// Swagger UI, available at http://localhost:8080/swagger/
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Route("/media", mediaHandler.Routes)

	r.Route("/upload", func(r chi.Router) {
		r.Use(appMiddleware.RequireRole(cfg.JWTSecret, cfg.PrivilegedRoles...))
		uploadHandler.Routes(r)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.AppEnv).Msg("server listening")
		log.Info().Msgf("swagger UI at http://localhost:%s/swagger/", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// prepareStorage creates the primary bucket when needed and warns once when
// only the development filesystem backend is available.
func prepareStorage(ctx context.Context, cfg *config.Config, sel *storage.Selector, log zerolog.Logger) error {
	primary, err := sel.Primary()
	if err != nil {
		return err
	}
	switch {
	case primary != nil:
		created, err := primary.EnsureBucket(ctx)
		if err != nil {
			return err
		}
		if created {
			log.Info().Str("bucket", cfg.Storage.Bucket).Msg("created storage bucket")
		}
	case cfg.Storage.BlobConfigured():
		log.Info().Str("bucket", cfg.Storage.BlobBucket).Msg("primary store not configured; using blob store")
	default:
		log.Warn().Str("dir", cfg.Storage.LocalDir).Msg("using local filesystem storage; not safe for production")
	}
	return nil
}

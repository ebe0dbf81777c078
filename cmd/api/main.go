package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/markbates/goth"
	"github.com/markbates/goth/gothic"
	"github.com/markbates/goth/providers/google"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/auth"
	"github.com/petermazzocco/carspotter/internal/blobstore"
	"github.com/petermazzocco/carspotter/internal/clients"
	"github.com/petermazzocco/carspotter/internal/config"
	"github.com/petermazzocco/carspotter/internal/handlers"
	"github.com/petermazzocco/carspotter/internal/imaging"
	"github.com/petermazzocco/carspotter/internal/imaging/vips"
	"github.com/petermazzocco/carspotter/internal/ingest"
	"github.com/petermazzocco/carspotter/internal/likes"
	"github.com/petermazzocco/carspotter/internal/logging"
	"github.com/petermazzocco/carspotter/internal/mailer"
	"github.com/petermazzocco/carspotter/internal/metacache"
	"github.com/petermazzocco/carspotter/internal/metrics"
	"github.com/petermazzocco/carspotter/internal/posts"
	"github.com/petermazzocco/carspotter/internal/recordstore"
	"github.com/petermazzocco/carspotter/internal/users"
	"github.com/petermazzocco/carspotter/internal/vision"
)

func main() {
	// A missing .env is fine outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal("Error loading .env file: ", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := clients.NewPool(cfg, logger)
	defer pool.Close()
	m := metrics.NewCollector("carspotter")

	records, err := recordStore(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	store := recordstore.NewInstrumented(records, m)

	blobs, err := blobStore(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}

	normOpts := imaging.Options{
		MaxBytes:     cfg.MaxUploadBytes,
		MaxDimension: cfg.MaxImageDimension,
		MaxPixels:    cfg.MaxImagePixels,
		Quality:      cfg.JPEGQuality,
	}
	if cfg.EnableHEIFFallback {
		if vips.Supported() {
			normOpts.Fallback = vips.HEIFDecoder{}
		} else {
			logger.Warn("libvips lacks HEIF support, HEIC uploads will be rejected")
		}
	}
	normalizer := imaging.NewNormalizer(normOpts)

	pipeline := ingest.NewPipeline(normalizer, blobs, ingest.Options{
		HTTPClient:    pool.HTTPClient(),
		FetchTimeout:  cfg.FetchTimeout,
		MaxFetchBytes: cfg.MaxUploadBytes,
		Metrics:       m,
		Logger:        logger,
	})

	cacheOpts := metacache.Options{
		UsernameTTL:  cfg.UsernameCacheTTL,
		UsernameSize: cfg.UsernameCacheSize,
		PhotoTTL:     cfg.PhotoCacheTTL,
		PhotoSize:    cfg.PhotoCacheSize,
		Metrics:      m,
		Logger:       logger,
	}
	rdb, err := pool.Redis(ctx)
	if err != nil {
		return err
	}
	if rdb != nil {
		cacheOpts.Shared = metacache.NewRedisTier(rdb)
		logger.Info("metadata cache shared through redis", zap.String("addr", cfg.RedisAddr))
	}
	cache := metacache.New(store, cacheOpts)

	// The classifier is bounded by WithTimeout, not by the client.
	visionHTTP := &http.Client{Transport: pool.HTTPClient().Transport}
	classifier := vision.WithTimeout(vision.NewClient(vision.Options{
		Endpoint:   cfg.VisionEndpoint,
		APIKey:     cfg.VisionAPIKey,
		Model:      cfg.VisionModel,
		HTTPClient: visionHTTP,
		Metrics:    m,
		Logger:     logger,
	}), cfg.VisionTimeout)

	var sender mailer.Sender = mailer.Nop{Logger: logger}
	if cfg.MailgunDomain != "" && cfg.MailgunAPIKey != "" && cfg.ContactRecipient != "" {
		sender = mailer.NewMailgun(cfg.MailgunDomain, cfg.MailgunAPIKey, cfg.MailgunSender, cfg.ContactRecipient, logger)
	}

	// OAUTH
	goth.UseProviders(google.New(cfg.GoogleKey, cfg.GoogleSecret, cfg.OAuthCallbackURL, "email", "profile"))
	gothic.Store = auth.NewCookieStore(cfg.SessionSecret, cfg.SessionMaxAge, cfg.IsProduction())

	deps := handlers.Deps{
		Posts:              posts.NewService(store, pipeline, blobs, cache, m, logger),
		Likes:              likes.NewCoordinator(store, likes.WithMaxAttempts(cfg.LikeMaxAttempts), likes.WithMetrics(m), likes.WithLogger(logger)),
		Users:              users.NewService(store, pipeline, blobs, cache, logger),
		Predictor:          vision.NewPredictor(normalizer, classifier),
		Pipeline:           pipeline,
		Mailer:             sender,
		Metrics:            m,
		Logger:             logger,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		CORSOrigins:        cfg.CORSOrigins(),
		LoginRedirectURL:   cfg.LoginRedirectURL,
	}
	if mem, ok := blobs.(*blobstore.MemoryStore); ok {
		deps.MemoryBlobs = mem
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting API server",
			zap.String("addr", srv.Addr),
			zap.String("records", cfg.RecordBackend),
			zap.String("blobs", cfg.BlobBackend),
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func recordStore(ctx context.Context, cfg *config.Config, pool *clients.Pool, logger *zap.Logger) (recordstore.Store, error) {
	switch cfg.RecordBackend {
	case "dynamodb":
		client, err := pool.DynamoDB(ctx)
		if err != nil {
			return nil, err
		}
		return recordstore.NewDynamoStore(client, cfg.PostsTable, cfg.UsersTable, logger), nil
	case "sql":
		db, err := pool.SQL(ctx)
		if err != nil {
			return nil, err
		}
		s := recordstore.NewSQLStore(db, logger)
		if cfg.IsDevelopment() {
			if err := s.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return s, nil
	case "memory":
		logger.Warn("using the in-memory record store, data is lost on exit")
		return recordstore.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown record backend %q", cfg.RecordBackend)
}

func blobStore(ctx context.Context, cfg *config.Config, pool *clients.Pool, logger *zap.Logger) (blobstore.Store, error) {
	switch cfg.BlobBackend {
	case "s3":
		client, err := pool.S3(ctx)
		if err != nil {
			return nil, err
		}
		return blobstore.NewS3Store(client, cfg.BucketName, cfg.PublicURL, cfg.PublicReadACL, logger), nil
	case "gcs":
		client, err := pool.GCS(ctx)
		if err != nil {
			return nil, err
		}
		return blobstore.NewGCSStore(client, cfg.GCSBucket, logger), nil
	case "memory":
		base := cfg.PublicURL
		if base == "" {
			base = fmt.Sprintf("http://localhost:%s/blobs", cfg.Port)
		}
		return blobstore.NewMemoryStore(base), nil
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
}

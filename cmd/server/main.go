package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apex/log"
	jsonhandler "github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"

	"github.com/Brownie44l1/traffic-sign-api/internal/archive"
	"github.com/Brownie44l1/traffic-sign-api/internal/cache"
	"github.com/Brownie44l1/traffic-sign-api/internal/config"
	"github.com/Brownie44l1/traffic-sign-api/internal/handlers"
	"github.com/Brownie44l1/traffic-sign-api/internal/imaging"
	"github.com/Brownie44l1/traffic-sign-api/internal/model"
	"github.com/Brownie44l1/traffic-sign-api/internal/server"
	"github.com/Brownie44l1/traffic-sign-api/internal/telemetry"
	"github.com/Brownie44l1/traffic-sign-api/internal/uploads"
	"github.com/Brownie44l1/traffic-sign-api/web"
)

func main() {
	configPath := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		configPath = v
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	setupLogging(cfg)

	// Get the project root directory
	root, err := os.Getwd()
	if err != nil {
		log.WithError(err).Fatal("failed to get working directory")
	}
	// If running from cmd/server, go up two levels
	if filepath.Base(root) == "server" {
		root = filepath.Join(root, "../..")
	}
	cfg.Resolve(root)

	log.WithField("path", cfg.Model.Path).Info("loading model")

	modelServer, err := model.NewServer(cfg.Model.Path, cfg.Model.MetadataPath, cfg.Model.SharedLibraryPath)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize model server")
	}
	defer modelServer.Close()

	store, err := uploads.NewStore(cfg.Uploads.Dir, cfg.Uploads.MaxBytes)
	if err != nil {
		log.WithError(err).Fatal("failed to prepare upload dir")
	}

	metrics := telemetry.New()
	opts := handlers.Options{
		Metadata:     modelServer.Metadata,
		Preprocessor: imaging.NewPreprocessor(modelServer.Metadata.ImageSize, cfg.Model.AutoOrient),
		Uploads:      store,
		Cache:        cache.New(cfg.Cache.TTL, cfg.Cache.Cleanup),
		Metrics:      metrics,
	}

	if cfg.Archive.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		archiver, err := archive.New(ctx,
			cfg.Archive.Endpoint,
			cfg.Archive.Region,
			cfg.Archive.BucketName,
			cfg.Archive.AccessKey,
			cfg.Archive.SecretKey,
			cfg.Archive.Prefix,
			cfg.Archive.UseSSL,
		)
		cancel()
		if err != nil {
			log.WithError(err).Fatal("failed to initialize archive")
		}
		opts.Archiver = archiver
	}

	pages, err := handlers.NewPages(web.Templates, cfg.Web.StaticDir)
	if err != nil {
		log.WithError(err).Fatal("failed to load pages")
	}

	handler := handlers.NewHandler(modelServer, opts)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.NewRouter(handler, pages, metrics, cfg.Server.CORSOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	log.WithFields(log.Fields{
		"addr":      srv.Addr,
		"model":     modelServer.Metadata.Name,
		"classes":   len(modelServer.Metadata.Classes),
		"threshold": modelServer.Metadata.ConfidenceThreshold,
		"archive":   cfg.Archive.Enabled,
	}).Info("server starting")
	log.Info("  POST /predict - classify multipart field \"image\"")
	log.Info("  GET  /health  - health check")
	log.Info("  GET  /metrics - counters and inference timings")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
}

func setupLogging(cfg *config.Config) {
	switch cfg.Log.Format {
	case "json":
		log.SetHandler(jsonhandler.New(os.Stderr))
	default:
		log.SetHandler(text.New(os.Stderr))
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.WithError(err).Warn("unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

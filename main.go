package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/common/version"
	"github.com/sepich/nix-cache-proxy/pkg/config"
	"github.com/sepich/nix-cache-proxy/pkg/logging"
	"github.com/sepich/nix-cache-proxy/pkg/metrics"
	"github.com/sepich/nix-cache-proxy/pkg/mux"
	"github.com/sepich/nix-cache-proxy/pkg/service"
	"github.com/sepich/nix-cache-proxy/pkg/storage"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	program = "nix-cache-proxy"
	// metric names can't contain dashes
	metricsProgram = "nix_cache_proxy"
)

var _ mux.Service = &service.CacheService{}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(program, args, os.Getenv)
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Println(version.Print(program))
		return nil
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	logger.Info("Starting "+program, zap.String("version", version.Version), zap.String("revision", version.Revision))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry(metricsProgram)
	m := metrics.New(reg)

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	router := mux.NewRouter(&service.CacheService{
		Store:           storage.Instrument(store, m.StorageOps),
		Logger:          logger,
		Identity:        fmt.Sprintf("Hello from %s %s", program, version.Version),
		ChunkSize:       cfg.ChunkSize,
		MaxMetadataSize: cfg.MaxMetadataSize,
	}, logger, m)

	servers := []*http.Server{newServer(cfg.Listen, router)}
	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler(reg))
		servers = append(servers, newServer(cfg.MetricsListen, metricsMux))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("Listening over HTTP", zap.String("address", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("could not listen on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newServer(addr string, handler http.Handler) *http.Server {
	// No write timeout: NAR downloads may legitimately take a long time.
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendFile:
		if stat, err := os.Stat(cfg.CacheDirectory); err != nil {
			return nil, fmt.Errorf("cache directory: %w", err)
		} else if !stat.IsDir() {
			return nil, fmt.Errorf("cache directory %s is not a directory", cfg.CacheDirectory)
		}
		logger.Info("Serving cache from directory", zap.String("path", cfg.CacheDirectory))
		return &storage.FileStore{CacheDirectory: cfg.CacheDirectory}, nil

	default:
		store, err := storage.NewS3Store(ctx, storage.S3Options{
			Bucket:       cfg.Bucket,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,

			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		// check access on startup
		if err := store.Check(ctx); err != nil {
			return nil, err
		}
		logger.Info("Serving cache from S3", zap.String("bucket", cfg.Bucket), zap.String("region", store.Region()))
		return store, nil
	}
}

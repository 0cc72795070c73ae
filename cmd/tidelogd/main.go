// Command tidelogd serves durable append-only streams over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tidelog/tidelog/cursor"
	"github.com/tidelog/tidelog/dispatch"
	"github.com/tidelog/tidelog/engine"
	"github.com/tidelog/tidelog/httpserver"
	"github.com/tidelog/tidelog/internal/config"
	"github.com/tidelog/tidelog/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		listen     = flag.String("listen", "", "listen address (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	tail := dispatch.New(dispatch.Config{
		MaxWaiters: cfg.Live.MaxWaiters,
		Logger:     logger,
	})

	st, err := buildStore(cfg, tail, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	cursors, err := cursor.NewPolicy(cfg.Cursor.SecretBytes(), cfg.Cursor.TTL.Std())
	if err != nil {
		return err
	}

	eng := engine.New(st, cursors, nil, engine.Config{
		MaxReadBytes:       cfg.Limits.MaxReadBytes,
		MaxRecordSize:      cfg.Limits.MaxRecordSize,
		LongPollTimeout:    cfg.Live.LongPollTimeout.Std(),
		LongPollTimeoutMax: cfg.Live.LongPollMax.Std(),
		SSEKeepAlive:       cfg.Live.SSEKeepAlive.Std(),
		SSEMaxSession:      cfg.Live.SSEMaxSession.Std(),
		RetryAfter:         cfg.Live.RetryAfter.Std(),
		Sessions:           tail,
	}, logger)

	adapter := httpserver.New(eng, httpserver.Config{
		RateLimit:   cfg.HTTP.RateLimit,
		RateBurst:   cfg.HTTP.RateBurst,
		DisableGzip: cfg.HTTP.DisableGzip,
		Logger:      logger,
	})

	srv := httpserver.Server(cfg.Listen, adapter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.Listen),
			zap.String("backend", cfg.Store.Backend))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func buildStore(cfg *config.Config, tail store.Tail, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "file":
		return store.NewFileStore(store.FileStoreConfig{
			Root:           cfg.Store.Root,
			MaxFileHandles: cfg.Store.MaxFileHandles,
			MaxRecordSize:  cfg.Limits.MaxRecordSize,
			Tail:           tail,
			Logger:         logger,
		})
	default:
		return store.NewMemoryStore(store.MemoryStoreConfig{
			MaxRecordSize: cfg.Limits.MaxRecordSize,
			Tail:          tail,
			Logger:        logger,
		}), nil
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

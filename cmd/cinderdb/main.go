package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/myuser/cinderdb/internal/config"
	"github.com/myuser/cinderdb/internal/storage"
	"github.com/myuser/cinderdb/internal/storage/bitcask"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var (
		configPath string
		flags      config.Config
	)
	cmd := &cobra.Command{
		Use:          "cinderdb",
		Short:        "Run a cinderdb node serving SQL over HTTP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("data-dir") {
				cfg.DataDir = flags.DataDir
			}
			if f.Changed("engine") {
				cfg.Engine = flags.Engine
			}
			if f.Changed("listen") {
				cfg.Listen = flags.Listen
			}
			if f.Changed("log-level") {
				cfg.LogLevel = flags.LogLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "TOML config file")
	f.StringVar(&flags.DataDir, "data-dir", "", "directory of the bitcask log")
	f.StringVar(&flags.Engine, "engine", "", "storage engine: bitcask or memory")
	f.StringVar(&flags.Listen, "listen", "", "HTTP listen address")
	f.StringVar(&flags.LogLevel, "log-level", "", "log level")
	return cmd
}

func run(cfg *config.Config) error {
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("open storage", zap.Error(err))
		return err
	}

	srv, err := newServer(store, logger, cfg.SessionIdleTimeout())
	if err != nil {
		logger.Error("recover transactions", zap.Error(err))
		store.Close()
		return err
	}
	httpServer := &http.Server{Addr: cfg.Listen, Handler: srv.routes()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go srv.reapLoop(ctx)

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen), zap.Stringer("config", cfg))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", zap.Error(serr))
	}
	srv.close()
	if cerr := store.Close(); cerr != nil {
		logger.Error("close storage", zap.Error(cerr))
		if err == nil {
			err = cerr
		}
	}
	return err
}

// openStore opens the configured engine, compacting a bitcask log whose
// garbage passed the configured thresholds.
func openStore(cfg *config.Config, logger *zap.Logger) (storage.Engine, error) {
	if cfg.Engine == config.EngineMemory {
		logger.Warn("using in-memory storage, data is lost on exit")
		return storage.NewMemory(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", cfg.DataDir)
	}
	store, err := bitcask.Open(cfg.LogPath(), bitcask.WithLogger(logger.Named("bitcask")))
	if err != nil {
		return nil, err
	}
	if cfg.CompactGarbageRatio < 0 {
		return store, nil
	}
	status, err := store.Status()
	if err != nil {
		store.Close()
		return nil, err
	}
	if status.ShouldCompact(cfg.CompactGarbageRatio, cfg.CompactMinBytes) {
		logger.Info("compacting log on open",
			zap.Int64("garbage_bytes", status.GarbageDiskSize),
			zap.Float64("garbage_ratio", status.GarbageRatio()))
		if err := store.Compact(); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

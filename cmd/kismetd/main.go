// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/raimundojimenez/kismet/pkg/config"
	"github.com/raimundojimenez/kismet/pkg/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		configDir   string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("kismetd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	var cfg *config.Config
	var err error
	if configDir != "" {
		cfg, err = config.LoadDir(configDir)
	} else {
		cfg, err = loadConfig(configPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting kismet capture server",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	server.Version = version
	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	var watcher *config.Watcher
	if configDir != "" {
		watcher = config.NewWatcher(configDir, func(newCfg *config.Config, changedFile string) {
			if err := srv.Reload(newCfg); err != nil {
				logger.Error("failed to apply reloaded config",
					zap.String("file", changedFile),
					zap.Error(err),
				)
			}
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Fatal("failed to start config watcher", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}
			cancel()

			shutdownDone := make(chan struct{})
			go func() {
				if err := srv.Stop(); err != nil {
					logger.Error("error during shutdown", zap.Error(err))
				}
				close(shutdownDone)
			}()

			select {
			case <-shutdownDone:
				logger.Info("kismet capture server stopped")
			case <-time.After(30 * time.Second):
				logger.Error("shutdown timed out after 30s, forcing exit")
				os.Exit(1)
			}
			return

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			var newCfg *config.Config
			var err error
			if configDir != "" {
				newCfg, err = config.LoadDir(configDir)
			} else {
				newCfg, err = loadConfig(configPath)
			}
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := srv.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			} else {
				logger.Info("configuration reloaded successfully")
			}
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaults := []string{
		"configs/kismet.yaml",
		"/etc/kismet/kismet.yaml",
		"/etc/kismet.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	return config.DefaultConfig(), nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch cfg.LogLevel {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			zapLevel,
		),
	}

	if cfg.LogFile.Enabled {
		fileEnc := zap.NewProductionEncoderConfig()
		fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileEnc),
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.LogFile.Path,
				MaxSize:    cfg.LogFile.MaxSizeMB,
				MaxBackups: cfg.LogFile.MaxBackups,
				MaxAge:     cfg.LogFile.MaxAgeDays,
				Compress:   cfg.LogFile.Compress,
			}),
			zapLevel,
		))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

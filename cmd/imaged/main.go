package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/Skryldev/imaged"
	"github.com/Skryldev/imaged/adapters/gocodec"
	"github.com/Skryldev/imaged/adapters/storage"
	"github.com/Skryldev/imaged/adapters/vips"
	"github.com/Skryldev/imaged/config"
	"github.com/Skryldev/imaged/core"
	"github.com/Skryldev/imaged/hooks"
	"github.com/Skryldev/imaged/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("IMAGED_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "imaged:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// ── 1. Config ─────────────────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// ── 2. Observability ──────────────────────────────────────────────────────
	logrusLogger, err := hooks.NewLogrus(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	logger := hooks.NewLogrusLogger(logrusLogger)
	metrics := hooks.NewPrometheusMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	// ── 3. Codec ──────────────────────────────────────────────────────────────
	var codec core.Codec
	switch cfg.Processing.Backend {
	case config.CodecVips:
		vc := vips.New(vips.Config{
			MaxCacheSize: cfg.Processing.Vips.MaxCacheSize,
			Concurrency:  cfg.Processing.Concurrency,
			ReportLeaks:  cfg.Processing.Vips.ReportLeaks,
			Logger:       logger.With("component", "vips"),
		})
		defer vc.Shutdown()
		codec = vc
	default:
		codec = gocodec.New()
	}

	// ── 4. Storage ────────────────────────────────────────────────────────────
	var store core.StorageAdapter
	switch cfg.Storage.Backend {
	case config.StorageS3:
		s3, err := storage.NewS3(ctx, cfg.Storage.S3, logger.With("component", "s3"))
		if err != nil {
			return err
		}
		store = s3
	default:
		local, err := storage.NewLocal(cfg.Storage.Local)
		if err != nil {
			return err
		}
		store = local
	}

	// ── 5. Service + HTTP ─────────────────────────────────────────────────────
	svc, err := imaged.New(cfg, codec, store,
		imaged.WithLogger(logger),
		imaged.WithMetrics(metrics),
		imaged.WithHooks(hooks.NewLoggingHook(logger), hooks.NewMetricsHook(metrics)),
	)
	if err != nil {
		return err
	}

	logrusLogger.WithFields(logrus.Fields{
		"version": imaged.Version,
		"codec":   codec.Name(),
		"storage": cfg.Storage.Backend,
		"fetch":   cfg.Fetch.Enabled,
	}).Info("starting imaged")

	srv := server.New(server.Options{
		Config:  cfg,
		Service: svc,
		Logger:  logrusLogger,
		Metrics: metrics.Handler(),
	})
	return srv.Run(ctx)
}

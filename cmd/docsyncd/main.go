// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

// Command docsyncd starts the collaborative document sync server.
//
// The server keeps one resident session per document, persists every
// update to a BadgerDB-backed log before acknowledging it, and fans
// edits out to websocket subscribers using a state-vector sync
// protocol.
//
// Usage:
//
//	go run ./cmd/docsyncd
//	go run ./cmd/docsyncd -port 8600 -data-dir ./data/docsync
//	go run ./cmd/docsyncd -config docsync.yaml -log-level debug
//
// With tracing exported to stdout:
//
//	go run ./cmd/docsyncd -trace
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8600/healthz
//
//	# Read a document
//	curl http://localhost:8600/v1/docs/notes-1/content | jq
//
//	# Server-side edit
//	curl -X POST http://localhost:8600/v1/docs/notes-1/edits \
//	  -H "Content-Type: application/json" \
//	  -d '{"op": "insert", "index": 0, "text": "hello"}'
//
//	# Live sync
//	websocat ws://localhost:8600/ws/doc/notes-1
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/cloudillo/cloudillo-sub009/pkg/logging"
	"github.com/cloudillo/cloudillo-sub009/services/docsync/config"
	"github.com/cloudillo/cloudillo-sub009/services/docsync/session"
	"github.com/cloudillo/cloudillo-sub009/services/docsync/store"
	docsync "github.com/cloudillo/cloudillo-sub009/services/docsync/sync"
	"github.com/cloudillo/cloudillo-sub009/services/docsync/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	dataDir := flag.String("data-dir", "", "BadgerDB data directory (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	logDir := flag.String("log-dir", "", "Directory for JSON log files (overrides config)")
	trace := flag.Bool("trace", false, "Export traces to stdout")
	debug := flag.Bool("debug", false, "Enable gin debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docsyncd: %v\n", err)
		os.Exit(1)
	}

	// Flags win over file and environment.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logDir != "" {
		cfg.Log.Dir = *logDir
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "docsyncd: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "docsyncd",
		JSON:    cfg.Log.JSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if err := run(cfg, logger.Slog(), *trace, *debug); err != nil {
		slog.Error("Server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// pageResolver builds a PageResolver from the configured page map.
// Returns nil when no pages are configured, in which case the page
// websocket route answers 404.
func pageResolver(pages map[string]string) docsync.PageResolver {
	if len(pages) == 0 {
		return nil
	}
	return func(_ context.Context, pageID string) (string, error) {
		docID, ok := pages[pageID]
		if !ok {
			return "", fmt.Errorf("unknown page %q", pageID)
		}
		return docID, nil
	}
}

func run(cfg config.Config, logger *slog.Logger, trace, debug bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telCfg := telemetry.DefaultConfig()
	if trace {
		telCfg.TraceExporter = "stdout"
	}
	telShutdown, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer telShutdown(context.Background())

	st, err := store.NewBadgerStore(store.Config{
		Path:       cfg.Storage.DataDir,
		SyncWrites: cfg.Storage.SyncWrites,
		GCInterval: cfg.Storage.GCInterval,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry := session.NewRegistry(st, session.Config{
		SubscriberBuffer: cfg.Session.SubscriberBuffer,
		CompactThreshold: cfg.Session.CompactThreshold,
		CompactInterval:  cfg.Session.CompactInterval,
		IdleTimeout:      cfg.Session.IdleTimeout,
		Logger:           logger,
	})

	handler := docsync.NewHandler(docsync.Config{
		Registry:     registry,
		Resolver:     pageResolver(cfg.Sync.Pages),
		Logger:       logger,
		PingInterval: cfg.Sync.PingInterval,
		PongWait:     cfg.Sync.PongWait,
		WriteWait:    cfg.Sync.WriteWait,
		MessageRate:  cfg.Sync.MessageRate,
		MessageBurst: cfg.Sync.MessageBurst,
	})

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("docsync"))
	if debug {
		router.Use(gin.Logger())
	}

	handler.Register(router)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if mh := telemetry.MetricsHandler(); mh != nil {
		router.GET("/metrics", gin.WrapH(mh))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting docsync server",
			slog.String("address", addr),
			slog.String("data_dir", cfg.Storage.DataDir))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down docsync server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// Stop accepting connections first, then flush every resident
		// session so no acknowledged update is lost.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown", slog.String("error", err.Error()))
		}
		registry.Shutdown(shutdownCtx)
		return st.Sync()
	})

	return g.Wait()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marginalia/internal/annotation"
	"marginalia/internal/app"
	"marginalia/internal/cache"
	"marginalia/internal/config"
	"marginalia/internal/extract"
	"marginalia/internal/host"
	"marginalia/internal/hostview"
	"marginalia/internal/library"
	"marginalia/internal/observability"
	"marginalia/internal/platform/logger"
	"marginalia/internal/reconcile"
	"marginalia/internal/search"
	"marginalia/internal/spatial"
	"marginalia/internal/store"
	"marginalia/internal/visibility"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := observability.InitOTel(ctx, log, observability.OtelConfig{ServiceName: "marginalia", Version: version})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", "error", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatal("migrations failed", "error", err)
	}
	if len(applied) > 0 {
		log.Info("migrations applied", "versions", applied)
	}

	sharedStore := store.NewPostgresStore(db)
	if err := sharedStore.EnsureReader(ctx, cfg.ReaderID, cfg.ReaderName); err != nil {
		log.Fatal("reader bootstrap failed", "reader_id", cfg.ReaderID, "error", err)
	}
	readerStore := sharedStore.ForReader(store.Reader{ID: cfg.ReaderID, DisplayName: cfg.ReaderName})

	lib, err := library.Open(cfg.LibraryPath)
	if err != nil {
		log.Fatal("library open failed", "path", cfg.LibraryPath, "error", err)
	}
	defer lib.Close()

	var snapshots cache.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info("using redis for annotation snapshots")
		redisCache, err := cache.NewRedis(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			log.Fatal("redis connection failed", "error", err)
		}
		defer redisCache.Close()
		snapshots = redisCache
	} else {
		log.Info("using in-process annotation snapshots")
		snapshots = cache.NewMemory()
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, log)
	go searchService.ReindexAllFromPG(ctx)

	var registry host.Registry
	viewer, err := hostview.New(ctx, hostview.Config{DebugURL: cfg.ViewerDebugURL, ViewerURL: cfg.ViewerURL}, log)
	if err != nil {
		log.Warn("viewer unavailable, highlighting disabled", "debug_url", cfg.ViewerDebugURL, "error", err)
		registry = hostview.Offline{Err: err}
	} else {
		defer viewer.Close()
		registry = viewer
	}

	ids := annotation.NewIdentities()
	service := app.New(cfg, app.Deps{
		Store:       readerStore,
		Documents:   lib,
		Extractor:   extract.New(lib, log),
		Reconciler:  reconcile.New(readerStore, snapshots, ids, log, reconcile.Options{BatchSize: cfg.ReconcileBatch, IncludeShared: true}),
		Machine:     visibility.New(readerStore, snapshots, ids, searchService, log),
		Highlighter: spatial.NewHighlighter(registry, log, spatial.Config{OpenTimeout: cfg.ViewTimeout}),
		Search:      searchService,
		Log:         log,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("marginalia listening", "addr", cfg.Addr, "reader_id", cfg.ReaderID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
}

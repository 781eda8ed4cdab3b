package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/collab-notebooks/backend/internal/coordinator"
	"github.com/collab-notebooks/backend/internal/gateway"
	"github.com/collab-notebooks/backend/internal/logger"
	"github.com/collab-notebooks/backend/internal/storage"
)

func main() {
	// Load .env file if exists
	godotenv.Load()

	log := logger.New()
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, log)
	if err != nil {
		log.Fatal("snapshot store init failed", zap.Error(err))
	}
	defer closeStore()

	manager := coordinator.NewManager(ctx, store, coordinator.Options{Logger: log})
	defer manager.CloseAll()

	gw := gateway.New(manager, os.Getenv("COLLAB_AUTH_TOKEN"), log)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	httpServer := &http.Server{
		Addr:        ":" + port,
		Handler:     gw.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("collaboration gateway starting", zap.String("port", port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server start failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatal("server shutdown failed", zap.Error(err))
	}

	cancel()
	log.Info("server stopped")
}

// openStore selects the snapshot backend via SNAPSHOT_BACKEND:
// postgres (default), redis, or memory.
func openStore(ctx context.Context, log *zap.Logger) (storage.SnapshotStore, func(), error) {
	switch os.Getenv("SNAPSHOT_BACKEND") {
	case "redis":
		store, err := storage.NewRedisStore(ctx)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "memory":
		log.Warn("using in-memory snapshot store; notebooks will not survive restarts")
		return storage.NewMemoryStore(), func() {}, nil
	default:
		store, err := storage.NewPostgresStore(ctx)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
}

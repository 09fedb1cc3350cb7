package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"maskrelay/backend/internal/config"
	"maskrelay/backend/internal/content"
	"maskrelay/backend/internal/health"
	"maskrelay/backend/internal/logger"
	"maskrelay/backend/internal/monitoring"
	"maskrelay/backend/internal/storage"
	"maskrelay/backend/internal/storage/filesystem"
	httptransport "maskrelay/backend/internal/transport/http"
)

// main 独立运行图片代理 HTTP 服务（不含 SMTP）。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()
	log.Info("starting maskrelay image proxy",
		zap.String("base_url", cfg.ImageProxy.BaseURL),
		zap.String("storage_path", cfg.ImageProxy.StoragePath),
	)

	key := []byte(cfg.ImageProxy.Secret)
	if len(key) == 0 {
		key, err = content.DeriveImageProxyKey([]byte(cfg.Relay.TokenSecret))
		if err != nil {
			log.Fatal("failed to derive image proxy key", zap.Error(err))
		}
	}
	proxy, err := content.NewImageProxy(cfg.ImageProxy.BaseURL, key)
	if err != nil {
		log.Fatal("failed to create image proxy", zap.Error(err))
	}

	imageStore, err := filesystem.NewStore(cfg.ImageProxy.StoragePath)
	if err != nil {
		log.Fatal("failed to initialize image storage", zap.Error(err))
	}

	metrics := monitoring.NewMetrics()
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		CORS: cfg.CORS,
		ImageProxy: httptransport.NewImageProxyHandler(httptransport.ImageProxyOptions{
			Proxy:        proxy,
			Store:        imageStore,
			FetchTimeout: cfg.ImageProxy.FetchTimeout,
			MaxBytes:     cfg.ImageProxy.MaxBytes,
			UserAgent:    cfg.ImageProxy.UserAgent,
			Metrics:      metrics,
			Logger:       log,
		}),
		Health:  health.NewHealthChecker(map[string]storage.Pinger{}, log),
		Metrics: metrics,
		Logger:  log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.ImageProxy.FetchTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("image proxy listening", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("image proxy server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	log.Info("image proxy exited cleanly")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"maskrelay/backend/internal/config"
	"maskrelay/backend/internal/content"
	"maskrelay/backend/internal/dispatch"
	"maskrelay/backend/internal/health"
	"maskrelay/backend/internal/logger"
	"maskrelay/backend/internal/middleware"
	"maskrelay/backend/internal/monitoring"
	"maskrelay/backend/internal/pool"
	"maskrelay/backend/internal/relay"
	"maskrelay/backend/internal/resolver"
	"maskrelay/backend/internal/service"
	"maskrelay/backend/internal/smtp"
	"maskrelay/backend/internal/stats"
	"maskrelay/backend/internal/storage/filesystem"
	"maskrelay/backend/internal/token"
	"maskrelay/backend/internal/tracker"
	httptransport "maskrelay/backend/internal/transport/http"
)

const (
	version = "1.0.0"

	// SMTP 全局并发与建连速率
	smtpMaxConns    = 500
	smtpConnsPerSec = 50

	noticeQueueSize = 1000
)

// main 启动同时包含 SMTP 中继与 HTTP 端点的综合服务。
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
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting maskrelay server",
		zap.String("version", version),
		zap.String("relay_domain", cfg.Relay.Domain),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 存储层
	stores, err := initializeStorage(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer stores.Close()

	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(stores.pingers, log)

	alertManager := monitoring.NewAlertManager(metrics, log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(512))
	for name, pinger := range stores.pingers {
		alertManager.AddRule(monitoring.ConnectivityRule(name, pinger.Ping))
	}

	// 令牌编解码器
	codec, err := token.NewCodec(token.Config{
		Secret: []byte(cfg.Relay.TokenSecret),
		MaxAge: cfg.Relay.TokenMaxAge,
		Prefix: cfg.Relay.VERPPrefix,
		Domain: cfg.Relay.Domain,
	})
	if err != nil {
		log.Fatal("failed to create token codec", zap.Error(err))
	}

	// 内容净化流水线
	trackers, err := tracker.LoadTrackers(cfg.Content.TrackersPath)
	if err != nil {
		log.Fatal("failed to load tracker definitions", zap.Error(err))
	}
	shorteners, err := tracker.LoadShorteners(cfg.Content.ShortenersPath)
	if err != nil {
		log.Fatal("failed to load shortener definitions", zap.Error(err))
	}
	log.Info("content definitions loaded",
		zap.Int("trackers", trackers.Len()),
		zap.Int("shorteners", shorteners.Len()),
	)

	imageProxy, err := newImageProxy(cfg)
	if err != nil {
		log.Fatal("failed to create image proxy", zap.Error(err))
	}

	unshortener, err := content.NewUnshortener(content.UnshortenerConfig{
		Timeout:     cfg.Content.UnshortenTimeout,
		Rate:        cfg.Content.UnshortenRate,
		Workers:     cfg.Content.UnshortenWorkers,
		SOCKS5Proxy: cfg.Content.SOCKS5Proxy,
		CacheTTL:    cfg.Content.CacheTTL,
	}, shorteners, log)
	if err != nil {
		log.Fatal("failed to create unshortener", zap.Error(err))
	}
	defer unshortener.Close()

	pipeline := content.NewPipeline(trackers, imageProxy, unshortener, log)

	// 出站投递
	var signer *dispatch.DKIMSigner
	if cfg.DKIM.KeyPath != "" {
		signer, err = dispatch.LoadDKIMSigner(cfg.DKIM.Domain, cfg.DKIM.Selector, cfg.DKIM.KeyPath)
		if err != nil {
			log.Fatal("failed to load DKIM key", zap.Error(err))
		}
		log.Info("DKIM signing enabled",
			zap.String("domain", cfg.DKIM.Domain),
			zap.String("selector", cfg.DKIM.Selector),
		)
	}

	builder := dispatch.NewBuilder(dispatch.BuilderConfig{
		Domain:      cfg.Relay.Domain,
		TokenHeader: cfg.Relay.TokenHeader,
		NoReply:     cfg.Relay.NoReplyAddress,
	}, codec, signer)

	transport, err := newTransport(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to create outbound transport", zap.Error(err))
	}

	// 通知在 worker 池中异步发送
	noticePool := pool.NewWorkerPool(cfg.Relay.NoticeWorkers, noticeQueueSize, log)
	notifier, err := relay.NewNotifier(cfg.Relay.Domain, builder, transport, noticePool, metrics, log)
	if err != nil {
		log.Fatal("failed to create notifier", zap.Error(err))
	}

	aggregator := stats.New(stores.store, metrics, log)

	handler, err := relay.NewHandler(relay.Options{
		Domain:    cfg.Relay.Domain,
		Store:     stores.store,
		Codec:     codec,
		Resolver:  resolver.New(stores.store, cfg.Relay.Domain, log),
		Pipeline:  pipeline,
		Builder:   builder,
		Transport: transport,
		Stats:     aggregator,
		Notifier:  notifier,
		Reports:   service.NewReportService(stores.store, log),
		Metrics:   metrics,
		Logger:    log,

		SenderAuth: relay.NewSenderAuthenticator(cfg.Relay.AuthServID),
	})
	if err != nil {
		log.Fatal("failed to create relay handler", zap.Error(err))
	}
	if cfg.Relay.AuthServID == "" {
		log.Warn("MASKRELAY_RELAY_AUTHSERV_ID is empty, alias senders are matched on the envelope only")
	}

	// HTTP 服务器
	imageStore, err := filesystem.NewStore(cfg.ImageProxy.StoragePath)
	if err != nil {
		log.Fatal("failed to initialize image storage", zap.Error(err))
	}

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		CORS: cfg.CORS,
		ImageProxy: httptransport.NewImageProxyHandler(httptransport.ImageProxyOptions{
			Proxy:        imageProxy,
			Store:        imageStore,
			FetchTimeout: cfg.ImageProxy.FetchTimeout,
			MaxBytes:     cfg.ImageProxy.MaxBytes,
			UserAgent:    cfg.ImageProxy.UserAgent,
			Metrics:      metrics,
			Logger:       log,
		}),
		Statistics: httptransport.NewStatisticsHandler(aggregator, log),
		Health:     healthChecker,
		Metrics:    metrics,
		Logger:     log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SMTP 服务器
	smtpBackend := smtp.NewBackend(handler, smtp.BackendConfig{
		RelayDomain:     cfg.Relay.Domain,
		MaxMessageBytes: cfg.SMTP.MaxMessageBytes,
		MaxRecipients:   cfg.SMTP.MaxRecipients,
	}, log)
	smtpServer := smtp.NewServer(smtpBackend, cfg.SMTP, cfg.Log.Development)
	limiter := smtp.NewConnectionLimiter(smtpMaxConns, cfg.SMTP.MaxConnsPerIP, smtpConnsPerSec)

	// 关闭时由 Stop 排空队列，不跟随信号上下文退出
	noticePool.Start(context.Background())

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		ln, err := net.Listen("tcp", cfg.SMTP.BindAddr)
		if err != nil {
			log.Error("SMTP listen failed", zap.String("address", cfg.SMTP.BindAddr), zap.Error(err))
			return err
		}
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.SMTP.Domain),
			zap.Int("max_conns_per_ip", cfg.SMTP.MaxConnsPerIP),
		)
		if err := smtpServer.Serve(smtp.NewListener(ln, limiter, metrics, log)); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 系统指标 goroutine
	group.Go(func() error {
		mm := middleware.NewMonitoringMiddleware(metrics, log)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				mm.UpdateSystemMetrics()
			}
		}
	})

	group.Go(func() error {
		alertManager.StartMonitoring(groupCtx, time.Minute)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		if err := smtpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("SMTP server shutdown warning", zap.Error(err))
		}

		// 等待排队中的通知发送完成
		noticePool.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// newImageProxy 创建图片代理签名器，未配置独立密钥时从令牌密钥派生
func newImageProxy(cfg *config.Config) (*content.ImageProxy, error) {
	key := []byte(cfg.ImageProxy.Secret)
	if len(key) == 0 {
		derived, err := content.DeriveImageProxyKey([]byte(cfg.Relay.TokenSecret))
		if err != nil {
			return nil, err
		}
		key = derived
	}
	return content.NewImageProxy(cfg.ImageProxy.BaseURL, key)
}

// newTransport 按配置创建出站投递方式
func newTransport(ctx context.Context, cfg *config.Config, log *zap.Logger) (dispatch.Transport, error) {
	switch cfg.Outbound.Transport {
	case "smtp":
		log.Info("using SMTP outbound transport",
			zap.String("host", cfg.Outbound.SMTPHost),
			zap.Int("port", cfg.Outbound.SMTPPort),
		)
		return dispatch.NewSMTPTransport(dispatch.SMTPConfig{
			Host:      cfg.Outbound.SMTPHost,
			Port:      cfg.Outbound.SMTPPort,
			Username:  cfg.Outbound.SMTPUsername,
			Password:  cfg.Outbound.SMTPPassword,
			LocalName: cfg.SMTP.Domain,
		}, log), nil
	case "ses":
		log.Info("using SES outbound transport", zap.String("region", cfg.Outbound.SESRegion))
		ses, err := dispatch.NewSESTransport(ctx, dispatch.SESConfig{
			Region:          cfg.Outbound.SESRegion,
			AccessKeyID:     cfg.Outbound.SESAccessKey,
			SecretAccessKey: cfg.Outbound.SESSecretKey,
		}, log)
		if err != nil {
			return nil, err
		}
		return ses, nil
	default:
		log.Warn("using log outbound transport, messages will not be delivered")
		return dispatch.NewLogTransport(log), nil
	}
}

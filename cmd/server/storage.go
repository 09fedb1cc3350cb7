package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"maskrelay/backend/internal/config"
	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/storage"
	"maskrelay/backend/internal/storage/hybrid"
	"maskrelay/backend/internal/storage/memory"
	"maskrelay/backend/internal/storage/postgres"
	"maskrelay/backend/internal/storage/redis"
)

// storageBundle 存储层及其需要在退出时释放的资源
type storageBundle struct {
	store   storage.Store
	pingers map[string]storage.Pinger
	closers []func()
}

func (b *storageBundle) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// statsOverride 用独立的计数后端替换存储自带的统计实现
type statsOverride struct {
	storage.Store
	stats storage.StatisticsRepository
}

func (s *statsOverride) IncrementStatistics(ctx context.Context, delta domain.StatisticsDelta) error {
	return s.stats.IncrementStatistics(ctx, delta)
}

func (s *statsOverride) GetStatistics(ctx context.Context) (*domain.Statistics, error) {
	return s.stats.GetStatistics(ctx)
}

// initializeStorage 按配置选择存储：
//   - 未配置数据库：内存存储
//   - 配置数据库：GORM 存储；PostgreSQL 额外使用 pgx 做统计 upsert
//   - 同时启用 Redis：混合存储，统计计数走 Redis HINCRBY
func initializeStorage(cfg *config.Config, log *zap.Logger) (*storageBundle, error) {
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		mem := memory.NewStore()
		log.Info("using memory storage (development mode)")
		return &storageBundle{
			store:   mem,
			pingers: map[string]storage.Pinger{"database": mem},
		}, nil
	}

	log.Info("initializing database storage",
		zap.String("database_type", cfg.Database.Type),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
	)

	db, err := postgres.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	bundle := &storageBundle{
		store:   db,
		pingers: map[string]storage.Pinger{"database": db},
		closers: []func(){func() { _ = db.Close() }},
	}

	if !cfg.Redis.Enabled {
		if cfg.Database.Type == "postgres" || cfg.Database.Type == "postgresql" {
			client, err := postgres.New(&cfg.Database, log)
			if err != nil {
				bundle.Close()
				return nil, fmt.Errorf("failed to create pgx pool: %w", err)
			}
			bundle.closers = append(bundle.closers, client.Close)
			bundle.store = &statsOverride{Store: db, stats: postgres.NewStatsStore(client.DB())}
		}
		log.Info("database storage initialized", zap.String("database_type", cfg.Database.Type))
		return bundle, nil
	}

	rc, err := redis.New(&cfg.Redis, log)
	if err != nil {
		bundle.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	bundle.closers = append(bundle.closers, func() { _ = rc.Close() })
	bundle.pingers["redis"] = rc

	cache := redis.NewCache(rc.Client(), cfg.Redis.CacheTTL)
	bundle.store = hybrid.NewStore(db, cache,
		hybrid.WithStatistics(cache),
		hybrid.WithLogger(log.Named("hybrid")),
	)

	log.Info("hybrid storage initialized",
		zap.String("database_type", cfg.Database.Type),
		zap.String("redis_address", cfg.Redis.Address),
	)
	return bundle, nil
}

package hybrid

import (
	"context"

	"go.uber.org/zap"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/storage"
	"maskrelay/backend/internal/storage/redis"
)

// Store 混合存储实现，数据库为准，Redis 做旁路缓存。
// 统计计数可单独指定后端（例如 pgx upsert），未指定时使用数据库存储。
type Store struct {
	db    storage.Store
	cache *redis.Cache
	stats storage.StatisticsRepository
	log   *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// Option 混合存储选项
type Option func(*Store)

// WithStatistics 指定统计计数后端
func WithStatistics(stats storage.StatisticsRepository) Option {
	return func(s *Store) {
		s.stats = stats
	}
}

// WithLogger 设置日志
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// NewStore 创建混合存储实例
func NewStore(db storage.Store, cache *redis.Cache, opts ...Option) *Store {
	s := &Store{db: db, cache: cache, stats: db, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ========== Alias Repository ==========

// GetAlias 根据 ID 获取别名（按 ID 不缓存）
func (s *Store) GetAlias(ctx context.Context, id string) (*domain.Alias, error) {
	return s.db.GetAlias(ctx, id)
}

// GetAliasByAddress 先查 Redis，未命中再查数据库并回填
func (s *Store) GetAliasByAddress(ctx context.Context, address string) (*domain.Alias, error) {
	if alias, err := s.cache.GetCachedAlias(ctx, address); err == nil {
		return alias, nil
	}

	alias, err := s.db.GetAliasByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	if err := s.cache.CacheAlias(ctx, alias); err != nil {
		s.log.Warn("failed to cache alias", zap.Error(err))
	}
	return alias, nil
}

// ListAliasesByUser 直接查数据库（列表查询不缓存）
func (s *Store) ListAliasesByUser(ctx context.Context, userID string) ([]*domain.Alias, error) {
	return s.db.ListAliasesByUser(ctx, userID)
}

// AddressExists 直接查数据库
func (s *Store) AddressExists(ctx context.Context, address string) (bool, error) {
	return s.db.AddressExists(ctx, address)
}

// SaveAlias 写数据库后失效缓存
func (s *Store) SaveAlias(ctx context.Context, alias *domain.Alias) error {
	if err := s.db.SaveAlias(ctx, alias); err != nil {
		return err
	}
	s.invalidateAlias(ctx, alias.Address())
	return nil
}

// DeleteAlias 删除别名并失效缓存
func (s *Store) DeleteAlias(ctx context.Context, id string) error {
	alias, err := s.db.GetAlias(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.DeleteAlias(ctx, id); err != nil {
		return err
	}
	s.invalidateAlias(ctx, alias.Address())
	return nil
}

func (s *Store) invalidateAlias(ctx context.Context, address string) {
	if err := s.cache.DeleteCachedAlias(ctx, address); err != nil {
		s.log.Warn("failed to invalidate alias cache", zap.String("address", address), zap.Error(err))
	}
}

// ========== Reserved Alias Repository ==========

// GetReservedAliasByAddress 先查 Redis，未命中再查数据库并回填
func (s *Store) GetReservedAliasByAddress(ctx context.Context, address string) (*domain.ReservedAlias, error) {
	if alias, err := s.cache.GetCachedReservedAlias(ctx, address); err == nil {
		return alias, nil
	}

	alias, err := s.db.GetReservedAliasByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	if err := s.cache.CacheReservedAlias(ctx, alias); err != nil {
		s.log.Warn("failed to cache reserved alias", zap.Error(err))
	}
	return alias, nil
}

// SaveReservedAlias 写数据库后失效缓存
func (s *Store) SaveReservedAlias(ctx context.Context, alias *domain.ReservedAlias) error {
	if err := s.db.SaveReservedAlias(ctx, alias); err != nil {
		return err
	}
	if err := s.cache.DeleteCachedReservedAlias(ctx, alias.Address()); err != nil {
		s.log.Warn("failed to invalidate reserved alias cache", zap.Error(err))
	}
	return nil
}

// ========== User Repository ==========

// GetUser 先查 Redis，未命中再查数据库并回填
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	if user, err := s.cache.GetCachedUser(ctx, id); err == nil {
		return user, nil
	}

	user, err := s.db.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.cache.CacheUser(ctx, user); err != nil {
		s.log.Warn("failed to cache user", zap.Error(err))
	}
	return user, nil
}

// GetUserByEmail 直接查数据库
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.db.GetUserByEmail(ctx, email)
}

// SaveUser 写数据库后失效缓存
func (s *Store) SaveUser(ctx context.Context, user *domain.User) error {
	if err := s.db.SaveUser(ctx, user); err != nil {
		return err
	}
	if err := s.cache.DeleteCachedUser(ctx, user.ID); err != nil {
		s.log.Warn("failed to invalidate user cache", zap.Error(err))
	}
	return nil
}

// ========== Report Repository ==========

// SaveReport 保存报告
func (s *Store) SaveReport(ctx context.Context, report *domain.StoredReport) error {
	return s.db.SaveReport(ctx, report)
}

// ListReports 列出报告
func (s *Store) ListReports(ctx context.Context, userID string, limit int) ([]domain.StoredReport, error) {
	return s.db.ListReports(ctx, userID, limit)
}

// ========== Statistics Repository ==========

// IncrementStatistics 累加统计
func (s *Store) IncrementStatistics(ctx context.Context, delta domain.StatisticsDelta) error {
	return s.stats.IncrementStatistics(ctx, delta)
}

// GetStatistics 读取统计
func (s *Store) GetStatistics(ctx context.Context) (*domain.Statistics, error) {
	return s.stats.GetStatistics(ctx)
}

// Ping 检查数据库与 Redis
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.db.(storage.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return s.cache.Ping(ctx)
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"maskrelay/backend/internal/config"
	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/storage"
)

// Store 基于 GORM 的关系型存储实现，支持 PostgreSQL 与 MySQL
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建 PostgreSQL 存储实例
func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(cfg.DSN), cfg)
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(cfg *config.DatabaseConfig) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(cfg.DSN), cfg)
}

// Open 按配置中的数据库类型创建存储
func Open(cfg *config.DatabaseConfig) (*Store, error) {
	switch cfg.Type {
	case "postgres", "postgresql":
		return NewStore(cfg)
	case "mysql":
		return NewMySQLStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %q", cfg.Type)
	}
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例。
// 不做自动迁移，表结构由 Migrate 或 cmd/migrate 负责。
func NewStoreWithDialector(dialector gorm.Dialector, cfg *config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpen, maxIdle, lifetime := 25, 5, 5*time.Minute
	if cfg != nil {
		if cfg.MaxOpenConns > 0 {
			maxOpen = cfg.MaxOpenConns
		}
		if cfg.MaxIdleConns > 0 {
			maxIdle = cfg.MaxIdleConns
		}
		if cfg.ConnMaxLifetime > 0 {
			lifetime = cfg.ConnMaxLifetime
		}
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)

	return &Store{db: db}, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&domain.User{},
		&domain.Alias{},
		&domain.ReservedAlias{},
		&domain.DeletedAlias{},
		&domain.StoredReport{},
		&domain.Statistics{},
	)
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return storage.ErrAliasExists
	default:
		return err
	}
}

// ========== Alias Repository ==========

// GetAlias 根据 ID 获取别名
func (s *Store) GetAlias(ctx context.Context, id string) (*domain.Alias, error) {
	var alias domain.Alias
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&alias).Error; err != nil {
		return nil, mapErr(err)
	}
	return &alias, nil
}

// GetAliasByAddress 根据地址获取别名
func (s *Store) GetAliasByAddress(ctx context.Context, address string) (*domain.Alias, error) {
	addr, err := domain.SplitAddress(strings.ToLower(address))
	if err != nil {
		return nil, storage.ErrNotFound
	}
	var alias domain.Alias
	err = s.db.WithContext(ctx).
		Where("LOWER(local_part) = ? AND LOWER(domain) = ?", addr.LocalPart, addr.Domain).
		First(&alias).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &alias, nil
}

// ListAliasesByUser 列出用户的全部别名
func (s *Store) ListAliasesByUser(ctx context.Context, userID string) ([]*domain.Alias, error) {
	var aliases []*domain.Alias
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&aliases).Error
	return aliases, err
}

// AddressExists 检查地址是否被别名、保留别名或墓碑占用
func (s *Store) AddressExists(ctx context.Context, address string) (bool, error) {
	addr, err := domain.SplitAddress(strings.ToLower(address))
	if err != nil {
		return false, nil
	}
	return addressTaken(s.db.WithContext(ctx), addr.LocalPart, addr.Domain, "")
}

func addressTaken(tx *gorm.DB, local, dom, excludeID string) (bool, error) {
	cond := "LOWER(local_part) = ? AND LOWER(domain) = ?"

	var count int64
	q := tx.Model(&domain.Alias{}).Where(cond, local, dom)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	if err := tx.Model(&domain.ReservedAlias{}).Where(cond, local, dom).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	if err := tx.Model(&domain.DeletedAlias{}).Where(cond, local, dom).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// SaveAlias 保存别名
func (s *Store) SaveAlias(ctx context.Context, alias *domain.Alias) error {
	return mapErr(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.Alias
		err := tx.Where("id = ?", alias.ID).First(&existing).Error
		switch {
		case err == nil:
			if !strings.EqualFold(existing.Address(), alias.Address()) {
				return storage.ErrAliasExists
			}
			return tx.Save(alias).Error
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		taken, err := addressTaken(tx, strings.ToLower(alias.LocalPart), strings.ToLower(alias.Domain), alias.ID)
		if err != nil {
			return err
		}
		if taken {
			return storage.ErrAliasExists
		}
		return tx.Create(alias).Error
	}))
}

// DeleteAlias 删除别名并写入墓碑
func (s *Store) DeleteAlias(ctx context.Context, id string) error {
	return mapErr(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var alias domain.Alias
		if err := tx.Where("id = ?", id).First(&alias).Error; err != nil {
			return err
		}
		if err := tx.Delete(&alias).Error; err != nil {
			return err
		}
		return tx.Create(&domain.DeletedAlias{
			LocalPart: alias.LocalPart,
			Domain:    alias.Domain,
			AliasID:   alias.ID,
			UserID:    alias.UserID,
			DeletedAt: time.Now().UTC(),
		}).Error
	}))
}

// ========== Reserved Alias Repository ==========

// GetReservedAliasByAddress 根据地址获取保留别名及其成员
func (s *Store) GetReservedAliasByAddress(ctx context.Context, address string) (*domain.ReservedAlias, error) {
	addr, err := domain.SplitAddress(strings.ToLower(address))
	if err != nil {
		return nil, storage.ErrNotFound
	}
	var alias domain.ReservedAlias
	err = s.db.WithContext(ctx).
		Preload("Members").
		Where("LOWER(local_part) = ? AND LOWER(domain) = ?", addr.LocalPart, addr.Domain).
		First(&alias).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &alias, nil
}

// SaveReservedAlias 保存保留别名及成员关系
func (s *Store) SaveReservedAlias(ctx context.Context, alias *domain.ReservedAlias) error {
	return mapErr(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.ReservedAlias{}).Where("id = ?", alias.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			taken, err := addressTaken(tx, strings.ToLower(alias.LocalPart), strings.ToLower(alias.Domain), "")
			if err != nil {
				return err
			}
			if taken {
				return storage.ErrAliasExists
			}
		}
		if err := tx.Omit("Members").Save(alias).Error; err != nil {
			return err
		}
		return tx.Model(alias).Association("Members").Replace(alias.Members)
	}))
}

// ========== User Repository ==========

// GetUser 根据 ID 获取用户
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, mapErr(err)
	}
	return &user, nil
}

// GetUserByEmail 根据真实邮箱获取用户
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	if err := s.db.WithContext(ctx).Where("LOWER(email) = ?", strings.ToLower(email)).First(&user).Error; err != nil {
		return nil, mapErr(err)
	}
	return &user, nil
}

// SaveUser 新建或更新用户
func (s *Store) SaveUser(ctx context.Context, user *domain.User) error {
	return s.db.WithContext(ctx).Save(user).Error
}

// ========== Report Repository ==========

// SaveReport 保存加密报告
func (s *Store) SaveReport(ctx context.Context, report *domain.StoredReport) error {
	return s.db.WithContext(ctx).Create(report).Error
}

// ListReports 按时间倒序列出报告
func (s *Store) ListReports(ctx context.Context, userID string, limit int) ([]domain.StoredReport, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var reports []domain.StoredReport
	err := q.Find(&reports).Error
	return reports, err
}

// ========== Statistics Repository ==========

// IncrementStatistics 在单条 UPDATE 中累加计数，行不存在时插入
func (s *Store) IncrementStatistics(ctx context.Context, delta domain.StatisticsDelta) error {
	if delta.IsZero() {
		return nil
	}

	// 限定表名，PostgreSQL 的 ON CONFLICT 子句中裸列名有歧义
	table := domain.Statistics{}.TableName()
	updates := map[string]interface{}{
		"sent_emails":      gorm.Expr(table+".sent_emails + ?", delta.SentEmails),
		"proxied_images":   gorm.Expr(table+".proxied_images + ?", delta.ProxiedImages),
		"expanded_urls":    gorm.Expr(table+".expanded_urls + ?", delta.ExpandedURLs),
		"removed_trackers": gorm.Expr(table+".removed_trackers + ?", delta.RemovedTrackers),
	}

	result := s.db.WithContext(ctx).
		Model(&domain.Statistics{}).
		Where("id = ?", domain.StatisticsRowID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	row := domain.Statistics{
		ID:              domain.StatisticsRowID,
		SentEmails:      delta.SentEmails,
		ProxiedImages:   delta.ProxiedImages,
		ExpandedURLs:    delta.ExpandedURLs,
		RemovedTrackers: delta.RemovedTrackers,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(&row).Error
}

// GetStatistics 读取全局统计，尚未写入时返回全零
func (s *Store) GetStatistics(ctx context.Context) (*domain.Statistics, error) {
	var stats domain.Statistics
	err := s.db.WithContext(ctx).Where("id = ?", domain.StatisticsRowID).First(&stats).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.Statistics{ID: domain.StatisticsRowID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// Ping 检查数据库连接
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

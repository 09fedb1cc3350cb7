package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/storage"
)

const upsertStatisticsSQL = `
INSERT INTO relay_statistics (id, sent_emails, proxied_images, expanded_urls, removed_trackers, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (id) DO UPDATE SET
	sent_emails      = relay_statistics.sent_emails + EXCLUDED.sent_emails,
	proxied_images   = relay_statistics.proxied_images + EXCLUDED.proxied_images,
	expanded_urls    = relay_statistics.expanded_urls + EXCLUDED.expanded_urls,
	removed_trackers = relay_statistics.removed_trackers + EXCLUDED.removed_trackers,
	updated_at       = NOW()`

const selectStatisticsSQL = `
SELECT sent_emails, proxied_images, expanded_urls, removed_trackers, updated_at
FROM relay_statistics WHERE id = $1`

// StatsStore 用单条 upsert 累加统计，供 PostgreSQL 部署直接走 pgx 连接池
type StatsStore struct {
	db *sql.DB
}

var _ storage.StatisticsRepository = (*StatsStore)(nil)

// NewStatsStore 基于 database/sql 连接创建统计存储
func NewStatsStore(db *sql.DB) *StatsStore {
	return &StatsStore{db: db}
}

// IncrementStatistics 原子累加
func (s *StatsStore) IncrementStatistics(ctx context.Context, delta domain.StatisticsDelta) error {
	if delta.IsZero() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, upsertStatisticsSQL,
		domain.StatisticsRowID,
		delta.SentEmails,
		delta.ProxiedImages,
		delta.ExpandedURLs,
		delta.RemovedTrackers,
	)
	if err != nil {
		return fmt.Errorf("increment statistics: %w", err)
	}
	return nil
}

// GetStatistics 读取统计快照
func (s *StatsStore) GetStatistics(ctx context.Context) (*domain.Statistics, error) {
	stats := domain.Statistics{ID: domain.StatisticsRowID}
	err := s.db.QueryRowContext(ctx, selectStatisticsSQL, domain.StatisticsRowID).Scan(
		&stats.SentEmails,
		&stats.ProxiedImages,
		&stats.ExpandedURLs,
		&stats.RemovedTrackers,
		&stats.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get statistics: %w", err)
	}
	return &stats, nil
}

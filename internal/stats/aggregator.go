// Package stats 汇总转发计数并写入统计存储。
package stats

import (
	"context"
	"time"

	"go.uber.org/zap"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/monitoring"
	"maskrelay/backend/internal/storage"
)

const commitTimeout = 5 * time.Second

// Aggregator 统计汇总器。
// 每封成功转发的邮件调用一次 Commit；存储失败只记录日志，不影响投递结果。
type Aggregator struct {
	repo    storage.StatisticsRepository
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// New 创建汇总器，metrics 可为 nil
func New(repo storage.StatisticsRepository, metrics *monitoring.Metrics, logger *zap.Logger) *Aggregator {
	return &Aggregator{repo: repo, metrics: metrics, logger: logger.Named("stats")}
}

// Commit 提交一封已转发邮件的计数。
// 投递已经完成，即使会话上下文被取消也要写入。
func (a *Aggregator) Commit(ctx context.Context, direction string, report *domain.EmailReport) domain.StatisticsDelta {
	delta := report.Delta()

	a.metrics.RecordForwarded(direction)
	a.metrics.RecordContent(int(delta.RemovedTrackers), int(delta.ProxiedImages), int(delta.ExpandedURLs), false)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if err := a.repo.IncrementStatistics(ctx, delta); err != nil {
		a.metrics.RecordError("statistics", "stats")
		a.logger.Error("increment statistics failed",
			zap.String("direction", direction),
			zap.Int64("sent_emails", delta.SentEmails),
			zap.Int64("removed_trackers", delta.RemovedTrackers),
			zap.Error(err),
		)
	}
	return delta
}

// RecordPassthrough 记录一次净化失败放行
func (a *Aggregator) RecordPassthrough() {
	a.metrics.RecordContent(0, 0, 0, true)
}

// Snapshot 返回当前计数
func (a *Aggregator) Snapshot(ctx context.Context) (*domain.Statistics, error) {
	return a.repo.GetStatistics(ctx)
}

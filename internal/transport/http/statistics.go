package httptransport

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"maskrelay/backend/internal/domain"
)

// StatisticsReader 读取全局统计
type StatisticsReader interface {
	Snapshot(ctx context.Context) (*domain.Statistics, error)
}

// StatisticsHandler 处理 GET /v1/statistics
type StatisticsHandler struct {
	stats  StatisticsReader
	logger *zap.Logger
}

// NewStatisticsHandler 创建统计处理器
func NewStatisticsHandler(stats StatisticsReader, logger *zap.Logger) *StatisticsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatisticsHandler{stats: stats, logger: logger}
}

// Get 返回全局计数
func (h *StatisticsHandler) Get(c *gin.Context) {
	s, err := h.stats.Snapshot(c.Request.Context())
	if err != nil {
		h.logger.Error("read statistics failed", zap.Error(err))
		InternalError(c, MsgStatisticsGetFailed)
		return
	}
	Success(c, gin.H{
		"sentEmails":      s.SentEmails,
		"proxiedImages":   s.ProxiedImages,
		"expandedUrls":    s.ExpandedURLs,
		"removedTrackers": s.RemovedTrackers,
		"updatedAt":       s.UpdatedAt,
	})
}

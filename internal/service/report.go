package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/box"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/storage"
)

const defaultReportListLimit = 50

// ReportService 加密保存别名活动报告。
//
// 报告用所有者的 Curve25519 公钥匿名封装，服务端无法再解密。
type ReportService struct {
	repo   storage.ReportRepository
	logger *zap.Logger
}

// NewReportService 创建报告服务。
func NewReportService(repo storage.ReportRepository, logger *zap.Logger) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportService{repo: repo, logger: logger.Named("report-service")}
}

// Persist 未开启报告或公钥不可用时直接返回 nil。
func (s *ReportService) Persist(ctx context.Context, owner *domain.User, report *domain.EmailReport) error {
	if owner == nil || report == nil {
		return nil
	}
	key, ok := owner.ReportKey()
	if !ok {
		return nil
	}

	plain, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	sealed, err := box.SealAnonymous(nil, plain, key, rand.Reader)
	if err != nil {
		return fmt.Errorf("seal report: %w", err)
	}

	stored := &domain.StoredReport{
		ID:         uuid.NewString(),
		UserID:     owner.ID,
		AliasID:    report.AliasID,
		Ciphertext: sealed,
	}
	if err := s.repo.SaveReport(ctx, stored); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	s.logger.Debug("report stored", zap.String("user_id", owner.ID), zap.String("report_id", stored.ID))
	return nil
}

// List 返回用户最近的加密报告
func (s *ReportService) List(ctx context.Context, userID string, limit int) ([]domain.StoredReport, error) {
	if limit <= 0 {
		limit = defaultReportListLimit
	}
	return s.repo.ListReports(ctx, userID, limit)
}

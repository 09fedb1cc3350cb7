package storage

import (
	"context"
	"errors"

	"maskrelay/backend/internal/domain"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrAliasExists 地址已被别名、保留别名或墓碑占用
	ErrAliasExists = errors.New("alias address already taken")
)

// AliasRepository 定义别名数据存取操作。
//
// 地址唯一性同时考虑别名、保留别名和墓碑。
type AliasRepository interface {
	GetAlias(ctx context.Context, id string) (*domain.Alias, error)
	// GetAliasByAddress 只返回未删除的别名
	GetAliasByAddress(ctx context.Context, address string) (*domain.Alias, error)
	ListAliasesByUser(ctx context.Context, userID string) ([]*domain.Alias, error)
	// AddressExists 地址是否被别名、保留别名或墓碑占用
	AddressExists(ctx context.Context, address string) (bool, error)
	// SaveAlias 新建或更新别名，新建时地址被占用返回 ErrAliasExists
	SaveAlias(ctx context.Context, alias *domain.Alias) error
	// DeleteAlias 删除别名并写入墓碑
	DeleteAlias(ctx context.Context, id string) error
}

// ReservedAliasRepository 定义保留别名数据存取操作。
type ReservedAliasRepository interface {
	// GetReservedAliasByAddress 返回保留别名及其成员
	GetReservedAliasByAddress(ctx context.Context, address string) (*domain.ReservedAlias, error)
	SaveReservedAlias(ctx context.Context, alias *domain.ReservedAlias) error
}

// UserRepository 定义用户数据存取操作。
type UserRepository interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	SaveUser(ctx context.Context, user *domain.User) error
}

// ReportRepository 定义加密报告存取操作。
type ReportRepository interface {
	SaveReport(ctx context.Context, report *domain.StoredReport) error
	ListReports(ctx context.Context, userID string, limit int) ([]domain.StoredReport, error)
}

// StatisticsRepository 定义全局统计计数操作。
//
// IncrementStatistics 必须是原子的读-改-写，并发调用不能丢失更新。
type StatisticsRepository interface {
	IncrementStatistics(ctx context.Context, delta domain.StatisticsDelta) error
	GetStatistics(ctx context.Context) (*domain.Statistics, error)
}

// Store 聚合转发引擎需要的全部存储接口
type Store interface {
	AliasRepository
	ReservedAliasRepository
	UserRepository
	ReportRepository
	StatisticsRepository
}

// Pinger 可做健康检查的存储
type Pinger interface {
	Ping(ctx context.Context) error
}

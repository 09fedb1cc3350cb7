package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"maskrelay/backend/internal/storage"
)

const (
	defaultPingTimeout = 3 * time.Second
	maxGoroutines      = 10000
)

// HealthChecker 健康检查器
//
// 存活检查只看进程本身，就绪检查覆盖数据库和 Redis 等依赖。
type HealthChecker struct {
	health  healthcheck.Handler
	pingers map[string]storage.Pinger
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthChecker 创建健康检查器，pingers 的键作为检查名称
func NewHealthChecker(pingers map[string]storage.Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health:  healthcheck.NewHandler(),
		pingers: pingers,
		timeout: defaultPingTimeout,
		logger:  logger.Named("health"),
	}

	// 添加健康检查
	hc.addChecks()

	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))

	for name, p := range hc.pingers {
		hc.health.AddReadinessCheck(name, PingCheck(p, hc.timeout))
	}
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活探针
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探针
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行全部依赖检查，返回每项结果
func (hc *HealthChecker) CheckHealth(ctx context.Context) map[string]string {
	results := make(map[string]string, len(hc.pingers)+1)

	names := make([]string, 0, len(hc.pingers))
	for name := range hc.pingers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, hc.timeout)
		err := hc.pingers[name].Ping(pctx)
		cancel()
		if err != nil {
			hc.logger.Warn("dependency unhealthy", zap.String("check", name), zap.Error(err))
			results[name] = fmt.Sprintf("ERROR: %v", err)
		} else {
			results[name] = "OK"
		}
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results
}

// PingCheck 把存储的 Ping 包装为 healthcheck 检查
func PingCheck(p storage.Pinger, timeout time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		return p.Ping(ctx)
	}
}

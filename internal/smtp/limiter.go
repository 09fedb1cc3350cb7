package smtp

import (
	"sync"

	"golang.org/x/time/rate"
)

// ConnectionLimiter SMTP 连接限流器
//
// 同时限制总并发、单个 IP 的并发以及新建连接速率。
type ConnectionLimiter struct {
	maxConns int
	maxPerIP int
	current  int
	perIP    map[string]int
	mu       sync.Mutex
	rate     *rate.Limiter
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数，<= 0 表示不限制
//   - maxPerIP: 单个 IP 最大并发连接数，<= 0 表示不限制
//   - maxRate: 每秒最大新建连接数，<= 0 表示不限制
func NewConnectionLimiter(maxConns, maxPerIP, maxRate int) *ConnectionLimiter {
	limit := rate.Inf
	burst := 0
	if maxRate > 0 {
		limit = rate.Limit(maxRate)
		burst = maxRate
	}
	return &ConnectionLimiter{
		maxConns: maxConns,
		maxPerIP: maxPerIP,
		perIP:    make(map[string]int),
		rate:     rate.NewLimiter(limit, burst),
	}
}

// LimitReason 拒绝连接的原因，用于指标标签
type LimitReason string

const (
	LimitNone  LimitReason = ""
	LimitTotal LimitReason = "smtp_total"
	LimitPerIP LimitReason = "smtp_per_ip"
	LimitRate  LimitReason = "smtp_rate"
)

// Acquire 获取连接许可，失败时返回原因
func (l *ConnectionLimiter) Acquire(ip string) LimitReason {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxConns > 0 && l.current >= l.maxConns {
		return LimitTotal
	}
	if l.maxPerIP > 0 && l.perIP[ip] >= l.maxPerIP {
		return LimitPerIP
	}
	if !l.rate.Allow() {
		return LimitRate
	}

	l.current++
	l.perIP[ip]++
	return LimitNone
}

// Release 释放连接
func (l *ConnectionLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current > 0 {
		l.current--
	}
	if n := l.perIP[ip]; n <= 1 {
		delete(l.perIP, ip)
	} else {
		l.perIP[ip] = n - 1
	}
}

// Current 当前连接数
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"maskrelay/backend/internal/cache"
	"maskrelay/backend/internal/tracker"
)

// Expander 短链接展开
type Expander interface {
	IsShortened(rawURL string) bool
	ExpandAll(ctx context.Context, urls []string, userAgent string) map[string]string
}

// UnshortenerConfig 展开器配置
type UnshortenerConfig struct {
	Timeout      time.Duration // 单次请求超时（连接 + 总时长）
	Rate         float64       // 每秒请求数，<= 0 不限速
	Workers      int           // 并发数
	SOCKS5Proxy  string        // host:port，留空直连
	CacheTTL     time.Duration
	CacheSize    int
	MaxRedirects int
	UserAgent    string // 别名未配置 User-Agent 时使用

	// AllowPrivateNetworks 允许请求本机和内网地址，仅用于测试
	AllowPrivateNetworks bool
}

const (
	defaultUnshortenTimeout = 5 * time.Second
	defaultMaxRedirects     = 10
	maxDrainBytes           = 64 * 1024
)

// Unshortener 跟随重定向链得到短链接的最终地址。
// 超时、网络错误和非 2xx 响应都视为"保持原样"。
type Unshortener struct {
	client     *http.Client
	shorteners *tracker.List
	limiter    *rate.Limiter
	cache      *cache.LocalCache[string]
	workers    int
	userAgent  string
	logger     *zap.Logger

	allowPrivate bool
}

// NewUnshortener 创建展开器
func NewUnshortener(cfg UnshortenerConfig, shorteners *tracker.List, logger *zap.Logger) (*Unshortener, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultUnshortenTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := NewPublicDialer(cfg.Timeout)
	if cfg.AllowPrivateNetworks {
		dialer.Control = nil
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}

	if cfg.SOCKS5Proxy != "" {
		socks, err := proxy.SOCKS5("tcp", cfg.SOCKS5Proxy, nil, &net.Dialer{Timeout: cfg.Timeout})
		if err != nil {
			return nil, fmt.Errorf("create socks5 dialer: %w", err)
		}
		cd, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support context")
		}
		transport.DialContext = cd.DialContext
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}

	maxRedirects := cfg.MaxRedirects
	allowPrivate := cfg.AllowPrivateNetworks
	return &Unshortener{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				if allowPrivate {
					return nil
				}
				return CheckURLDestination(req.URL)
			},
		},
		shorteners: shorteners,
		limiter:    rate.NewLimiter(limit, cfg.Workers),
		cache:      cache.NewLocalCache[string](cfg.CacheSize, cfg.CacheTTL),
		workers:    cfg.Workers,
		userAgent:  cfg.UserAgent,
		logger:     logger.Named("unshorten"),

		allowPrivate: allowPrivate,
	}, nil
}

// Close 释放缓存
func (u *Unshortener) Close() {
	u.cache.Close()
}

// IsShortened 判断 URL 是否属于已知短链接服务
func (u *Unshortener) IsShortened(rawURL string) bool {
	_, ok := u.shorteners.Match(rawURL)
	return ok
}

// Expand 展开单个短链接。ok 为 false 表示保持原样。
func (u *Unshortener) Expand(ctx context.Context, rawURL, userAgent string) (string, bool) {
	if cached, ok := u.cache.Get(rawURL); ok {
		return cached, true
	}

	if err := u.limiter.Wait(ctx); err != nil {
		return "", false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", false
	}
	if !u.allowPrivate {
		if err := CheckURLDestination(req.URL); err != nil {
			u.logger.Debug("unshorten destination refused", zap.String("url", rawURL), zap.Error(err))
			return "", false
		}
	}
	if userAgent == "" {
		userAgent = u.userAgent
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		u.logger.Debug("unshorten request failed", zap.String("url", rawURL), zap.Error(err))
		return "", false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		u.logger.Debug("unshorten non-2xx", zap.String("url", rawURL), zap.Int("status", resp.StatusCode))
		return "", false
	}

	final := resp.Request.URL.String()
	if final == rawURL {
		return "", false
	}
	u.cache.Set(rawURL, final, 0)
	return final, true
}

// ExpandAll 并发展开一组短链接，返回 原地址 → 最终地址，未展开的不出现在结果中
func (u *Unshortener) ExpandAll(ctx context.Context, urls []string, userAgent string) map[string]string {
	out := make(map[string]string)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.workers)

	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}

		raw := raw
		g.Go(func() error {
			if final, ok := u.Expand(gctx, raw, userAgent); ok {
				mu.Lock()
				out[raw] = final
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// 常见的追踪查询参数
var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"mc_eid":  {},
	"mc_cid":  {},
	"_hsenc":  {},
	"_hsmi":   {},
	"yclid":   {},
	"msclkid": {},
	"igshid":  {},
}

// TrackingParams 返回 URL 查询串中出现的追踪参数名（排序后）
func TrackingParams(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}

	var found []string
	for key := range u.Query() {
		k := strings.ToLower(key)
		if _, ok := trackingParams[k]; ok || strings.HasPrefix(k, "utm_") {
			found = append(found, key)
		}
	}
	sort.Strings(found)
	return found
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 令牌密钥的占位默认值，生产环境禁止使用
const defaultTokenSecret = "change-me-in-production"

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// SMTPConfig 定义入站 SMTP 服务器的配置
type SMTPConfig struct {
	BindAddr        string        // SMTP 服务监听地址，格式 "host:port"，默认 ":25"
	Domain          string        // HELO/EHLO 响应中的主机名
	MaxMessageBytes int64         // 单封邮件最大字节数
	MaxRecipients   int           // 单个会话最多收件人数
	ReadTimeout     time.Duration // 读超时
	WriteTimeout    time.Duration // 写超时
	MaxConnsPerIP   int           // 单个 IP 的并发连接上限
}

// RelayConfig 定义中继引擎的核心配置
type RelayConfig struct {
	Domain         string        // 中继邮件域名，别名地址都在此域下
	TokenSecret    string        // 防环路令牌签名密钥，至少 32 字符
	TokenMaxAge    time.Duration // 令牌最大有效期，默认 30 天
	VERPPrefix     string        // VERP 退信地址前缀
	TokenHeader    string        // 携带令牌的邮件头
	NoReplyAddress string        // 系统通知的发件地址
	NoticeWorkers  int           // 异步发送通知的 worker 数量
	AuthServID     string        // 上游 MTA 的 authserv-id，非空时别名发往外部需通过 SPF/DKIM/DMARC
}

// ImageProxyConfig 定义图片代理配置
type ImageProxyConfig struct {
	BaseURL      string        // 代理对外地址，例如 https://relay.example/proxy/image
	Secret       string        // 代理 URL 签名密钥，留空时从令牌密钥派生
	StoragePath  string        // 转换后图片的存储目录
	FetchTimeout time.Duration // 拉取原图超时
	MaxBytes     int64         // 原图最大字节数
	UserAgent    string        // 拉取原图时使用的 User-Agent
}

// ContentConfig 定义内容净化流水线配置
type ContentConfig struct {
	TrackersPath     string        // 追踪器定义文件路径（JSON 或 YAML），留空使用内置列表
	ShortenersPath   string        // 短链接服务定义文件路径，留空使用内置列表
	UnshortenTimeout time.Duration // 单次短链展开请求超时
	UnshortenRate    float64       // 每秒最多展开请求数
	UnshortenWorkers int           // 并发展开数
	SOCKS5Proxy      string        // 展开请求使用的 SOCKS5 代理，格式 host:port
	CacheTTL         time.Duration // 展开结果缓存时间
}

// OutboundConfig 定义出站投递配置
type OutboundConfig struct {
	Transport    string // 投递方式: smtp, ses, log
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SESRegion    string
	SESAccessKey string
	SESSecretKey string
}

// DKIMConfig 定义出站 DKIM 签名配置，KeyPath 为空时不签名
type DKIMConfig struct {
	Domain   string
	Selector string
	KeyPath  string
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到标准输出
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string // 数据库连接字符串
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Enabled  bool
	Address  string // Redis 服务地址，格式 "host:port"
	Password string
	DB       int
	CacheTTL time.Duration // 别名缓存时间
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server     ServerConfig
	SMTP       SMTPConfig
	Relay      RelayConfig
	ImageProxy ImageProxyConfig
	Content    ContentConfig
	Outbound   OutboundConfig
	DKIM       DKIMConfig
	CORS       CORSConfig
	Log        LogConfig
	Database   DatabaseConfig
	Redis      RedisConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: MASKRELAY_，例如 MASKRELAY_RELAY_TOKEN_SECRET
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("maskrelay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	tokenSecret := v.GetString("relay.token_secret")
	if tokenSecret == defaultTokenSecret {
		return nil, fmt.Errorf("SECURITY ERROR: token secret cannot be the default value. Please set MASKRELAY_RELAY_TOKEN_SECRET environment variable")
	}
	if len(tokenSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: token secret must be at least 32 characters long")
	}

	relayDomain := strings.ToLower(strings.TrimSpace(v.GetString("relay.domain")))
	if relayDomain == "" {
		return nil, fmt.Errorf("relay.domain must not be empty")
	}

	tokenMaxAge, err := parseDuration(v.GetString("relay.token_max_age"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay.token_max_age: %w", err)
	}

	transport := strings.ToLower(v.GetString("outbound.transport"))
	switch transport {
	case "smtp", "ses", "log":
	default:
		return nil, fmt.Errorf("invalid outbound.transport %q (want smtp, ses or log)", transport)
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	noReply := v.GetString("relay.noreply_address")
	if noReply == "" {
		noReply = "noreply@" + relayDomain
	}

	smtpDomain := v.GetString("smtp.domain")
	if smtpDomain == "" {
		smtpDomain = relayDomain
	}

	dkimDomain := v.GetString("dkim.domain")
	if dkimDomain == "" {
		dkimDomain = relayDomain
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		SMTP: SMTPConfig{
			BindAddr:        v.GetString("smtp.bind_addr"),
			Domain:          smtpDomain,
			MaxMessageBytes: v.GetInt64("smtp.max_message_bytes"),
			MaxRecipients:   positiveOr(v.GetInt("smtp.max_recipients"), 50),
			ReadTimeout:     durationOr(v.GetString("smtp.read_timeout"), 60*time.Second),
			WriteTimeout:    durationOr(v.GetString("smtp.write_timeout"), 60*time.Second),
			MaxConnsPerIP:   positiveOr(v.GetInt("smtp.max_conns_per_ip"), 10),
		},
		Relay: RelayConfig{
			Domain:         relayDomain,
			TokenSecret:    tokenSecret,
			TokenMaxAge:    tokenMaxAge,
			VERPPrefix:     v.GetString("relay.verp_prefix"),
			TokenHeader:    v.GetString("relay.token_header"),
			NoReplyAddress: noReply,
			NoticeWorkers:  positiveOr(v.GetInt("relay.notice_workers"), 4),
			AuthServID:     strings.TrimSpace(v.GetString("relay.authserv_id")),
		},
		ImageProxy: ImageProxyConfig{
			BaseURL:      v.GetString("image_proxy.base_url"),
			Secret:       v.GetString("image_proxy.secret"),
			StoragePath:  v.GetString("image_proxy.storage_path"),
			FetchTimeout: durationOr(v.GetString("image_proxy.fetch_timeout"), 10*time.Second),
			MaxBytes:     v.GetInt64("image_proxy.max_bytes"),
			UserAgent:    v.GetString("image_proxy.user_agent"),
		},
		Content: ContentConfig{
			TrackersPath:     v.GetString("content.trackers_path"),
			ShortenersPath:   v.GetString("content.shorteners_path"),
			UnshortenTimeout: durationOr(v.GetString("content.unshorten_timeout"), 5*time.Second),
			UnshortenRate:    v.GetFloat64("content.unshorten_rate"),
			UnshortenWorkers: positiveOr(v.GetInt("content.unshorten_workers"), 4),
			SOCKS5Proxy:      v.GetString("content.socks5_proxy"),
			CacheTTL:         durationOr(v.GetString("content.cache_ttl"), time.Hour),
		},
		Outbound: OutboundConfig{
			Transport:    transport,
			SMTPHost:     v.GetString("outbound.smtp_host"),
			SMTPPort:     v.GetInt("outbound.smtp_port"),
			SMTPUsername: v.GetString("outbound.smtp_username"),
			SMTPPassword: v.GetString("outbound.smtp_password"),
			SESRegion:    v.GetString("outbound.ses_region"),
			SESAccessKey: v.GetString("outbound.ses_access_key"),
			SESSecretKey: v.GetString("outbound.ses_secret_key"),
		},
		DKIM: DKIMConfig{
			Domain:   dkimDomain,
			Selector: v.GetString("dkim.selector"),
			KeyPath:  v.GetString("dkim.key_path"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            strings.ToLower(v.GetString("database.type")),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: durationOr(v.GetString("database.conn_max_lifetime"), 5*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			CacheTTL: durationOr(v.GetString("redis.cache_ttl"), 5*time.Minute),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("smtp.bind_addr", ":25")
	v.SetDefault("smtp.domain", "")
	v.SetDefault("smtp.max_message_bytes", 25*1024*1024)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.read_timeout", "60s")
	v.SetDefault("smtp.write_timeout", "60s")
	v.SetDefault("smtp.max_conns_per_ip", 10)

	v.SetDefault("relay.domain", "relay.example")
	v.SetDefault("relay.token_secret", defaultTokenSecret)
	v.SetDefault("relay.token_max_age", "30d")
	v.SetDefault("relay.verp_prefix", "verp-")
	v.SetDefault("relay.token_header", "X-Relay-Token")
	v.SetDefault("relay.noreply_address", "")
	v.SetDefault("relay.notice_workers", 4)
	v.SetDefault("relay.authserv_id", "")

	v.SetDefault("image_proxy.base_url", "http://localhost:8080/proxy/image")
	v.SetDefault("image_proxy.secret", "")
	v.SetDefault("image_proxy.storage_path", "./data/images")
	v.SetDefault("image_proxy.fetch_timeout", "10s")
	v.SetDefault("image_proxy.max_bytes", 10*1024*1024)
	v.SetDefault("image_proxy.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64)")

	v.SetDefault("content.trackers_path", "")
	v.SetDefault("content.shorteners_path", "")
	v.SetDefault("content.unshorten_timeout", "5s")
	v.SetDefault("content.unshorten_rate", 10.0)
	v.SetDefault("content.unshorten_workers", 4)
	v.SetDefault("content.socks5_proxy", "")
	v.SetDefault("content.cache_ttl", "1h")

	v.SetDefault("outbound.transport", "log")
	v.SetDefault("outbound.smtp_host", "localhost")
	v.SetDefault("outbound.smtp_port", 587)
	v.SetDefault("outbound.smtp_username", "")
	v.SetDefault("outbound.smtp_password", "")
	v.SetDefault("outbound.ses_region", "us-east-1")
	v.SetDefault("outbound.ses_access_key", "")
	v.SetDefault("outbound.ses_secret_key", "")

	v.SetDefault("dkim.domain", "")
	v.SetDefault("dkim.selector", "mail")
	v.SetDefault("dkim.key_path", "")

	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")

	v.SetDefault("database.type", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", "5m")
}

// parseDuration 在 time.ParseDuration 基础上支持 "d"（天）后缀
func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid day duration %q", value)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %q", value)
	}
	return d, nil
}

func durationOr(value string, fallback time.Duration) time.Duration {
	d, err := parseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func positiveOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env
//
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}

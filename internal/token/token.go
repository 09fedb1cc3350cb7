// Package token 实现无状态的防环路令牌（VERP）。
//
// 令牌格式为 base32(payload) + "." + base32(mac)，其中
// payload = direction "." counterpart "." message_id "." age_minutes，
// mac 为 HMAC-SHA256 截断值。同样的输入总是得到同样的令牌。
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"maskrelay/backend/internal/domain"
)

// Direction 转发方向
type Direction string

const (
	DirectionOfficial       Direction = "o"  // 系统发出的邮件
	DirectionAliasToOutside Direction = "ao" // 别名 → 外部
	DirectionOutsideToAlias Direction = "oa" // 外部 → 别名
	DirectionBounceGuard    Direction = "b"  // 退信的退信
)

// Valid 判断方向代码是否合法
func (d Direction) Valid() bool {
	switch d {
	case DirectionOfficial, DirectionAliasToOutside, DirectionOutsideToAlias, DirectionBounceGuard:
		return true
	}
	return false
}

// 令牌错误。ErrSignature 和 ErrExpired 都满足 errors.Is(err, ErrInvalid)。
var (
	ErrInvalid   = errors.New("token invalid")
	ErrSignature = fmt.Errorf("%w: signature mismatch", ErrInvalid)
	ErrExpired   = fmt.Errorf("%w: expired", ErrInvalid)
)

// ErrTooLong VERP 地址本地部分超出中继域允许的长度，收件方会在 RCPT 阶段拒绝
var ErrTooLong = errors.New("token address too long")

const (
	// DefaultMaxAge 默认最大有效期
	DefaultMaxAge = 30 * 24 * time.Hour
	// DefaultPrefix VERP 地址本地部分前缀
	DefaultPrefix = "verp-"
	// DefaultHeader 携带令牌的邮件头
	DefaultHeader = "X-Relay-Token"

	macSize        = 10
	fieldSeparator = "."
	minSecretSize  = 16
)

// epoch 令牌时间的起点，编码与解码必须一致
var epoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// encoding 小写 base32，无填充，可直接放入地址本地部分
var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

var fieldEscaper = strings.NewReplacer("%", "%25", ".", "%2E")

var fieldUnescaper = strings.NewReplacer("%2E", ".", "%25", "%")

// Token 解码后的令牌
type Token struct {
	Direction   Direction
	Counterpart string
	MessageID   string
	IssuedAt    time.Time
	Age         time.Duration
}

// Config 编解码器配置
type Config struct {
	Secret []byte
	MaxAge time.Duration
	Prefix string
	Domain string
}

// Codec 令牌编解码器。密钥保存在 memguard enclave 中。
type Codec struct {
	key    *memguard.Enclave
	maxAge time.Duration
	prefix string
	domain string
	now    func() time.Time
}

// NewCodec 创建编解码器
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Secret) < minSecretSize {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretSize)
	}
	if cfg.Domain == "" {
		return nil, errors.New("token domain is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}

	// NewEnclave 会擦除传入的切片
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)

	return &Codec{
		key:    memguard.NewEnclave(secret),
		maxAge: cfg.MaxAge,
		prefix: strings.ToLower(cfg.Prefix),
		domain: strings.ToLower(cfg.Domain),
		now:    time.Now,
	}, nil
}

// WithClock 替换时钟，用于测试
func (c *Codec) WithClock(now func() time.Time) *Codec {
	clone := *c
	clone.now = now
	return &clone
}

// MaxAge 返回最大有效期
func (c *Codec) MaxAge() time.Duration {
	return c.maxAge
}

// Encode 生成头部形式的令牌
func (c *Codec) Encode(dir Direction, counterpart, messageID string) (string, error) {
	if !dir.Valid() {
		return "", fmt.Errorf("unknown direction %q", dir)
	}

	minutes := int64(c.now().UTC().Sub(epoch) / time.Minute)
	payload := strings.Join([]string{
		string(dir),
		fieldEscaper.Replace(counterpart),
		fieldEscaper.Replace(messageID),
		strconv.FormatInt(minutes, 10),
	}, fieldSeparator)

	mac, err := c.sign([]byte(payload))
	if err != nil {
		return "", err
	}
	return encoding.EncodeToString([]byte(payload)) + "." + encoding.EncodeToString(mac), nil
}

// Decode 验证并解析头部形式的令牌
func (c *Codec) Decode(s string) (*Token, error) {
	s = strings.TrimSpace(s)
	idx := strings.IndexByte(s, '.')
	if idx <= 0 || idx == len(s)-1 {
		return nil, ErrInvalid
	}

	payload, err := encoding.DecodeString(s[:idx])
	if err != nil {
		return nil, ErrInvalid
	}

	mac, err := encoding.DecodeString(s[idx+1:])
	if err != nil || len(mac) != macSize {
		return nil, ErrSignature
	}

	expected, err := c.sign(payload)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(mac, expected) {
		return nil, ErrSignature
	}

	fields := strings.Split(string(payload), fieldSeparator)
	if len(fields) != 4 {
		return nil, ErrInvalid
	}

	dir := Direction(fields[0])
	if !dir.Valid() {
		return nil, ErrInvalid
	}

	minutes, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil || minutes < 0 {
		return nil, ErrInvalid
	}

	issued := epoch.Add(time.Duration(minutes) * time.Minute)
	age := c.now().UTC().Sub(issued)
	if age < 0 {
		age = 0
	}
	if age > c.maxAge {
		return nil, ErrExpired
	}

	return &Token{
		Direction:   dir,
		Counterpart: fieldUnescaper.Replace(fields[1]),
		MessageID:   fieldUnescaper.Replace(fields[2]),
		IssuedAt:    issued,
		Age:         age,
	}, nil
}

// EncodeAddress 生成 VERP 退信地址: <prefix><token>@<domain>
func (c *Codec) EncodeAddress(dir Direction, counterpart, messageID string) (string, error) {
	tok, err := c.Encode(dir, counterpart, messageID)
	if err != nil {
		return "", err
	}
	local := c.prefix + tok
	if len(local) > domain.MaxRelayLocalPartLength {
		return "", fmt.Errorf("%w: local part is %d bytes", ErrTooLong, len(local))
	}
	return local + "@" + c.domain, nil
}

// IsTokenAddress 判断地址是否为本系统签发的 VERP 地址形式（不验证签名）
func (c *Codec) IsTokenAddress(addr string) bool {
	local, dom, ok := strings.Cut(addr, "@")
	if !ok {
		return false
	}
	return strings.EqualFold(dom, c.domain) && strings.HasPrefix(strings.ToLower(local), c.prefix)
}

// DecodeAddress 从 VERP 地址中解析令牌
func (c *Codec) DecodeAddress(addr string) (*Token, error) {
	if !c.IsTokenAddress(addr) {
		return nil, ErrInvalid
	}
	local, _, _ := strings.Cut(addr, "@")
	return c.Decode(local[len(c.prefix):])
}

// sign 计算截断的 HMAC
func (c *Codec) sign(payload []byte) ([]byte, error) {
	buf, err := c.key.Open()
	if err != nil {
		return nil, fmt.Errorf("open token key: %w", err)
	}
	defer buf.Destroy()

	h := hmac.New(sha256.New, buf.Bytes())
	h.Write(payload)
	return h.Sum(nil)[:macSize], nil
}

// Package dispatch 构建外发邮件并交给出站传输。
//
// 每封外发邮件都有新的 Message-Id 和对应方向的防环路令牌；
// 非系统邮件的信封发件人为带令牌的 VERP 地址，上游退信会原样带回令牌。
package dispatch

import (
	"context"
)

// Transport 出站传输
type Transport interface {
	// Send 投递已构建好的邮件。返回的错误应包装
	// domain.ErrUpstreamTemporary 或 domain.ErrUpstreamRejected。
	Send(ctx context.Context, msg *Outgoing) error
	Name() string
}

// Outgoing 构建完成、可直接投递的邮件
type Outgoing struct {
	EnvelopeFrom string // 空字符串表示空反向路径
	Recipients   []string
	MessageID    string // 不含尖括号
	Token        string
	Data         []byte
}

package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"maskrelay/backend/internal/domain"
)

const defaultDialTimeout = 30 * time.Second

// SMTPConfig 上游 SMTP 中继配置
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	LocalName string // EHLO 主机名
	// InsecureSkipVerify 只用于测试环境的自签名证书
	InsecureSkipVerify bool
	DialTimeout        time.Duration
}

// SMTPTransport 通过上游 SMTP 中继投递。
// 465 端口使用隐式 TLS，587 使用 STARTTLS，其余端口明文连接。
type SMTPTransport struct {
	cfg    SMTPConfig
	logger *zap.Logger
}

// NewSMTPTransport 创建 SMTP 传输
func NewSMTPTransport(cfg SMTPConfig, logger *zap.Logger) *SMTPTransport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &SMTPTransport{cfg: cfg, logger: logger.Named("smtp-transport")}
}

// Name 返回传输名称
func (t *SMTPTransport) Name() string {
	return "smtp"
}

// Send 连接上游并投递邮件
func (t *SMTPTransport) Send(ctx context.Context, msg *Outgoing) error {
	client, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTemporary, err)
	}
	defer client.Close()

	// 会话被取消时立即断开上游
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if t.cfg.Username != "" {
		auth := sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return classifySMTPError("auth", err)
		}
	}

	if err := client.SendMail(msg.EnvelopeFrom, msg.Recipients, bytes.NewReader(msg.Data)); err != nil {
		return classifySMTPError("send", err)
	}

	t.logger.Debug("message handed to upstream",
		zap.String("message_id", msg.MessageID),
		zap.Strings("rcpt", msg.Recipients),
	)

	// 上游已接收，QUIT 失败不影响结果
	if err := client.Quit(); err != nil {
		t.logger.Warn("quit after accepted message failed", zap.Error(err))
	}
	return nil
}

func (t *SMTPTransport) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	tlsConfig := &tls.Config{ServerName: t.cfg.Host, InsecureSkipVerify: t.cfg.InsecureSkipVerify}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if t.cfg.Port == 465 {
		d := &tls.Dialer{Config: tlsConfig}
		conn, err = d.DialContext(dialCtx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	var client *smtp.Client
	if t.cfg.Port == 587 {
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls with %s: %w", addr, err)
		}
	} else {
		client = smtp.NewClient(conn)
	}

	if t.cfg.LocalName != "" {
		if err := client.Hello(t.cfg.LocalName); err != nil {
			client.Close()
			return nil, fmt.Errorf("ehlo: %w", err)
		}
	}
	return client, nil
}

// classifySMTPError 按上游应答码区分临时与永久失败，网络错误视为临时失败
func classifySMTPError(stage string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		if smtpErr.Code >= 500 {
			return fmt.Errorf("%w: %s: %v", domain.ErrUpstreamRejected, stage, err)
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrUpstreamTemporary, stage, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrUpstreamTemporary, stage, err)
}

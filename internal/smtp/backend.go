package smtp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/relay"
)

const defaultHandleTimeout = 2 * time.Minute

// Relay 处理一封完整入站邮件的转发引擎
type Relay interface {
	Handle(ctx context.Context, in *relay.Inbound) relay.Result
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收中继域下的地址。MAIL/RCPT 阶段只做语法校验，
// 别名解析和转发都在 DATA 阶段由转发引擎完成，按收件人汇总后回复。
type Backend struct {
	relay         Relay
	validator     *domain.EmailValidator
	logger        *zap.Logger
	maxBytes      int64
	maxRecipients int
	handleTimeout time.Duration
}

// BackendConfig Backend 配置
type BackendConfig struct {
	RelayDomain     string
	MaxMessageBytes int64
	MaxRecipients   int
	HandleTimeout   time.Duration
}

// NewBackend 创建 SMTP Backend。
func NewBackend(r Relay, cfg BackendConfig, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = defaultHandleTimeout
	}
	return &Backend{
		relay:         r,
		validator:     domain.NewEmailValidator(cfg.RelayDomain),
		logger:        logger.Named("smtp"),
		maxBytes:      cfg.MaxMessageBytes,
		maxRecipients: cfg.MaxRecipients,
		handleTimeout: cfg.HandleTimeout,
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if nc := c.Conn(); nc != nil && nc.RemoteAddr() != nil {
		remote = nc.RemoteAddr().String()
	}
	return &session{backend: b, remote: remote}, nil
}

type session struct {
	backend    *Backend
	remote     string
	from       string
	recipients []string
}

// Mail 处理 MAIL 命令。空反向路径表示退信。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if domain.IsNullSender(from) {
		s.from = ""
		return nil
	}
	addr := domain.SanitizeAddress(from)
	if err := s.backend.validator.ValidateEmail(addr); err != nil {
		s.backend.logger.Debug("invalid sender", zap.String("remote", s.remote), zap.String("from", from), zap.Error(err))
		return errInvalidSender
	}
	s.from = addr
	return nil
}

// Rcpt 处理 RCPT 命令，只做语法校验
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if s.backend.maxRecipients > 0 && len(s.recipients) >= s.backend.maxRecipients {
		return errTooManyRecipients
	}
	addr := domain.SanitizeAddress(to)
	if err := s.backend.validator.ValidateEmail(addr); err != nil {
		s.backend.logger.Debug("invalid recipient", zap.String("remote", s.remote), zap.String("rcpt", to), zap.Error(err))
		return errInvalidRecipient
	}
	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 读取邮件并交给转发引擎
func (s *session) Data(r io.Reader) error {
	var buf bytes.Buffer
	reader := r
	if s.backend.maxBytes > 0 {
		reader = io.LimitReader(r, s.backend.maxBytes+1)
	}
	if _, err := buf.ReadFrom(reader); err != nil {
		if errors.Is(err, gosmtp.ErrDataTooLarge) {
			return errMessageTooLarge
		}
		return err
	}
	if s.backend.maxBytes > 0 && int64(buf.Len()) > s.backend.maxBytes {
		return errMessageTooLarge
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.handleTimeout)
	defer cancel()

	res := s.backend.relay.Handle(ctx, &relay.Inbound{
		MailFrom:   s.from,
		Recipients: s.recipients,
		Data:       buf.Bytes(),
		RemoteAddr: s.remote,
	})

	reply := replyFor(res.Outcomes)
	if reply != nil {
		s.backend.logger.Info("message not accepted",
			zap.String("message_id", res.MessageID),
			zap.String("remote", s.remote),
			zap.String("from", s.from),
			zap.Int("recipients", len(s.recipients)),
			zap.Error(reply),
		)
	}
	return reply
}

// Reset 重置状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	return nil
}

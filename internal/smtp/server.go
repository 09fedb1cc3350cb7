package smtp

import (
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"maskrelay/backend/internal/config"
)

// NewServer 按配置创建入站 SMTP 服务器
func NewServer(be *Backend, cfg config.SMTPConfig, development bool) *gosmtp.Server {
	s := gosmtp.NewServer(be)
	s.Addr = cfg.BindAddr
	s.Domain = cfg.Domain
	s.AllowInsecureAuth = development
	s.ReadTimeout = durationOr(cfg.ReadTimeout, 60*time.Second)
	s.WriteTimeout = durationOr(cfg.WriteTimeout, 60*time.Second)
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = cfg.MaxRecipients
	return s
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

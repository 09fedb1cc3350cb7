package relay

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/osteele/liquid"
	"go.uber.org/zap"

	"maskrelay/backend/internal/dispatch"
	"maskrelay/backend/internal/monitoring"
	"maskrelay/backend/internal/pool"
	"maskrelay/backend/internal/token"
)

//go:embed templates/*.liquid
var templateFS embed.FS

const noticeTimeout = 30 * time.Second

// NoticeKind 通知类型
type NoticeKind int

const (
	// NoticeRejected 收件地址被拒绝，发给原发件人
	NoticeRejected NoticeKind = iota
	// NoticeBounceToOwner 别名发往外部的邮件被退回，发给别名所有者
	NoticeBounceToOwner
	// NoticeBounceToSender 转发给用户的邮件被退回，发给外部发件人
	NoticeBounceToSender
)

var noticeTemplates = map[NoticeKind]struct {
	file    string
	subject string
	dir     token.Direction
}{
	NoticeRejected:       {"templates/rejected.liquid", "Delivery could not complete", token.DirectionOfficial},
	NoticeBounceToOwner:  {"templates/bounce_owner.liquid", "Undelivered mail returned", token.DirectionBounceGuard},
	NoticeBounceToSender: {"templates/bounce_sender.liquid", "Undelivered mail returned", token.DirectionBounceGuard},
}

// NoticeRequest 一封待发送的通知
type NoticeRequest struct {
	Kind          NoticeKind
	To            string
	InReplyTo     string
	AutoSubmitted string // 触发通知的原邮件的 Auto-Submitted 头
	Vars          map[string]any
}

// Notifier 渲染并异步发送说明邮件，发送失败只记录日志
type Notifier struct {
	domain    string
	builder   *dispatch.Builder
	transport dispatch.Transport
	executor  pool.Executor
	templates map[NoticeKind]*liquid.Template
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

// NewNotifier 解析内置模板。executor 为 nil 时同步发送。
func NewNotifier(relayDomain string, builder *dispatch.Builder, transport dispatch.Transport, executor pool.Executor, metrics *monitoring.Metrics, logger *zap.Logger) (*Notifier, error) {
	if executor == nil {
		executor = pool.Inline{}
	}

	engine := liquid.NewEngine()
	templates := make(map[NoticeKind]*liquid.Template, len(noticeTemplates))
	for kind, spec := range noticeTemplates {
		src, err := templateFS.ReadFile(spec.file)
		if err != nil {
			return nil, fmt.Errorf("read notice template %s: %w", spec.file, err)
		}
		tpl, parseErr := engine.ParseTemplate(src)
		if parseErr != nil {
			return nil, fmt.Errorf("parse notice template %s: %w", spec.file, parseErr)
		}
		templates[kind] = tpl
	}

	return &Notifier{
		domain:    strings.ToLower(relayDomain),
		builder:   builder,
		transport: transport,
		executor:  executor,
		templates: templates,
		metrics:   metrics,
		logger:    logger.Named("notice"),
	}, nil
}

// Notify 渲染并提交通知。被防回弹规则拦截或队列已满时返回 false。
func (n *Notifier) Notify(req NoticeRequest) bool {
	if reason := n.suppressReason(req.To, req.AutoSubmitted); reason != "" {
		n.metrics.RecordNotice("suppressed")
		n.logger.Debug("notice suppressed", zap.String("to", req.To), zap.String("reason", reason))
		return false
	}

	spec := noticeTemplates[req.Kind]
	vars := map[string]any{"domain": n.domain}
	for k, v := range req.Vars {
		vars[k] = v
	}
	text, renderErr := n.templates[req.Kind].RenderString(vars)
	if renderErr != nil {
		n.metrics.RecordNotice("failed")
		n.logger.Error("render notice failed", zap.Error(renderErr))
		return false
	}

	out, err := n.builder.BuildNotice(dispatch.Notice{
		Direction: spec.dir,
		To:        req.To,
		Subject:   spec.subject,
		Text:      text,
		InReplyTo: req.InReplyTo,
	})
	if err != nil {
		n.metrics.RecordNotice("failed")
		n.logger.Error("build notice failed", zap.String("to", req.To), zap.Error(err))
		return false
	}

	ok := n.executor.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
		defer cancel()
		if err := n.transport.Send(ctx, out); err != nil {
			n.metrics.RecordNotice("failed")
			n.logger.Warn("send notice failed",
				zap.String("message_id", out.MessageID),
				zap.String("to", req.To),
				zap.Error(err),
			)
			return
		}
		n.metrics.RecordNotice("sent")
	})
	if !ok {
		n.metrics.RecordNotice("dropped")
	}
	return ok
}

// suppressReason 防止向自动发件人回信造成回弹 (RFC 3834)
func (n *Notifier) suppressReason(to, autoSubmitted string) string {
	if to == "" {
		return "null reverse-path"
	}
	local, dom, ok := strings.Cut(strings.ToLower(to), "@")
	if !ok {
		return "invalid address"
	}
	switch local {
	case "mailer-daemon", "postmaster", "noreply", "no-reply":
		return "automated sender"
	}
	if dom == n.domain {
		return "relay address"
	}
	if v := strings.ToLower(strings.TrimSpace(autoSubmitted)); v != "" && v != "no" {
		return "auto-submitted"
	}
	return ""
}

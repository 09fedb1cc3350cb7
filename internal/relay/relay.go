// Package relay 是转发引擎的路由编排器。
//
// 每封入站邮件依次经过：信封清洗 → 退信检查 → 别名解析 →（外部 → 别名方向）内容净化 → 投递。
// 每个收件人独立处理并得到一个 domain.Outcome，由 SMTP 层汇总成协议应答。
package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"go.uber.org/zap"

	"maskrelay/backend/internal/content"
	"maskrelay/backend/internal/dispatch"
	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/monitoring"
	"maskrelay/backend/internal/resolver"
	"maskrelay/backend/internal/stats"
	"maskrelay/backend/internal/storage"
	"maskrelay/backend/internal/token"
)

// 方向标签，用于日志和指标
const (
	dirOutsideToAlias    = "oa"
	dirOutsideToReserved = "reserved"
	dirAliasToOutside    = "ao"
	dirBounce            = "bounce"
	dirNone              = "none"
)

// ReportSink 保存别名活动报告，未开启报告的用户直接返回 nil
type ReportSink interface {
	Persist(ctx context.Context, owner *domain.User, report *domain.EmailReport) error
}

// Inbound 一封入站邮件
type Inbound struct {
	MailFrom   string
	Recipients []string
	Data       []byte
	RemoteAddr string
}

// Result 处理结果，每个收件人一个 Outcome
type Result struct {
	MessageID string
	Outcomes  []domain.Outcome
}

// Options 编排器依赖。Pipeline、Notifier、Reports、Metrics 可为 nil。
type Options struct {
	Domain    string
	Store     storage.Store
	Codec     *token.Codec
	Resolver  *resolver.Resolver
	Pipeline  *content.Pipeline
	Builder   *dispatch.Builder
	Transport dispatch.Transport
	Stats     *stats.Aggregator
	Notifier  *Notifier
	Reports   ReportSink
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger

	// SenderAuth 为 nil 时别名 → 外部方向只比对信封发件人
	SenderAuth *SenderAuthenticator
}

// Handler 路由编排器，构建后只读，可并发处理多封邮件
type Handler struct {
	validator *domain.EmailValidator
	store     storage.Store
	resolver  *resolver.Resolver
	pipeline  *content.Pipeline
	builder   *dispatch.Builder
	transport dispatch.Transport
	stats     *stats.Aggregator
	notifier  *Notifier
	reports   ReportSink
	auth      *SenderAuthenticator
	bounces   *BounceDetector
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

// NewHandler 创建编排器
func NewHandler(opts Options) (*Handler, error) {
	switch {
	case opts.Domain == "":
		return nil, errors.New("relay domain is required")
	case opts.Store == nil, opts.Codec == nil, opts.Resolver == nil:
		return nil, errors.New("store, codec and resolver are required")
	case opts.Builder == nil, opts.Transport == nil, opts.Stats == nil:
		return nil, errors.New("builder, transport and stats are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{
		validator: domain.NewEmailValidator(opts.Domain),
		store:     opts.Store,
		resolver:  opts.Resolver,
		pipeline:  opts.Pipeline,
		builder:   opts.Builder,
		transport: opts.Transport,
		stats:     opts.Stats,
		notifier:  opts.Notifier,
		reports:   opts.Reports,
		auth:      opts.SenderAuth,
		bounces:   NewBounceDetector(opts.Codec, opts.Builder.TokenHeader()),
		metrics:   opts.Metrics,
		logger:    logger.Named("relay"),
	}, nil
}

// inboundHeader 入站邮件中编排器关心的头
type inboundHeader struct {
	messageID     string
	subject       string
	contentType   string
	autoSubmitted string
}

func readInboundHeader(data []byte) inboundHeader {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return inboundHeader{}
	}
	mh := mail.Header{Header: message.Header{Header: h}}

	var ih inboundHeader
	ih.messageID, _ = mh.MessageID()
	ih.subject, _ = mh.Subject()
	ih.contentType, _, _ = mh.ContentType()
	ih.autoSubmitted = mh.Get("Auto-Submitted")
	return ih
}

// Handle 处理一封入站邮件
func (h *Handler) Handle(ctx context.Context, in *Inbound) Result {
	hdr := readInboundHeader(in.Data)
	res := Result{MessageID: hdr.messageID, Outcomes: make([]domain.Outcome, 0, len(in.Recipients))}

	env, err := h.validator.SanitizeEnvelope(in.MailFrom, nil)
	if err != nil {
		// 发件人非法时无法回信，所有收件人直接拒绝
		for _, rcpt := range in.Recipients {
			c := Classify(rcpt, domain.NewRelayError(domain.KindInvalidEmail, in.MailFrom, err))
			res.Outcomes = append(res.Outcomes, c.Outcome)
			h.observe(hdr, in.MailFrom, dirNone, c.Outcome, time.Now())
		}
		return res
	}

	if b := h.bounces.Detect(env.MailFrom, in.Recipients, hdr.contentType, in.Data); b != nil {
		start := time.Now()
		h.handleBounce(ctx, b, hdr)
		for _, rcpt := range in.Recipients {
			out := domain.Outcome{Recipient: rcpt, Status: domain.StatusSwallowed}
			res.Outcomes = append(res.Outcomes, out)
			h.observe(hdr, env.MailFrom, dirBounce, out, start)
		}
		return res
	}

	for _, rcpt := range in.Recipients {
		res.Outcomes = append(res.Outcomes, h.handleRecipient(ctx, env.MailFrom, rcpt, in.Data, hdr))
	}
	return res
}

// handleRecipient 解析并转发给单个收件人
func (h *Handler) handleRecipient(ctx context.Context, sender, raw string, data []byte, hdr inboundHeader) domain.Outcome {
	start := time.Now()
	rcpt := domain.SanitizeAddress(raw)
	dir := dirNone

	err := h.validator.ValidateEmail(rcpt)
	if err != nil {
		err = domain.NewRelayError(domain.KindInvalidEmail, rcpt, err)
	} else {
		var target resolver.Target
		target, err = h.resolver.Resolve(ctx, rcpt, sender)
		if err == nil {
			switch t := target.(type) {
			case *resolver.AliasTarget:
				dir = dirOutsideToAlias
				err = h.forwardToAlias(ctx, sender, t, data)
			case *resolver.ReservedAliasTarget:
				dir = dirOutsideToReserved
				err = h.forwardToReserved(ctx, sender, t, data)
			case *resolver.OutsideForwardTarget:
				dir = dirAliasToOutside
				if authErr := h.auth.Verify(sender, data); authErr != nil {
					err = domain.NewRelayError(domain.KindAliasNotYours, t.AliasAddress, authErr)
				} else {
					err = h.forwardToOutside(ctx, t, data)
				}
			case *resolver.NotFound:
				err = domain.NewRelayError(domain.KindAliasNotFound, t.Address, nil)
			default:
				err = fmt.Errorf("unknown routing target %T", target)
			}
		}
	}

	c := Classify(rcpt, err)
	if err != nil {
		h.logFailure(hdr, sender, dir, c.Outcome, err)
	}
	if c.Notify && h.notifier != nil {
		h.notifier.Notify(NoticeRequest{
			Kind:          NoticeRejected,
			To:            sender,
			InReplyTo:     hdr.messageID,
			AutoSubmitted: hdr.autoSubmitted,
			Vars: map[string]any{
				"recipient": rcpt,
				"reason":    c.Outcome.Reason,
				"subject":   hdr.subject,
			},
		})
	}
	h.observe(hdr, sender, dir, c.Outcome, start)
	return c.Outcome
}

// forwardToAlias 外部 → 别名：净化内容后转发到所有者的真实邮箱
func (h *Handler) forwardToAlias(ctx context.Context, sender string, t *resolver.AliasTarget, data []byte) error {
	report, err := h.deliverToMailbox(ctx, sender, t.Alias.ID, t.Alias.LocalPart, t.Owner.Email, t.Preferences, data, dirOutsideToAlias)
	if err != nil {
		return err
	}
	h.persistReport(ctx, t.Owner, report)
	return nil
}

// forwardToReserved 分发给每个成员。
// 只要有成员投递成功就视为接受，避免 MTA 重试导致已投递成员收到重复邮件。
func (h *Handler) forwardToReserved(ctx context.Context, sender string, t *resolver.ReservedAliasTarget, data []byte) error {
	var firstErr error
	delivered := 0
	for i := range t.Members {
		member := &t.Members[i]
		report, err := h.deliverToMailbox(ctx, sender, t.Alias.ID, t.Alias.LocalPart, member.Email, t.PreferencesFor(member), data, dirOutsideToReserved)
		if err != nil {
			h.logger.Warn("reserved alias member delivery failed",
				zap.String("alias", t.Alias.Address()),
				zap.String("member_id", member.ID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
		h.persistReport(ctx, member, report)
	}
	if delivered == 0 {
		return firstErr
	}
	return nil
}

func (h *Handler) deliverToMailbox(ctx context.Context, sender, aliasID, aliasLocal, mailbox string, prefs domain.Preferences, data []byte, dir string) (*domain.EmailReport, error) {
	body := data
	report := domain.NewEmailReport(aliasID)
	if h.pipeline != nil {
		res := h.pipeline.Process(ctx, data, aliasID, prefs)
		if res.Status == content.StatusPassthrough {
			h.stats.RecordPassthrough()
		}
		body, report = res.Body, res.Report
	}

	out, err := h.builder.BuildOutsideToAlias(dispatch.OutsideToAlias{
		Data:       body,
		Sender:     sender,
		AliasLocal: aliasLocal,
		Mailbox:    mailbox,
	})
	if err != nil {
		return nil, err
	}
	if err := h.transport.Send(ctx, out); err != nil {
		return nil, err
	}

	report.MessageID = out.MessageID
	h.stats.Commit(ctx, dir, report)
	return report, nil
}

// forwardToOutside 别名 → 外部
func (h *Handler) forwardToOutside(ctx context.Context, t *resolver.OutsideForwardTarget, data []byte) error {
	out, err := h.builder.BuildAliasToOutside(dispatch.AliasToOutside{
		Data:         data,
		AliasAddress: t.AliasAddress,
		Outside:      t.Outside,
	})
	if err != nil {
		return err
	}
	if err := h.transport.Send(ctx, out); err != nil {
		return err
	}
	h.stats.Commit(ctx, dirAliasToOutside, domain.NewEmailReport(t.AliasID))
	return nil
}

func (h *Handler) persistReport(ctx context.Context, owner *domain.User, report *domain.EmailReport) {
	if h.reports == nil || owner == nil || report == nil || report.Empty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.reports.Persist(ctx, owner, report); err != nil {
		h.metrics.RecordError("report", "relay")
		h.logger.Error("persist report failed", zap.String("user_id", owner.ID), zap.Error(err))
	}
}

// handleBounce 处理带本系统令牌的退信，退信内容本身从不转发
func (h *Handler) handleBounce(ctx context.Context, b *Bounce, hdr inboundHeader) {
	if b.Token == nil {
		h.logger.Info("bounce swallowed",
			zap.String("message_id", hdr.messageID),
			zap.String("status", b.Status),
			zap.NamedError("token_error", b.TokenErr),
		)
		return
	}
	tok := b.Token
	h.metrics.RecordBounce(string(tok.Direction))

	switch tok.Direction {
	case token.DirectionAliasToOutside:
		h.notifyOwner(ctx, b)
	case token.DirectionOutsideToAlias:
		if h.notifier != nil {
			h.notifier.Notify(NoticeRequest{
				Kind: NoticeBounceToSender,
				To:   tok.Counterpart,
				Vars: map[string]any{
					"reason": string(b.Reason),
				},
			})
		}
	default:
		h.logger.Debug("bounce of system mail swallowed",
			zap.String("direction", string(tok.Direction)),
			zap.String("message_id", tok.MessageID),
		)
	}
}

// notifyOwner 外部投递失败时通知别名所有者。别名已删除时静默结束。
func (h *Handler) notifyOwner(ctx context.Context, b *Bounce) {
	aliasAddr := b.Token.Counterpart
	alias, err := h.store.GetAliasByAddress(ctx, aliasAddr)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Error("lookup alias for bounce failed", zap.String("alias", aliasAddr), zap.Error(err))
		} else {
			h.logger.Info("bounce for unknown alias swallowed", zap.String("alias", aliasAddr))
		}
		return
	}
	owner, err := h.store.GetUser(ctx, alias.UserID)
	if err != nil {
		h.logger.Info("bounce for alias without owner swallowed", zap.String("alias", aliasAddr), zap.Error(err))
		return
	}
	if h.notifier == nil {
		return
	}

	h.notifier.Notify(NoticeRequest{
		Kind: NoticeBounceToOwner,
		To:   owner.Email,
		Vars: map[string]any{
			"alias":     alias.Address(),
			"recipient": b.FinalRecipient,
			"reason":    string(b.Reason),
			"status":    b.Status,
		},
	})
}

func (h *Handler) logFailure(hdr inboundHeader, sender, dir string, out domain.Outcome, err error) {
	fields := []zap.Field{
		zap.String("message_id", hdr.messageID),
		zap.String("from", sender),
		zap.String("rcpt", out.Recipient),
		zap.String("direction", dir),
		zap.String("outcome", out.Status.String()),
		zap.Error(err),
	}
	switch out.Status {
	case domain.StatusFailed:
		h.metrics.RecordError("unclassified", "relay")
		h.logger.Error("message processing failed", fields...)
	case domain.StatusTemporary:
		h.logger.Warn("message deferred", fields...)
	default:
		h.logger.Info("message rejected", fields...)
	}
}

func (h *Handler) observe(hdr inboundHeader, sender, dir string, out domain.Outcome, start time.Time) {
	h.metrics.RecordMessage(dir, out.Status.String(), time.Since(start))
	if out.Status.Successful() {
		h.logger.Debug("message processed",
			zap.String("message_id", hdr.messageID),
			zap.String("from", sender),
			zap.String("rcpt", out.Recipient),
			zap.String("direction", dir),
			zap.String("outcome", out.Status.String()),
		)
	}
}

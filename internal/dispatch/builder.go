package dispatch

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/resolver"
	"maskrelay/backend/internal/token"
)

// ErrMalformedMessage 邮件头无法解析
var ErrMalformedMessage = errors.New("malformed message")

// BuilderConfig 构建器配置
type BuilderConfig struct {
	Domain       string // 中继域名
	TokenHeader  string
	NoReply      string // 系统通知发件地址
	NoticeSender string // 系统通知显示名
}

// Builder 按方向重写邮件头，签发令牌并可选 DKIM 签名
type Builder struct {
	codec   *token.Codec
	signer  *DKIMSigner
	domain  string
	header  string
	noReply string
	sender  string
	newID   func() string
	now     func() time.Time
}

// NewBuilder 创建构建器，signer 为 nil 时不签名
func NewBuilder(cfg BuilderConfig, codec *token.Codec, signer *DKIMSigner) *Builder {
	if cfg.TokenHeader == "" {
		cfg.TokenHeader = token.DefaultHeader
	}
	if cfg.NoReply == "" {
		cfg.NoReply = "noreply@" + cfg.Domain
	}
	if cfg.NoticeSender == "" {
		cfg.NoticeSender = "Mail Relay"
	}
	return &Builder{
		codec:   codec,
		signer:  signer,
		domain:  strings.ToLower(cfg.Domain),
		header:  cfg.TokenHeader,
		noReply: cfg.NoReply,
		sender:  cfg.NoticeSender,
		newID:   func() string { return uuid.NewString() },
		now:     time.Now,
	}
}

// TokenHeader 返回携带令牌的邮件头名称
func (b *Builder) TokenHeader() string {
	return b.header
}

// NoReply 返回系统通知发件地址
func (b *Builder) NoReply() string {
	return b.noReply
}

// OutsideToAlias 外部发往别名：转发到用户真实邮箱
type OutsideToAlias struct {
	Data       []byte // 已经过内容净化的原始邮件
	Sender     string // 外部发件人信封地址
	AliasLocal string
	Mailbox    string // 用户真实邮箱
}

// AliasToOutside 用户通过别名发往外部
type AliasToOutside struct {
	Data         []byte
	AliasAddress string
	Outside      string
}

// Notice 系统生成的说明邮件
type Notice struct {
	Direction token.Direction // o 或 b
	To        string
	Subject   string
	Text      string
	InReplyTo string
}

// BuildOutsideToAlias From 显示外部发件人但地址换成别名转发地址，回复会经由别名发出
func (b *Builder) BuildOutsideToAlias(in OutsideToAlias) (*Outgoing, error) {
	h, body, err := readMessage(in.Data)
	if err != nil {
		return nil, err
	}
	stripHeaders(&h, outsideToAliasStrip, nil, b.header)
	mh := wrapHeader(h)

	sender := in.Sender
	name := ""
	if from, err := mh.AddressList("From"); err == nil && len(from) > 0 {
		sender = from[0].Address
		name = from[0].Name
	}

	display := sender
	if name != "" {
		display = fmt.Sprintf("%s (%s)", name, sender)
	}
	replyAddr, err := resolver.EncodeForwardAddress(sender, in.AliasLocal, b.domain)
	if err != nil {
		// 无法编码的发件人只显示别名本身
		replyAddr = domain.JoinAddress(in.AliasLocal, b.domain)
	}
	mh.SetAddressList("From", []*mail.Address{{Name: display, Address: replyAddr}})
	mh.SetAddressList("To", []*mail.Address{{Address: in.Mailbox}})

	for _, key := range []string{"Reply-To", "Cc"} {
		b.rewriteOutsideList(&mh, key, in.AliasLocal)
	}

	return b.finish(mh, body, token.DirectionOutsideToAlias, sender, true, []string{in.Mailbox})
}

// rewriteOutsideList 把非中继域的地址改写为别名转发地址
func (b *Builder) rewriteOutsideList(mh *mail.Header, key, aliasLocal string) {
	if !mh.Has(key) {
		return
	}
	list, err := mh.AddressList(key)
	if err != nil {
		mh.Del(key)
		return
	}

	out := make([]*mail.Address, 0, len(list))
	for _, addr := range list {
		parsed, err := domain.SplitAddress(addr.Address)
		if err != nil {
			continue
		}
		if strings.EqualFold(parsed.Domain, b.domain) {
			out = append(out, addr)
			continue
		}
		encoded, err := resolver.EncodeForwardAddress(addr.Address, aliasLocal, b.domain)
		if err != nil {
			continue
		}
		out = append(out, &mail.Address{Name: addr.Name, Address: encoded})
	}

	if len(out) == 0 {
		mh.Del(key)
		return
	}
	mh.SetAddressList(key, out)
}

// BuildAliasToOutside From 为别名地址，去掉所有暴露用户身份的头
func (b *Builder) BuildAliasToOutside(in AliasToOutside) (*Outgoing, error) {
	h, body, err := readMessage(in.Data)
	if err != nil {
		return nil, err
	}
	stripHeaders(&h, aliasToOutsideStrip, aliasToOutsidePrefixes, b.header)
	mh := wrapHeader(h)

	mh.SetAddressList("From", []*mail.Address{{Address: in.AliasAddress}})
	mh.SetAddressList("To", []*mail.Address{{Address: in.Outside}})

	return b.finish(mh, body, token.DirectionAliasToOutside, in.AliasAddress, true, []string{in.Outside})
}

// BuildNotice 构建纯文本系统通知，带 Auto-Submitted 防止自动回复循环
func (b *Builder) BuildNotice(n Notice) (*Outgoing, error) {
	if n.Direction != token.DirectionOfficial && n.Direction != token.DirectionBounceGuard {
		return nil, fmt.Errorf("notice direction %q not allowed", n.Direction)
	}

	var mh mail.Header
	mh.SetAddressList("From", []*mail.Address{{Name: b.sender, Address: b.noReply}})
	mh.SetAddressList("To", []*mail.Address{{Address: n.To}})
	mh.SetSubject(n.Subject)
	mh.Set("Auto-Submitted", "auto-replied")
	mh.Set("MIME-Version", "1.0")
	if n.InReplyTo != "" {
		mh.SetMsgIDList("In-Reply-To", []string{n.InReplyTo})
	}
	mh.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var raw bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&raw, mh)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, n.Text); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	h, body, err := readMessage(raw.Bytes())
	if err != nil {
		return nil, err
	}

	// 官方通知不需要 VERP，退信回到 noreply 即被丢弃
	verp := n.Direction == token.DirectionBounceGuard
	return b.finish(wrapHeader(h), body, n.Direction, n.To, verp, []string{n.To})
}

// finish 设置 Message-Id、日期和令牌头，计算信封发件人并签名。
// 令牌只引用新生成的 Message-Id，入站邮件的 Message-Id 长度不受控制。
func (b *Builder) finish(mh mail.Header, body []byte, dir token.Direction, counterpart string, verp bool, rcpts []string) (*Outgoing, error) {
	id := b.newID()
	tok, err := b.codec.Encode(dir, counterpart, id)
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}

	envelopeFrom := b.noReply
	if verp {
		addr, err := b.codec.EncodeAddress(dir, counterpart, id)
		switch {
		case err == nil:
			envelopeFrom = addr
		case errors.Is(err, token.ErrTooLong):
			// 退信发往 noreply，由原文中的令牌头识别
		default:
			return nil, fmt.Errorf("encode return path: %w", err)
		}
	}

	newID := id + "@" + b.domain
	mh.SetMessageID(newID)
	if !mh.Has("Date") {
		mh.SetDate(b.now())
	}
	mh.Set(b.header, tok)

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, mh.Header.Header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	buf.Write(body)

	data := buf.Bytes()
	if b.signer != nil {
		data, err = b.signer.Sign(data)
		if err != nil {
			return nil, err
		}
	}

	return &Outgoing{
		EnvelopeFrom: envelopeFrom,
		Recipients:   rcpts,
		MessageID:    newID,
		Token:        tok,
		Data:         data,
	}, nil
}

func wrapHeader(h textproto.Header) mail.Header {
	return mail.Header{Header: message.Header{Header: h}}
}

// readMessage 分离邮件头和正文
func readMessage(data []byte) (textproto.Header, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(data))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	return h, body, nil
}

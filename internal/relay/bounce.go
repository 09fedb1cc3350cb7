package relay

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/token"
)

// BounceReason 可以展示给用户的退信原因
type BounceReason string

const (
	ReasonMailboxUnavailable BounceReason = "The recipient mailbox is unavailable."
	ReasonMailboxFull        BounceReason = "The recipient mailbox is full."
	ReasonSpam               BounceReason = "The message was rejected as spam."
	ReasonPolicy             BounceReason = "The message was rejected by the recipient's policy."
	ReasonTransient          BounceReason = "A temporary problem prevented delivery."
	ReasonOther              BounceReason = "The message could not be delivered."
)

var (
	dsnStatusRe     = regexp.MustCompile(`(?im)^Status:\s*([245]\.\d{1,3}\.\d{1,3})`)
	dsnRecipientRe  = regexp.MustCompile(`(?im)^Final-Recipient:\s*[^;\r\n]*;\s*<?([^\s>]+)>?`)
	dsnDiagnosticRe = regexp.MustCompile(`(?im)^Diagnostic-Code:\s*(.+)$`)
)

// Bounce 退信检测结果
type Bounce struct {
	Token          *token.Token // 找到的本系统令牌，nil 表示普通退信
	TokenErr       error        // 找到令牌但验证失败
	Status         string       // 增强状态码，例如 5.1.1
	Diagnostic     string
	FinalRecipient string
	Reason         BounceReason
}

// BounceDetector 识别退信并提取其中的令牌
type BounceDetector struct {
	codec    *token.Codec
	headerRe *regexp.Regexp
}

// NewBounceDetector 创建检测器，header 为携带令牌的邮件头名称
func NewBounceDetector(codec *token.Codec, header string) *BounceDetector {
	return &BounceDetector{
		codec:    codec,
		headerRe: regexp.MustCompile(`(?im)^` + regexp.QuoteMeta(header) + `:\s*([a-z2-7]+\.[a-z2-7]+)`),
	}
}

// Detect 不是退信时返回 nil。
//
// 令牌依次从 VERP 收件地址、嵌入的原邮件或邮件头部分、正文中引用的邮件头行中查找。
func (d *BounceDetector) Detect(mailFrom string, rcpts []string, contentType string, data []byte) *Bounce {
	for _, r := range rcpts {
		addr := domain.SanitizeAddress(r)
		if !d.codec.IsTokenAddress(addr) {
			continue
		}
		b := &Bounce{}
		if tok, err := d.codec.DecodeAddress(addr); err != nil {
			b.TokenErr = err
		} else {
			b.Token = tok
		}
		d.inspect(b, data, false)
		return b
	}

	if !looksLikeBounce(mailFrom, contentType) {
		return nil
	}
	b := &Bounce{}
	d.inspect(b, data, true)
	return b
}

func looksLikeBounce(mailFrom, contentType string) bool {
	if mailFrom == "" {
		return true
	}
	if strings.EqualFold(contentType, "multipart/report") {
		return true
	}
	local, _, _ := strings.Cut(strings.ToLower(mailFrom), "@")
	return local == "mailer-daemon" || local == "postmaster"
}

// inspect 读取投递状态，findToken 为 true 时在正文中查找令牌
func (d *BounceDetector) inspect(b *Bounce, data []byte, findToken bool) {
	defer func() { b.Reason = reasonFor(b.Status, b.Diagnostic) }()

	env, err := enmime.ReadEnvelope(bytes.NewReader(data))
	if err != nil || env.Root == nil {
		return
	}

	walkParts(env.Root, func(p *enmime.Part) {
		ct := strings.ToLower(p.ContentType)
		switch {
		case ct == "message/delivery-status" || ct == "message/global-delivery-status":
			d.readStatus(b, p.Content)
		case ct == "message/rfc822" || ct == "message/global" || strings.HasSuffix(ct, "rfc822-headers") || strings.HasPrefix(ct, "text/"):
			if findToken && b.Token == nil {
				d.findToken(b, p.Content)
			}
		}
	})

	// 部分 MTA 把状态写在纯文本里
	if b.Status == "" {
		d.readStatus(b, []byte(env.Text))
	}
}

func (d *BounceDetector) readStatus(b *Bounce, content []byte) {
	if b.Status == "" {
		if m := dsnStatusRe.FindSubmatch(content); m != nil {
			b.Status = string(m[1])
		}
	}
	if b.FinalRecipient == "" {
		if m := dsnRecipientRe.FindSubmatch(content); m != nil {
			b.FinalRecipient = string(m[1])
		}
	}
	if b.Diagnostic == "" {
		if m := dsnDiagnosticRe.FindSubmatch(content); m != nil {
			b.Diagnostic = strings.TrimSpace(string(m[1]))
		}
	}
}

// findToken 引用的内容可能包含多个令牌，第一个验证通过的生效
func (d *BounceDetector) findToken(b *Bounce, content []byte) {
	for _, m := range d.headerRe.FindAllSubmatch(content, -1) {
		tok, err := d.codec.Decode(string(m[1]))
		if err != nil {
			b.TokenErr = err
			continue
		}
		b.Token = tok
		b.TokenErr = nil
		return
	}
}

func walkParts(p *enmime.Part, fn func(*enmime.Part)) {
	for ; p != nil; p = p.NextSibling {
		fn(p)
		walkParts(p.FirstChild, fn)
	}
}

// reasonFor 把增强状态码映射为用户可读的原因
func reasonFor(status, diagnostic string) BounceReason {
	if status == "" {
		return ReasonOther
	}
	if status[0] == '4' {
		return ReasonTransient
	}

	parts := strings.SplitN(status, ".", 3)
	if len(parts) != 3 {
		return ReasonOther
	}
	switch {
	case parts[1] == "2" && parts[2] == "2":
		return ReasonMailboxFull
	case parts[1] == "1", parts[1] == "2":
		return ReasonMailboxUnavailable
	case parts[1] == "7":
		if strings.Contains(strings.ToLower(diagnostic), "spam") {
			return ReasonSpam
		}
		return ReasonPolicy
	}
	return ReasonOther
}

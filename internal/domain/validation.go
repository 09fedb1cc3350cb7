package domain

import (
	"errors"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// 验证相关的错误定义
var (
	ErrEmailTooLong     = errors.New("email address too long (max 400 chars)")
	ErrLocalPartTooLong = errors.New("local part too long")
	ErrDomainTooLong    = errors.New("domain too long (max 255 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
	ErrMissingAt        = errors.New("missing @ separator")
)

// 验证常量
const (
	MaxEmailLength          = 400 // 整个地址最大长度
	MaxLocalPartLength      = 64  // 普通本地部分最大长度
	MaxRelayLocalPartLength = 250 // 中继域下编码地址（_at_ 转发地址、VERP 退信地址）的本地部分最大长度
	MaxDomainLength         = 255 // 域名最大长度
	MaxLabelLength          = 63  // 单个域名标签最大长度
)

var (
	// RFC 5322 dot-atom 的 atext 字符集
	localPartRegex = regexp.MustCompile("^[a-zA-Z0-9!#$%&'*+/=?^_`{|}~-]+(\\.[a-zA-Z0-9!#$%&'*+/=?^_`{|}~-]+)*$")

	// 单个域名标签
	labelRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

	// 邮件头注入相关的空白字符
	headerWhitespace = strings.NewReplacer("\r", "", "\n", "", "\t", "", "\x00", "")
)

// Address 本地部分 + 域名
type Address struct {
	LocalPart string
	Domain    string
}

// String 返回 local@domain
func (a Address) String() string {
	return JoinAddress(a.LocalPart, a.Domain)
}

// JoinAddress 拼接地址
func JoinAddress(localPart, domain string) string {
	return localPart + "@" + domain
}

// SplitAddress 在最后一个 @ 处拆分地址
func SplitAddress(addr string) (Address, error) {
	idx := strings.LastIndex(addr, "@")
	if idx <= 0 || idx == len(addr)-1 {
		return Address{}, ErrMissingAt
	}
	return Address{LocalPart: addr[:idx], Domain: addr[idx+1:]}, nil
}

// SanitizeAddress 去除尖括号、空白和换行，域名转小写。
// 非法地址原样返回（去除空白后），由 Validate 报错。
func SanitizeAddress(raw string) string {
	addr := headerWhitespace.Replace(raw)
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	addr = strings.Join(strings.Fields(addr), "")

	parsed, err := SplitAddress(addr)
	if err != nil {
		return addr
	}
	return JoinAddress(parsed.LocalPart, strings.ToLower(parsed.Domain))
}

// IsNullSender 判断是否为空反向路径（传输层退信标记）
func IsNullSender(from string) bool {
	s := strings.TrimSpace(from)
	return s == "" || s == "<>"
}

// EmailValidator 地址语法验证器。
// 中继域下的地址允许更长的本地部分，用于承载编码后的转发地址和退信令牌。
type EmailValidator struct {
	relayDomain string
}

// NewEmailValidator 创建邮箱验证器
func NewEmailValidator(relayDomain string) *EmailValidator {
	return &EmailValidator{relayDomain: strings.ToLower(relayDomain)}
}

// ValidateEmail 完整验证已清洗的地址
func (v *EmailValidator) ValidateEmail(email string) error {
	if len(email) > MaxEmailLength {
		return NewRelayError(KindInvalidEmail, email, ErrEmailTooLong)
	}

	addr, err := SplitAddress(email)
	if err != nil {
		return NewRelayError(KindInvalidEmail, email, err)
	}

	maxLocal := MaxLocalPartLength
	if v.relayDomain != "" && strings.EqualFold(addr.Domain, v.relayDomain) {
		maxLocal = MaxRelayLocalPartLength
	}

	if err := ValidateLocalPart(addr.LocalPart, maxLocal); err != nil {
		return NewRelayError(KindInvalidEmail, email, err)
	}
	if err := ValidateDomain(addr.Domain); err != nil {
		return NewRelayError(KindInvalidEmail, email, err)
	}
	return nil
}

// ValidateLocalPart 验证本地部分
func ValidateLocalPart(localPart string, maxLen int) error {
	if localPart == "" {
		return ErrInvalidLocalPart
	}
	if len(localPart) > maxLen {
		return ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}
	return nil
}

// ValidateDomain 验证域名，国际化域名先转换为 punycode
func ValidateDomain(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}

	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return ErrInvalidDomain
	}
	ascii = strings.ToLower(ascii)

	if len(ascii) > MaxDomainLength {
		return ErrDomainTooLong
	}

	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return ErrInvalidDomain
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > MaxLabelLength {
			return ErrInvalidDomain
		}
		if !labelRegex.MatchString(label) {
			return ErrInvalidDomain
		}
	}
	return nil
}

// Envelope 清洗后的信封
type Envelope struct {
	MailFrom   string // 空字符串表示空反向路径
	Recipients []string
}

// IsBounce 是否为传输层退信（空反向路径）
func (e *Envelope) IsBounce() bool {
	return e.MailFrom == ""
}

// SanitizeEnvelope 清洗并验证发件人与收件人。
// 空反向路径不做验证；其余任何非法地址返回 ErrInvalidEmail 类错误。
func (v *EmailValidator) SanitizeEnvelope(from string, recipients []string) (*Envelope, error) {
	env := &Envelope{Recipients: make([]string, 0, len(recipients))}

	if !IsNullSender(from) {
		env.MailFrom = SanitizeAddress(from)
		if err := v.ValidateEmail(env.MailFrom); err != nil {
			return nil, err
		}
	}

	for _, rcpt := range recipients {
		addr := SanitizeAddress(rcpt)
		if err := v.ValidateEmail(addr); err != nil {
			return nil, err
		}
		env.Recipients = append(env.Recipients, addr)
	}
	return env, nil
}

package relay

import (
	"bufio"
	"bytes"
	"errors"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
)

var errSenderUnauthenticated = errors.New("sender not authenticated by upstream")

// SenderAuthenticator 检查上游 MTA 写入的 Authentication-Results，
// 确认别名 → 外部方向的发件人确实来自所有者的邮箱。
//
// 只采信 authserv-id 与配置一致的结果头，上游 MTA 需要删除入站邮件中同名的伪造头。
type SenderAuthenticator struct {
	servID string
}

// NewSenderAuthenticator servID 为空时返回 nil，表示不做检查
func NewSenderAuthenticator(servID string) *SenderAuthenticator {
	servID = strings.TrimSpace(servID)
	if servID == "" {
		return nil
	}
	return &SenderAuthenticator{servID: servID}
}

// Verify DMARC 通过，或 SPF/DKIM 通过且域名与发件人一致时返回 nil
func (a *SenderAuthenticator) Verify(sender string, data []byte) error {
	if a == nil {
		return nil
	}
	_, senderDomain, ok := strings.Cut(sender, "@")
	if !ok {
		return errSenderUnauthenticated
	}

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return errSenderUnauthenticated
	}

	fields := h.FieldsByKey("Authentication-Results")
	for fields.Next() {
		id, results, err := authres.Parse(fields.Value())
		if err != nil || !strings.EqualFold(id, a.servID) {
			continue
		}
		for _, r := range results {
			if passes(r, senderDomain) {
				return nil
			}
		}
	}
	return errSenderUnauthenticated
}

func passes(r authres.Result, senderDomain string) bool {
	switch v := r.(type) {
	case *authres.DMARCResult:
		return v.Value == authres.ResultPass && sameDomain(v.From, senderDomain)
	case *authres.SPFResult:
		return v.Value == authres.ResultPass && sameDomain(v.From, senderDomain)
	case *authres.DKIMResult:
		return v.Value == authres.ResultPass && sameDomain(v.Domain, senderDomain)
	}
	return false
}

// sameDomain 比较结果中的域名（可能是完整地址）与发件人域名
func sameDomain(value, senderDomain string) bool {
	if i := strings.LastIndexByte(value, '@'); i >= 0 {
		value = value[i+1:]
	}
	return value != "" && strings.EqualFold(strings.TrimSuffix(value, "."), senderDomain)
}

package resolver

import (
	"errors"
	"strings"

	"maskrelay/backend/internal/domain"
)

// forwardMarker 别名发往外部地址的编码分隔符
const forwardMarker = "_at_"

// 转发地址解析错误
var (
	ErrNotForwardAddress = errors.New("not a forward address")
	ErrMalformedForward  = errors.New("malformed forward address")
)

// ForwardAddress 别名发往外部的编码地址解析结果
type ForwardAddress struct {
	Outside    string // 外部收件人
	AliasLocal string // 别名本地部分
}

// EncodeForwardAddress 生成 <outside-local>_at_<outside-domain>_<alias-local>@<relay-domain>
func EncodeForwardAddress(outside, aliasLocal, relayDomain string) (string, error) {
	addr, err := domain.SplitAddress(outside)
	if err != nil {
		return "", err
	}
	if strings.Contains(addr.LocalPart, forwardMarker) || strings.HasSuffix(addr.LocalPart, "_at") {
		return "", ErrMalformedForward
	}
	outsideDomain := strings.ToLower(addr.Domain)
	local := addr.LocalPart + forwardMarker + outsideDomain + "_" + aliasLocal

	// 编码结果必须能原样解析回来，标记与相邻字符重叠时拒绝
	fwd, err := ParseForwardLocalPart(local)
	if err != nil || fwd.Outside != domain.JoinAddress(addr.LocalPart, outsideDomain) || fwd.AliasLocal != aliasLocal {
		return "", ErrMalformedForward
	}
	return domain.JoinAddress(local, relayDomain), nil
}

// ParseForwardLocalPart 解析编码后的本地部分。
//
// 不含 _at_ 返回 ErrNotForwardAddress；含多个 _at_ 或结构不完整返回 ErrMalformedForward。
// 外部域名不可能包含下划线，因此在 _at_ 之后的第一个下划线处分出别名本地部分。
func ParseForwardLocalPart(local string) (*ForwardAddress, error) {
	switch strings.Count(local, forwardMarker) {
	case 0:
		return nil, ErrNotForwardAddress
	case 1:
	default:
		return nil, ErrMalformedForward
	}

	idx := strings.Index(local, forwardMarker)
	outsideLocal := local[:idx]
	rest := local[idx+len(forwardMarker):]

	sep := strings.Index(rest, "_")
	if outsideLocal == "" || sep <= 0 || sep == len(rest)-1 {
		return nil, ErrMalformedForward
	}

	outsideDomain := rest[:sep]
	aliasLocal := rest[sep+1:]
	return &ForwardAddress{
		Outside:    domain.JoinAddress(outsideLocal, outsideDomain),
		AliasLocal: aliasLocal,
	}, nil
}

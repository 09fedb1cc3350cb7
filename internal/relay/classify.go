package relay

import (
	"context"
	"errors"

	"maskrelay/backend/internal/dispatch"
	"maskrelay/backend/internal/domain"
)

// Classification 错误分类结果
type Classification struct {
	Outcome domain.Outcome
	Notify  bool // 是否给原发件人发说明邮件
}

// Classify 把处理一个收件人时出现的错误映射为结果。
//
// 领域错误是终态且不重试；令牌错误静默吞掉；上游临时失败交给 MTA 重试；
// 其余未分类错误返回 StatusFailed 且不发通知。
func Classify(rcpt string, err error) Classification {
	out := domain.Outcome{Recipient: rcpt}
	if err == nil {
		out.Status = domain.StatusAccepted
		return Classification{Outcome: out}
	}

	if re, ok := domain.AsRelayError(err); ok {
		switch re.Kind {
		case domain.KindTokenInvalid, domain.KindTokenExpired:
			out.Status = domain.StatusSwallowed
			return Classification{Outcome: out}
		}
		out.Status = domain.StatusRejected
		out.Kind = re.Kind
		out.Reason = re.UserMessage()
		return Classification{Outcome: out, Notify: true}
	}

	switch {
	case errors.Is(err, domain.ErrUpstreamTemporary),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		out.Status = domain.StatusTemporary
		out.Reason = "temporary failure, try again later"
	case errors.Is(err, domain.ErrUpstreamRejected):
		out.Status = domain.StatusRejected
		out.Reason = "message rejected by the next hop"
	case errors.Is(err, dispatch.ErrMalformedMessage):
		out.Status = domain.StatusFailed
		out.Reason = "message headers could not be parsed"
	default:
		out.Status = domain.StatusFailed
		out.Reason = "internal error"
	}
	return Classification{Outcome: out}
}

package smtp

import (
	gosmtp "github.com/emersion/go-smtp"

	"maskrelay/backend/internal/domain"
)

var (
	errInvalidSender = &gosmtp.SMTPError{
		Code:         553,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 7},
		Message:      "invalid sender address",
	}
	errInvalidRecipient = &gosmtp.SMTPError{
		Code:         553,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
		Message:      "invalid recipient address",
	}
	errTooManyRecipients = &gosmtp.SMTPError{
		Code:         452,
		EnhancedCode: gosmtp.EnhancedCode{4, 5, 3},
		Message:      "too many recipients",
	}
	errMessageTooLarge = &gosmtp.SMTPError{
		Code:         552,
		EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
		Message:      "message size exceeds limit",
	}
	errTemporary = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "temporary failure, please try again later",
	}
	errFailed = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 3, 0},
		Message:      "transaction failed",
	}
	errNoRecipients = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
		Message:      "no valid recipients",
	}
)

// replyFor 把各收件人的结果汇总为一个 SMTP 回复，nil 表示 250。
//
// 任一收件人成功即成功；否则临时失败优先于内部错误，内部错误优先于拒绝。
func replyFor(outcomes []domain.Outcome) error {
	if len(outcomes) == 0 {
		return errNoRecipients
	}

	var temporary, failed bool
	var rejected *domain.Outcome
	onlyInvalid := true
	for i := range outcomes {
		out := &outcomes[i]
		switch out.Status {
		case domain.StatusAccepted, domain.StatusSwallowed:
			return nil
		case domain.StatusTemporary:
			temporary = true
		case domain.StatusFailed:
			failed = true
		case domain.StatusRejected:
			if out.Kind != domain.KindInvalidEmail {
				onlyInvalid = false
				if rejected == nil {
					rejected = out
				}
			}
		}
	}

	switch {
	case temporary:
		return errTemporary
	case failed:
		return errFailed
	case onlyInvalid:
		return errInvalidRecipient
	}
	return rejectedReply(*rejected)
}

// rejectedReply 别名不存在、停用、不属于发件人三种情况回复相同文本
func rejectedReply(out domain.Outcome) *gosmtp.SMTPError {
	if out.Kind == 0 {
		msg := out.Reason
		if msg == "" {
			msg = "message rejected by destination"
		}
		return &gosmtp.SMTPError{Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 0, 0}, Message: msg}
	}
	msg := out.Reason
	if msg == "" {
		msg = domain.NewRelayError(domain.KindAliasNotFound, "", nil).UserMessage()
	}
	return &gosmtp.SMTPError{Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 1, 1}, Message: msg}
}

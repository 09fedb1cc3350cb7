package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"maskrelay/backend/internal/dispatch"
	"maskrelay/backend/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status domain.Status
		kind   domain.ErrorKind
		notify bool
	}{
		{"成功", nil, domain.StatusAccepted, 0, false},
		{"别名不存在", domain.NewRelayError(domain.KindAliasNotFound, "x@relay.example", nil), domain.StatusRejected, domain.KindAliasNotFound, true},
		{"别名已停用", domain.NewRelayError(domain.KindAliasDisabled, "x@relay.example", nil), domain.StatusRejected, domain.KindAliasDisabled, true},
		{"地址非法", domain.NewRelayError(domain.KindInvalidEmail, "x", nil), domain.StatusRejected, domain.KindInvalidEmail, true},
		{"令牌过期", domain.NewRelayError(domain.KindTokenExpired, "", nil), domain.StatusSwallowed, 0, false},
		{"上游临时失败", fmt.Errorf("%w: 421", domain.ErrUpstreamTemporary), domain.StatusTemporary, 0, false},
		{"上下文超时", context.DeadlineExceeded, domain.StatusTemporary, 0, false},
		{"上游拒绝", fmt.Errorf("%w: 550", domain.ErrUpstreamRejected), domain.StatusRejected, 0, false},
		{"邮件头损坏", fmt.Errorf("%w: eof", dispatch.ErrMalformedMessage), domain.StatusFailed, 0, false},
		{"未知错误", errors.New("boom"), domain.StatusFailed, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify("x@relay.example", tt.err)
			assert.Equal(t, tt.status, c.Outcome.Status)
			assert.Equal(t, tt.kind, c.Outcome.Kind)
			assert.Equal(t, tt.notify, c.Notify)
			assert.Equal(t, "x@relay.example", c.Outcome.Recipient)
		})
	}
}

func TestClassify_SameTextForHiddenKinds(t *testing.T) {
	var reasons []string
	for _, kind := range []domain.ErrorKind{domain.KindAliasNotFound, domain.KindAliasDisabled, domain.KindAliasNotYours} {
		reasons = append(reasons, Classify("x", domain.NewRelayError(kind, "x", nil)).Outcome.Reason)
	}
	assert.Equal(t, reasons[0], reasons[1])
	assert.Equal(t, reasons[0], reasons[2])
}

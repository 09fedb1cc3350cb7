package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/token"
)

func TestSenderAuthenticator_Verify(t *testing.T) {
	auth := NewSenderAuthenticator("mx.relay.example")
	body := "From: user@real.example\r\nSubject: hi\r\n\r\nhello\r\n"

	tests := []struct {
		name   string
		header string
		ok     bool
	}{
		{"DMARC 通过", "Authentication-Results: mx.relay.example; dmarc=pass header.from=real.example\r\n", true},
		{"SPF 通过", "Authentication-Results: mx.relay.example; spf=pass smtp.mailfrom=user@real.example\r\n", true},
		{"DKIM 通过", "Authentication-Results: mx.relay.example; dkim=pass header.d=real.example\r\n", true},
		{"SPF 失败", "Authentication-Results: mx.relay.example; spf=fail smtp.mailfrom=user@real.example\r\n", false},
		{"域名不一致", "Authentication-Results: mx.relay.example; dkim=pass header.d=attacker.example\r\n", false},
		{"其他服务器写入的结果", "Authentication-Results: mx.attacker.example; dmarc=pass header.from=real.example\r\n", false},
		{"没有结果头", "", false},
		{"多个结果头", "Authentication-Results: mx.attacker.example; dmarc=pass header.from=real.example\r\n" +
			"Authentication-Results: mx.relay.example; spf=softfail smtp.mailfrom=user@real.example; dmarc=pass header.from=real.example\r\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auth.Verify("user@real.example", []byte(tt.header+body))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errSenderUnauthenticated)
			}
		})
	}

	t.Run("未配置时不检查", func(t *testing.T) {
		disabled := NewSenderAuthenticator("  ")
		assert.Nil(t, disabled)
		assert.NoError(t, disabled.Verify("user@real.example", []byte(body)))
	})
}

func TestHandle_AliasToOutsideRequiresAuthentication(t *testing.T) {
	f := newFixture(t)
	f.handler.auth = NewSenderAuthenticator("mx.relay.example")

	spoofed := f.handler.Handle(context.Background(), &Inbound{
		MailFrom:   "user@real.example",
		Recipients: []string{"bob_at_example.org_shop@relay.example"},
		Data:       []byte("From: user@real.example\r\nSubject: hi\r\n\r\nhello\r\n"),
	})
	require.Len(t, spoofed.Outcomes, 1)
	assert.Equal(t, domain.StatusRejected, spoofed.Outcomes[0].Status)
	assert.Equal(t, domain.KindAliasNotYours, spoofed.Outcomes[0].Kind)
	assert.Empty(t, f.transport.byDirection(t, f.codec, token.DirectionAliasToOutside))

	res := f.handler.Handle(context.Background(), &Inbound{
		MailFrom:   "user@real.example",
		Recipients: []string{"bob_at_example.org_shop@relay.example"},
		Data: []byte("Authentication-Results: mx.relay.example; dmarc=pass header.from=real.example\r\n" +
			"From: user@real.example\r\nSubject: hi\r\n\r\nhello\r\n"),
	})
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, domain.StatusAccepted, res.Outcomes[0].Status)

	sent := f.transport.byDirection(t, f.codec, token.DirectionAliasToOutside)
	require.Len(t, sent, 1)
	assert.NotContains(t, string(sent[0].Data), "Authentication-Results")
}

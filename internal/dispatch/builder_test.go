package dispatch

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/token"
)

func newTestCodec(t *testing.T) *token.Codec {
	t.Helper()
	codec, err := token.NewCodec(token.Config{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		Domain: "relay.example",
	})
	require.NoError(t, err)
	return codec
}

func newTestBuilder(t *testing.T) (*Builder, *token.Codec) {
	codec := newTestCodec(t)
	b := NewBuilder(BuilderConfig{Domain: "relay.example"}, codec, nil)
	n := 0
	b.newID = func() string {
		n++
		return "id" + strings.Repeat("x", n)
	}
	b.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	return b, codec
}

func parseOut(t *testing.T, data []byte) (textproto.Header, string) {
	t.Helper()
	br := bufio.NewReader(bytes.NewReader(data))
	h, err := textproto.ReadHeader(br)
	require.NoError(t, err)
	var body bytes.Buffer
	_, _ = body.ReadFrom(br)
	return h, body.String()
}

const inboundMail = "From: Alice Smith <alice@example.com>\r\n" +
	"To: shop.x7k2@relay.example\r\n" +
	"Reply-To: support@example.com, other@relay.example\r\n" +
	"Subject: Hello\r\n" +
	"Message-Id: <orig-1@example.com>\r\n" +
	"DKIM-Signature: v=1; a=rsa-sha256; d=example.com\r\n" +
	"Return-Path: <alice@example.com>\r\n" +
	"X-Relay-Token: forged\r\n" +
	"\r\n" +
	"Hi there\r\n"

func TestBuilder_OutsideToAlias(t *testing.T) {
	b, codec := newTestBuilder(t)

	out, err := b.BuildOutsideToAlias(OutsideToAlias{
		Data:       []byte(inboundMail),
		Sender:     "bounce@mailer.example.com",
		AliasLocal: "shop.x7k2",
		Mailbox:    "user@real.example",
	})
	require.NoError(t, err)

	h, body := parseOut(t, out.Data)
	assert.Equal(t, "Hi there\r\n", body)
	assert.Equal(t, []string{"user@real.example"}, out.Recipients)

	from := h.Get("From")
	assert.Contains(t, from, "alice_at_example.com_shop.x7k2@relay.example")
	assert.Contains(t, from, "Alice Smith (alice@example.com)")
	assert.Equal(t, "<user@real.example>", h.Get("To"))

	replyTo := h.Get("Reply-To")
	assert.Contains(t, replyTo, "support_at_example.com_shop.x7k2@relay.example")
	assert.Contains(t, replyTo, "other@relay.example")

	assert.False(t, h.Has("DKIM-Signature"))
	assert.False(t, h.Has("Return-Path"))
	assert.Equal(t, "<"+out.MessageID+">", h.Get("Message-Id"))
	assert.NotEqual(t, "orig-1@example.com", out.MessageID)

	t.Run("令牌头", func(t *testing.T) {
		assert.Equal(t, out.Token, h.Get("X-Relay-Token"))
		tok, err := codec.Decode(out.Token)
		require.NoError(t, err)
		assert.Equal(t, token.DirectionOutsideToAlias, tok.Direction)
		assert.Equal(t, "alice@example.com", tok.Counterpart)
		assert.Equal(t, strings.TrimSuffix(out.MessageID, "@relay.example"), tok.MessageID)
	})

	t.Run("VERP 信封发件人", func(t *testing.T) {
		require.True(t, codec.IsTokenAddress(out.EnvelopeFrom))
		tok, err := codec.DecodeAddress(out.EnvelopeFrom)
		require.NoError(t, err)
		assert.Equal(t, token.DirectionOutsideToAlias, tok.Direction)
	})
}

func TestBuilder_LongInboundIdentifiers(t *testing.T) {
	codec := newTestCodec(t)
	b := NewBuilder(BuilderConfig{Domain: "relay.example"}, codec, nil)
	validator := domain.NewEmailValidator("relay.example")

	gmailID := "CAKx3yZ9" + strings.Repeat("q7Rt2mWp", 8) + "=A_b-x+Yz@mail.gmail.com"
	raw := "From: Newsletter <newsletter-notifications@marketing.bigcompany.example.com>\r\n" +
		"To: shop.x7k2@relay.example\r\n" +
		"Message-Id: <" + gmailID + ">\r\n" +
		"Subject: Weekly digest\r\n" +
		"\r\n" +
		"News\r\n"

	out, err := b.BuildOutsideToAlias(OutsideToAlias{
		Data:       []byte(raw),
		Sender:     "newsletter-notifications@marketing.bigcompany.example.com",
		AliasLocal: "shop.x7k2",
		Mailbox:    "user@real.example",
	})
	require.NoError(t, err)

	require.True(t, codec.IsTokenAddress(out.EnvelopeFrom))
	assert.NoError(t, validator.ValidateEmail(out.EnvelopeFrom))

	tok, err := codec.DecodeAddress(out.EnvelopeFrom)
	require.NoError(t, err)
	assert.Equal(t, "newsletter-notifications@marketing.bigcompany.example.com", tok.Counterpart)
	assert.NotContains(t, tok.MessageID, "gmail")

	t.Run("超长发件人回退到令牌头", func(t *testing.T) {
		sender := strings.Repeat("a", 60) + "@" + strings.Repeat("sub.", 30) + "example.com"
		out, err := b.BuildOutsideToAlias(OutsideToAlias{
			Data:       []byte("From: " + sender + "\r\nSubject: x\r\n\r\nbody\r\n"),
			Sender:     sender,
			AliasLocal: "shop.x7k2",
			Mailbox:    "user@real.example",
		})
		require.NoError(t, err)
		assert.Equal(t, "noreply@relay.example", out.EnvelopeFrom)

		h, _ := parseOut(t, out.Data)
		tok, err := codec.Decode(h.Get("X-Relay-Token"))
		require.NoError(t, err)
		assert.Equal(t, sender, tok.Counterpart)
	})
}

func TestBuilder_AliasToOutside(t *testing.T) {
	b, codec := newTestBuilder(t)

	raw := "From: Real User <user@real.example>\r\n" +
		"To: bob_at_example.org_shop.x7k2@relay.example\r\n" +
		"Cc: friend@real.example\r\n" +
		"Received: from laptop.home (1.2.3.4)\r\n" +
		"X-Mailer: Thunderbird\r\n" +
		"ARC-Seal: i=1; cv=none\r\n" +
		"X-Forwarded-For: 1.2.3.4\r\n" +
		"In-Reply-To: <thread@example.org>\r\n" +
		"Subject: Re: order\r\n" +
		"\r\n" +
		"Thanks\r\n"

	out, err := b.BuildAliasToOutside(AliasToOutside{
		Data:         []byte(raw),
		AliasAddress: "shop.x7k2@relay.example",
		Outside:      "bob@example.org",
	})
	require.NoError(t, err)

	h, body := parseOut(t, out.Data)
	assert.Equal(t, "Thanks\r\n", body)
	assert.Equal(t, "<shop.x7k2@relay.example>", h.Get("From"))
	assert.Equal(t, "<bob@example.org>", h.Get("To"))
	for _, key := range []string{"Cc", "Received", "X-Mailer", "ARC-Seal", "X-Forwarded-For"} {
		assert.False(t, h.Has(key), key)
	}
	assert.Equal(t, "<thread@example.org>", h.Get("In-Reply-To"))
	assert.NotContains(t, string(out.Data), "user@real.example")
	assert.True(t, h.Has("Date"))

	tok, err := codec.Decode(out.Token)
	require.NoError(t, err)
	assert.Equal(t, token.DirectionAliasToOutside, tok.Direction)
	assert.Equal(t, "shop.x7k2@relay.example", tok.Counterpart)
	assert.Equal(t, []string{"bob@example.org"}, out.Recipients)
}

func TestBuilder_Notice(t *testing.T) {
	b, codec := newTestBuilder(t)

	t.Run("官方通知", func(t *testing.T) {
		out, err := b.BuildNotice(Notice{
			Direction: token.DirectionOfficial,
			To:        "alice@example.com",
			Subject:   "Delivery could not complete",
			Text:      "The address is not available.",
			InReplyTo: "orig-1@example.com",
		})
		require.NoError(t, err)

		h, body := parseOut(t, out.Data)
		assert.Equal(t, "auto-replied", h.Get("Auto-Submitted"))
		assert.Contains(t, h.Get("From"), "noreply@relay.example")
		assert.Equal(t, "<orig-1@example.com>", h.Get("In-Reply-To"))
		assert.Contains(t, body, "The address is not available.")
		assert.Equal(t, "noreply@relay.example", out.EnvelopeFrom)

		tok, err := codec.Decode(h.Get("X-Relay-Token"))
		require.NoError(t, err)
		assert.Equal(t, token.DirectionOfficial, tok.Direction)
	})

	t.Run("退信通知使用 VERP", func(t *testing.T) {
		out, err := b.BuildNotice(Notice{
			Direction: token.DirectionBounceGuard,
			To:        "user@real.example",
			Subject:   "Undelivered",
			Text:      "mailbox unavailable",
		})
		require.NoError(t, err)
		tok, err := codec.DecodeAddress(out.EnvelopeFrom)
		require.NoError(t, err)
		assert.Equal(t, token.DirectionBounceGuard, tok.Direction)
	})

	t.Run("拒绝转发方向", func(t *testing.T) {
		_, err := b.BuildNotice(Notice{Direction: token.DirectionAliasToOutside, To: "x@example.com"})
		assert.Error(t, err)
	})
}

func TestBuilder_MalformedMessage(t *testing.T) {
	b, _ := newTestBuilder(t)
	_, err := b.BuildAliasToOutside(AliasToOutside{
		Data:         []byte("this is not a header\r\n"),
		AliasAddress: "a@relay.example",
		Outside:      "b@example.org",
	})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

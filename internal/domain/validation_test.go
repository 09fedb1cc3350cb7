package domain

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEmail(t *testing.T) {
	v := NewEmailValidator("relay.example")

	tests := []struct {
		name     string
		email    string
		expected bool
	}{
		{"Valid email", "test@example.com", true},
		{"Valid email with subdomain", "user@mail.example.com", true},
		{"Valid email with plus", "user+tag@example.com", true},
		{"Valid email with dots", "first.last@example.com", true},
		{"Valid email with underscore", "first_last@example.com", true},
		{"Valid internationalized domain", "user@bücher.example", true},
		{"Invalid email - no @", "testexample.com", false},
		{"Invalid email - no domain", "test@", false},
		{"Invalid email - no local part", "@example.com", false},
		{"Invalid email - empty", "", false},
		{"Invalid email - leading dot", ".test@example.com", false},
		{"Invalid email - double dots", "te..st@example.com", false},
		{"Invalid email - no TLD", "test@example", false},
		{"Invalid email - label starts with dash", "test@-example.com", false},
		{"Invalid email - underscore in domain", "test@exa_mple.com", false},
		{"Invalid email - local part too long", strings.Repeat("a", 65) + "@example.com", false},
		{"Invalid email - label too long", "test@" + strings.Repeat("a", 64) + ".com", false},
		{"Valid long local part on relay domain", strings.Repeat("a", 120) + "@relay.example", true},
		{"Invalid local part over relay limit", strings.Repeat("a", 251) + "@relay.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateEmail(tt.email)
			if tt.expected {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidEmail))
			}
		})
	}
}

func TestValidateEmail_TotalLength(t *testing.T) {
	v := NewEmailValidator("relay.example")
	label := strings.Repeat("b", 60)
	email := strings.Repeat("a", 200) + "@" + strings.Join([]string{label, label, label, label}, ".") + ".com"
	require.Greater(t, len(email), MaxEmailLength)

	err := v.ValidateEmail(email)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmailTooLong))
}

func TestSanitizeAddress(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"angle brackets", "<user@example.com>", "user@example.com"},
		{"domain lowercased", "User@Example.COM", "User@example.com"},
		{"whitespace stripped", "  user@example.com \r\n", "user@example.com"},
		{"tabs stripped", "us\ter@example.com", "user@example.com"},
		{"no at sign", "not-an-address", "not-an-address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeAddress(tt.input))
		})
	}
}

func TestSanitizeEnvelope(t *testing.T) {
	v := NewEmailValidator("relay.example")

	t.Run("空反向路径不验证", func(t *testing.T) {
		env, err := v.SanitizeEnvelope("<>", []string{"alias@relay.example"})
		require.NoError(t, err)
		assert.True(t, env.IsBounce())
		assert.Equal(t, []string{"alias@relay.example"}, env.Recipients)
	})

	t.Run("发件人非法", func(t *testing.T) {
		_, err := v.SanitizeEnvelope("bad@@example", []string{"alias@relay.example"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidEmail))
	})

	t.Run("头注入被拒绝", func(t *testing.T) {
		_, err := v.SanitizeEnvelope("sender@example.com", []string{"victim@example.com\r\nBcc: other@example.com"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidEmail))
	})

	t.Run("收件人被清洗", func(t *testing.T) {
		env, err := v.SanitizeEnvelope(" sender@Example.com ", []string{"<Alias@RELAY.example>"})
		require.NoError(t, err)
		assert.False(t, env.IsBounce())
		assert.Equal(t, "sender@example.com", env.MailFrom)
		assert.Equal(t, []string{"Alias@relay.example"}, env.Recipients)
	})
}

func TestRelayError(t *testing.T) {
	err := NewRelayError(KindAliasNotYours, "a@relay.example", nil)

	assert.True(t, errors.Is(err, ErrAliasNotYours))
	assert.False(t, errors.Is(err, ErrAliasNotFound))

	re, ok := AsRelayError(err)
	require.True(t, ok)
	assert.Equal(t, ErrAliasNotFound.UserMessage(), re.UserMessage())
	assert.Equal(t, ErrAliasDisabled.UserMessage(), re.UserMessage())
}

func TestPreferenceOverrides_Apply(t *testing.T) {
	off := false
	format := ImageFormatPNG
	ua := "Mozilla/5.0"

	base := DefaultPreferences()
	got := PreferenceOverrides{RemoveTrackers: &off, ImageFormat: &format, UserAgent: &ua}.Apply(base)

	assert.False(t, got.RemoveTrackers)
	assert.True(t, got.ProxyImages)
	assert.True(t, got.ExpandURLs)
	assert.Equal(t, ImageFormatPNG, got.ImageFormat)
	assert.Equal(t, "Mozilla/5.0", got.UserAgent)

	assert.Equal(t, base, PreferenceOverrides{}.Apply(base))
}

func TestUser_ReportKey(t *testing.T) {
	key := strings.Repeat("A", 43) + "="

	u := &User{StoreReports: true, PublicKey: key}
	_, ok := u.ReportKey()
	assert.True(t, ok)

	u.StoreReports = false
	_, ok = u.ReportKey()
	assert.False(t, ok)

	u = &User{StoreReports: true, PublicKey: "c2hvcnQ="}
	_, ok = u.ReportKey()
	assert.False(t, ok)
}

package dispatch

import (
	"strings"

	"github.com/emersion/go-message/textproto"
)

// 别名 → 外部：去掉所有可能暴露用户身份或来源的头
var aliasToOutsideStrip = map[string]bool{
	"received":                true,
	"x-received":              true,
	"x-originating-ip":        true,
	"x-mailer":                true,
	"x-sender":                true,
	"user-agent":              true,
	"dkim-signature":          true,
	"x-google-dkim-signature": true,
	"x-gm-message-state":      true,
	"x-google-smtp-source":    true,
	"authentication-results":  true,
	"return-path":             true,
	"delivered-to":            true,
	"x-original-to":           true,
	"cc":                      true,
	"bcc":                     true,
	"reply-to":                true,
	"sender":                  true,
}

var aliasToOutsidePrefixes = []string{"arc-", "x-forwarded-", "x-ms-exchange-", "x-spam-"}

// 外部 → 别名：只去掉会在转发后失效或误导的头
var outsideToAliasStrip = map[string]bool{
	"dkim-signature": true,
	"return-path":    true,
	"sender":         true,
	"delivered-to":   true,
}

func stripHeaders(h *textproto.Header, exact map[string]bool, prefixes []string, extra ...string) {
	fields := h.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if exact[key] || hasAnyPrefix(key, prefixes) || containsFold(extra, key) {
			fields.Del()
		}
	}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

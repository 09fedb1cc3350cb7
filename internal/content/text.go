package content

import (
	"context"
	"regexp"
	"strings"

	"maskrelay/backend/internal/domain"
)

// 纯文本中的 URL，结尾的标点不算在内
var textURLRegex = regexp.MustCompile(`https?://[^\s<>"'()\[\]]+[^\s<>"'()\[\].,;:!?]`)

// sanitizeText 展开纯文本正文中的短链接
func (p *Pipeline) sanitizeText(ctx context.Context, body []byte, prefs domain.Preferences, report *domain.EmailReport) ([]byte, bool) {
	if !prefs.ExpandURLs || p.expander == nil {
		return nil, false
	}

	text := string(body)
	var urls []string
	for _, u := range textURLRegex.FindAllString(text, -1) {
		if p.expander.IsShortened(u) {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, false
	}

	expanded := p.expander.ExpandAll(ctx, urls, prefs.UserAgent)
	if len(expanded) == 0 {
		return nil, false
	}

	out := textURLRegex.ReplaceAllStringFunc(text, func(u string) string {
		if final, ok := expanded[u]; ok {
			return final
		}
		return u
	})

	for _, u := range dedupe(urls) {
		final, ok := expanded[u]
		if !ok {
			continue
		}
		report.ExpandedURLs = append(report.ExpandedURLs, domain.ExpandedURL{
			OriginalURL: u,
			ExpandedURL: final,
			Trackers:    TrackingParams(final),
		})
	}
	return []byte(out), out != text
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := items[:0:0]
	for _, it := range items {
		key := strings.TrimSpace(it)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

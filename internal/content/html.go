package content

import (
	"bytes"
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"maskrelay/backend/internal/domain"
)

// 保存原始地址的旁路属性
const (
	AttrOriginalSrc  = "data-original-src"
	AttrOriginalHref = "data-original-href"
)

// 按尺寸判定的像素追踪器名称
const pixelTrackerName = "tracking pixel"

// sanitizeHTML 处理一个 HTML 正文。
// 返回 changed=false 时调用方应使用原始字节；err 非 nil 表示无法解析，应原样放行。
func (p *Pipeline) sanitizeHTML(ctx context.Context, body []byte, aliasID string, prefs domain.Preferences, report *domain.EmailReport) (out []byte, changed bool, err error) {
	if !utf8.Valid(body) {
		return nil, false, errInvalidUTF8
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}

	if prefs.RemoveTrackers && p.removeTrackers(doc, report) {
		changed = true
	}
	if prefs.ProxyImages && p.proxy != nil && p.proxyImages(doc, aliasID, prefs.ImageFormat, report) {
		changed = true
	}
	if prefs.ExpandURLs && p.expander != nil && p.expandLinks(ctx, doc, prefs.UserAgent, report) {
		changed = true
	}

	if !changed {
		return nil, false, nil
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc.Nodes[0]); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

// removeTrackers 删除像素追踪器和黑名单中的图片
func (p *Pipeline) removeTrackers(doc *goquery.Document, report *domain.EmailReport) bool {
	removed := false
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		if orig, ok := img.Attr(AttrOriginalSrc); ok {
			src = orig
		}

		var record *domain.RemovedTracker
		if def, ok := p.trackers.Match(src); ok {
			record = &domain.RemovedTracker{Source: src, TrackerName: def.Name, TrackerURL: def.URL}
		} else if isPixel(img) {
			record = &domain.RemovedTracker{Source: src, TrackerName: pixelTrackerName}
		}
		if record == nil {
			return
		}

		img.Remove()
		report.RemovedTrackers = append(report.RemovedTrackers, *record)
		removed = true
	})
	return removed
}

// isPixel 宽或高为 0，或宽高都为 1
func isPixel(img *goquery.Selection) bool {
	w, hasW := dimension(img, "width")
	h, hasH := dimension(img, "height")
	if (hasW && w == "0") || (hasH && h == "0") {
		return true
	}
	return hasW && hasH && w == "1" && h == "1"
}

func dimension(img *goquery.Selection, attr string) (string, bool) {
	v, ok := img.Attr(attr)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimSuffix(v, "px")
	return strings.TrimSpace(v), true
}

// proxyImages 把剩余图片改写为签名的代理地址
func (p *Pipeline) proxyImages(doc *goquery.Document, aliasID string, format domain.ImageFormat, report *domain.EmailReport) bool {
	rewritten := false
	doc.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
		if _, done := img.Attr(AttrOriginalSrc); done {
			return
		}
		src, _ := img.Attr("src")
		src = strings.TrimSpace(src)
		if !isRemoteURL(src) || p.proxy.IsProxied(src) {
			return
		}
		if strings.HasPrefix(src, "//") {
			src = "https:" + src
		}

		proxied := p.proxy.URL(src, aliasID, format)
		img.SetAttr(AttrOriginalSrc, src)
		img.SetAttr("src", proxied)

		report.ProxiedImages = append(report.ProxiedImages, domain.ProxiedImage{
			OriginalURL: src,
			ProxyURL:    proxied,
			At:          time.Now().UTC(),
		})
		rewritten = true
	})
	return rewritten
}

// expandLinks 展开 a[href] 中的短链接
func (p *Pipeline) expandLinks(ctx context.Context, doc *goquery.Document, userAgent string, report *domain.EmailReport) bool {
	var (
		anchors []*goquery.Selection
		urls    []string
	)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if _, done := a.Attr(AttrOriginalHref); done {
			return
		}
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if !isRemoteURL(href) || !p.expander.IsShortened(href) {
			return
		}
		anchors = append(anchors, a)
		urls = append(urls, href)
	})
	if len(urls) == 0 {
		return false
	}

	expanded := p.expander.ExpandAll(ctx, urls, userAgent)
	if len(expanded) == 0 {
		return false
	}

	recorded := make(map[string]bool, len(expanded))
	for i, a := range anchors {
		final, ok := expanded[urls[i]]
		if !ok {
			continue
		}
		a.SetAttr(AttrOriginalHref, urls[i])
		a.SetAttr("href", final)
		if !recorded[urls[i]] {
			recorded[urls[i]] = true
			report.ExpandedURLs = append(report.ExpandedURLs, domain.ExpandedURL{
				OriginalURL: urls[i],
				ExpandedURL: final,
				Trackers:    TrackingParams(final),
			})
		}
	}
	return true
}

func isRemoteURL(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://") || strings.HasPrefix(l, "//")
}

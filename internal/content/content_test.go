package content

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/emersion/go-message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/tracker"
)

const (
	testAliasID  = "3f7d2a9e-0c1b-4e5f-8a6b-9c0d1e2f3a4b"
	testProxyURL = "https://relay.example/proxy/image"
)

// fakeExpander 按固定映射展开短链接
type fakeExpander struct {
	mapping map[string]string
	calls   atomic.Int32
	panics  bool
}

func (f *fakeExpander) IsShortened(raw string) bool {
	return strings.Contains(raw, "://sho.rt/")
}

func (f *fakeExpander) ExpandAll(_ context.Context, urls []string, _ string) map[string]string {
	if f.panics {
		panic("expander exploded")
	}
	f.calls.Add(1)
	out := make(map[string]string)
	for _, u := range urls {
		if final, ok := f.mapping[u]; ok {
			out[u] = final
		}
	}
	return out
}

func newTestPipeline(t *testing.T, exp Expander) *Pipeline {
	t.Helper()
	trackers, err := tracker.Compile([]tracker.Definition{
		{Name: "Evil Tracker", URL: "https://evil.example", Patterns: []tracker.Pattern{
			{Pattern: "track.evil.example", Type: tracker.PatternDomain},
		}},
	})
	require.NoError(t, err)

	proxy, err := NewImageProxy(testProxyURL, []byte("image-proxy-secret-key-0123456789"))
	require.NoError(t, err)

	return NewPipeline(trackers, proxy, exp, zap.NewNop())
}

func TestProcessHTML_TrackersAndProxy(t *testing.T) {
	p := newTestPipeline(t, nil)
	body := []byte(`<html><body>
<p>Hello</p>
<img src="https://mail.example.com/open.gif?id=1" width="0" height="0">
<img src="https://cdn.example.com/logo.png" width="120" height="40">
<img src="https://track.evil.example/p.gif">
<img src="https://cdn.example.com/dot.gif" width="1px" height="1px">
</body></html>`)

	res := p.ProcessHTML(context.Background(), body, testAliasID, domain.DefaultPreferences())
	require.Equal(t, StatusModified, res.Status)
	out := string(res.Body)

	assert.NotContains(t, out, "open.gif")
	assert.NotContains(t, out, "track.evil.example")
	assert.NotContains(t, out, "dot.gif\"")
	assert.Contains(t, out, `data-original-src="https://cdn.example.com/logo.png"`)
	assert.Contains(t, out, testProxyURL+"?")

	require.Len(t, res.Report.RemovedTrackers, 3)
	assert.Equal(t, pixelTrackerName, res.Report.RemovedTrackers[0].TrackerName)
	assert.Equal(t, "Evil Tracker", res.Report.RemovedTrackers[1].TrackerName)
	assert.Equal(t, "https://evil.example", res.Report.RemovedTrackers[1].TrackerURL)

	require.Len(t, res.Report.ProxiedImages, 1)
	assert.Equal(t, "https://cdn.example.com/logo.png", res.Report.ProxiedImages[0].OriginalURL)

	t.Run("重复处理不再改动", func(t *testing.T) {
		again := p.ProcessHTML(context.Background(), res.Body, testAliasID, domain.DefaultPreferences())
		assert.Equal(t, StatusUnchanged, again.Status)
		assert.Equal(t, res.Body, again.Body)
		assert.True(t, again.Report.Empty())
	})
}

func TestProcessHTML_SinglePixelWithoutBlacklist(t *testing.T) {
	p := newTestPipeline(t, nil)
	prefs := domain.DefaultPreferences()
	prefs.ProxyImages = false

	res := p.ProcessHTML(context.Background(),
		[]byte(`<p>hi</p><img src="https://unknown.example/x.png" width="1" height="1">`), testAliasID, prefs)

	require.Equal(t, StatusModified, res.Status)
	assert.NotContains(t, string(res.Body), "unknown.example")
	require.Len(t, res.Report.RemovedTrackers, 1)
}

func TestProcessHTML_PreferencesOff(t *testing.T) {
	p := newTestPipeline(t, &fakeExpander{})
	prefs := domain.Preferences{ImageFormat: domain.ImageFormatOriginal}
	body := []byte(`<img src="https://track.evil.example/p.gif" width="0">`)

	res := p.ProcessHTML(context.Background(), body, testAliasID, prefs)
	assert.Equal(t, StatusUnchanged, res.Status)
	assert.Equal(t, body, res.Body)
}

func TestProcessHTML_SkipsInlineAndDataImages(t *testing.T) {
	p := newTestPipeline(t, nil)
	body := []byte(`<img src="cid:logo@x"><img src="data:image/png;base64,AAAA">`)

	res := p.ProcessHTML(context.Background(), body, testAliasID, domain.DefaultPreferences())
	assert.Equal(t, StatusUnchanged, res.Status)
}

func TestProcessHTML_InvalidUTF8Passthrough(t *testing.T) {
	p := newTestPipeline(t, nil)
	body := []byte("<img src=\"https://a.example/x.png\" width=\"0\">\xff\xfe")

	res := p.ProcessHTML(context.Background(), body, testAliasID, domain.DefaultPreferences())
	assert.Equal(t, StatusPassthrough, res.Status)
	assert.Equal(t, body, res.Body)
	assert.Error(t, res.Err)
	assert.True(t, res.Report.Empty())
}

func TestProcessHTML_PanicPassthrough(t *testing.T) {
	p := newTestPipeline(t, &fakeExpander{panics: true})
	body := []byte(`<a href="https://sho.rt/abc">x</a>`)

	res := p.ProcessHTML(context.Background(), body, testAliasID, domain.DefaultPreferences())
	assert.Equal(t, StatusPassthrough, res.Status)
	assert.Equal(t, body, res.Body)
	assert.Contains(t, res.Err.Error(), "panic")
}

func TestProcessHTML_ExpandLinks(t *testing.T) {
	exp := &fakeExpander{mapping: map[string]string{
		"https://sho.rt/abc": "https://shop.example/item?utm_source=mail&id=7",
	}}
	p := newTestPipeline(t, exp)
	prefs := domain.DefaultPreferences()
	prefs.ProxyImages = false

	body := []byte(`<a href="https://sho.rt/abc">one</a><a href="https://sho.rt/abc">two</a><a href="https://sho.rt/dead">three</a><a href="https://plain.example/">four</a>`)
	res := p.ProcessHTML(context.Background(), body, testAliasID, prefs)

	require.Equal(t, StatusModified, res.Status)
	out := string(res.Body)
	assert.Equal(t, 2, strings.Count(out, `data-original-href="https://sho.rt/abc"`))
	assert.Contains(t, out, `href="https://sho.rt/dead"`)
	assert.Contains(t, out, `href="https://plain.example/"`)

	require.Len(t, res.Report.ExpandedURLs, 1)
	assert.Equal(t, []string{"utm_source"}, res.Report.ExpandedURLs[0].Trackers)
	assert.Equal(t, int32(1), exp.calls.Load())

	again := p.ProcessHTML(context.Background(), res.Body, testAliasID, prefs)
	assert.Equal(t, StatusUnchanged, again.Status)
}

func TestProcessText(t *testing.T) {
	exp := &fakeExpander{mapping: map[string]string{
		"https://sho.rt/abc": "https://shop.example/item?fbclid=zz",
	}}
	p := newTestPipeline(t, exp)

	res := p.ProcessText(context.Background(), []byte("See https://sho.rt/abc. Or https://plain.example/x"), testAliasID, domain.DefaultPreferences())
	require.Equal(t, StatusModified, res.Status)
	assert.Equal(t, "See https://shop.example/item?fbclid=zz. Or https://plain.example/x", string(res.Body))
	require.Len(t, res.Report.ExpandedURLs, 1)
	assert.Equal(t, []string{"fbclid"}, res.Report.ExpandedURLs[0].Trackers)
}

const multipartMessage = "From: News <news@shop.example>\r\n" +
	"To: alias@relay.example\r\n" +
	"Subject: Weekly\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Plain body https://sho.rt/abc\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=iso-8859-1\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"<p>Caf=E9</p><img src=3D\"https://cdn.example.com/a.png\"><img src=3D\"https://x.example/t.gif\" width=3D\"0\" height=3D\"0\">\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"a.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQK\r\n" +
	"--outer--\r\n"

func readParts(t *testing.T, raw []byte) map[string]string {
	t.Helper()
	e, err := message.Read(bytes.NewReader(raw))
	require.NoError(t, err)

	parts := map[string]string{}
	var walk func(*message.Entity)
	walk = func(e *message.Entity) {
		if mr := e.MultipartReader(); mr != nil {
			for {
				p, err := mr.NextPart()
				if err == io.EOF {
					return
				}
				require.NoError(t, err)
				walk(p)
			}
		}
		mt, _, _ := e.Header.ContentType()
		b, err := io.ReadAll(e.Body)
		require.NoError(t, err)
		parts[mt] = string(b)
	}
	walk(e)
	return parts
}

func TestProcess_Multipart(t *testing.T) {
	exp := &fakeExpander{mapping: map[string]string{"https://sho.rt/abc": "https://shop.example/landing"}}
	p := newTestPipeline(t, exp)

	res := p.Process(context.Background(), []byte(multipartMessage), testAliasID, domain.DefaultPreferences())
	require.Equal(t, StatusModified, res.Status, "err: %v", res.Err)

	parts := readParts(t, res.Body)
	assert.Contains(t, parts["text/plain"], "https://shop.example/landing")
	assert.Contains(t, parts["text/html"], "Café")
	assert.Contains(t, parts["text/html"], testProxyURL)
	assert.NotContains(t, parts["text/html"], "t.gif")
	assert.Equal(t, "%PDF-1.4\n", parts["application/pdf"])

	assert.Len(t, res.Report.RemovedTrackers, 1)
	assert.Len(t, res.Report.ProxiedImages, 1)
	assert.Len(t, res.Report.ExpandedURLs, 1)

	assert.Contains(t, string(res.Body), "Subject: Weekly")
}

func TestProcess_UnchangedReturnsOriginal(t *testing.T) {
	p := newTestPipeline(t, &fakeExpander{})
	raw := []byte("From: a@example.com\r\nTo: alias@relay.example\r\nSubject: hi\r\n\r\nJust text, no links.\r\n")

	res := p.Process(context.Background(), raw, testAliasID, domain.DefaultPreferences())
	assert.Equal(t, StatusUnchanged, res.Status)
	assert.Equal(t, raw, res.Body)
}

func TestProcess_MalformedPassthrough(t *testing.T) {
	p := newTestPipeline(t, nil)
	raw := []byte("From: a@example.com\r\nContent-Type: text/html\r\nContent-Transfer-Encoding: x-unknown\r\n\r\n<img width=0 src=\"https://a.example/x\">\r\n")

	res := p.Process(context.Background(), raw, testAliasID, domain.DefaultPreferences())
	assert.Equal(t, StatusPassthrough, res.Status)
	assert.Equal(t, raw, res.Body)
}

func TestProcess_OversizedPartPassthrough(t *testing.T) {
	exp := &fakeExpander{mapping: map[string]string{"https://sho.rt/abc": "https://shop.example/landing"}}
	p := newTestPipeline(t, exp)
	p.maxPartBytes = 64

	raw := []byte("From: a@example.com\r\n" +
		"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"https://sho.rt/abc\r\n" +
		"--XYZ\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"\r\n" +
		strings.Repeat("0123456789", 20) + "\r\n" +
		"--XYZ--\r\n")

	res := p.Process(context.Background(), raw, testAliasID, domain.DefaultPreferences())
	assert.Equal(t, StatusPassthrough, res.Status)
	assert.ErrorIs(t, res.Err, errPartTooLarge)
	assert.Equal(t, raw, res.Body)
	assert.True(t, res.Report.Empty())
}

func TestProcess_AllDisabled(t *testing.T) {
	p := newTestPipeline(t, nil)
	raw := []byte(multipartMessage)
	res := p.Process(context.Background(), raw, testAliasID, domain.Preferences{})
	assert.Equal(t, StatusUnchanged, res.Status)
	assert.Equal(t, raw, res.Body)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "modified", StatusModified.String())
	assert.Equal(t, "passthrough", StatusPassthrough.String())
	assert.Equal(t, "unchanged", StatusUnchanged.String())
}

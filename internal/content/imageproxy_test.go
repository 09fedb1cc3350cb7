package content

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskrelay/backend/internal/domain"
)

func newTestProxy(t *testing.T) *ImageProxy {
	t.Helper()
	p, err := NewImageProxy(testProxyURL, []byte("image-proxy-secret-key-0123456789"))
	require.NoError(t, err)
	return p
}

func proxyParams(t *testing.T, proxied string) (string, string) {
	t.Helper()
	u, err := url.Parse(proxied)
	require.NoError(t, err)
	return u.Query().Get(ParamData), u.Query().Get(ParamSignature)
}

func TestImageProxy_RoundTrip(t *testing.T) {
	p := newTestProxy(t)
	original := "https://cdn.example.com/img/logo.v2.png?size=large"

	proxied := p.URL(original, testAliasID, domain.ImageFormatPNG)
	assert.True(t, p.IsProxied(proxied))
	assert.False(t, p.IsProxied(original))

	data, sig := proxyParams(t, proxied)
	req, err := p.Verify(data, sig)
	require.NoError(t, err)

	assert.Equal(t, original, req.OriginalURL)
	assert.Equal(t, testAliasID, req.AliasID)
	assert.Equal(t, domain.ImageFormatPNG, req.Format)
	assert.Equal(t, StoragePath(testAliasID, domain.ImageFormatPNG, original), req.Path)
	assert.True(t, strings.HasPrefix(req.Path, testAliasID+"/png/"))
}

func TestImageProxy_Tampered(t *testing.T) {
	p := newTestProxy(t)
	data, sig := proxyParams(t, p.URL("https://cdn.example.com/a.png", testAliasID, domain.ImageFormatOriginal))

	t.Run("篡改 data", func(t *testing.T) {
		forged := base64.RawURLEncoding.EncodeToString([]byte("https://evil.example/x.png." + testAliasID + "/original/abc"))
		_, err := p.Verify(forged, sig)
		assert.ErrorIs(t, err, ErrProxySignature)
	})

	t.Run("data 不是 base64 时仍先报签名错误", func(t *testing.T) {
		_, err := p.Verify("!!!not-base64!!!", sig)
		assert.ErrorIs(t, err, ErrProxySignature)
	})

	t.Run("签名不是十六进制", func(t *testing.T) {
		_, err := p.Verify(data, "zz")
		assert.ErrorIs(t, err, ErrProxySignature)
	})

	t.Run("其他密钥签名", func(t *testing.T) {
		other, err := NewImageProxy(testProxyURL, []byte("another-image-proxy-secret-key-xx"))
		require.NoError(t, err)
		d, s := proxyParams(t, other.URL("https://cdn.example.com/a.png", testAliasID, domain.ImageFormatOriginal))
		_, err = p.Verify(d, s)
		assert.ErrorIs(t, err, ErrProxySignature)
	})
}

func TestImageProxy_SignedButMalformed(t *testing.T) {
	p := newTestProxy(t)

	for _, payload := range []string{
		"no-separator",
		"ftp://files.example/a.png." + testAliasID + "/original/abc",
		"https://cdn.example.com/a.png." + testAliasID + "/gif/abc",
	} {
		data := base64.RawURLEncoding.EncodeToString([]byte(payload))
		_, err := p.Verify(data, p.sign(data))
		assert.ErrorIs(t, err, ErrProxyData, payload)
	}
}

func TestDeriveImageProxyKey(t *testing.T) {
	secret := []byte("token-secret-0123456789abcdef0123")

	a, err := DeriveImageProxyKey(secret)
	require.NoError(t, err)
	b, err := DeriveImageProxyKey(secret)
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, secret, a)
}

func TestNewImageProxy_Validation(t *testing.T) {
	_, err := NewImageProxy(testProxyURL, []byte("short"))
	assert.Error(t, err)

	_, err = NewImageProxy("not a url", []byte("image-proxy-secret-key-0123456789"))
	assert.Error(t, err)
}

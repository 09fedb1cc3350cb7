package content

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/crypto/hkdf"

	"maskrelay/backend/internal/domain"
)

// 图片代理错误
var (
	ErrProxySignature = errors.New("image proxy signature mismatch")
	ErrProxyData      = errors.New("image proxy data malformed")
)

// 代理 URL 查询参数
const (
	ParamData      = "data"
	ParamSignature = "signature"
)

const imageProxyKeyInfo = "maskrelay image proxy v1"

// DeriveImageProxyKey 从令牌密钥派生独立的图片代理签名密钥
func DeriveImageProxyKey(tokenSecret []byte) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, tokenSecret, nil, []byte(imageProxyKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive image proxy key: %w", err)
	}
	return key, nil
}

// ImageRequest 验证通过的代理请求
type ImageRequest struct {
	OriginalURL string
	Path        string // <alias-id>/<format>/<sha256(url)>
	AliasID     string
	Format      domain.ImageFormat
}

// ImageProxy 生成并验证签名的图片代理 URL
type ImageProxy struct {
	baseURL string
	key     []byte
}

// NewImageProxy 创建图片代理签名器
func NewImageProxy(baseURL string, key []byte) (*ImageProxy, error) {
	if len(key) < 16 {
		return nil, errors.New("image proxy key must be at least 16 bytes")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid image proxy base url %q", baseURL)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &ImageProxy{baseURL: strings.TrimRight(baseURL, "?"), key: k}, nil
}

// StoragePath 计算图片在存储中的相对路径
func StoragePath(aliasID string, format domain.ImageFormat, originalURL string) string {
	sum := sha256.Sum256([]byte(originalURL))
	return aliasID + "/" + string(format) + "/" + hex.EncodeToString(sum[:])
}

// URL 生成代理 URL
func (p *ImageProxy) URL(originalURL, aliasID string, format domain.ImageFormat) string {
	if !format.Valid() {
		format = domain.ImageFormatOriginal
	}
	payload := originalURL + "." + StoragePath(aliasID, format, originalURL)
	data := base64.RawURLEncoding.EncodeToString([]byte(payload))

	q := url.Values{}
	q.Set(ParamData, data)
	q.Set(ParamSignature, p.sign(data))
	return p.baseURL + "?" + q.Encode()
}

// IsProxied 判断地址是否已经指向本代理
func (p *ImageProxy) IsProxied(src string) bool {
	return strings.HasPrefix(src, p.baseURL+"?")
}

// Verify 先校验签名，签名正确后才解码 data
func (p *ImageProxy) Verify(data, signature string) (*ImageRequest, error) {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return nil, ErrProxySignature
	}
	want, _ := hex.DecodeString(p.sign(data))
	if !hmac.Equal(got, want) {
		return nil, ErrProxySignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, ErrProxyData
	}
	payload := string(raw)

	idx := strings.LastIndex(payload, ".")
	if idx <= 0 {
		return nil, ErrProxyData
	}
	original, path := payload[:idx], payload[idx+1:]

	segments := strings.Split(path, "/")
	if len(segments) != 3 || segments[0] == "" || segments[2] == "" {
		return nil, ErrProxyData
	}
	format := domain.ImageFormat(segments[1])
	if !format.Valid() {
		return nil, ErrProxyData
	}

	u, err := url.Parse(original)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrProxyData
	}

	return &ImageRequest{
		OriginalURL: original,
		Path:        path,
		AliasID:     segments[0],
		Format:      format,
	}, nil
}

func (p *ImageProxy) sign(data string) string {
	h := hmac.New(sha256.New, p.key)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

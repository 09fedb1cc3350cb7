package httptransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"maskrelay/backend/internal/content"
	"maskrelay/backend/internal/imaging"
	"maskrelay/backend/internal/monitoring"
	"maskrelay/backend/internal/storage/filesystem"
)

var (
	errImageTooLarge = errors.New("image exceeds size limit")
	errUpstreamImage = errors.New("upstream image unavailable")
)

const (
	defaultFetchTimeout  = 10 * time.Second
	defaultMaxImageBytes = 10 << 20
	defaultImageAgent    = "Mozilla/5.0 (compatible; MaskRelayImageProxy/1.0)"
	imageCacheControl    = "public, max-age=604800, immutable"
	maxImageRedirects    = 5
)

// ImageStore 转换后图片的存储
type ImageStore interface {
	Get(relPath string) ([]byte, string, error)
	Put(relPath string, data []byte) error
}

// ImageProxyHandler 处理 GET /proxy/image
type ImageProxyHandler struct {
	proxy     *content.ImageProxy
	store     ImageStore
	client    *http.Client
	timeout   time.Duration
	maxBytes  int64
	userAgent string
	guarded   bool
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

// ImageProxyOptions 图片代理处理器配置
type ImageProxyOptions struct {
	Proxy        *content.ImageProxy
	Store        ImageStore
	Client       *http.Client // 为空时使用只访问公网地址的客户端
	FetchTimeout time.Duration
	MaxBytes     int64
	UserAgent    string
	Metrics      *monitoring.Metrics
	Logger       *zap.Logger
}

// NewImageProxyHandler 创建图片代理处理器
func NewImageProxyHandler(opts ImageProxyOptions) *ImageProxyHandler {
	h := &ImageProxyHandler{
		proxy:     opts.Proxy,
		store:     opts.Store,
		client:    opts.Client,
		timeout:   opts.FetchTimeout,
		maxBytes:  opts.MaxBytes,
		userAgent: opts.UserAgent,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	if h.timeout <= 0 {
		h.timeout = defaultFetchTimeout
	}
	if h.client == nil {
		h.client = content.NewPublicHTTPClient(h.timeout, maxImageRedirects)
		h.guarded = true
	}
	if h.maxBytes <= 0 {
		h.maxBytes = defaultMaxImageBytes
	}
	if h.userAgent == "" {
		h.userAgent = defaultImageAgent
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.logger = h.logger.Named("image-proxy")
	return h
}

// Serve 先验证签名，再从存储读取或拉取并转换原图
func (h *ImageProxyHandler) Serve(c *gin.Context) {
	req, err := h.proxy.Verify(c.Query(content.ParamData), c.Query(content.ParamSignature))
	if err != nil {
		if errors.Is(err, content.ErrProxySignature) {
			Forbidden(c, GetErrorMessage(err))
			return
		}
		BadRequest(c, GetErrorMessage(err))
		return
	}

	if data, contentType, err := h.store.Get(req.Path); err == nil {
		h.write(c, data, contentType)
		return
	} else if !errors.Is(err, filesystem.ErrImageNotFound) {
		h.logger.Warn("read cached image failed", zap.String("path", req.Path), zap.Error(err))
	}

	raw, err := h.fetch(c.Request.Context(), req.OriginalURL)
	if err != nil {
		h.logger.Info("fetch image failed", zap.String("alias_id", req.AliasID), zap.Error(err))
		h.metrics.RecordError("image_fetch", "image_proxy")
		Error(c, http.StatusBadGateway, GetErrorMessage(err))
		return
	}

	img, err := imaging.Convert(raw, req.Format)
	if err != nil {
		Error(c, http.StatusUnsupportedMediaType, GetErrorMessage(err))
		return
	}

	if err := h.store.Put(req.Path, img.Data); err != nil {
		// 存储失败不影响本次响应
		h.logger.Warn("store image failed", zap.String("path", req.Path), zap.Error(err))
	}
	h.write(c, img.Data, img.ContentType)
}

func (h *ImageProxyHandler) write(c *gin.Context, data []byte, contentType string) {
	c.Header("Cache-Control", imageCacheControl)
	c.Header("Content-Length", strconv.Itoa(len(data)))
	c.Data(http.StatusOK, contentType, data)
}

// fetch 在超时和大小上限内拉取原图
func (h *ImageProxyHandler) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUpstreamImage, err)
	}
	if h.guarded {
		if err := content.CheckURLDestination(req.URL); err != nil {
			return nil, fmt.Errorf("%w: %v", errUpstreamImage, err)
		}
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUpstreamImage, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", errUpstreamImage, resp.StatusCode)
	}
	if resp.ContentLength > h.maxBytes {
		return nil, errImageTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUpstreamImage, err)
	}
	if int64(len(data)) > h.maxBytes {
		return nil, errImageTooLarge
	}
	return data, nil
}

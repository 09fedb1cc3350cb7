// Package content 实现外部 → 别名方向的内容净化流水线：
// 移除追踪像素、改写图片为代理地址、展开短链接。
//
// 流水线失败时放行：任何无法解析的正文都原样返回，
// 结果中的 StatusPassthrough 明确标记了这种情况。
package content

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/tracker"
)

var errInvalidUTF8 = errors.New("body is not valid utf-8")

// Status 流水线处理结果
type Status int

const (
	StatusUnchanged   Status = iota // 没有需要修改的内容
	StatusModified                  // 至少一处被改写
	StatusPassthrough               // 无法解析，原样放行
)

func (s Status) String() string {
	switch s {
	case StatusUnchanged:
		return "unchanged"
	case StatusModified:
		return "modified"
	case StatusPassthrough:
		return "passthrough"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result 流水线输出。Body 总是可以直接转发。
type Result struct {
	Body   []byte
	Status Status
	Report *domain.EmailReport
	Err    error // Passthrough 的原因
}

// Pipeline 内容净化流水线，构建后只读，可并发使用
type Pipeline struct {
	trackers *tracker.List
	proxy    *ImageProxy
	expander Expander
	logger   *zap.Logger

	maxPartBytes int64
}

// NewPipeline 创建流水线。proxy 与 expander 可为 nil，对应步骤会被跳过。
func NewPipeline(trackers *tracker.List, proxy *ImageProxy, expander Expander, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		trackers: trackers,
		proxy:    proxy,
		expander: expander,
		logger:   logger.Named("content"),

		maxPartBytes: defaultMaxPartBytes,
	}
}

// Process 处理一封完整的 RFC 5322 邮件
func (p *Pipeline) Process(ctx context.Context, raw []byte, aliasID string, prefs domain.Preferences) (res Result) {
	report := domain.NewEmailReport(aliasID)
	defer p.recoverInto(&res, raw, report)

	if !prefs.RemoveTrackers && !prefs.ProxyImages && !prefs.ExpandURLs {
		return Result{Body: raw, Status: StatusUnchanged, Report: report}
	}

	out, changed, err := p.rewriteMessage(ctx, raw, aliasID, prefs, report)
	if err != nil {
		p.logger.Warn("content pipeline passthrough", zap.String("alias_id", aliasID), zap.Error(err))
		return Result{Body: raw, Status: StatusPassthrough, Report: domain.NewEmailReport(aliasID), Err: err}
	}
	if !changed {
		return Result{Body: raw, Status: StatusUnchanged, Report: report}
	}
	return Result{Body: out, Status: StatusModified, Report: report}
}

// ProcessHTML 处理单独的 HTML 正文
func (p *Pipeline) ProcessHTML(ctx context.Context, body []byte, aliasID string, prefs domain.Preferences) (res Result) {
	report := domain.NewEmailReport(aliasID)
	defer p.recoverInto(&res, body, report)

	out, changed, err := p.sanitizeHTML(ctx, body, aliasID, prefs, report)
	if err != nil {
		return Result{Body: body, Status: StatusPassthrough, Report: domain.NewEmailReport(aliasID), Err: err}
	}
	if !changed {
		return Result{Body: body, Status: StatusUnchanged, Report: report}
	}
	return Result{Body: out, Status: StatusModified, Report: report}
}

// ProcessText 处理单独的纯文本正文
func (p *Pipeline) ProcessText(ctx context.Context, body []byte, aliasID string, prefs domain.Preferences) (res Result) {
	report := domain.NewEmailReport(aliasID)
	defer p.recoverInto(&res, body, report)

	out, changed := p.sanitizeText(ctx, body, prefs, report)
	if !changed {
		return Result{Body: body, Status: StatusUnchanged, Report: report}
	}
	return Result{Body: out, Status: StatusModified, Report: report}
}

// recoverInto 把 panic 转换为 Passthrough
func (p *Pipeline) recoverInto(res *Result, original []byte, report *domain.EmailReport) {
	r := recover()
	if r == nil {
		return
	}
	p.logger.Error("content pipeline panic", zap.Any("panic", r), zap.Stack("stack"))
	*res = Result{
		Body:   original,
		Status: StatusPassthrough,
		Report: domain.NewEmailReport(report.AliasID),
		Err:    fmt.Errorf("content pipeline panic: %v", r),
	}
}

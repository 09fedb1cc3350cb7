package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"maskrelay/backend/internal/domain"
)

const (
	sesMaxRetries     = 2
	sesBaseRetryDelay = 500 * time.Millisecond
)

// SESConfig SES 传输配置
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SendEmailAPI SES v2 SendEmail 操作，测试时可替换
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport 通过 AWS SES v2 发送原始邮件。
// 信封发件人作为 FeedbackForwardingEmailAddress，SES 的退信会回到 VERP 地址。
type SESTransport struct {
	client SendEmailAPI
	logger *zap.Logger
}

// NewSESTransport 加载 AWS 配置并创建传输
func NewSESTransport(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESTransport, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESTransportWithClient(sesv2.NewFromConfig(awsCfg), logger), nil
}

// NewSESTransportWithClient 使用自定义客户端创建传输
func NewSESTransportWithClient(client SendEmailAPI, logger *zap.Logger) *SESTransport {
	return &SESTransport{client: client, logger: logger.Named("ses-transport")}
}

// Name 返回传输名称
func (t *SESTransport) Name() string {
	return "ses"
}

// Send 以原始 MIME 形式投递
func (t *SESTransport) Send(ctx context.Context, msg *Outgoing) error {
	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{ToAddresses: msg.Recipients},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: msg.Data},
		},
	}
	if msg.EnvelopeFrom != "" {
		input.FeedbackForwardingEmailAddress = aws.String(msg.EnvelopeFrom)
	}

	var lastErr error
	for attempt := 0; attempt <= sesMaxRetries; attempt++ {
		if attempt > 0 {
			delay := sesBaseRetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", domain.ErrUpstreamTemporary, ctx.Err())
			case <-time.After(delay):
			}
		}

		out, err := t.client.SendEmail(ctx, input)
		if err == nil {
			t.logger.Debug("message handed to ses",
				zap.String("message_id", msg.MessageID),
				zap.String("ses_message_id", aws.ToString(out.MessageId)),
			)
			return nil
		}

		lastErr = classifySESError(err)
		if !errors.Is(lastErr, errSESThrottled) {
			return lastErr
		}
		t.logger.Warn("ses throttled", zap.Int("attempt", attempt), zap.Error(err))
	}
	return lastErr
}

var errSESThrottled = errors.New("ses throttled")

// classifySESError 把 SES API 错误映射为上游错误
func classifySESError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "MessageRejected", "MailFromDomainNotVerifiedException", "AccountSuspendedException",
			"SendingPausedException", "BadRequestException", "NotFoundException":
			return fmt.Errorf("%w: ses: %v", domain.ErrUpstreamRejected, err)
		case "TooManyRequestsException", "LimitExceededException":
			return fmt.Errorf("%w: %w: %v", domain.ErrUpstreamTemporary, errSESThrottled, err)
		}
	}
	return fmt.Errorf("%w: ses: %v", domain.ErrUpstreamTemporary, err)
}

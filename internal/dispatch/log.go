package dispatch

import (
	"context"

	"go.uber.org/zap"
)

// LogTransport 只记录日志不投递，用于本地开发
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport 创建日志传输
func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger.Named("log-transport")}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(_ context.Context, msg *Outgoing) error {
	t.logger.Info("outgoing message",
		zap.String("message_id", msg.MessageID),
		zap.String("from", msg.EnvelopeFrom),
		zap.Strings("rcpt", msg.Recipients),
		zap.Int("size", len(msg.Data)),
	)
	return nil
}

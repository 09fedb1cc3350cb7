package smtp

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"maskrelay/backend/internal/monitoring"
)

const refuseGreeting = "421 4.7.0 too many connections, try again later\r\n"

// limitedListener 在 TCP 层占用连接许可，连接关闭时释放
type limitedListener struct {
	net.Listener
	limiter *ConnectionLimiter
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewListener 包装监听器。超出限额的连接收到 421 后立即关闭。
func NewListener(ln net.Listener, limiter *ConnectionLimiter, metrics *monitoring.Metrics, logger *zap.Logger) net.Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &limitedListener{Listener: ln, limiter: limiter, metrics: metrics, logger: logger.Named("smtp-listener")}
}

func (l *limitedListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		ip := remoteIP(c.RemoteAddr().String())
		if l.limiter != nil {
			if reason := l.limiter.Acquire(ip); reason != LimitNone {
				l.metrics.RecordRateLimitBlock(string(reason))
				l.logger.Warn("smtp connection refused", zap.String("remote", ip), zap.String("limit", string(reason)))
				_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
				_, _ = c.Write([]byte(refuseGreeting))
				_ = c.Close()
				continue
			}
		}

		l.metrics.SessionOpened()
		return &limitedConn{Conn: c, release: func() {
			if l.limiter != nil {
				l.limiter.Release(ip)
			}
			l.metrics.SessionClosed()
		}}, nil
	}
}

type limitedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *limitedConn) Close() error {
	c.once.Do(c.release)
	return c.Conn.Close()
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// 文件: pkg/nats/publisher.go
// NATS 事件发布者，实现 event.Publisher
// 轻量级替代 Kafka，默认事件总线

package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"simex.com/pkg/event"
)

var _ event.Publisher = (*Publisher)(nil)

// connect 公共连接参数：无限重连，断线/重连打日志
func connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("[NATS] disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("[NATS] reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// Publisher NATS 发布者
type Publisher struct {
	conn         *nats.Conn
	flushTimeout time.Duration
	logger       *zap.Logger
}

// NewPublisher 创建发布者
func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats_pub")
	conn, err := connect(url, "simex-publisher", logger)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, flushTimeout: 2 * time.Second, logger: logger}, nil
}

// Publish 发布信封到 env.Topic()，Flush 确认服务端已收到
func (p *Publisher) Publish(ctx context.Context, env event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := env.Value()
	if err != nil {
		return err
	}
	if err := p.conn.Publish(env.Topic(), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", env.Topic(), err)
	}
	if err := p.conn.FlushTimeout(p.flushTimeout); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// PublishRaw 发布原始消息
func (p *Publisher) PublishRaw(subject string, data []byte) error {
	return p.conn.Publish(subject, data)
}

// Close 关闭连接（先 Drain 发完缓冲）
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

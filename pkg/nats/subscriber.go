// 文件: pkg/nats/subscriber.go
// NATS 消息订阅者
// 核心 NATS 不会重投：处理失败在本地按 MaxAttempts 重试

package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// MessageHandler 消息处理函数
type MessageHandler func(subject string, data []byte) error

// SubscriberConfig 订阅配置
type SubscriberConfig struct {
	URL          string
	Queue        string // 非空时使用队列订阅 (负载均衡)
	MaxAttempts  int
	RetryBackoff time.Duration
}

// DefaultSubscriberConfig 默认配置
func DefaultSubscriberConfig(url string) SubscriberConfig {
	return SubscriberConfig{
		URL:          url,
		MaxAttempts:  3,
		RetryBackoff: 50 * time.Millisecond,
	}
}

// Subscriber NATS 订阅者
type Subscriber struct {
	config  SubscriberConfig
	conn    *nats.Conn
	subs    []*nats.Subscription
	handler MessageHandler
	logger  *zap.Logger
}

// NewSubscriber 创建订阅者
func NewSubscriber(config SubscriberConfig, handler MessageHandler, logger *zap.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	logger = logger.Named("nats_sub")
	conn, err := connect(config.URL, "simex-subscriber", logger)
	if err != nil {
		return nil, err
	}
	return &Subscriber{
		config:  config,
		conn:    conn,
		handler: handler,
		logger:  logger,
	}, nil
}

// Subscribe 订阅主题；配置了 Queue 时走队列订阅
func (s *Subscriber) Subscribe(subjects ...string) error {
	for _, subject := range subjects {
		var (
			sub *nats.Subscription
			err error
		)
		if s.config.Queue != "" {
			sub, err = s.conn.QueueSubscribe(subject, s.config.Queue, s.onMessage)
		} else {
			sub, err = s.conn.Subscribe(subject, s.onMessage)
		}
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return s.conn.Flush()
}

func (s *Subscriber) onMessage(msg *nats.Msg) {
	var err error
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		if err = s.handler(msg.Subject, msg.Data); err == nil {
			return
		}
		if attempt < s.config.MaxAttempts {
			time.Sleep(s.config.RetryBackoff)
		}
	}
	s.logger.Error("[NATS] handle error, message dropped",
		zap.String("subject", msg.Subject), zap.Int("attempts", s.config.MaxAttempts), zap.Error(err))
}

// Close 关闭
func (s *Subscriber) Close() error {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.conn.Close()
	return nil
}


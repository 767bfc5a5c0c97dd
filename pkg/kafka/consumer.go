// 文件: pkg/kafka/consumer.go
// 通用 Kafka 消费者
//
// 特点:
// - 消费者组支持
// - 处理失败本地重试，仍失败则记日志跳过
// - 优雅关闭
// - 回调处理

package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// =============================================================================
// Consumer 配置
// =============================================================================

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers       []string      // Kafka broker 地址列表
	GroupID       string        // 消费者组 ID
	Topics        []string      // 订阅的 topics
	OffsetInitial int64         // 初始 offset: -1=newest, -2=oldest
	AutoCommit    bool          // 是否自动提交 offset
	MaxAttempts   int           // 单条消息最多处理次数
	RetryBackoff  time.Duration // 重试间隔
}

// DefaultConsumerConfig 默认配置
func DefaultConsumerConfig(brokers []string, groupID string, topics []string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:       brokers,
		GroupID:       groupID,
		Topics:        topics,
		OffsetInitial: sarama.OffsetOldest,
		AutoCommit:    true,
		MaxAttempts:   3,
		RetryBackoff:  100 * time.Millisecond,
	}
}

// =============================================================================
// MessageHandler 消息处理器
// =============================================================================

// MessageHandler 消息处理函数
type MessageHandler func(topic string, partition int32, offset int64, key, value []byte) error

// =============================================================================
// Consumer 消费者
// =============================================================================

// Consumer 通用 Kafka 消费者
type Consumer struct {
	client  sarama.ConsumerGroup
	config  ConsumerConfig
	handler MessageHandler
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer 创建消费者
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// 构建 Sarama 配置
	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = cfg.OffsetInitial
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = cfg.AutoCommit

	// 创建消费者组
	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		logger:  logger.Named("kafka_consumer"),
	}, nil
}

// Start 启动消费，ctx 取消或 Stop 时退出
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		handler := &consumerGroupHandler{
			handler:     c.handler,
			maxAttempts: c.config.MaxAttempts,
			backoff:     c.config.RetryBackoff,
			logger:      c.logger,
		}
		for {
			// 加入消费者组，rebalance 后重新进入
			if err := c.client.Consume(ctx, c.config.Topics, handler); err != nil {
				c.logger.Error("[Kafka] consume error", zap.Error(err))
			}

			// 检查是否应该退出
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.client.Close()
}

// =============================================================================
// Sarama ConsumerGroupHandler 实现
// =============================================================================

type consumerGroupHandler struct {
	handler     MessageHandler
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handle(session.Context(), msg)

			// 标记已处理
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *consumerGroupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	attempts := max(h.maxAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = h.handler(msg.Topic, msg.Partition, msg.Offset, msg.Key, msg.Value); err == nil {
			return
		}
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(h.backoff):
		case <-ctx.Done():
			return
		}
	}
	// 继续处理下一条，不中断
	h.logger.Error("[Kafka] handle error",
		zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset), zap.Error(err))
}

// 文件: pkg/event/memory.go
// 进程内事件总线，用于模拟器和测试
// 单个分发协程按发布顺序投递；处理器返回错误时按至少一次语义重投

package event

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrBusClosed 总线已关闭
var ErrBusClosed = errors.New("event bus closed")

// MemoryBusConfig 内存总线配置
type MemoryBusConfig struct {
	MaxAttempts  int           // 每个事件最多投递次数
	RetryBackoff time.Duration // 重投间隔
}

// DefaultMemoryBusConfig 默认配置
func DefaultMemoryBusConfig() MemoryBusConfig {
	return MemoryBusConfig{
		MaxAttempts:  3,
		RetryBackoff: 10 * time.Millisecond,
	}
}

// MemoryBus 无界队列 + 单分发协程
// Publish 永不阻塞，处理器内部可以继续发布
type MemoryBus struct {
	config MemoryBusConfig
	logger *zap.Logger

	mu       sync.Mutex
	queue    []Envelope
	handlers map[Type][]Handler
	closed   bool
	notify   chan struct{}

	// 统计
	published int64
	delivered int64
	failed    int64

	idle *sync.Cond // 队列为空且无事件处理中时广播
	busy bool
}

// NewMemoryBus 创建内存总线
func NewMemoryBus(config MemoryBusConfig, logger *zap.Logger) *MemoryBus {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &MemoryBus{
		config:   config,
		logger:   logger,
		handlers: make(map[Type][]Handler),
		notify:   make(chan struct{}, 1),
	}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// Subscribe 注册处理器
func (b *MemoryBus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish 入队
func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.queue = append(b.queue, env)
	b.published++
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run 分发循环，ctx 取消后返回
func (b *MemoryBus) Run(ctx context.Context) error {
	for {
		env, ok := b.next()
		if !ok {
			select {
			case <-ctx.Done():
				b.Close()
				return nil
			case <-b.notify:
				continue
			}
		}
		b.dispatch(ctx, env)

		b.mu.Lock()
		b.busy = false
		if len(b.queue) == 0 {
			b.idle.Broadcast()
		}
		b.mu.Unlock()
	}
}

func (b *MemoryBus) next() (Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Envelope{}, false
	}
	env := b.queue[0]
	b.queue[0] = Envelope{}
	b.queue = b.queue[1:]
	b.busy = true
	return env, true
}

func (b *MemoryBus) dispatch(ctx context.Context, env Envelope) {
	b.mu.Lock()
	handlers := b.handlers[env.Type]
	b.mu.Unlock()

	for _, h := range handlers {
		var err error
		for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
			if err = h(ctx, env); err == nil {
				break
			}
			if attempt < b.config.MaxAttempts {
				time.Sleep(b.config.RetryBackoff)
			}
		}

		b.mu.Lock()
		if err != nil {
			b.failed++
		} else {
			b.delivered++
		}
		b.mu.Unlock()

		if err != nil {
			b.logger.Warn("[Bus] handler failed",
				zap.String("type", string(env.Type)),
				zap.String("id", env.ID),
				zap.Error(err))
		}
	}
}

// WaitIdle 阻塞到队列清空且没有事件在处理（Run 需在运行）
func (b *MemoryBus) WaitIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for (len(b.queue) > 0 || b.busy) && !b.closed {
		b.idle.Wait()
	}
}

// Close 关闭总线，之后的 Publish 返回 ErrBusClosed
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.idle.Broadcast()
	b.mu.Unlock()
}

// BusStats 统计
type BusStats struct {
	Published int64
	Delivered int64
	Failed    int64
	Queued    int
}

// Stats 统计信息
func (b *MemoryBus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BusStats{
		Published: b.published,
		Delivered: b.delivered,
		Failed:    b.failed,
		Queued:    len(b.queue),
	}
}

// 文件: pkg/saga/router.go
// 事件路由：按类型分发信封，并适配 NATS / Kafka / 内存总线

package saga

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"simex.com/pkg/event"
	"simex.com/pkg/kafka"
	"simex.com/pkg/nats"
)

type Router struct {
	mu       sync.RWMutex
	handlers map[event.Type][]event.Handler
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handlers: make(map[event.Type][]event.Handler),
		logger:   logger.Named("router"),
	}
}

// Handle 注册处理器，同一类型按注册顺序执行
func (r *Router) Handle(t event.Type, h event.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = append(r.handlers[t], h)
}

// Types 已注册的事件类型
func (r *Router) Types() []event.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]event.Type, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Subjects NATS subject / Kafka topic
func (r *Router) Subjects() []string {
	types := r.Types()
	subjects := make([]string, len(types))
	for i, t := range types {
		subjects[i] = t.Subject()
	}
	return subjects
}

// Dispatch 依次执行该类型的全部处理器，任一失败则整体返回错误（处理器都是幂等的）
func (r *Router) Dispatch(ctx context.Context, env event.Envelope) error {
	r.mu.RLock()
	handlers := r.handlers[env.Type]
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug("[Router] no handler", zap.String("type", string(env.Type)))
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// decode 无法解析的消息直接丢弃（重投也无法解析）
func (r *Router) decode(data []byte) (event.Envelope, bool) {
	env, err := event.Unmarshal(data)
	if err != nil {
		r.logger.Warn("[Router] bad envelope dropped", zap.Error(err))
		return event.Envelope{}, false
	}
	return env, true
}

// =============================================================================
// 总线适配
// =============================================================================

// NATSHandler 适配 nats.MessageHandler
func (r *Router) NATSHandler(ctx context.Context) nats.MessageHandler {
	return func(_ string, data []byte) error {
		env, ok := r.decode(data)
		if !ok {
			return nil
		}
		return r.Dispatch(ctx, env)
	}
}

// KafkaHandler 适配 kafka.MessageHandler
func (r *Router) KafkaHandler(ctx context.Context) kafka.MessageHandler {
	return func(_ string, _ int32, _ int64, _, value []byte) error {
		env, ok := r.decode(value)
		if !ok {
			return nil
		}
		return r.Dispatch(ctx, env)
	}
}

// SubscribeMemory 订阅内存总线上已注册的全部类型
func (r *Router) SubscribeMemory(bus *event.MemoryBus) {
	for _, t := range r.Types() {
		bus.Subscribe(t, r.Dispatch)
	}
}

package market

import (
	"sync"
	"sync/atomic"
)

// Broadcaster 行情广播器
// 设计模式：Fan-out（扇出）
// 核心职责：把一条消息分发给 N 个订阅者，且保证隔离性
//
//	  Engine 快照 / Ticker 报价
//	            |
//	            v
//	     [Broadcaster]
//	       /    |    \
//	      v     v     v
//	 订阅者1  订阅者2  订阅者3
//
// 关键特性：
// 1. 慢订阅者直接丢包，不影响其他订阅者
// 2. 订阅/取消订阅 是并发安全的
// 3. Broadcast() 是热路径，只拿读锁
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers []chan T
	closed      bool

	dropped atomic.Int64
}

// NewBroadcaster 创建一个新的广播器
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{}
}

// Subscribe 订阅，返回只读 Channel
// buffer 为订阅者自己的缓冲，处理慢时先堆在这里，满了才丢
func (b *Broadcaster[T]) Subscribe(buffer int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe 取消订阅并关闭 Channel
func (b *Broadcaster[T]) Unsubscribe(sub <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, ch := range b.subscribers {
		if ch == sub {
			close(ch)
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Broadcast 广播到所有订阅者（非阻塞）
func (b *Broadcaster[T]) Broadcast(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- v:
		default:
			// Channel 满了，丢弃这条数据 (Drop Strategy)
			b.dropped.Add(1)
		}
	}
}

// Subscribers 当前订阅者数量
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped 累计丢弃次数
func (b *Broadcaster[T]) Dropped() int64 {
	return b.dropped.Load()
}

// Close 关闭所有订阅者的 Channel
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	// 清空列表，避免重复关闭
	b.subscribers = nil
}

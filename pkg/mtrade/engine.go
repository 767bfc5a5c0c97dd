package mtrade

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"simex.com/pkg/money"
)

// =============================================================================
// 撮合引擎 (Matching Engine) - 每个交易对一个
// =============================================================================
//
// 架构：单写者 actor
//
//   saga / sweeper ──► cmdCh ──► matchLoop（独占 OrderBook）──► 快照 atomic.Pointer
//                                      │
//                                      └──► eventCh ──► eventLoop ──► handlers
//
// 所有修改（包括 Drain）都是发给 matchLoop 执行的闭包，调用方阻塞等待执行完成。
// 因此 AddOrder 与 DrainPendingMatches 天然串行，事件不会重复取走也不会丢失。
// 查询走快照，不进入队列。

// EngineConfig 引擎配置
type EngineConfig struct {
	Symbol          Symbol // 交易对
	QueueSize       int    // 命令队列大小
	EventQueueSize  int    // 异步事件队列大小
	SnapshotDepth   int    // 快照深度
	RetiredCapacity int    // 离场订单环容量
}

// DefaultEngineConfig 默认配置
func DefaultEngineConfig(symbol Symbol) EngineConfig {
	return EngineConfig{
		Symbol:          symbol,
		QueueSize:       10000,
		EventQueueSize:  1024,
		SnapshotDepth:   DefaultSnapshotDepth,
		RetiredCapacity: DefaultRetiredCapacity,
	}
}

// =============================================================================
// 事件定义
// =============================================================================

// EventType 事件类型
type EventType int

const (
	EventBookUpdated EventType = iota // 订单簿变化（附最新快照）
	EventMatched                      // 产生了新的待发布成交
)

func (t EventType) String() string {
	switch t {
	case EventBookUpdated:
		return "BOOK_UPDATED"
	case EventMatched:
		return "MATCHED"
	default:
		return "UNKNOWN"
	}
}

// Event 引擎通知事件
// 非关键事件：队列满时丢弃，成交本身只通过 DrainPendingMatches 交付
type Event struct {
	Type      EventType
	Symbol    Symbol
	Timestamp time.Time
	Snapshot  *OrderBookSnapshot
	Pending   int // 当前待发布成交数
}

// EventHandler 事件处理器
type EventHandler func(Event)

// =============================================================================
// 撮合引擎
// =============================================================================

type command struct {
	fn   func(ob *OrderBook) bool // 返回是否修改了订单簿
	done chan struct{}
}

// Engine 单交易对撮合引擎
// 不在 struct 中存储 context，而是通过参数传递
type Engine struct {
	config    EngineConfig
	orderBook *OrderBook
	logger    *zap.Logger

	cmdCh   chan command
	eventCh chan Event

	handlers []EventHandler
	mu       sync.RWMutex

	// lifeMu 串行化 Start/Stop；loopDone 由 matchLoop 或未启动时的 Stop 关闭，二者只会发生其一
	lifeMu   sync.Mutex
	stopped  bool
	running  atomic.Bool
	stopCh   chan struct{}
	loopDone chan struct{} // matchLoop 退出后关闭
	wg       sync.WaitGroup

	stats engineCounters
}

// EngineStats 引擎统计
type EngineStats struct {
	Symbol          Symbol `json:"symbol"`
	OrdersReceived  int64  `json:"orders_received"`
	OrdersRejected  int64  `json:"orders_rejected"`
	OrdersCancelled int64  `json:"orders_cancelled"`
	OrdersSwept     int64  `json:"orders_swept"`
	MatchesExecuted int64  `json:"matches_executed"`
	MatchesDrained  int64  `json:"matches_drained"`
	EventsDropped   int64  `json:"events_dropped"`
	QueueLen        int    `json:"queue_len"`
}

type engineCounters struct {
	ordersReceived  atomic.Int64
	ordersRejected  atomic.Int64
	ordersCancelled atomic.Int64
	ordersSwept     atomic.Int64
	matchesExecuted atomic.Int64
	matchesDrained  atomic.Int64
	eventsDropped   atomic.Int64
}

// NewEngine 创建撮合引擎，需调用 Start 后才能处理命令
func NewEngine(config EngineConfig, ids IDGenerator, logger *zap.Logger) (*Engine, error) {
	if _, err := ParseSymbol(string(config.Symbol)); err != nil {
		return nil, err
	}
	defaults := DefaultEngineConfig(config.Symbol)
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.EventQueueSize <= 0 {
		config.EventQueueSize = defaults.EventQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ob := NewOrderBook(config.Symbol, BookConfig{
		SnapshotDepth:   config.SnapshotDepth,
		RetiredCapacity: config.RetiredCapacity,
	}, ids)

	return &Engine{
		config:    config,
		orderBook: ob,
		logger:    logger.With(zap.String("symbol", string(config.Symbol))),
		cmdCh:     make(chan command, config.QueueSize),
		eventCh:   make(chan Event, config.EventQueueSize),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}, nil
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动撮合引擎，ctx 取消或 Stop 后退出
// 已停止的引擎不能重启
func (e *Engine) Start(ctx context.Context) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.stopped || e.running.Load() {
		return
	}
	e.running.Store(true)
	e.wg.Add(2) // matchLoop + eventLoop
	go e.matchLoop(ctx)
	go e.eventLoop(ctx)
	e.logger.Info("[Engine] started")
}

// Stop 停止撮合引擎，队列中尚未执行的命令返回 ErrEngineStopped
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	if !e.stopped {
		e.stopped = true
		close(e.stopCh)
		if !e.running.Load() {
			close(e.loopDone)
		}
	}
	e.lifeMu.Unlock()

	e.wg.Wait()
	e.logger.Info("[Engine] stopped",
		zap.Int64("matches", e.stats.matchesExecuted.Load()),
		zap.Int("pending", e.orderBook.GetSnapshot().PendingMatches))
}

// matchLoop 撮合主循环
// 单 goroutine 处理该交易对的所有修改，保证顺序性
func (e *Engine) matchLoop(ctx context.Context) {
	defer e.wg.Done()
	defer close(e.loopDone)

	for {
		select {
		case <-ctx.Done(): // 外部 context 取消
			return

		case <-e.stopCh: // 内部停止信号
			return

		case cmd := <-e.cmdCh:
			e.process(cmd)
		}
	}
}

func (e *Engine) process(cmd command) {
	defer close(cmd.done)

	before := e.orderBook.PendingMatches()
	if !cmd.fn(e.orderBook) {
		return
	}

	// 更新快照（供外部无锁读取）
	snap := e.orderBook.UpdateSnapshot()
	e.publishEvent(Event{
		Type:      EventBookUpdated,
		Symbol:    e.config.Symbol,
		Timestamp: snap.LastUpdate,
		Snapshot:  snap,
		Pending:   snap.PendingMatches,
	})
	if snap.PendingMatches > before {
		e.publishEvent(Event{
			Type:      EventMatched,
			Symbol:    e.config.Symbol,
			Timestamp: snap.LastUpdate,
			Snapshot:  snap,
			Pending:   snap.PendingMatches,
		})
	}
}

// exec 把 fn 交给撮合协程执行并等待完成
// 命令一旦入队就一定会执行或随引擎停止而放弃，入队后不再响应 ctx，
// 否则 Drain 取走的事件可能无人接收
func (e *Engine) exec(ctx context.Context, fn func(ob *OrderBook) bool) error {
	if !e.running.Load() {
		return wrap(ErrEngineStopped, "%s not started", e.config.Symbol)
	}
	cmd := command{fn: fn, done: make(chan struct{})}

	select {
	case e.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.loopDone:
		return wrap(ErrEngineStopped, "%s", e.config.Symbol)
	}

	select {
	case <-cmd.done:
		return nil
	case <-e.loopDone:
		select {
		case <-cmd.done:
			return nil
		default:
			return wrap(ErrEngineStopped, "%s", e.config.Symbol)
		}
	}
}

// =============================================================================
// 命令（全部在撮合协程执行）
// =============================================================================

// AddOrder 提交订单并撮合
// 引擎保存订单的副本，调用方之后对 order 的修改不影响订单簿
func (e *Engine) AddOrder(ctx context.Context, order *Order) (bool, error) {
	if order == nil {
		return false, ErrNilOrder
	}
	resident := order.Clone()
	e.stats.ordersReceived.Add(1)

	var (
		matched bool
		addErr  error
	)
	err := e.exec(ctx, func(ob *OrderBook) bool {
		before := ob.PendingMatches()
		matched, addErr = ob.AddOrder(resident)
		if addErr != nil {
			return false
		}
		e.stats.matchesExecuted.Add(int64(ob.PendingMatches() - before))
		return true
	})
	if err != nil {
		return false, err
	}
	if addErr != nil {
		e.stats.ordersRejected.Add(1)
		e.logger.Debug("[Engine] order rejected", zap.Int64("order_id", order.ID), zap.Error(addErr))
		return false, addErr
	}
	return matched, nil
}

// RemoveOrder 移除订单（幂等），不改变订单状态
func (e *Engine) RemoveOrder(ctx context.Context, orderID int64) (bool, error) {
	var removed bool
	err := e.exec(ctx, func(ob *OrderBook) bool {
		removed = ob.RemoveOrder(orderID)
		return removed
	})
	return removed, err
}

// CancelOrder 撤单，返回撤销后的订单副本
func (e *Engine) CancelOrder(ctx context.Context, orderID int64) (*Order, error) {
	var (
		order     *Order
		cancelErr error
	)
	err := e.exec(ctx, func(ob *OrderBook) bool {
		var o *Order
		o, cancelErr = ob.CancelOrder(orderID)
		if cancelErr != nil {
			return false
		}
		order = o.Clone()
		return true
	})
	if err != nil {
		return nil, err
	}
	if cancelErr != nil {
		return nil, cancelErr
	}
	e.stats.ordersCancelled.Add(1)
	return order, nil
}

// ReplaceOrderPrice 改价并重新撮合
func (e *Engine) ReplaceOrderPrice(ctx context.Context, orderID int64, price money.Money) (bool, error) {
	var (
		matched    bool
		replaceErr error
	)
	err := e.exec(ctx, func(ob *OrderBook) bool {
		before := ob.PendingMatches()
		matched, replaceErr = ob.ReplaceOrderPrice(orderID, price)
		if replaceErr != nil {
			return false
		}
		e.stats.matchesExecuted.Add(int64(ob.PendingMatches() - before))
		return true
	})
	if err != nil {
		return false, err
	}
	return matched, replaceErr
}

// ReduceOrder 下调订单数量，保持排队位置
func (e *Engine) ReduceOrder(ctx context.Context, orderID int64, newQty decimal.Decimal) (*Order, error) {
	var (
		order     *Order
		reduceErr error
	)
	err := e.exec(ctx, func(ob *OrderBook) bool {
		var o *Order
		o, reduceErr = ob.ReduceOrder(orderID, newQty)
		if reduceErr != nil {
			return false
		}
		order = o.Clone()
		return true
	})
	if err != nil {
		return nil, err
	}
	if reduceErr != nil {
		return nil, reduceErr
	}
	if order.Status == OrderStatusCancelled {
		e.stats.ordersCancelled.Add(1)
	}
	return order, nil
}

// DrainPendingMatches 取走待发布成交
// 调用方负责发布，失败时用 RestorePendingMatches 放回
func (e *Engine) DrainPendingMatches(ctx context.Context) ([]MatchEvent, error) {
	var events []MatchEvent
	err := e.exec(ctx, func(ob *OrderBook) bool {
		events = ob.DrainPendingMatches()
		return len(events) > 0
	})
	if err != nil {
		return nil, err
	}
	e.stats.matchesDrained.Add(int64(len(events)))
	return events, nil
}

// RestorePendingMatches 放回发布失败的成交
func (e *Engine) RestorePendingMatches(ctx context.Context, events []MatchEvent) error {
	if len(events) == 0 {
		return nil
	}
	err := e.exec(ctx, func(ob *OrderBook) bool {
		ob.RestorePendingMatches(events)
		return true
	})
	if err == nil {
		e.stats.matchesDrained.Add(-int64(len(events)))
	}
	return err
}

// SweepInactiveOrders 移除 isActive 返回 false 的订单
// isActive 在撮合协程中执行，不能做 I/O
func (e *Engine) SweepInactiveOrders(ctx context.Context, isActive func(*Order) bool) ([]*Order, error) {
	var removed []*Order
	err := e.exec(ctx, func(ob *OrderBook) bool {
		for _, o := range ob.SweepInactiveOrders(isActive) {
			removed = append(removed, o.Clone())
		}
		return len(removed) > 0
	})
	if err != nil {
		return nil, err
	}
	e.stats.ordersSwept.Add(int64(len(removed)))
	return removed, nil
}

// Orders 簿中订单副本
func (e *Engine) Orders(ctx context.Context) ([]*Order, error) {
	var orders []*Order
	err := e.exec(ctx, func(ob *OrderBook) bool {
		orders = ob.Orders()
		return false
	})
	return orders, err
}

// GetOrder 簿中订单副本
func (e *Engine) GetOrder(ctx context.Context, orderID int64) (*Order, bool, error) {
	var (
		order *Order
		ok    bool
	)
	err := e.exec(ctx, func(ob *OrderBook) bool {
		var o *Order
		if o, ok = ob.GetOrder(orderID); ok {
			order = o.Clone()
		}
		return false
	})
	return order, ok, err
}

// =============================================================================
// 事件发布
// =============================================================================

// OnEvent 注册事件处理器，可注册多个
func (e *Engine) OnEvent(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// publishEvent 非阻塞发布，队列满了丢弃
func (e *Engine) publishEvent(event Event) {
	select {
	case e.eventCh <- event:
	default:
		e.stats.eventsDropped.Add(1)
	}
}

// eventLoop 事件分发循环（独立 goroutine）
func (e *Engine) eventLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case <-e.stopCh:
			return

		case event := <-e.eventCh:
			e.dispatchEvent(event)
		}
	}
}

func (e *Engine) dispatchEvent(event Event) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// =============================================================================
// 查询方法（快照，无锁）
// =============================================================================

// Symbol 交易对
func (e *Engine) Symbol() Symbol {
	return e.config.Symbol
}

// Snapshot 最新快照
func (e *Engine) Snapshot() *OrderBookSnapshot {
	return e.orderBook.GetSnapshot()
}

// MarketDepth 前 levels 档深度
// 不超过快照深度时读快照；更深的请求交给撮合协程现算，引擎已停止时退回快照
func (e *Engine) MarketDepth(levels int) (bids, asks []DepthLevel) {
	if levels <= e.orderBook.config.SnapshotDepth {
		return e.Snapshot().Depth(levels)
	}
	err := e.exec(context.Background(), func(ob *OrderBook) bool {
		bids, asks = ob.MarketDepth(levels)
		return false
	})
	if err != nil {
		return e.Snapshot().Depth(levels)
	}
	return bids, asks
}

// BestBid 最优买价
func (e *Engine) BestBid() (money.Money, bool) {
	s := e.Snapshot()
	return s.BestBid, s.HasBid
}

// BestAsk 最优卖价
func (e *Engine) BestAsk() (money.Money, bool) {
	s := e.Snapshot()
	return s.BestAsk, s.HasAsk
}

// Spread 价差
func (e *Engine) Spread() (money.Money, bool) {
	return e.Snapshot().Spread()
}

// Stats 统计信息
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Symbol:          e.config.Symbol,
		OrdersReceived:  e.stats.ordersReceived.Load(),
		OrdersRejected:  e.stats.ordersRejected.Load(),
		OrdersCancelled: e.stats.ordersCancelled.Load(),
		OrdersSwept:     e.stats.ordersSwept.Load(),
		MatchesExecuted: e.stats.matchesExecuted.Load(),
		MatchesDrained:  e.stats.matchesDrained.Load(),
		EventsDropped:   e.stats.eventsDropped.Load(),
		QueueLen:        len(e.cmdCh),
	}
}

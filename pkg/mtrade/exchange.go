package mtrade

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"simex.com/pkg/money"
)

// =============================================================================
// 交易所 (Exchange) - 多交易对注册表
// =============================================================================
//
// 每个交易对一个 Engine，首次引用时创建并启动，之后存活到 Stop
// 不同交易对之间完全独立，可以并行撮合

// StatusChecker 查询订单在生命周期服务中的权威状态
// 清扫时在撮合协程之外调用
type StatusChecker interface {
	IsActive(ctx context.Context, orderID int64) (bool, error)
}

// StatusCheckerFunc 函数适配器
type StatusCheckerFunc func(ctx context.Context, orderID int64) (bool, error)

func (f StatusCheckerFunc) IsActive(ctx context.Context, orderID int64) (bool, error) {
	return f(ctx, orderID)
}

// ExchangeConfig 交易所配置，作用于每个交易对的引擎
type ExchangeConfig struct {
	QueueSize       int
	EventQueueSize  int
	SnapshotDepth   int
	RetiredCapacity int
}

// DefaultExchangeConfig 默认配置
func DefaultExchangeConfig() ExchangeConfig {
	d := DefaultEngineConfig("")
	return ExchangeConfig{
		QueueSize:       d.QueueSize,
		EventQueueSize:  d.EventQueueSize,
		SnapshotDepth:   d.SnapshotDepth,
		RetiredCapacity: d.RetiredCapacity,
	}
}

// Exchange 交易对 → 引擎
type Exchange struct {
	config ExchangeConfig
	ids    IDGenerator
	logger *zap.Logger

	mu       sync.RWMutex
	engines  map[Symbol]*Engine
	handlers []EventHandler
	stopped  bool
}

// NewExchange 创建交易所
func NewExchange(config ExchangeConfig, ids IDGenerator, logger *zap.Logger) *Exchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ids == nil {
		ids = &seqGenerator{}
	}
	return &Exchange{
		config:  config,
		ids:     ids,
		logger:  logger,
		engines: make(map[Symbol]*Engine),
	}
}

// engine 获取或创建交易对的引擎
func (x *Exchange) engine(symbol Symbol) (*Engine, error) {
	if _, err := ParseSymbol(string(symbol)); err != nil {
		return nil, err
	}

	x.mu.RLock()
	e, ok := x.engines[symbol]
	stopped := x.stopped
	x.mu.RUnlock()
	if ok {
		return e, nil
	}
	if stopped {
		return nil, ErrEngineStopped
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.engines[symbol]; ok { // double check
		return e, nil
	}
	if x.stopped {
		return nil, ErrEngineStopped
	}

	e, err := NewEngine(EngineConfig{
		Symbol:          symbol,
		QueueSize:       x.config.QueueSize,
		EventQueueSize:  x.config.EventQueueSize,
		SnapshotDepth:   x.config.SnapshotDepth,
		RetiredCapacity: x.config.RetiredCapacity,
	}, x.ids, x.logger)
	if err != nil {
		return nil, err
	}
	for _, h := range x.handlers {
		e.OnEvent(h)
	}
	// 引擎生命周期由 Stop 管理
	e.Start(context.Background())
	x.engines[symbol] = e
	return e, nil
}

// Open 预建交易对的订单簿，已存在时直接返回
func (x *Exchange) Open(symbol Symbol) error {
	_, err := x.engine(symbol)
	return err
}

// lookup 只查找已存在的引擎
func (x *Exchange) lookup(symbol Symbol) (*Engine, error) {
	if _, err := ParseSymbol(string(symbol)); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.engines[symbol]
	if !ok {
		return nil, wrap(ErrUnknownSymbol, "%s", symbol)
	}
	return e, nil
}

// Stop 停止所有引擎
func (x *Exchange) Stop() {
	x.mu.Lock()
	x.stopped = true
	engines := make([]*Engine, 0, len(x.engines))
	for _, e := range x.engines {
		engines = append(engines, e)
	}
	x.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			e.Stop()
		}(e)
	}
	wg.Wait()
}

// OnEvent 注册事件处理器，对现有和之后创建的引擎都生效
func (x *Exchange) OnEvent(handler EventHandler) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.handlers = append(x.handlers, handler)
	for _, e := range x.engines {
		e.OnEvent(handler)
	}
}

// Symbols 已创建订单簿的交易对（排序）
func (x *Exchange) Symbols() []Symbol {
	x.mu.RLock()
	symbols := make([]Symbol, 0, len(x.engines))
	for s := range x.engines {
		symbols = append(symbols, s)
	}
	x.mu.RUnlock()
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })
	return symbols
}

// =============================================================================
// 修改操作
// =============================================================================

// AddOrder 订单进入其交易对的订单簿，返回是否产生成交
func (x *Exchange) AddOrder(ctx context.Context, order *Order) (bool, error) {
	if order == nil {
		return false, ErrNilOrder
	}
	e, err := x.engine(order.Symbol)
	if err != nil {
		return false, err
	}
	return e.AddOrder(ctx, order)
}

// RemoveOrder 移除订单（幂等），订单或交易对不存在时返回 false
func (x *Exchange) RemoveOrder(ctx context.Context, orderID int64, symbol Symbol) (bool, error) {
	e, err := x.lookup(symbol)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.RemoveOrder(ctx, orderID)
}

// CancelOrder 撤销簿中订单
func (x *Exchange) CancelOrder(ctx context.Context, orderID int64, symbol Symbol) (*Order, error) {
	e, err := x.lookup(symbol)
	if IsNotFound(err) {
		return nil, wrap(ErrOrderNotFound, "order %d", orderID)
	}
	if err != nil {
		return nil, err
	}
	return e.CancelOrder(ctx, orderID)
}

// ReplaceOrderPrice 改价
func (x *Exchange) ReplaceOrderPrice(ctx context.Context, orderID int64, symbol Symbol, price money.Money) (bool, error) {
	e, err := x.lookup(symbol)
	if IsNotFound(err) {
		return false, wrap(ErrOrderNotFound, "order %d", orderID)
	}
	if err != nil {
		return false, err
	}
	return e.ReplaceOrderPrice(ctx, orderID, price)
}

// ReduceOrder 下调数量
func (x *Exchange) ReduceOrder(ctx context.Context, orderID int64, symbol Symbol, newQty decimal.Decimal) (*Order, error) {
	e, err := x.lookup(symbol)
	if IsNotFound(err) {
		return nil, wrap(ErrOrderNotFound, "order %d", orderID)
	}
	if err != nil {
		return nil, err
	}
	return e.ReduceOrder(ctx, orderID, newQty)
}

// DrainPendingMatches 取走交易对的待发布成交
func (x *Exchange) DrainPendingMatches(ctx context.Context, symbol Symbol) ([]MatchEvent, error) {
	e, err := x.lookup(symbol)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e.DrainPendingMatches(ctx)
}

// RestorePendingMatches 放回发布失败的成交
func (x *Exchange) RestorePendingMatches(ctx context.Context, symbol Symbol, events []MatchEvent) error {
	e, err := x.engine(symbol)
	if err != nil {
		return err
	}
	return e.RestorePendingMatches(ctx, events)
}

// GetOrder 簿中订单副本
func (x *Exchange) GetOrder(ctx context.Context, orderID int64, symbol Symbol) (*Order, bool, error) {
	e, err := x.lookup(symbol)
	if IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e.GetOrder(ctx, orderID)
}

// SweepInactiveOrders 清扫所有交易对
//  1. 经撮合协程取出簿中订单
//  2. 在撮合协程之外向 checker 查询状态（I/O）
//  3. 把确认不活跃的订单交给撮合协程移除
//
// 单个订单查询失败只记录日志并跳过，不中断清扫
func (x *Exchange) SweepInactiveOrders(ctx context.Context, checker StatusChecker) (int, error) {
	removed := 0
	for _, symbol := range x.Symbols() {
		n, err := x.sweepSymbol(ctx, symbol, checker)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (x *Exchange) sweepSymbol(ctx context.Context, symbol Symbol, checker StatusChecker) (int, error) {
	e, err := x.lookup(symbol)
	if err != nil {
		return 0, err
	}
	orders, err := e.Orders(ctx)
	if err != nil {
		return 0, err
	}

	inactive := make(map[int64]struct{})
	for _, o := range orders {
		active, err := checker.IsActive(ctx, o.ID)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			x.logger.Warn("[Exchange] sweep: status lookup failed",
				zap.String("symbol", string(symbol)),
				zap.Int64("order_id", o.ID),
				zap.Error(err))
			continue
		}
		if !active {
			inactive[o.ID] = struct{}{}
		}
	}
	if len(inactive) == 0 {
		return 0, nil
	}

	swept, err := e.SweepInactiveOrders(ctx, func(o *Order) bool {
		_, gone := inactive[o.ID]
		return !gone
	})
	if err != nil {
		return 0, err
	}
	for _, o := range swept {
		x.logger.Info("[Exchange] sweep removed order",
			zap.String("symbol", string(symbol)),
			zap.Int64("order_id", o.ID))
	}
	return len(swept), nil
}

// =============================================================================
// 查询（快照）
// =============================================================================

// MarketDepth 前 levels 档深度
func (x *Exchange) MarketDepth(symbol Symbol, levels int) (bids, asks []DepthLevel, err error) {
	e, err := x.lookup(symbol)
	if err != nil {
		return nil, nil, err
	}
	bids, asks = e.MarketDepth(levels)
	return bids, asks, nil
}

// BestBid 最优买价
func (x *Exchange) BestBid(symbol Symbol) (money.Money, bool, error) {
	e, err := x.lookup(symbol)
	if err != nil {
		return money.Money{}, false, err
	}
	p, ok := e.BestBid()
	return p, ok, nil
}

// BestAsk 最优卖价
func (x *Exchange) BestAsk(symbol Symbol) (money.Money, bool, error) {
	e, err := x.lookup(symbol)
	if err != nil {
		return money.Money{}, false, err
	}
	p, ok := e.BestAsk()
	return p, ok, nil
}

// Spread 价差
func (x *Exchange) Spread(symbol Symbol) (money.Money, bool, error) {
	e, err := x.lookup(symbol)
	if err != nil {
		return money.Money{}, false, err
	}
	p, ok := e.Spread()
	return p, ok, nil
}

// Snapshot 交易对快照
func (x *Exchange) Snapshot(symbol Symbol) (*OrderBookSnapshot, error) {
	e, err := x.lookup(symbol)
	if err != nil {
		return nil, err
	}
	return e.Snapshot(), nil
}

// Stats 所有引擎的统计
func (x *Exchange) Stats() []EngineStats {
	symbols := x.Symbols()
	stats := make([]EngineStats, 0, len(symbols))
	for _, s := range symbols {
		if e, err := x.lookup(s); err == nil {
			stats = append(stats, e.Stats())
		}
	}
	return stats
}

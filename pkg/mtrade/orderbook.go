package mtrade

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"simex.com/pkg/money"
)

// =============================================================================
// 订单簿 (Order Book) - 单交易对聚合根
// =============================================================================
//
// 设计原则：
//   1. 撮合协程独享 OrderBook，内部操作无锁（见 engine.go）
//   2. 外部查询通过快照机制，使用 atomic.Pointer
//   3. 任何校验失败都在修改之前返回，调用要么完整生效要么不生效
//
// 不变量：
//   - 每个活跃订单只出现在一侧的一个档位中，orderIndex 与档位一一对应
//   - 静止时 bestBid < bestAsk（或至少一侧为空）

const (
	// DefaultSnapshotDepth 快照中保留的深度档数
	DefaultSnapshotDepth = 50

	// DefaultRetiredCapacity 记录最近离场订单 ID 的数量
	DefaultRetiredCapacity = 65536
)

// BookConfig 订单簿配置
type BookConfig struct {
	SnapshotDepth   int // 快照深度档数
	RetiredCapacity int // 离场订单环容量
}

// DefaultBookConfig 默认配置
func DefaultBookConfig() BookConfig {
	return BookConfig{
		SnapshotDepth:   DefaultSnapshotDepth,
		RetiredCapacity: DefaultRetiredCapacity,
	}
}

// bookEntry 订单索引项：订单 → 所在档位，O(1) 定位
type bookEntry struct {
	order *Order
	level *RingPriceLevel
}

// OrderBook 订单簿
type OrderBook struct {
	Symbol Symbol
	quote  money.Currency

	bids PriceIndex // 买盘（价格降序）
	asks PriceIndex // 卖盘（价格升序）

	orderIndex map[int64]*bookEntry
	retired    *RetireRing

	pending []MatchEvent // 待发布的成交事件，只能通过 DrainPendingMatches 取走

	matcher    *Matcher
	config     BookConfig
	lastUpdate time.Time

	// 快照（供外部查询，原子更新）
	snapshot atomic.Pointer[OrderBookSnapshot]
}

// NewOrderBook 创建订单簿
// symbol 需已通过 ParseSymbol 校验；ids 为 nil 时使用进程内序列
func NewOrderBook(symbol Symbol, cfg BookConfig, ids IDGenerator) *OrderBook {
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = DefaultSnapshotDepth
	}
	ob := &OrderBook{
		Symbol:     symbol,
		quote:      symbol.Quote(),
		bids:       NewSkipList(SideBuy),
		asks:       NewSkipList(SideSell),
		orderIndex: make(map[int64]*bookEntry),
		retired:    NewRetireRing(cfg.RetiredCapacity),
		config:     cfg,
		lastUpdate: time.Now(),
	}
	ob.matcher = NewMatcher(ob, ids)
	ob.UpdateSnapshot()
	return ob
}

// =============================================================================
// 挂单与撮合
// =============================================================================

// AddOrder 新订单进入订单簿：先扫对手盘撮合，剩余挂到本方档位队尾
// 返回是否产生了成交
func (ob *OrderBook) AddOrder(order *Order) (bool, error) {
	if err := ob.validateIncoming(order); err != nil {
		return false, err
	}
	return ob.admit(order), nil
}

// validateIncoming 入簿前的全部校验，失败时不修改任何状态
func (ob *OrderBook) validateIncoming(order *Order) error {
	if order == nil {
		return ErrNilOrder
	}
	if order.Symbol != ob.Symbol {
		return wrap(ErrSymbolMismatch, "order %d symbol %s, book %s", order.ID, order.Symbol, ob.Symbol)
	}
	if err := order.Validate(); err != nil {
		return err
	}
	if order.Status != OrderStatusPending {
		return wrap(ErrNotActive, "order %d is %s", order.ID, order.Status)
	}
	if !order.RemainingQty().IsPositive() {
		return wrap(ErrInvalidQuantity, "order %d has nothing remaining", order.ID)
	}
	if _, exists := ob.orderIndex[order.ID]; exists {
		return wrap(ErrOrderExists, "order %d", order.ID)
	}
	if ob.retired.Contains(order.ID) {
		return wrap(ErrOrderRetired, "order %d", order.ID)
	}
	return nil
}

// admit 撮合 + 挂单，调用前必须已校验
func (ob *OrderBook) admit(order *Order) bool {
	matches := ob.matcher.Match(order)

	if order.IsActive() {
		ob.rest(order)
	} else {
		ob.retired.Add(order.ID)
	}

	ob.touch()
	return matches > 0
}

// rest 挂到本方对应价格档位的队尾（档位不存在则创建）
func (ob *OrderBook) rest(order *Order) {
	node := ob.getSideIndex(order.Side).Insert(order.Price.Amount())
	level := node.GetLevel()
	level.Enqueue(order)
	ob.orderIndex[order.ID] = &bookEntry{order: order, level: level}
}

// =============================================================================
// 移除 / 撤单 / 改单
// =============================================================================

// RemoveOrder 从订单簿移除订单，不改变订单状态，不触发撮合
// 不在簿中返回 false，订单簿不变
func (ob *OrderBook) RemoveOrder(orderID int64) bool {
	if ob.detach(orderID) == nil {
		return false
	}
	ob.touch()
	return true
}

// CancelOrder 撤单：移除 + 订单置为 Cancelled + 记入离场环
func (ob *OrderBook) CancelOrder(orderID int64) (*Order, error) {
	order := ob.detach(orderID)
	if order == nil {
		return nil, wrap(ErrOrderNotFound, "order %d", orderID)
	}
	// 簿中订单必然活跃，Cancel 不会失败
	_ = order.Cancel()
	ob.retired.Add(orderID)
	ob.touch()
	return order, nil
}

// ReplaceOrderPrice 改价 = 原子地移除 + 改价 + 重新入簿
// 新价格可能直接与对手盘交叉而成交；重新排队意味着失去原有时间优先
// 价格不变时不做任何事（重复投递的改价事件）
func (ob *OrderBook) ReplaceOrderPrice(orderID int64, price money.Money) (bool, error) {
	entry, ok := ob.orderIndex[orderID]
	if !ok {
		return false, wrap(ErrOrderNotFound, "order %d", orderID)
	}
	if price.Currency() != ob.quote {
		return false, wrap(ErrCurrencyMismatch, "order %d new price %s", orderID, price)
	}
	if !price.IsPositive() {
		return false, wrap(ErrInvalidPrice, "order %d new price %s", orderID, price)
	}
	if entry.order.Price.Equal(price) {
		return false, nil
	}

	order := ob.detach(orderID)
	_ = order.UpdatePrice(price) // 已校验
	return ob.admit(order), nil
}

// ReduceOrder 把订单原始数量下调到 newQty，保持排队位置
// 下调后剩余为 0 则等价于撤单；newQty 不小于当前数量时什么也不做
func (ob *OrderBook) ReduceOrder(orderID int64, newQty decimal.Decimal) (*Order, error) {
	entry, ok := ob.orderIndex[orderID]
	if !ok {
		return nil, wrap(ErrOrderNotFound, "order %d", orderID)
	}
	if !newQty.IsPositive() {
		return nil, wrap(ErrInvalidQuantity, "order %d new qty %s", orderID, newQty)
	}
	order := entry.order
	delta := order.Qty.Sub(newQty)
	if !delta.IsPositive() {
		return order, nil
	}
	remaining := order.RemainingQty()
	switch delta.Cmp(remaining) {
	case 1:
		return nil, wrap(ErrOverfill, "order %d reduce by %s, remaining %s", orderID, delta, remaining)
	case 0:
		return ob.CancelOrder(orderID)
	}

	_ = order.CancelPartial(delta) // 已校验
	entry.level.Reduce(delta)
	ob.touch()
	return order, nil
}

// detach 从档位与索引中摘除订单，空档位立即删除
func (ob *OrderBook) detach(orderID int64) *Order {
	entry, ok := ob.orderIndex[orderID]
	if !ok {
		return nil
	}
	entry.level.Remove(orderID)
	if entry.level.IsEmpty() {
		ob.getSideIndex(entry.level.Side).Delete(entry.level.Price)
	}
	delete(ob.orderIndex, orderID)
	return entry.order
}

// retire 撮合中完全成交的 Maker 已出队，这里清理索引
func (ob *OrderBook) retire(order *Order) {
	delete(ob.orderIndex, order.ID)
	ob.retired.Add(order.ID)
}

// SweepInactiveOrders 清扫：外部状态已不活跃的订单移出订单簿
// isActive 只能是纯内存判断（外部状态需在撮合协程外查好）
func (ob *OrderBook) SweepInactiveOrders(isActive func(*Order) bool) []*Order {
	var stale []int64
	for id, entry := range ob.orderIndex {
		if !isActive(entry.order) {
			stale = append(stale, id)
		}
	}

	removed := make([]*Order, 0, len(stale))
	for _, id := range stale {
		order := ob.detach(id)
		_ = order.Cancel() // 剩余数量离开订单簿
		ob.retired.Add(id)
		removed = append(removed, order)
	}
	if len(removed) > 0 {
		ob.touch()
	}
	return removed
}

// =============================================================================
// 成交事件缓冲
// =============================================================================

func (ob *OrderBook) appendMatch(event MatchEvent) {
	ob.pending = append(ob.pending, event)
}

// DrainPendingMatches 取走并清空待发布的成交事件
func (ob *OrderBook) DrainPendingMatches() []MatchEvent {
	if len(ob.pending) == 0 {
		return nil
	}
	out := ob.pending
	ob.pending = nil
	return out
}

// RestorePendingMatches 发布失败时把事件放回缓冲区头部，保持原顺序
func (ob *OrderBook) RestorePendingMatches(events []MatchEvent) {
	if len(events) == 0 {
		return
	}
	restored := make([]MatchEvent, 0, len(events)+len(ob.pending))
	restored = append(restored, events...)
	ob.pending = append(restored, ob.pending...)
}

// PendingMatches 待发布事件数
func (ob *OrderBook) PendingMatches() int {
	return len(ob.pending)
}

// =============================================================================
// 查询（纯读）
// =============================================================================

// GetOppositeIndex 获取对手盘索引
func (ob *OrderBook) GetOppositeIndex(side Side) PriceIndex {
	if side == SideBuy {
		return ob.asks
	}
	return ob.bids
}

// getSideIndex 获取对应方向的价格索引
func (ob *OrderBook) getSideIndex(side Side) PriceIndex {
	if side == SideBuy {
		return ob.bids
	}
	return ob.asks
}

// GetOrder 获取簿中订单
func (ob *OrderBook) GetOrder(orderID int64) (*Order, bool) {
	entry, ok := ob.orderIndex[orderID]
	if !ok {
		return nil, false
	}
	return entry.order, true
}

// Contains 订单是否在簿中
func (ob *OrderBook) Contains(orderID int64) bool {
	_, ok := ob.orderIndex[orderID]
	return ok
}

// Orders 簿中所有订单的拷贝，买盘在前，各侧按价格优先、时间优先
func (ob *OrderBook) Orders() []*Order {
	orders := make([]*Order, 0, len(ob.orderIndex))
	collect := func(node PriceLevelNode) bool {
		node.GetLevel().ForEach(func(o *Order) bool {
			orders = append(orders, o.Clone())
			return true
		})
		return true
	}
	ob.bids.ForEach(collect)
	ob.asks.ForEach(collect)
	return orders
}

// Len 簿中订单数
func (ob *OrderBook) Len() int {
	return len(ob.orderIndex)
}

// BestBid 最优买价
func (ob *OrderBook) BestBid() (money.Money, bool) {
	return ob.bestOf(ob.bids)
}

// BestAsk 最优卖价
func (ob *OrderBook) BestAsk() (money.Money, bool) {
	return ob.bestOf(ob.asks)
}

func (ob *OrderBook) bestOf(index PriceIndex) (money.Money, bool) {
	node := index.First()
	if node == nil {
		return money.Money{}, false
	}
	return money.New(node.GetPrice(), ob.quote), true
}

// Spread 价差 = 最优卖价 - 最优买价，任一侧为空返回 false
func (ob *OrderBook) Spread() (money.Money, bool) {
	bid, okBid := ob.BestBid()
	ask, okAsk := ob.BestAsk()
	if !okBid || !okAsk {
		return money.Money{}, false
	}
	spread, _ := ask.Sub(bid) // 同币种
	return spread, true
}

// DepthLevel 深度档位
type DepthLevel struct {
	Price    money.Money     `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// MarketDepth 每侧前 n 档（价格、剩余总量、订单数）
func (ob *OrderBook) MarketDepth(n int) (bids, asks []DepthLevel) {
	return ob.getDepth(ob.bids, n), ob.getDepth(ob.asks, n)
}

func (ob *OrderBook) getDepth(index PriceIndex, n int) []DepthLevel {
	nodes := index.GetTopN(n)
	result := make([]DepthLevel, len(nodes))
	for i, node := range nodes {
		level := node.GetLevel()
		result[i] = DepthLevel{
			Price:    money.New(node.GetPrice(), ob.quote),
			Quantity: level.TotalQty(),
			Orders:   level.Len(),
		}
	}
	return result
}

// LastUpdate 最后一次修改时间
func (ob *OrderBook) LastUpdate() time.Time {
	return ob.lastUpdate
}

func (ob *OrderBook) touch() {
	ob.lastUpdate = time.Now()
}

// =============================================================================
// 快照机制（无锁读）
// =============================================================================

// OrderBookSnapshot 订单簿快照（只读）
type OrderBookSnapshot struct {
	Symbol         Symbol       `json:"symbol"`
	BestBid        money.Money  `json:"best_bid"`
	BestAsk        money.Money  `json:"best_ask"`
	HasBid         bool         `json:"has_bid"`
	HasAsk         bool         `json:"has_ask"`
	BidLevels      int          `json:"bid_levels"`
	AskLevels      int          `json:"ask_levels"`
	Orders         int          `json:"orders"`
	PendingMatches int          `json:"pending_matches"`
	BidDepth       []DepthLevel `json:"bid_depth"`
	AskDepth       []DepthLevel `json:"ask_depth"`
	LastUpdate     time.Time    `json:"last_update"`
}

// Spread 快照价差
func (s *OrderBookSnapshot) Spread() (money.Money, bool) {
	if !s.HasBid || !s.HasAsk {
		return money.Money{}, false
	}
	spread, _ := s.BestAsk.Sub(s.BestBid)
	return spread, true
}

// Depth 快照中的前 n 档
func (s *OrderBookSnapshot) Depth(n int) (bids, asks []DepthLevel) {
	return headDepth(s.BidDepth, n), headDepth(s.AskDepth, n)
}

func headDepth(levels []DepthLevel, n int) []DepthLevel {
	if n < 0 {
		n = 0
	}
	if n > len(levels) {
		n = len(levels)
	}
	return levels[:n:n]
}

// UpdateSnapshot 重建快照，仅由撮合协程在每次修改后调用
func (ob *OrderBook) UpdateSnapshot() *OrderBookSnapshot {
	snap := &OrderBookSnapshot{
		Symbol:         ob.Symbol,
		BidLevels:      ob.bids.Len(),
		AskLevels:      ob.asks.Len(),
		Orders:         len(ob.orderIndex),
		PendingMatches: len(ob.pending),
		BidDepth:       ob.getDepth(ob.bids, ob.config.SnapshotDepth),
		AskDepth:       ob.getDepth(ob.asks, ob.config.SnapshotDepth),
		LastUpdate:     ob.lastUpdate,
	}
	snap.BestBid, snap.HasBid = ob.BestBid()
	snap.BestAsk, snap.HasAsk = ob.BestAsk()

	ob.snapshot.Store(snap)
	return snap
}

// GetSnapshot 获取快照（无锁读），可从任意 goroutine 调用
func (ob *OrderBook) GetSnapshot() *OrderBookSnapshot {
	return ob.snapshot.Load()
}

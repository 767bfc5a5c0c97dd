package mtrade

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"simex.com/pkg/money"
)

// =============================================================================
// ID 生成
// =============================================================================

// IDGenerator 成交 ID 生成器，生产环境用 idgen.Generator (Snowflake)
type IDGenerator interface {
	Next() int64
}

// seqGenerator 进程内自增序列，未注入生成器时使用
type seqGenerator struct {
	seq atomic.Int64
}

func (g *seqGenerator) Next() int64 {
	return g.seq.Add(1)
}

// =============================================================================
// 撮合器 (Matcher)
// =============================================================================

// Matcher 价格优先、时间优先的撮合算法
// 只由订单簿调用，运行在撮合协程内，纯内存计算，无 I/O
type Matcher struct {
	orderBook *OrderBook
	ids       IDGenerator
	now       func() time.Time
}

// NewMatcher 创建撮合器
func NewMatcher(ob *OrderBook, ids IDGenerator) *Matcher {
	if ids == nil {
		ids = &seqGenerator{}
	}
	return &Matcher{
		orderBook: ob,
		ids:       ids,
		now:       time.Now,
	}
}

// Match 用 taker 扫对手盘，直到：
//  1. taker 剩余为 0
//  2. 对手盘空了
//  3. 对手盘最优价不再与 taker 限价交叉
//
// 一次调用可以吃掉多个订单、多个价位。返回产生的成交笔数，
// 成交事件追加到订单簿的待发布缓冲区
func (m *Matcher) Match(taker *Order) int {
	contra := m.orderBook.GetOppositeIndex(taker.Side)
	matches := 0

	for taker.RemainingQty().IsPositive() {
		best := contra.First()
		if best == nil {
			break // 对手盘空了
		}
		if !taker.Side.Crosses(taker.Price.Amount(), best.GetPrice()) {
			break // 价格不交叉
		}

		level := best.GetLevel()
		matches += m.matchAtLevel(taker, level)

		// 空档位立即删除
		if level.IsEmpty() {
			contra.Delete(best.GetPrice())
		}
	}

	return matches
}

// matchAtLevel 在一个价位上按 FIFO 撮合
func (m *Matcher) matchAtLevel(taker *Order, level *RingPriceLevel) int {
	matches := 0
	for taker.RemainingQty().IsPositive() && !level.IsEmpty() {
		maker := level.PeekHead()

		qty := decimal.Min(taker.RemainingQty(), maker.RemainingQty())

		// 成交价 = Maker 限价（已在簿中报价的一方），必然落在 [卖价, 买价] 区间
		price := maker.Price

		mustExecute(maker, qty, price)
		mustExecute(taker, qty, price)

		// Maker 完全成交则出队，否则保持队首，时间优先不变
		if level.ConsumeFromHead(qty) {
			m.orderBook.retire(maker)
		}

		m.orderBook.appendMatch(m.newMatchEvent(taker, maker, qty))
		matches++
	}
	return matches
}

func (m *Matcher) newMatchEvent(taker, maker *Order, qty decimal.Decimal) MatchEvent {
	buy, sell := taker, maker
	if taker.Side == SideSell {
		buy, sell = maker, taker
	}
	return MatchEvent{
		ID:              m.ids.Next(),
		Symbol:          m.orderBook.Symbol,
		BuyOrderID:      buy.ID,
		SellOrderID:     sell.ID,
		BuyPortfolioID:  buy.PortfolioID,
		SellPortfolioID: sell.PortfolioID,
		Qty:             qty,
		Price:           maker.Price,
		TakerSide:       taker.Side,
		Timestamp:       m.now(),
	}
}

// mustExecute 入口已校验过订单，这里失败说明订单簿不变量被破坏
func mustExecute(o *Order, qty decimal.Decimal, price money.Money) {
	if err := o.Execute(qty, price); err != nil {
		panic(fmt.Sprintf("mtrade: invariant violated executing %s: %v", o, err))
	}
}

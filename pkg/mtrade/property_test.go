package mtrade

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

// =============================================================================
// 性质测试 (rapid)
// =============================================================================

// drawPrice 95.0 ~ 105.0，步长 0.5
func drawPrice(t *rapid.T, label string) string {
	ticks := rapid.IntRange(0, 20).Draw(t, label)
	return decimal.NewFromInt(95).Add(decimal.NewFromFloat(0.5).Mul(decimal.NewFromInt(int64(ticks)))).String()
}

// drawQty 0.1 ~ 20.0，步长 0.1
func drawQty(t *rapid.T, label string) string {
	tenths := rapid.IntRange(1, 200).Draw(t, label)
	return decimal.New(int64(tenths), -1).String()
}

// bookModel 随机操作序列 + 每步之后的断言
type bookModel struct {
	ob      *OrderBook
	orders  map[int64]*Order
	filled  map[int64]decimal.Decimal // 按成交事件累计的成交量
	nextID  int64
	matches int
}

func newBookModel() *bookModel {
	return &bookModel{
		ob:     newTestBook(),
		orders: make(map[int64]*Order),
		filled: make(map[int64]decimal.Decimal),
	}
}

func (m *bookModel) residentIDs() []int64 {
	ids := make([]int64, 0, m.ob.Len())
	for _, o := range m.ob.Orders() {
		ids = append(ids, o.ID)
	}
	return ids
}

func (m *bookModel) step(t *rapid.T, i int) {
	op := rapid.IntRange(0, 9).Draw(t, fmt.Sprintf("op-%d", i))
	resident := m.residentIDs()

	switch {
	case op <= 5 || len(resident) == 0: // 新订单
		m.nextID++
		side := SideBuy
		if rapid.Bool().Draw(t, fmt.Sprintf("sell-%d", i)) {
			side = SideSell
		}
		o := newTestOrder(t, m.nextID, side, drawPrice(t, fmt.Sprintf("price-%d", i)), drawQty(t, fmt.Sprintf("qty-%d", i)))
		m.orders[o.ID] = o
		if _, err := m.ob.AddOrder(o); err != nil {
			t.Fatalf("add order %d: %v", o.ID, err)
		}

	case op == 6: // 撤单
		id := rapid.SampledFrom(resident).Draw(t, fmt.Sprintf("cancel-%d", i))
		if _, err := m.ob.CancelOrder(id); err != nil {
			t.Fatalf("cancel %d: %v", id, err)
		}

	case op == 7: // 改价
		id := rapid.SampledFrom(resident).Draw(t, fmt.Sprintf("replace-%d", i))
		if _, err := m.ob.ReplaceOrderPrice(id, px(drawPrice(t, fmt.Sprintf("newprice-%d", i)))); err != nil {
			t.Fatalf("replace %d: %v", id, err)
		}

	case op == 8: // 减量（可能越界，越界必须不改变订单簿）
		id := rapid.SampledFrom(resident).Draw(t, fmt.Sprintf("reduce-%d", i))
		before := m.orders[id].Clone()
		newQty := qty(drawQty(t, fmt.Sprintf("newqty-%d", i)))
		if _, err := m.ob.ReduceOrder(id, newQty); err != nil {
			after := m.orders[id]
			if !after.Qty.Equal(before.Qty) || after.Status != before.Status {
				t.Fatalf("failed reduce mutated order %d", id)
			}
		}

	default: // 移除（不改状态）
		id := rapid.SampledFrom(resident).Draw(t, fmt.Sprintf("remove-%d", i))
		if !m.ob.RemoveOrder(id) {
			t.Fatalf("resident order %d not removed", id)
		}
		// 被外部移除的订单视为已取消，用于守恒检查
		_ = m.orders[id].Cancel()
	}

	m.checkMatches(t)
	m.checkNotCrossed(t)
	m.checkConservation(t)
}

// checkMatches 成交价在 [卖价, 买价] 之间
func (m *bookModel) checkMatches(t *rapid.T) {
	for _, e := range m.ob.DrainPendingMatches() {
		m.matches++
		buy, sell := m.orders[e.BuyOrderID], m.orders[e.SellOrderID]
		if buy == nil || sell == nil || buy.Side != SideBuy || sell.Side != SideSell {
			t.Fatalf("match %d references wrong orders", e.ID)
		}
		if !e.Qty.IsPositive() {
			t.Fatalf("match %d has non-positive qty %s", e.ID, e.Qty)
		}
		p := e.Price.Amount()
		if p.LessThan(sell.Price.Amount()) || p.GreaterThan(buy.Price.Amount()) {
			t.Fatalf("match %d price %s outside [%s, %s]", e.ID, p, sell.Price.Amount(), buy.Price.Amount())
		}
		m.filled[e.BuyOrderID] = m.filled[e.BuyOrderID].Add(e.Qty)
		m.filled[e.SellOrderID] = m.filled[e.SellOrderID].Add(e.Qty)
	}
}

func (m *bookModel) checkNotCrossed(t *rapid.T) {
	bid, okBid := m.ob.BestBid()
	ask, okAsk := m.ob.BestAsk()
	if okBid && okAsk && !bid.Amount().LessThan(ask.Amount()) {
		t.Fatalf("book crossed at rest: bid %s ask %s", bid, ask)
	}
}

// checkConservation 数量守恒：
//
//	每个订单：成交事件累计量 == FilledQty，且 剩余 + 成交 + 撤销 == 原始数量
//	订单簿：各档位缓存总量 == 成员剩余之和
func (m *bookModel) checkConservation(t *rapid.T) {
	for id, o := range m.orders {
		if !m.filled[id].Equal(o.FilledQty) {
			t.Fatalf("order %d filled %s, matches sum %s", id, o.FilledQty, m.filled[id])
		}
		total := o.RemainingQty().Add(o.FilledQty).Add(o.CancelledQty)
		if !total.Equal(o.Qty) || o.RemainingQty().IsNegative() {
			t.Fatalf("order %d quantities do not add up: %s", id, o)
		}
		if o.RemainingQty().IsZero() != o.Status.IsTerminal() {
			t.Fatalf("order %d remaining %s with status %s", id, o.RemainingQty(), o.Status)
		}
		if m.ob.Contains(id) != o.IsActive() {
			t.Fatalf("order %d active=%v resident=%v", id, o.IsActive(), m.ob.Contains(id))
		}
	}

	for _, index := range []PriceIndex{m.ob.bids, m.ob.asks} {
		index.ForEach(func(node PriceLevelNode) bool {
			level := node.GetLevel()
			sum := decimal.Zero
			level.ForEach(func(o *Order) bool {
				sum = sum.Add(o.RemainingQty())
				return true
			})
			if level.IsEmpty() {
				t.Fatalf("empty level %s left in book", node.GetPrice())
			}
			if !sum.Equal(level.TotalQty()) {
				t.Fatalf("level %s total %s, members %s", node.GetPrice(), level.TotalQty(), sum)
			}
			return true
		})
	}
}

func TestProperty_RandomOperations(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newBookModel()
		steps := rapid.IntRange(1, 120).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			m.step(t, i)
		}
	})
}

// 同价位先到先成交
func TestProperty_TimePriority(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ob := newTestBook()
		makers := rapid.IntRange(2, 12).Draw(t, "makers")
		side := SideSell
		if rapid.Bool().Draw(t, "bidMakers") {
			side = SideBuy
		}

		total := decimal.Zero
		for i := 1; i <= makers; i++ {
			q := drawQty(t, fmt.Sprintf("qty-%d", i))
			total = total.Add(qty(q))
			if _, err := ob.AddOrder(newTestOrder(t, int64(i), side, "100", q)); err != nil {
				t.Fatal(err)
			}
		}

		// taker 吃掉随机比例
		takerQty := decimal.New(int64(rapid.IntRange(1, 200).Draw(t, "takerTenths")), -1)
		taker := newTestOrder(t, 1000, side.Opposite(), "100", takerQty.String())
		if _, err := ob.AddOrder(taker); err != nil {
			t.Fatal(err)
		}

		prev := int64(0)
		matched := decimal.Zero
		for _, e := range ob.DrainPendingMatches() {
			maker := e.MakerOrderID()
			if maker <= prev {
				t.Fatalf("maker %d matched after %d", maker, prev)
			}
			prev = maker
			matched = matched.Add(e.Qty)
		}
		if !matched.Equal(decimal.Min(total, takerQty)) {
			t.Fatalf("matched %s, want min(%s, %s)", matched, total, takerQty)
		}
	})
}

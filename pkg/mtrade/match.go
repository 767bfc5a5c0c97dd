package mtrade

import (
	"time"

	"github.com/shopspring/decimal"

	"simex.com/pkg/money"
)

// =============================================================================
// 成交事件 (Match Event)
// =============================================================================

// MatchEvent 一次成交的不可变记录
// 一次 AddOrder 可能产生多个 MatchEvent（吃多个订单/多个价位）
//
// 不变量：Qty > 0，Price 在 [卖单限价, 买单限价] 之间（Price = Maker 限价）
type MatchEvent struct {
	ID     int64  `json:"id"`
	Symbol Symbol `json:"symbol"`

	BuyOrderID  int64 `json:"buy_order_id"`
	SellOrderID int64 `json:"sell_order_id"`

	BuyPortfolioID  string `json:"buy_portfolio_id"`
	SellPortfolioID string `json:"sell_portfolio_id"`

	Qty   decimal.Decimal `json:"qty"`
	Price money.Money     `json:"price"`

	TakerSide Side      `json:"taker_side"`
	Timestamp time.Time `json:"timestamp"`
}

// Notional 成交额 = 价格 × 数量（计价货币）
func (m MatchEvent) Notional() money.Money {
	return m.Price.Mul(m.Qty)
}

// MakerOrderID 挂单方订单
func (m MatchEvent) MakerOrderID() int64 {
	if m.TakerSide == SideBuy {
		return m.SellOrderID
	}
	return m.BuyOrderID
}

// TakerOrderID 吃单方订单
func (m MatchEvent) TakerOrderID() int64 {
	if m.TakerSide == SideBuy {
		return m.BuyOrderID
	}
	return m.SellOrderID
}

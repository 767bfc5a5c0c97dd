// 文件: pkg/order/model.go
// 订单生命周期服务的持久化模型

package order

import (
	"time"

	"github.com/shopspring/decimal"

	"simex.com/pkg/money"
	"simex.com/pkg/mtrade"
)

// =============================================================================
// Record - orders 表
// =============================================================================

// Record 订单记录
// 价格与数量用 decimal(36,18) 存储，decimal.Decimal 自带 Scanner/Valuer
type Record struct {
	ID      uint  `gorm:"primaryKey;autoIncrement"`
	OrderID int64 `gorm:"column:order_id;uniqueIndex"` // 雪花ID

	PortfolioID   string `gorm:"column:portfolio_id;type:varchar(64);index"`
	ReservationID string `gorm:"column:reservation_id;type:varchar(64)"`
	Symbol        string `gorm:"column:symbol;type:varchar(32);index:idx_symbol_status"`

	Side     mtrade.Side     `gorm:"column:side"`
	Price    decimal.Decimal `gorm:"column:price;type:decimal(36,18)"`
	Currency string          `gorm:"column:currency;type:varchar(16)"`

	Qty          decimal.Decimal `gorm:"column:qty;type:decimal(36,18)"`
	FilledQty    decimal.Decimal `gorm:"column:filled_qty;type:decimal(36,18)"`
	CancelledQty decimal.Decimal `gorm:"column:cancelled_qty;type:decimal(36,18)"`

	Status mtrade.OrderStatus `gorm:"column:status;index:idx_symbol_status"`

	CreatedAt int64 `gorm:"column:created_at;index"`
	UpdatedAt int64 `gorm:"column:updated_at"`
}

func (Record) TableName() string {
	return "orders"
}

// RecordFromOrder 领域订单 → 记录
func RecordFromOrder(o *mtrade.Order) *Record {
	return &Record{
		OrderID:       o.ID,
		PortfolioID:   o.PortfolioID,
		ReservationID: o.ReservationID,
		Symbol:        string(o.Symbol),
		Side:          o.Side,
		Price:         o.Price.Amount(),
		Currency:      string(o.Price.Currency()),
		Qty:           o.Qty,
		FilledQty:     o.FilledQty,
		CancelledQty:  o.CancelledQty,
		Status:        o.Status,
		CreatedAt:     o.CreatedAt.UnixMilli(),
		UpdatedAt:     o.UpdatedAt.UnixMilli(),
	}
}

// ToOrder 记录 → 领域订单
func (r *Record) ToOrder() *mtrade.Order {
	return &mtrade.Order{
		ID:            r.OrderID,
		Symbol:        mtrade.Symbol(r.Symbol),
		Side:          r.Side,
		Price:         money.New(r.Price, money.Currency(r.Currency)),
		Qty:           r.Qty,
		FilledQty:     r.FilledQty,
		CancelledQty:  r.CancelledQty,
		Status:        r.Status,
		PortfolioID:   r.PortfolioID,
		ReservationID: r.ReservationID,
		CreatedAt:     time.UnixMilli(r.CreatedAt),
		UpdatedAt:     time.UnixMilli(r.UpdatedAt),
	}
}

// apply 把领域订单的可变字段写回记录
func (r *Record) apply(o *mtrade.Order) {
	r.Price = o.Price.Amount()
	r.Currency = string(o.Price.Currency())
	r.Qty = o.Qty
	r.FilledQty = o.FilledQty
	r.CancelledQty = o.CancelledQty
	r.Status = o.Status
	r.UpdatedAt = o.UpdatedAt.UnixMilli()
}

// =============================================================================
// Fill - order_fills 表
// =============================================================================

// Fill 一笔成交落到某个订单上的记录
// (transaction_id, order_id) 唯一：同一成交重复投递只生效一次
type Fill struct {
	ID            uint            `gorm:"primaryKey;autoIncrement"`
	TransactionID int64           `gorm:"column:transaction_id;uniqueIndex:uk_tx_order"`
	OrderID       int64           `gorm:"column:order_id;uniqueIndex:uk_tx_order;index"`
	Qty           decimal.Decimal `gorm:"column:qty;type:decimal(36,18)"`
	Price         decimal.Decimal `gorm:"column:price;type:decimal(36,18)"`
	Currency      string          `gorm:"column:currency;type:varchar(16)"`
	CreatedAt     int64           `gorm:"column:created_at"`
}

func (Fill) TableName() string {
	return "order_fills"
}

// FillFromMatch 成交的一条腿
func FillFromMatch(m mtrade.MatchEvent, orderID int64) Fill {
	return Fill{
		TransactionID: m.ID,
		OrderID:       orderID,
		Qty:           m.Qty,
		Price:         m.Price.Amount(),
		Currency:      string(m.Price.Currency()),
		CreatedAt:     m.Timestamp.UnixMilli(),
	}
}

// fillKey 内存仓储的去重键
type fillKey struct {
	transactionID int64
	orderID       int64
}

func (f Fill) key() fillKey {
	return fillKey{transactionID: f.TransactionID, orderID: f.OrderID}
}

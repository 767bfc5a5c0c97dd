package mtrade

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"simex.com/pkg/money"
)

// =============================================================================
// 常量定义
// =============================================================================

// Side 买卖方向
// 创建后不可变，撮合时只通过 Side 决定价格比较方向
type Side int8

const (
	SideBuy  Side = 1  // 买入
	SideSell Side = -1 // 卖出，用 -1 方便计算对手盘
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Valid 是否合法方向
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite 返回对手方向
func (s Side) Opposite() Side {
	return -s // Buy(1) -> Sell(-1), Sell(-1) -> Buy(1)
}

// ParseSide 解析 "BUY"/"SELL"
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(s) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	}
	return 0, wrap(ErrInvalidSide, "%q", s)
}

// Crosses 单一的价格比较器
// 买单：买价 >= 卖价 才能成交
// 卖单：卖价 <= 买价 才能成交
func (s Side) Crosses(limit, contra decimal.Decimal) bool {
	if s == SideBuy {
		return limit.Cmp(contra) >= 0
	}
	return limit.Cmp(contra) <= 0
}

// =============================================================================
// 交易对
// =============================================================================

// Symbol 交易对，格式 BASE_QUOTE，如 "BTC_USD"
type Symbol string

// ParseSymbol 校验并返回交易对
func ParseSymbol(s string) (Symbol, error) {
	base, quote, ok := strings.Cut(s, "_")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "_") {
		return "", wrap(ErrInvalidSymbol, "%q", s)
	}
	if !money.Currency(base).Valid() || !money.Currency(quote).Valid() {
		return "", wrap(ErrInvalidSymbol, "%q", s)
	}
	return Symbol(s), nil
}

// Base 基础资产，如 BTC
func (s Symbol) Base() money.Currency {
	base, _, _ := strings.Cut(string(s), "_")
	return money.Currency(base)
}

// Quote 计价货币，如 USD；订单价格必须以此币种标价
func (s Symbol) Quote() money.Currency {
	_, quote, _ := strings.Cut(string(s), "_")
	return money.Currency(quote)
}

// =============================================================================
// 订单状态
// =============================================================================

// OrderStatus 订单状态机：
//
//	Pending → Partial → Filled
//	Pending → Filled（一次吃满）
//	Pending|Partial → Cancelled
//
// Filled 和 Cancelled 是终态，不允许再离开
type OrderStatus int8

const (
	OrderStatusPending   OrderStatus = iota + 1 // 新订单，等待撮合
	OrderStatusPartial                          // 部分成交
	OrderStatusFilled                           // 完全成交
	OrderStatusCancelled                        // 已取消
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusPartial:
		return "PARTIAL"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ParseOrderStatus 解析状态字符串
func ParseOrderStatus(s string) (OrderStatus, error) {
	for _, st := range []OrderStatus{OrderStatusPending, OrderStatusPartial, OrderStatusFilled, OrderStatusCancelled} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown order status %q", s)
}

// IsActive 可以挂单/被撮合
func (s OrderStatus) IsActive() bool {
	return s == OrderStatusPending || s == OrderStatusPartial
}

// IsTerminal 终态
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// =============================================================================
// 订单结构体
// =============================================================================

// Order 订单
//
// 不变量：
//
//	FilledQty + CancelledQty <= Qty
//	RemainingQty = Qty - FilledQty - CancelledQty
//	RemainingQty == 0 ⇔ Status ∈ {Filled, Cancelled}
//
// 同一个订单实例不支持并发修改，由所在订单簿的撮合协程独占
type Order struct {
	ID     int64
	Symbol Symbol
	Side   Side
	Price  money.Money // 限价，币种 = Symbol.Quote()

	Qty          decimal.Decimal // 原始数量（CancelPartial 会减少）
	FilledQty    decimal.Decimal // 已成交数量，只增不减
	CancelledQty decimal.Decimal // 撤单时剩余未成交的数量

	Status OrderStatus

	PortfolioID   string
	ReservationID string // 可选，由 Portfolio 侧的资金冻结生成

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrder 创建 Pending 订单并校验
func NewOrder(id int64, symbol Symbol, side Side, price money.Money, qty decimal.Decimal, portfolioID string) (*Order, error) {
	now := time.Now()
	o := &Order{
		ID:           id,
		Symbol:       symbol,
		Side:         side,
		Price:        price,
		Qty:          qty,
		FilledQty:    decimal.Zero,
		CancelledQty: decimal.Zero,
		Status:       OrderStatusPending,
		PortfolioID:  portfolioID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate 校验订单字段的自洽性（不看状态）
func (o *Order) Validate() error {
	if _, err := ParseSymbol(string(o.Symbol)); err != nil {
		return err
	}
	if !o.Side.Valid() {
		return wrap(ErrInvalidSide, "order %d", o.ID)
	}
	if !o.Qty.IsPositive() {
		return wrap(ErrInvalidQuantity, "order %d qty %s", o.ID, o.Qty)
	}
	if !o.Price.IsPositive() {
		return wrap(ErrInvalidPrice, "order %d price %s", o.ID, o.Price)
	}
	if o.Price.Currency() != o.Symbol.Quote() {
		return wrap(ErrCurrencyMismatch, "order %d price %s, symbol %s", o.ID, o.Price, o.Symbol)
	}
	if o.FilledQty.IsNegative() || o.CancelledQty.IsNegative() ||
		o.FilledQty.Add(o.CancelledQty).GreaterThan(o.Qty) {
		return wrap(ErrOverfill, "order %d filled %s cancelled %s qty %s", o.ID, o.FilledQty, o.CancelledQty, o.Qty)
	}
	return nil
}

// RemainingQty 剩余未成交数量
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty).Sub(o.CancelledQty)
}

// IsActive 是否可挂单
func (o *Order) IsActive() bool {
	return o.Status.IsActive()
}

// IsFilled 是否完全成交
func (o *Order) IsFilled() bool {
	return o.Status == OrderStatusFilled
}

// =============================================================================
// 状态机
// =============================================================================

// Execute 成交 qty，成交价 price
// 只由撮合算法调用；成交价必须在订单限价以内（买：<= 限价，卖：>= 限价）
func (o *Order) Execute(qty decimal.Decimal, price money.Money) error {
	if !o.IsActive() {
		return wrap(ErrTerminalOrder, "order %d is %s", o.ID, o.Status)
	}
	if !qty.IsPositive() {
		return wrap(ErrInvalidQuantity, "execute %s", qty)
	}
	if qty.GreaterThan(o.RemainingQty()) {
		return wrap(ErrOverfill, "order %d execute %s remaining %s", o.ID, qty, o.RemainingQty())
	}
	if !price.SameCurrency(o.Price) {
		return wrap(ErrCurrencyMismatch, "order %d execute at %s", o.ID, price)
	}
	if !o.Side.Crosses(o.Price.Amount(), price.Amount()) {
		return wrap(ErrPriceOutOfLimit, "order %d %s limit %s, execution %s", o.ID, o.Side, o.Price, price)
	}

	o.FilledQty = o.FilledQty.Add(qty)
	if o.RemainingQty().IsZero() {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartial
	}
	o.UpdatedAt = time.Now()
	return nil
}

// Cancel 撤单：Pending/Partial → Cancelled，剩余数量计入 CancelledQty
func (o *Order) Cancel() error {
	if !o.IsActive() {
		return wrap(ErrTerminalOrder, "cancel order %d: %s", o.ID, o.Status)
	}
	o.CancelledQty = o.CancelledQty.Add(o.RemainingQty())
	o.Status = OrderStatusCancelled
	o.UpdatedAt = time.Now()
	return nil
}

// CancelPartial 减少原始数量（只能减未成交部分），已成交数量不变
// qty 等于剩余数量时等价于 Cancel
func (o *Order) CancelPartial(qty decimal.Decimal) error {
	if !o.IsActive() {
		return wrap(ErrTerminalOrder, "cancel partial order %d: %s", o.ID, o.Status)
	}
	if !qty.IsPositive() {
		return wrap(ErrInvalidQuantity, "cancel partial %s", qty)
	}
	remaining := o.RemainingQty()
	switch qty.Cmp(remaining) {
	case 1:
		return wrap(ErrOverfill, "order %d cancel %s remaining %s", o.ID, qty, remaining)
	case 0:
		return o.Cancel()
	}
	o.Qty = o.Qty.Sub(qty)
	o.UpdatedAt = time.Now()
	return nil
}

// UpdatePrice 改价（币种必须一致）
func (o *Order) UpdatePrice(price money.Money) error {
	if !o.IsActive() {
		return wrap(ErrTerminalOrder, "update price order %d: %s", o.ID, o.Status)
	}
	if !price.SameCurrency(o.Price) {
		return wrap(ErrCurrencyMismatch, "order %d new price %s", o.ID, price)
	}
	if !price.IsPositive() {
		return wrap(ErrInvalidPrice, "order %d new price %s", o.ID, price)
	}
	o.Price = price
	o.UpdatedAt = time.Now()
	return nil
}

// Clone 深拷贝（decimal 与 Money 都是值类型）
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// String 格式化输出
func (o *Order) String() string {
	return fmt.Sprintf("Order{ID:%d, %s %s %s@%s, Filled:%s, Status:%s}",
		o.ID, o.Side, o.Symbol, o.Qty, o.Price.Amount(), o.FilledQty, o.Status)
}

// 文件: pkg/order/service.go
// 订单生命周期服务：落库后发布事件，订单簿通过事件异步跟进

package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"simex.com/pkg/event"
	"simex.com/pkg/money"
	"simex.com/pkg/mtrade"
)

// Fetcher 权威订单状态来源
type Fetcher interface {
	FetchOrder(ctx context.Context, orderID int64) (*mtrade.Order, error)
}

var (
	_ Fetcher              = (*Service)(nil)
	_ mtrade.StatusChecker = (*Service)(nil)
)

// PlaceRequest 下单参数
type PlaceRequest struct {
	Symbol        mtrade.Symbol
	Side          mtrade.Side
	Price         money.Money
	Qty           decimal.Decimal
	PortfolioID   string
	ReservationID string
}

type Service struct {
	repo   Repository
	ids    mtrade.IDGenerator
	pub    event.Publisher
	logger *zap.Logger
}

func NewService(repo Repository, ids mtrade.IDGenerator, pub event.Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		ids:    ids,
		pub:    pub,
		logger: logger.Named("order"),
	}
}

// =============================================================================
// 命令
// =============================================================================

// PlaceOrder 创建订单并发布 OrderCreated
// 发布失败时订单已落库：返回订单和错误，可以用 Republish 重发
func (s *Service) PlaceOrder(ctx context.Context, req PlaceRequest) (*mtrade.Order, error) {
	o, err := mtrade.NewOrder(s.ids.Next(), req.Symbol, req.Side, req.Price, req.Qty, req.PortfolioID)
	if err != nil {
		return nil, err
	}
	o.ReservationID = req.ReservationID

	if err := s.repo.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order %d: %w", o.ID, err)
	}
	s.logger.Debug("[Order] placed", zap.Int64("order_id", o.ID), zap.Stringer("side", o.Side),
		zap.String("symbol", string(o.Symbol)), zap.Stringer("price", o.Price), zap.Stringer("qty", o.Qty))

	return o, s.publish(ctx, event.TypeOrderCreated, o.Symbol, event.OrderCreated{OrderID: o.ID, Symbol: o.Symbol})
}

// Republish 重新发布活跃订单的 OrderCreated（订单簿侧对重复投递幂等）
func (s *Service) Republish(ctx context.Context, orderID int64) error {
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.IsActive() {
		return fmt.Errorf("republish order %d: %w", orderID, mtrade.ErrNotActive)
	}
	return s.publish(ctx, event.TypeOrderCreated, o.Symbol, event.OrderCreated{OrderID: o.ID, Symbol: o.Symbol})
}

// CancelOrder 撤单
func (s *Service) CancelOrder(ctx context.Context, orderID int64) (*mtrade.Order, error) {
	o, err := s.repo.Update(ctx, orderID, func(o *mtrade.Order) error { return o.Cancel() })
	if err != nil {
		return nil, err
	}
	return o, s.publish(ctx, event.TypeOrderCancelled, o.Symbol, event.OrderCancelled{OrderID: o.ID, Symbol: o.Symbol})
}

// CancelPartial 减少 qty 的原始数量；减到剩余为 0 时等同撤单
func (s *Service) CancelPartial(ctx context.Context, orderID int64, qty decimal.Decimal) (*mtrade.Order, error) {
	o, err := s.repo.Update(ctx, orderID, func(o *mtrade.Order) error { return o.CancelPartial(qty) })
	if err != nil {
		return nil, err
	}
	if !o.IsActive() {
		return o, s.publish(ctx, event.TypeOrderCancelled, o.Symbol, event.OrderCancelled{OrderID: o.ID, Symbol: o.Symbol})
	}
	newQty := o.Qty
	return o, s.publish(ctx, event.TypeOrderUpdated, o.Symbol, event.OrderUpdated{OrderID: o.ID, Symbol: o.Symbol, Qty: &newQty})
}

// UpdatePrice 改价
func (s *Service) UpdatePrice(ctx context.Context, orderID int64, price money.Money) (*mtrade.Order, error) {
	o, err := s.repo.Update(ctx, orderID, func(o *mtrade.Order) error { return o.UpdatePrice(price) })
	if err != nil {
		return nil, err
	}
	newPrice := o.Price
	return o, s.publish(ctx, event.TypeOrderUpdated, o.Symbol, event.OrderUpdated{OrderID: o.ID, Symbol: o.Symbol, Price: &newPrice})
}

// ApplyTransaction 成交落到买卖双方订单上
// 每条腿按 (成交ID, 订单ID) 去重，重复投递返回 nil；一条腿失败不影响另一条腿
func (s *Service) ApplyTransaction(ctx context.Context, m mtrade.MatchEvent) error {
	var errs []error
	for _, orderID := range []int64{m.BuyOrderID, m.SellOrderID} {
		applied, err := s.repo.ApplyFill(ctx, FillFromMatch(m, orderID), func(o *mtrade.Order) error {
			return settleLeg(o, m)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("apply transaction %d to order %d: %w", m.ID, orderID, err))
			continue
		}
		if !applied {
			s.logger.Debug("[Order] duplicate fill", zap.Int64("transaction_id", m.ID), zap.Int64("order_id", orderID))
		}
	}
	return errors.Join(errs...)
}

// settleLeg 以订单簿的成交为准落到订单上
// 成交时订单簿看到的是旧状态，之后落库的改价/减量/撤单都不能否决这笔成交：
//   - 不再校验限价（成交价在撮合时已满足当时的限价）
//   - 剩余数量不足时，先从撤销数量扣回，再撤回减量（原始数量加回差额）
func settleLeg(o *mtrade.Order, m mtrade.MatchEvent) error {
	if o.Status == mtrade.OrderStatusFilled {
		return fmt.Errorf("order %d already filled: %w", o.ID, mtrade.ErrTerminalOrder)
	}
	if !m.Qty.IsPositive() {
		return fmt.Errorf("order %d fill %s: %w", o.ID, m.Qty, mtrade.ErrInvalidQuantity)
	}
	if !m.Price.SameCurrency(o.Price) {
		return fmt.Errorf("order %d fill at %s: %w", o.ID, m.Price, mtrade.ErrCurrencyMismatch)
	}

	short := m.Qty.Sub(o.RemainingQty())
	if short.IsPositive() && o.CancelledQty.IsPositive() {
		take := decimal.Min(short, o.CancelledQty)
		o.CancelledQty = o.CancelledQty.Sub(take)
		short = short.Sub(take)
	}
	if short.IsPositive() {
		o.Qty = o.Qty.Add(short)
	}

	o.FilledQty = o.FilledQty.Add(m.Qty)
	switch {
	case !o.RemainingQty().IsZero():
		o.Status = mtrade.OrderStatusPartial
	case o.CancelledQty.IsZero():
		o.Status = mtrade.OrderStatusFilled
	default:
		o.Status = mtrade.OrderStatusCancelled
	}
	o.UpdatedAt = time.Now()
	return nil
}

// =============================================================================
// 查询
// =============================================================================

func (s *Service) FetchOrder(ctx context.Context, orderID int64) (*mtrade.Order, error) {
	return s.repo.Get(ctx, orderID)
}

// IsActive 订单不存在视为不活跃
func (s *Service) IsActive(ctx context.Context, orderID int64) (bool, error) {
	o, err := s.repo.Get(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return o.IsActive(), nil
}

func (s *Service) ListActive(ctx context.Context, symbol mtrade.Symbol) ([]*mtrade.Order, error) {
	return s.repo.ListActive(ctx, symbol)
}

func (s *Service) publish(ctx context.Context, t event.Type, symbol mtrade.Symbol, payload any) error {
	env, err := event.New(t, symbol, payload)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, env); err != nil {
		s.logger.Error("[Order] publish failed", zap.String("type", string(t)), zap.String("event_id", env.ID), zap.Error(err))
		return fmt.Errorf("publish %s: %w", t, err)
	}
	return nil
}

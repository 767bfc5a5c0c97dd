// 文件: pkg/saga/fill.go
// 生命周期服务侧：成交事件 → 更新买卖双方订单

package saga

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"simex.com/pkg/event"
	"simex.com/pkg/mtrade"
	"simex.com/pkg/order"
)

// Applier 把成交落到订单上（order.Service 实现，按成交 ID 幂等）
type Applier interface {
	ApplyTransaction(ctx context.Context, m mtrade.MatchEvent) error
}

// Invalidator 订单缓存失效（order.CachedFetcher 实现）
type Invalidator interface {
	Invalidate(ctx context.Context, orderID int64) error
}

var (
	_ Applier     = (*order.Service)(nil)
	_ Invalidator = (*order.CachedFetcher)(nil)
)

type FillHandler struct {
	applier Applier
	cache   Invalidator // 可为 nil
	logger  *zap.Logger
}

func NewFillHandler(applier Applier, cache Invalidator, logger *zap.Logger) *FillHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FillHandler{applier: applier, cache: cache, logger: logger.Named("fill_saga")}
}

// Register 注册到路由
func (h *FillHandler) Register(r *Router) {
	r.Handle(event.TypeTransactionCreated, h.onTransactionCreated)
	if h.cache != nil {
		r.Handle(event.TypeOrderCancelled, h.onOrderChanged)
		r.Handle(event.TypeOrderUpdated, h.onOrderChanged)
	}
}

func (h *FillHandler) onTransactionCreated(ctx context.Context, env event.Envelope) error {
	var e event.TransactionCreated
	if err := env.Decode(&e); err != nil {
		h.logger.Warn("[FillSaga] event dropped", zap.String("event_id", env.ID), zap.Error(err))
		return nil
	}

	err := h.applier.ApplyTransaction(ctx, e.Match)
	switch {
	case err == nil:
	case rejected(err):
		// 重投也无法成功
		h.logger.Error("[FillSaga] transaction rejected", zap.Int64("transaction_id", e.Match.ID),
			zap.Int64("buy_order_id", e.Match.BuyOrderID), zap.Int64("sell_order_id", e.Match.SellOrderID), zap.Error(err))
		return nil
	default:
		return err
	}

	h.invalidate(ctx, e.Match.BuyOrderID, e.Match.SellOrderID)
	return nil
}

// rejected 每条腿的错误都是业务错误时返回 true；只要有一条腿是基础设施错误就交给总线重投
func rejected(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !rejected(e) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, order.ErrNotFound) || mtrade.IsValidation(err) || mtrade.IsState(err)
}

// onOrderChanged 撤单/改单后删除缓存
func (h *FillHandler) onOrderChanged(ctx context.Context, env event.Envelope) error {
	var e struct {
		OrderID int64 `json:"order_id"`
	}
	if err := env.Decode(&e); err != nil {
		return nil
	}
	h.invalidate(ctx, e.OrderID)
	return nil
}

func (h *FillHandler) invalidate(ctx context.Context, orderIDs ...int64) {
	if h.cache == nil {
		return
	}
	for _, id := range orderIDs {
		if err := h.cache.Invalidate(ctx, id); err != nil {
			h.logger.Warn("[FillSaga] cache invalidate failed", zap.Int64("order_id", id), zap.Error(err))
		}
	}
}

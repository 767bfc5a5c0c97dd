// 文件: pkg/saga/book.go
// 订单簿侧的事件处理：生命周期事件 → 订单簿操作 → 成交事件发布
//
// 事件至少投递一次且可能乱序，每个处理都必须幂等：
//   - 重复的 OrderCreated：订单簿返回 ErrOrderExists / ErrOrderRetired，忽略
//   - OrderUpdated / OrderCancelled 早于 OrderCreated：订单不在簿内，忽略；
//     之后到达的 OrderCreated 回查到的已是最新状态
//   - 成交发布失败：未发出的成交放回缓冲，下次 Flush 重发（信封 ID 不变）

package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"simex.com/pkg/event"
	"simex.com/pkg/money"
	"simex.com/pkg/mtrade"
	"simex.com/pkg/order"
)

// Book 订单簿操作，mtrade.Exchange 实现
type Book interface {
	AddOrder(ctx context.Context, o *mtrade.Order) (bool, error)
	RemoveOrder(ctx context.Context, orderID int64, symbol mtrade.Symbol) (bool, error)
	CancelOrder(ctx context.Context, orderID int64, symbol mtrade.Symbol) (*mtrade.Order, error)
	ReplaceOrderPrice(ctx context.Context, orderID int64, symbol mtrade.Symbol, price money.Money) (bool, error)
	ReduceOrder(ctx context.Context, orderID int64, symbol mtrade.Symbol, newQty decimal.Decimal) (*mtrade.Order, error)
	DrainPendingMatches(ctx context.Context, symbol mtrade.Symbol) ([]mtrade.MatchEvent, error)
	RestorePendingMatches(ctx context.Context, symbol mtrade.Symbol, events []mtrade.MatchEvent) error
	SweepInactiveOrders(ctx context.Context, checker mtrade.StatusChecker) (int, error)
	Symbols() []mtrade.Symbol
}

var _ Book = (*mtrade.Exchange)(nil)

// BookHandler 订单簿侧 saga
type BookHandler struct {
	book    Book
	fetcher order.Fetcher
	pub     event.Publisher
	logger  *zap.Logger

	// 串行化 Flush，保证同一进程内成交按撮合顺序发布
	flushMu sync.Mutex
}

func NewBookHandler(book Book, fetcher order.Fetcher, pub event.Publisher, logger *zap.Logger) *BookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookHandler{
		book:    book,
		fetcher: fetcher,
		pub:     pub,
		logger:  logger.Named("book_saga"),
	}
}

// Register 注册到路由
func (h *BookHandler) Register(r *Router) {
	r.Handle(event.TypeOrderCreated, h.onOrderCreated)
	r.Handle(event.TypeOrderCancelled, h.onOrderCancelled)
	r.Handle(event.TypeOrderUpdated, h.onOrderUpdated)
	r.Handle(event.TypeTransactionCreated, h.onTransactionCreated)
}

// =============================================================================
// 事件处理
// =============================================================================

func (h *BookHandler) onOrderCreated(ctx context.Context, env event.Envelope) error {
	var e event.OrderCreated
	if err := env.Decode(&e); err != nil {
		return h.drop(env, err)
	}

	o, err := h.fetcher.FetchOrder(ctx, e.OrderID)
	if errors.Is(err, order.ErrNotFound) {
		return h.drop(env, err)
	}
	if err != nil {
		return fmt.Errorf("fetch order %d: %w", e.OrderID, err)
	}
	if !o.IsActive() {
		h.logger.Debug("[BookSaga] order no longer active", zap.Int64("order_id", o.ID), zap.Stringer("status", o.Status))
		return nil
	}

	matched, err := h.book.AddOrder(ctx, o)
	if err != nil {
		return h.classify(env, err)
	}
	if matched {
		return h.Flush(ctx, o.Symbol)
	}
	return nil
}

func (h *BookHandler) onOrderCancelled(ctx context.Context, env event.Envelope) error {
	var e event.OrderCancelled
	if err := env.Decode(&e); err != nil {
		return h.drop(env, err)
	}
	if _, err := h.book.CancelOrder(ctx, e.OrderID, e.Symbol); err != nil {
		return h.classify(env, err)
	}
	return nil
}

func (h *BookHandler) onOrderUpdated(ctx context.Context, env event.Envelope) error {
	var e event.OrderUpdated
	if err := env.Decode(&e); err != nil {
		return h.drop(env, err)
	}

	if e.Qty != nil {
		if _, err := h.book.ReduceOrder(ctx, e.OrderID, e.Symbol, *e.Qty); err != nil {
			return h.classify(env, err)
		}
	}
	if e.Price != nil {
		matched, err := h.book.ReplaceOrderPrice(ctx, e.OrderID, e.Symbol, *e.Price)
		if err != nil {
			return h.classify(env, err)
		}
		if matched {
			return h.Flush(ctx, e.Symbol)
		}
	}
	return nil
}

// onTransactionCreated 对账：生命周期服务已判定为终态的订单从簿中移除
func (h *BookHandler) onTransactionCreated(ctx context.Context, env event.Envelope) error {
	var e event.TransactionCreated
	if err := env.Decode(&e); err != nil {
		return h.drop(env, err)
	}

	for _, orderID := range []int64{e.Match.BuyOrderID, e.Match.SellOrderID} {
		o, err := h.fetcher.FetchOrder(ctx, orderID)
		if errors.Is(err, order.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("fetch order %d: %w", orderID, err)
		}
		if o.IsActive() {
			continue
		}
		removed, err := h.book.RemoveOrder(ctx, orderID, e.Match.Symbol)
		if err != nil {
			return h.classify(env, err)
		}
		if removed {
			h.logger.Info("[BookSaga] resync removed order", zap.Int64("order_id", orderID), zap.Stringer("status", o.Status))
		}
	}
	return nil
}

// =============================================================================
// 成交发布
// =============================================================================

// Flush 取出该交易对的待发布成交并逐条发布
// 第 i 条失败时，i 及之后的成交放回缓冲头部
func (h *BookHandler) Flush(ctx context.Context, symbol mtrade.Symbol) error {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()

	events, err := h.book.DrainPendingMatches(ctx, symbol)
	if err != nil || len(events) == 0 {
		return err
	}

	for i, m := range events {
		env, err := event.NewTransaction(m)
		if err == nil {
			err = h.pub.Publish(ctx, env)
		}
		if err != nil {
			if rerr := h.book.RestorePendingMatches(context.WithoutCancel(ctx), symbol, events[i:]); rerr != nil {
				h.logger.Error("[BookSaga] restore matches failed, matches lost",
					zap.String("symbol", string(symbol)), zap.Int("count", len(events)-i), zap.Error(rerr))
			}
			return fmt.Errorf("publish transaction %d: %w", m.ID, err)
		}
	}

	h.logger.Debug("[BookSaga] published matches", zap.String("symbol", string(symbol)), zap.Int("count", len(events)))
	return nil
}

// FlushAll 所有交易对
func (h *BookHandler) FlushAll(ctx context.Context) error {
	var errs []error
	for _, symbol := range h.book.Symbols() {
		if err := h.Flush(ctx, symbol); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// 错误分类
// =============================================================================

// classify 业务错误（重复、乱序、非法参数）不重试；其余返回给总线重投
func (h *BookHandler) classify(env event.Envelope, err error) error {
	if errors.Is(err, mtrade.ErrEngineStopped) {
		return err
	}
	switch {
	case errors.Is(err, mtrade.ErrOrderExists), errors.Is(err, mtrade.ErrOrderRetired),
		errors.Is(err, mtrade.ErrOrderNotFound), errors.Is(err, mtrade.ErrNotActive):
		h.logger.Debug("[BookSaga] ignored", zap.String("type", string(env.Type)),
			zap.String("event_id", env.ID), zap.Error(err))
		return nil
	case mtrade.IsValidation(err) || mtrade.IsState(err) || mtrade.IsNotFound(err):
		return h.drop(env, err)
	}
	return err
}

func (h *BookHandler) drop(env event.Envelope, err error) error {
	h.logger.Warn("[BookSaga] event dropped", zap.String("type", string(env.Type)),
		zap.String("event_id", env.ID), zap.Error(err))
	return nil
}

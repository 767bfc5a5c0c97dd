// 文件: pkg/order/repository.go
package order

import (
	"context"
	"errors"
	"sort"
	"sync"

	"simex.com/pkg/mtrade"
)

// ErrNotFound 订单不存在
var ErrNotFound = errors.New("order not found")

// MutateFunc 读-改-写回调，返回错误时不落库
type MutateFunc func(o *mtrade.Order) error

type Repository interface {
	// 创建
	Create(ctx context.Context, o *mtrade.Order) error

	// 查询
	Get(ctx context.Context, orderID int64) (*mtrade.Order, error)
	ListActive(ctx context.Context, symbol mtrade.Symbol) ([]*mtrade.Order, error)

	// 更新（单订单串行）
	Update(ctx context.Context, orderID int64, fn MutateFunc) (*mtrade.Order, error)

	// ApplyFill 记录成交并更新订单；该成交已记录过时 applied=false，订单不变
	ApplyFill(ctx context.Context, fill Fill, fn MutateFunc) (applied bool, err error)
}

// =============================================================================
// MemoryRepository - 进程内实现（模拟盘、测试）
// =============================================================================

var _ Repository = (*MemoryRepository)(nil)

type MemoryRepository struct {
	mu     sync.Mutex
	orders map[int64]*mtrade.Order
	fills  map[fillKey]Fill
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders: make(map[int64]*mtrade.Order),
		fills:  make(map[fillKey]Fill),
	}
}

func (r *MemoryRepository) Create(_ context.Context, o *mtrade.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; ok {
		return mtrade.ErrOrderExists
	}
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, orderID int64) (*mtrade.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (r *MemoryRepository) ListActive(_ context.Context, symbol mtrade.Symbol) ([]*mtrade.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*mtrade.Order
	for _, o := range r.orders {
		if o.Symbol == symbol && o.IsActive() {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) Update(_ context.Context, orderID int64, fn MutateFunc) (*mtrade.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	next := o.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	r.orders[orderID] = next
	return next.Clone(), nil
}

func (r *MemoryRepository) ApplyFill(_ context.Context, fill Fill, fn MutateFunc) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fills[fill.key()]; ok {
		return false, nil
	}
	o, ok := r.orders[fill.OrderID]
	if !ok {
		return false, ErrNotFound
	}
	next := o.Clone()
	if err := fn(next); err != nil {
		return false, err
	}
	r.orders[fill.OrderID] = next
	r.fills[fill.key()] = fill
	return true, nil
}

// Fills 某订单的成交记录（测试、统计用）
func (r *MemoryRepository) Fills(orderID int64) []Fill {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Fill
	for _, f := range r.fills {
		if f.OrderID == orderID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out
}

package mtrade

import "github.com/shopspring/decimal"

// =============================================================================
// 环形队列版 PriceLevel
// =============================================================================
//
// 同一价格的挂单按到达顺序排队（时间优先），头部出队 O(1)
//
// 普通切片问题：
//   头部删除需要移动所有元素 O(n)
//   slice = slice[1:] 会导致内存泄漏
//
// 环形队列解决：
//   用 head/tail 指针标记有效区域
//   头部删除只需移动 head 指针 O(1)
//
// 不变量：totalQty == 所有成员订单 RemainingQty 之和

const (
	// DefaultRingCapacity 默认环形缓冲区容量
	// 容量必须是 2 的幂，用位运算取模
	DefaultRingCapacity = 16
)

// RingPriceLevel 环形队列价格档位
type RingPriceLevel struct {
	Price    decimal.Decimal
	Side     Side
	totalQty decimal.Decimal
	orders   []*Order // 环形缓冲区
	head     int      // 头指针（下一个出队位置）
	tail     int      // 尾指针（下一个入队位置）
	count    int      // 当前元素数量
	mask     int      // 容量掩码（用于取模）
}

// NewRingPriceLevel 创建价格档位
func NewRingPriceLevel(price decimal.Decimal, side Side) *RingPriceLevel {
	c := DefaultRingCapacity
	return &RingPriceLevel{
		Price:    price,
		Side:     side,
		totalQty: decimal.Zero,
		orders:   make([]*Order, c),
		mask:     c - 1,
	}
}

// =============================================================================
// 订单操作
// =============================================================================

// Enqueue 添加订单到队尾
// 时间复杂度：O(1)，可能触发扩容 O(n)
func (pl *RingPriceLevel) Enqueue(order *Order) {
	if pl.count == len(pl.orders) {
		pl.grow()
	}

	pl.orders[pl.tail] = order
	pl.tail = (pl.tail + 1) & pl.mask // 等价于 (tail + 1) % len
	pl.count++
	pl.totalQty = pl.totalQty.Add(order.RemainingQty())
}

// PeekHead 获取队首订单（不移除）
func (pl *RingPriceLevel) PeekHead() *Order {
	if pl.count == 0 {
		return nil
	}
	return pl.orders[pl.head]
}

// ConsumeFromHead 队首订单成交 qty 后调用
// 【注意】调用方必须先对订单执行 Execute，这里只维护缓存总量，
// 队首订单剩余为 0 时出队并返回 true
func (pl *RingPriceLevel) ConsumeFromHead(qty decimal.Decimal) bool {
	head := pl.PeekHead()
	if head == nil {
		return false
	}
	pl.totalQty = pl.totalQty.Sub(qty)
	if head.RemainingQty().IsZero() {
		pl.popFront()
		return true
	}
	return false
}

// Reduce 成员订单原地减量（保持排队位置）后调用
func (pl *RingPriceLevel) Reduce(qty decimal.Decimal) {
	pl.totalQty = pl.totalQty.Sub(qty)
}

// popFront 弹出队首，O(1)
func (pl *RingPriceLevel) popFront() *Order {
	if pl.count == 0 {
		return nil
	}

	order := pl.orders[pl.head]
	pl.orders[pl.head] = nil // 帮助 GC
	pl.head = (pl.head + 1) & pl.mask
	pl.count--
	return order
}

// Remove 从队列中移除指定订单，缓存总量减去其剩余数量
// 时间复杂度：O(n)，需要遍历查找；同一价格的订单数通常很少
func (pl *RingPriceLevel) Remove(orderID int64) *Order {
	for i := 0; i < pl.count; i++ {
		idx := (pl.head + i) & pl.mask
		if pl.orders[idx].ID == orderID {
			removed := pl.removeAt(i)
			pl.totalQty = pl.totalQty.Sub(removed.RemainingQty())
			return removed
		}
	}
	return nil
}

// removeAt 移除指定位置的元素（相对于 head 的偏移），保持其余元素顺序
func (pl *RingPriceLevel) removeAt(offset int) *Order {
	idx := (pl.head + offset) & pl.mask
	removed := pl.orders[idx]

	// 选择移动较少的一半
	if offset < pl.count/2 {
		// 前半部分向后移动，腾出头部
		for i := offset; i > 0; i-- {
			curr := (pl.head + i) & pl.mask
			prev := (pl.head + i - 1) & pl.mask
			pl.orders[curr] = pl.orders[prev]
		}
		pl.orders[pl.head] = nil
		pl.head = (pl.head + 1) & pl.mask
	} else {
		// 后半部分向前移动，腾出尾部
		for i := offset; i < pl.count-1; i++ {
			curr := (pl.head + i) & pl.mask
			next := (pl.head + i + 1) & pl.mask
			pl.orders[curr] = pl.orders[next]
		}
		pl.tail = (pl.tail - 1 + len(pl.orders)) & pl.mask
		pl.orders[pl.tail] = nil
	}

	pl.count--
	return removed
}

// Len 返回订单数量
func (pl *RingPriceLevel) Len() int {
	return pl.count
}

// IsEmpty 是否为空，为空的档位必须立即从订单簿删除
func (pl *RingPriceLevel) IsEmpty() bool {
	return pl.count == 0
}

// TotalQty 档位剩余总量
func (pl *RingPriceLevel) TotalQty() decimal.Decimal {
	return pl.totalQty
}

// grow 容量翻倍，保持 2 的幂
func (pl *RingPriceLevel) grow() {
	newCap := len(pl.orders) * 2
	newOrders := make([]*Order, newCap)

	for i := 0; i < pl.count; i++ {
		idx := (pl.head + i) & pl.mask
		newOrders[i] = pl.orders[idx]
	}

	pl.orders = newOrders
	pl.head = 0
	pl.tail = pl.count
	pl.mask = newCap - 1
}

// ForEach 按时间优先顺序遍历，fn 返回 false 停止
func (pl *RingPriceLevel) ForEach(fn func(*Order) bool) {
	for i := 0; i < pl.count; i++ {
		idx := (pl.head + i) & pl.mask
		if !fn(pl.orders[idx]) {
			return
		}
	}
}

package mtrade

import (
	"math/rand"

	"github.com/shopspring/decimal"
)

// =============================================================================
// 跳表 (Skip List) - 实现 PriceIndex 接口
// =============================================================================
//
// Level 2:  Head ──────────────► 99.50 ─────────────────► 101.00 ──► nil
// Level 1:  Head ──► 99.00 ────► 99.50 ──────► 100.00 ──► 101.00 ──► nil
// Level 0:  Head ──► 99.00 ──► 99.25 ──► 99.50 ──► 100.00 ──► 101.00 ──► nil

const (
	// MaxLevel 跳表最大层数
	MaxLevel = 32

	// SkipListP 节点晋升概率
	SkipListP = 0.25
)

// SkipListNode 跳表节点
type SkipListNode struct {
	price decimal.Decimal
	level *RingPriceLevel
	next  []*SkipListNode
}

func (n *SkipListNode) GetPrice() decimal.Decimal { return n.price }
func (n *SkipListNode) GetLevel() *RingPriceLevel { return n.level }

// SkipList 跳表
type SkipList struct {
	head   *SkipListNode
	height int
	length int
	side   Side
	less   func(a, b decimal.Decimal) bool
}

// 编译时检查：确保 SkipList 实现了 PriceIndex 接口
var _ PriceIndex = (*SkipList)(nil)

// NewSkipList 创建跳表
// 卖盘升序（最低价在前），买盘降序（最高价在前）
func NewSkipList(side Side) *SkipList {
	var less func(a, b decimal.Decimal) bool
	if side == SideSell {
		less = func(a, b decimal.Decimal) bool { return a.LessThan(b) }
	} else {
		less = func(a, b decimal.Decimal) bool { return a.GreaterThan(b) }
	}

	return &SkipList{
		head:   &SkipListNode{next: make([]*SkipListNode, MaxLevel)},
		height: 1,
		side:   side,
		less:   less,
	}
}

func randomHeight() int {
	h := 1
	for rand.Float64() < SkipListP && h < MaxLevel {
		h++
	}
	return h
}

// findWithPath 查找节点，同时记录每层的前驱节点
func (sl *SkipList) findWithPath(price decimal.Decimal) (*SkipListNode, [MaxLevel]*SkipListNode) {
	var path [MaxLevel]*SkipListNode
	curr := sl.head

	for i := sl.height - 1; i >= 0; i-- {
		for curr.next[i] != nil && sl.less(curr.next[i].price, price) {
			curr = curr.next[i]
		}
		path[i] = curr
	}

	target := curr.next[0]
	if target != nil && target.price.Equal(price) {
		return target, path
	}
	return nil, path
}

// Find 查找指定价格的节点
func (sl *SkipList) Find(price decimal.Decimal) PriceLevelNode {
	node, _ := sl.findWithPath(price)
	if node == nil {
		return nil
	}
	return node
}

// Insert 插入价格档位（如果不存在则创建）
func (sl *SkipList) Insert(price decimal.Decimal) PriceLevelNode {
	existing, path := sl.findWithPath(price)
	if existing != nil {
		return existing
	}

	h := randomHeight()
	if h > sl.height {
		for i := sl.height; i < h; i++ {
			path[i] = sl.head
		}
		sl.height = h
	}

	node := &SkipListNode{
		price: price,
		level: NewRingPriceLevel(price, sl.side),
		next:  make([]*SkipListNode, h),
	}
	for i := 0; i < h; i++ {
		node.next[i] = path[i].next[i]
		path[i].next[i] = node
	}

	sl.length++
	return node
}

// Delete 删除价格档位
func (sl *SkipList) Delete(price decimal.Decimal) PriceLevelNode {
	target, path := sl.findWithPath(price)
	if target == nil {
		return nil
	}

	for i := 0; i < sl.height; i++ {
		if path[i].next[i] != target {
			break
		}
		path[i].next[i] = target.next[i]
	}

	for sl.height > 1 && sl.head.next[sl.height-1] == nil {
		sl.height--
	}

	sl.length--
	return target
}

// First 最优价格
func (sl *SkipList) First() PriceLevelNode {
	if sl.head.next[0] == nil {
		return nil
	}
	return sl.head.next[0]
}

func (sl *SkipList) Len() int      { return sl.length }
func (sl *SkipList) IsEmpty() bool { return sl.length == 0 }

// ForEach 遍历所有节点
func (sl *SkipList) ForEach(fn func(PriceLevelNode) bool) {
	for curr := sl.head.next[0]; curr != nil; curr = curr.next[0] {
		if !fn(curr) {
			return
		}
	}
}

// GetTopN 获取前 N 个价格档位
func (sl *SkipList) GetTopN(n int) []PriceLevelNode {
	if n <= 0 {
		return nil
	}
	result := make([]PriceLevelNode, 0, min(n, sl.length))
	for curr := sl.head.next[0]; curr != nil && len(result) < n; curr = curr.next[0] {
		result = append(result, curr)
	}
	return result
}

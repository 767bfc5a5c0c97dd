package mtrade

import "github.com/shopspring/decimal"

// =============================================================================
// 价格索引接口 (Price Index Interface)
// =============================================================================
//
// 订单簿只依赖这个接口管理价格档位
//   - 当前实现：跳表 (SkipList)
//   - 可替换为红黑树等有序结构
//
// 买盘按价格降序，卖盘按价格升序，First() 永远是最优价

// PriceLevelNode 订单簿中的一个价格档位
type PriceLevelNode interface {
	GetPrice() decimal.Decimal
	GetLevel() *RingPriceLevel
}

// PriceIndex 价格索引
type PriceIndex interface {
	// Find 查找指定价格的节点，不存在返回 nil
	Find(price decimal.Decimal) PriceLevelNode

	// Insert 插入价格档位（如果不存在则创建）
	Insert(price decimal.Decimal) PriceLevelNode

	// Delete 删除价格档位，不存在返回 nil
	Delete(price decimal.Decimal) PriceLevelNode

	// First 最优价格档位
	First() PriceLevelNode

	Len() int
	IsEmpty() bool

	// ForEach 按最优到最差遍历，fn 返回 false 时停止
	ForEach(fn func(PriceLevelNode) bool)

	// GetTopN 前 N 个价格档位
	GetTopN(n int) []PriceLevelNode
}

package mtrade

// =============================================================================
// 已离场订单环 (Retire Ring)
// =============================================================================
//
// 记录最近离开订单簿的终态订单 ID（成交完 / 撤单 / 清扫）
// OrderCreated 事件至少投递一次，重复投递时靠它拒绝二次挂单
//
// 固定容量，满了覆盖最旧的记录；只由撮合协程访问，无锁

// RetireRing 有界 FIFO 集合
type RetireRing struct {
	buf   []int64
	set   map[int64]struct{}
	head  int // 下一个写入位置
	count int
}

// NewRetireRing 创建，capacity <= 0 时使用默认容量
func NewRetireRing(capacity int) *RetireRing {
	if capacity <= 0 {
		capacity = DefaultRetiredCapacity
	}
	return &RetireRing{
		buf: make([]int64, capacity),
		set: make(map[int64]struct{}, capacity),
	}
}

// Add 记录一个 ID，已存在则忽略
func (r *RetireRing) Add(id int64) {
	if _, ok := r.set[id]; ok {
		return
	}
	if r.count == len(r.buf) {
		// 满了：淘汰最旧的
		delete(r.set, r.buf[r.head])
	} else {
		r.count++
	}
	r.buf[r.head] = id
	r.set[id] = struct{}{}
	r.head = (r.head + 1) % len(r.buf)
}

// Contains 是否最近离场
func (r *RetireRing) Contains(id int64) bool {
	_, ok := r.set[id]
	return ok
}

func (r *RetireRing) Len() int { return r.count }
func (r *RetireRing) Cap() int { return len(r.buf) }

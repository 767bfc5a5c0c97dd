// 文件: pkg/event/event.go
// 领域事件与传输信封，NATS / Kafka / 内存总线共用

package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"simex.com/pkg/money"
	"simex.com/pkg/mtrade"
)

// =============================================================================
// 事件类型
// =============================================================================

// Type 事件类型
type Type string

const (
	TypeOrderCreated       Type = "order.created"
	TypeOrderCancelled     Type = "order.cancelled"
	TypeOrderUpdated       Type = "order.updated"
	TypeTransactionCreated Type = "transaction.created"
)

// SubjectPrefix NATS subject / Kafka topic 前缀
const SubjectPrefix = "simex."

// Subject NATS subject，同时作为 Kafka topic
func (t Type) Subject() string {
	return SubjectPrefix + string(t)
}

// AllTypes 全部事件类型
func AllTypes() []Type {
	return []Type{TypeOrderCreated, TypeOrderCancelled, TypeOrderUpdated, TypeTransactionCreated}
}

// ParseSubject subject → 事件类型
func ParseSubject(subject string) (Type, bool) {
	for _, t := range AllTypes() {
		if t.Subject() == subject {
			return t, true
		}
	}
	return "", false
}

// =============================================================================
// 事件负载
// =============================================================================

// OrderCreated 订单已在生命周期服务落库，等待进入订单簿
type OrderCreated struct {
	OrderID int64         `json:"order_id"`
	Symbol  mtrade.Symbol `json:"symbol"`
}

// OrderCancelled 订单被撤销
type OrderCancelled struct {
	OrderID int64         `json:"order_id"`
	Symbol  mtrade.Symbol `json:"symbol"`
}

// OrderUpdated 改价或减量，二者至少有一个
type OrderUpdated struct {
	OrderID int64            `json:"order_id"`
	Symbol  mtrade.Symbol    `json:"symbol"`
	Price   *money.Money     `json:"price,omitempty"`
	Qty     *decimal.Decimal `json:"qty,omitempty"` // 新的原始数量
}

// TransactionCreated 撮合成交
type TransactionCreated struct {
	Match mtrade.MatchEvent `json:"match"`
}

// =============================================================================
// 信封
// =============================================================================

// Envelope 传输信封，实现 kafka.Message
type Envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Symbol     mtrade.Symbol   `json:"symbol"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// transactionNamespace 成交信封 ID 由成交 ID 派生，重发时 ID 不变
var transactionNamespace = uuid.MustParse("6f1c1a0e-3b8f-4f57-9d3e-2f4c5b7a9e10")

// New 创建信封，ID 随机
func New(t Type, symbol mtrade.Symbol, payload any) (Envelope, error) {
	return newWithID(uuid.NewString(), t, symbol, payload)
}

// NewTransaction 成交事件信封
func NewTransaction(m mtrade.MatchEvent) (Envelope, error) {
	id := uuid.NewSHA1(transactionNamespace, []byte(strconv.FormatInt(m.ID, 10))).String()
	env, err := newWithID(id, TypeTransactionCreated, m.Symbol, TransactionCreated{Match: m})
	if err != nil {
		return Envelope{}, err
	}
	env.OccurredAt = m.Timestamp
	return env, nil
}

func newWithID(id string, t Type, symbol mtrade.Symbol, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		ID:         id,
		Type:       t,
		Symbol:     symbol,
		OccurredAt: time.Now().UTC(),
		Payload:    data,
	}, nil
}

// Topic kafka.Message
func (e Envelope) Topic() string { return e.Type.Subject() }

// Key 同一交易对的事件进入同一分区，保证顺序
func (e Envelope) Key() string { return string(e.Symbol) }

// Value 序列化
func (e Envelope) Value() ([]byte, error) { return json.Marshal(e) }

// Decode 解析负载
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Unmarshal 反序列化信封
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.ID == "" || e.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing id or type")
	}
	return e, nil
}

// =============================================================================
// 发布 / 处理
// =============================================================================

// Publisher 事件发布者
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// PublisherFunc 函数适配器
type PublisherFunc func(ctx context.Context, env Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, env Envelope) error { return f(ctx, env) }

// Handler 事件处理器，返回错误表示需要重投
type Handler func(ctx context.Context, env Envelope) error

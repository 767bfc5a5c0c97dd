// 文件: pkg/money/money.go
// 定点金额: 十进制精确运算 + 币种校验
//
// 价格、成交额全部用 decimal 表示，禁止 float64 参与计算

package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrInvalidCurrency  = errors.New("invalid currency")
	ErrInvalidAmount    = errors.New("invalid amount")
)

// Currency 币种代码，如 "USD"、"USDT"
type Currency string

// Valid 币种必须是非空的大写字母/数字
func (c Currency) Valid() bool {
	if c == "" {
		return false
	}
	for _, r := range c {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Money 带币种的金额
// 【注意】零值 Money 没有币种，不能参与运算
type Money struct {
	amount   decimal.Decimal
	currency Currency
}

// New 创建金额
func New(amount decimal.Decimal, currency Currency) Money {
	return Money{amount: amount, currency: currency}
}

// Zero 某币种的零金额
func Zero(currency Currency) Money {
	return Money{amount: decimal.Zero, currency: currency}
}

// Parse 从字符串解析金额，如 Parse("100.25", "USD")
func Parse(amount string, currency Currency) (Money, error) {
	if !currency.Valid() {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return Money{amount: d, currency: currency}, nil
}

// MustParse 解析失败直接 panic，仅用于常量和测试
func MustParse(amount string, currency Currency) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// FromInt 整数金额
func FromInt(amount int64, currency Currency) Money {
	return Money{amount: decimal.NewFromInt(amount), currency: currency}
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) Currency() Currency      { return m.currency }

// =============================================================================
// 运算（全部校验币种）
// =============================================================================

func (m Money) check(other Money) error {
	if m.currency != other.currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	return nil
}

// Add 加法
func (m Money) Add(other Money) (Money, error) {
	if err := m.check(other); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Add(other.amount), currency: m.currency}, nil
}

// Sub 减法
func (m Money) Sub(other Money) (Money, error) {
	if err := m.check(other); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Sub(other.amount), currency: m.currency}, nil
}

// Cmp 比较：-1 小于，0 等于，1 大于
func (m Money) Cmp(other Money) (int, error) {
	if err := m.check(other); err != nil {
		return 0, err
	}
	return m.amount.Cmp(other.amount), nil
}

// Mul 乘以数量（价格 × 数量 = 成交额），币种不变
func (m Money) Mul(qty decimal.Decimal) Money {
	return Money{amount: m.amount.Mul(qty), currency: m.currency}
}

// Equal 币种和数值都相等（数值比较忽略精度差异，1.0 == 1.00）
func (m Money) Equal(other Money) bool {
	return m.currency == other.currency && m.amount.Equal(other.amount)
}

func (m Money) SameCurrency(other Money) bool { return m.currency == other.currency }
func (m Money) IsPositive() bool              { return m.amount.IsPositive() }
func (m Money) IsZero() bool                  { return m.amount.IsZero() }
func (m Money) IsNegative() bool              { return m.amount.IsNegative() }

// String 格式化输出，如 "100.5 USD"
func (m Money) String() string {
	return m.amount.String() + " " + string(m.currency)
}

// =============================================================================
// JSON
// =============================================================================

type moneyJSON struct {
	Amount   string   `json:"amount"`
	Currency Currency `json:"currency"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.amount.String(), Currency: m.currency})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var v moneyJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := Parse(v.Amount, v.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

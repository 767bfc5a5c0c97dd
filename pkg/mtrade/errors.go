package mtrade

import (
	"errors"
	"fmt"
)

// =============================================================================
// 错误定义
// =============================================================================
//
// 三类错误：
//   Validation - 输入非法（交易对不符、数量/价格非正、币种不符），调用方决定重试或上报
//   State      - 状态不允许（终态订单、重复挂单）
//   NotFound   - 订单或交易对不存在
//
// 所有错误都在修改订单簿之前返回，失败的调用不会留下部分修改

// ErrorKind 错误类别
type ErrorKind int8

const (
	KindValidation ErrorKind = iota + 1
	KindState
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error 撮合核心的业务错误
type Error struct {
	Kind ErrorKind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Msg
}

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	// Validation
	ErrNilOrder         = newError(KindValidation, "nil_order", "order cannot be nil")
	ErrInvalidSymbol    = newError(KindValidation, "invalid_symbol", "symbol must be BASE_QUOTE")
	ErrSymbolMismatch   = newError(KindValidation, "symbol_mismatch", "order symbol does not match book")
	ErrInvalidSide      = newError(KindValidation, "invalid_side", "side must be BUY or SELL")
	ErrInvalidQuantity  = newError(KindValidation, "invalid_quantity", "quantity must be positive")
	ErrInvalidPrice     = newError(KindValidation, "invalid_price", "price must be positive")
	ErrCurrencyMismatch = newError(KindValidation, "currency_mismatch", "price currency does not match quote currency")
	ErrPriceOutOfLimit  = newError(KindValidation, "price_out_of_limit", "execution price violates order limit")
	ErrOverfill         = newError(KindValidation, "overfill", "quantity exceeds remaining quantity")

	// State
	ErrNotActive     = newError(KindState, "not_active", "order is not pending")
	ErrTerminalOrder = newError(KindState, "terminal_order", "order is filled or cancelled")
	ErrOrderExists   = newError(KindState, "order_exists", "order already resting in book")
	ErrOrderRetired  = newError(KindState, "order_retired", "order already left the book")
	ErrEngineStopped = newError(KindState, "engine_stopped", "matching engine is stopped")

	// NotFound
	ErrOrderNotFound = newError(KindNotFound, "order_not_found", "order not resting in book")
	ErrUnknownSymbol = newError(KindNotFound, "unknown_symbol", "no order book for symbol")
)

func kindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsValidation 是否输入校验错误
func IsValidation(err error) bool { return kindOf(err) == KindValidation }

// IsState 是否状态错误
func IsState(err error) bool { return kindOf(err) == KindState }

// IsNotFound 是否不存在错误
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }

// wrap 给哨兵错误附加上下文，errors.Is 仍然可用
func wrap(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)
}

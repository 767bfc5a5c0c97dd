package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	m, err := Parse("100.25", "USD")
	require.NoError(t, err)
	assert.Equal(t, Currency("USD"), m.Currency())
	assert.True(t, m.Amount().Equal(decimal.RequireFromString("100.25")))

	_, err = Parse("abc", "USD")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Parse("1", "usd")
	assert.ErrorIs(t, err, ErrInvalidCurrency)

	_, err = Parse("1", "")
	assert.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestArithmetic_CurrencyChecked(t *testing.T) {
	a := MustParse("0.1", "USD")
	b := MustParse("0.2", "USD")

	sum, err := a.Add(b)
	require.NoError(t, err)
	// 0.1 + 0.2 必须精确等于 0.3
	assert.True(t, sum.Equal(MustParse("0.3", "USD")))

	diff, err := b.Sub(a)
	require.NoError(t, err)
	assert.True(t, diff.Equal(MustParse("0.1", "USD")))

	c, err := a.Cmp(b)
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	_, err = a.Add(MustParse("1", "EUR"))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
	_, err = a.Sub(MustParse("1", "EUR"))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
	_, err = a.Cmp(MustParse("1", "EUR"))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestMul(t *testing.T) {
	price := MustParse("100.5", "USD")
	notional := price.Mul(decimal.NewFromInt(3))
	assert.True(t, notional.Equal(MustParse("301.5", "USD")))
}

func TestEqual_IgnoresScale(t *testing.T) {
	assert.True(t, MustParse("1.0", "USD").Equal(MustParse("1.00", "USD")))
	assert.False(t, MustParse("1", "USD").Equal(MustParse("1", "EUR")))
}

func TestJSON(t *testing.T) {
	m := MustParse("42.125", "USDT")
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"42.125","currency":"USDT"}`, string(data))

	var back Money
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Equal(m))

	assert.Error(t, json.Unmarshal([]byte(`{"amount":"x","currency":"USD"}`), &back))
}

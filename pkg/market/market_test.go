package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster[int]()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)
	assert.Equal(t, 2, b.Subscribers())

	b.Broadcast(1)
	b.Broadcast(2)

	assert.Equal(t, 1, <-s1)
	assert.Equal(t, 2, <-s1)
	assert.Equal(t, 1, <-s2)
	assert.Equal(t, 2, <-s2)
}

func TestBroadcaster_SlowSubscriberDrops(t *testing.T) {
	b := NewBroadcaster[int]()
	slow := b.Subscribe(1)
	fast := b.Subscribe(10)

	for i := 0; i < 5; i++ {
		b.Broadcast(i)
	}

	assert.Equal(t, 0, <-slow)
	assert.Len(t, fast, 5)
	assert.Equal(t, int64(4), b.Dropped())
}

func TestBroadcaster_UnsubscribeAndClose(t *testing.T) {
	b := NewBroadcaster[string]()
	s1 := b.Subscribe(1)
	s2 := b.Subscribe(1)

	b.Unsubscribe(s1)
	_, ok := <-s1
	assert.False(t, ok)
	assert.Equal(t, 1, b.Subscribers())

	b.Close()
	b.Close()
	_, ok = <-s2
	assert.False(t, ok)

	// 关闭后订阅拿到已关闭的 Channel
	_, ok = <-b.Subscribe(1)
	assert.False(t, ok)
	b.Broadcast("ignored")
}

func TestTicker_NextDeterministicAndPositive(t *testing.T) {
	cfg := DefaultTickerConfig("BTC_USD", decimal.NewFromInt(100))
	cfg.Seed = 42
	cfg.TimeScale = 1e6
	a := NewTicker(cfg)
	b := NewTicker(cfg)

	now := time.Now()
	for i := 0; i < 200; i++ {
		qa := a.Next(time.Second, now)
		qb := b.Next(time.Second, now)
		require.True(t, qa.Price.Equal(qb.Price), "same seed, same path")
		require.True(t, qa.Price.IsPositive())
		// 按 0.01 取整
		require.True(t, qa.Price.Mod(cfg.TickSize).IsZero())
	}
}

func TestTicker_StartStop(t *testing.T) {
	cfg := DefaultTickerConfig("ETH_USD", decimal.NewFromInt(2000))
	cfg.Interval = time.Millisecond
	tk := NewTicker(cfg)
	quotes := tk.Start()

	select {
	case q := <-quotes:
		assert.Equal(t, "ETH_USD", q.Symbol)
	case <-time.After(time.Second):
		t.Fatal("no quote")
	}

	tk.Stop()
	for range quotes {
	}
}

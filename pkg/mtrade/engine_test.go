package mtrade

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// 引擎测试
// =============================================================================

func mustNewEngine(t testing.TB) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultEngineConfig(btcUSD), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

func TestEngine_InvalidSymbol(t *testing.T) {
	_, err := NewEngine(DefaultEngineConfig("BTCUSD"), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidSymbol)
}

func TestEngine_NotStarted(t *testing.T) {
	e, err := NewEngine(DefaultEngineConfig(btcUSD), nil, nil)
	require.NoError(t, err)

	_, err = e.AddOrder(context.Background(), newTestOrder(t, 1, SideBuy, "100", "1"))
	assert.ErrorIs(t, err, ErrEngineStopped)
	e.Stop()
}

func TestEngine_StopRejectsCommands(t *testing.T) {
	e, err := NewEngine(DefaultEngineConfig(btcUSD), nil, nil)
	require.NoError(t, err)
	e.Start(context.Background())
	e.Stop()
	e.Stop() // 重复 Stop 安全

	_, err = e.DrainPendingMatches(context.Background())
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngine_StartStopConcurrent(t *testing.T) {
	for i := 0; i < 200; i++ {
		e, err := NewEngine(DefaultEngineConfig(btcUSD), nil, nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			e.Stop()
		}()
		wg.Wait()
		e.Stop()

		// 无论谁先执行，停止后都不再接受命令
		_, err = e.AddOrder(context.Background(), newTestOrder(t, 1, SideBuy, "100", "1"))
		assert.ErrorIs(t, err, ErrEngineStopped)
	}
}

func TestEngine_StartAfterStopIsNoop(t *testing.T) {
	e, err := NewEngine(DefaultEngineConfig(btcUSD), nil, nil)
	require.NoError(t, err)
	e.Stop()
	e.Start(context.Background())

	_, err = e.AddOrder(context.Background(), newTestOrder(t, 1, SideBuy, "100", "1"))
	assert.ErrorIs(t, err, ErrEngineStopped)
	e.Stop()
}

func TestEngine_MatchAndDrain(t *testing.T) {
	e := mustNewEngine(t)
	ctx := context.Background()

	sell := newTestOrder(t, 1, SideSell, "100", "50")
	matched, err := e.AddOrder(ctx, sell)
	require.NoError(t, err)
	assert.False(t, matched)

	matched, err = e.AddOrder(ctx, newTestOrder(t, 2, SideBuy, "100", "100"))
	require.NoError(t, err)
	assert.True(t, matched)

	// 引擎持有副本，调用方的对象不变
	assert.Equal(t, OrderStatusPending, sell.Status)

	events, err := e.DrainPendingMatches(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assertDecimal(t, "50", events[0].Qty)

	resting, ok, err := e.GetOrder(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OrderStatusPartial, resting.Status)

	bid, ok := e.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(px("100")))
	_, ok = e.BestAsk()
	assert.False(t, ok)

	stats := e.Stats()
	assert.Equal(t, int64(2), stats.OrdersReceived)
	assert.Equal(t, int64(1), stats.MatchesExecuted)
	assert.Equal(t, int64(1), stats.MatchesDrained)
}

func TestEngine_RejectedOrder(t *testing.T) {
	e := mustNewEngine(t)
	ctx := context.Background()

	o := newTestOrder(t, 1, SideSell, "100", "1")
	_, err := e.AddOrder(ctx, o)
	require.NoError(t, err)

	_, err = e.AddOrder(ctx, o)
	assert.ErrorIs(t, err, ErrOrderExists)
	assert.Equal(t, int64(1), e.Stats().OrdersRejected)

	_, err = e.AddOrder(ctx, nil)
	assert.ErrorIs(t, err, ErrNilOrder)
}

func TestEngine_CancelReplaceReduce(t *testing.T) {
	e := mustNewEngine(t)
	ctx := context.Background()

	_, err := e.AddOrder(ctx, newTestOrder(t, 1, SideBuy, "99", "10"))
	require.NoError(t, err)
	_, err = e.AddOrder(ctx, newTestOrder(t, 2, SideSell, "101", "3"))
	require.NoError(t, err)

	reduced, err := e.ReduceOrder(ctx, 1, decimal.NewFromInt(6))
	require.NoError(t, err)
	assertDecimal(t, "6", reduced.RemainingQty())

	matched, err := e.ReplaceOrderPrice(ctx, 1, px("101"))
	require.NoError(t, err)
	assert.True(t, matched)

	cancelled, err := e.CancelOrder(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCancelled, cancelled.Status)
	assertDecimal(t, "3", cancelled.FilledQty)

	_, err = e.CancelOrder(ctx, 1)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	removed, err := e.RemoveOrder(ctx, 1)
	require.NoError(t, err)
	assert.False(t, removed)

	snap := e.Snapshot()
	assert.Equal(t, 0, snap.Orders)
	assert.Equal(t, 1, snap.PendingMatches)
}

func TestEngine_RestorePendingMatches(t *testing.T) {
	e := mustNewEngine(t)
	ctx := context.Background()

	_, _ = e.AddOrder(ctx, newTestOrder(t, 1, SideSell, "100", "1"))
	_, _ = e.AddOrder(ctx, newTestOrder(t, 2, SideBuy, "100", "1"))

	events, err := e.DrainPendingMatches(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, e.RestorePendingMatches(ctx, events))
	again, err := e.DrainPendingMatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, events, again)
}

func TestEngine_SweepInactiveOrders(t *testing.T) {
	e := mustNewEngine(t)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		_, err := e.AddOrder(ctx, newTestOrder(t, i, SideBuy, "100", "1"))
		require.NoError(t, err)
	}

	removed, err := e.SweepInactiveOrders(ctx, func(o *Order) bool { return o.ID != 2 })
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, int64(2), removed[0].ID)

	orders, err := e.Orders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.Equal(t, int64(1), e.Stats().OrdersSwept)
}

func TestEngine_MarketDepthBeyondSnapshot(t *testing.T) {
	cfg := DefaultEngineConfig(btcUSD)
	cfg.SnapshotDepth = 3
	e, err := NewEngine(cfg, nil, nil)
	require.NoError(t, err)
	e.Start(context.Background())

	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		o := newTestOrder(t, i, SideSell, decimal.NewFromInt(100+i).String(), "1")
		_, err := e.AddOrder(ctx, o)
		require.NoError(t, err)
	}

	// 超过快照深度：撮合协程现算
	_, asks := e.MarketDepth(10)
	require.Len(t, asks, 5)
	assert.True(t, asks[0].Price.Equal(px("101")))
	assert.True(t, asks[4].Price.Equal(px("105")))

	_, asks = e.MarketDepth(2)
	assert.Len(t, asks, 2)

	// 停止后只剩快照
	e.Stop()
	_, asks = e.MarketDepth(10)
	assert.Len(t, asks, 3)
}

func TestEngine_Events(t *testing.T) {
	e, err := NewEngine(DefaultEngineConfig(btcUSD), nil, nil)
	require.NoError(t, err)

	var (
		updates atomic.Int64
		matched atomic.Int64
	)
	e.OnEvent(func(ev Event) {
		switch ev.Type {
		case EventBookUpdated:
			updates.Add(1)
		case EventMatched:
			matched.Add(1)
		}
	})
	e.Start(context.Background())
	defer e.Stop()

	ctx := context.Background()
	_, _ = e.AddOrder(ctx, newTestOrder(t, 1, SideSell, "100", "1"))
	_, _ = e.AddOrder(ctx, newTestOrder(t, 2, SideBuy, "100", "1"))

	assert.Eventually(t, func() bool {
		return updates.Load() == 2 && matched.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_ContextCancelledBeforeSubmit(t *testing.T) {
	cfg := DefaultEngineConfig(btcUSD)
	cfg.QueueSize = 1
	e, err := NewEngine(cfg, nil, nil)
	require.NoError(t, err)
	e.Start(context.Background())
	defer e.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// 队列有空位时仍可能入队，任何一种结果都不能破坏引擎
	_, err = e.AddOrder(ctx, newTestOrder(t, 1, SideBuy, "100", "1"))
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
	_, err = e.Orders(context.Background())
	assert.NoError(t, err)
}

// 多个 goroutine 并发下单与取成交：每笔成交只被取走一次，数量守恒
func TestEngine_ConcurrentAddAndDrain(t *testing.T) {
	e := mustNewEngine(t)
	ctx := context.Background()

	const (
		writers  = 8
		perWrite = 200
	)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		seen    = make(map[int64]bool)
		total   = decimal.Zero
		stopped = make(chan struct{})
	)
	collect := func(events []MatchEvent) {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range events {
			if seen[ev.ID] {
				t.Errorf("match %d drained twice", ev.ID)
			}
			seen[ev.ID] = true
			total = total.Add(ev.Qty)
		}
	}

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for {
			events, err := e.DrainPendingMatches(ctx)
			if err != nil {
				t.Errorf("drain: %v", err)
				return
			}
			collect(events)
			select {
			case <-stopped:
				return
			default:
			}
		}
	}()

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			side := SideBuy
			if w%2 == 1 {
				side = SideSell
			}
			for i := 0; i < perWrite; i++ {
				id := int64(w*perWrite + i + 1)
				o, err := NewOrder(id, btcUSD, side, px("100"), decimal.NewFromInt(1), "pf")
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := e.AddOrder(ctx, o); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(stopped)
	<-drainDone

	rest, err := e.DrainPendingMatches(ctx)
	require.NoError(t, err)
	collect(rest)

	// 买卖各 800 个 1 手的订单，同一价格，最终全部成交
	assertDecimal(t, "800", total)
	assert.Len(t, seen, 800)
	assert.Equal(t, 0, e.Snapshot().Orders)
}

// =============================================================================
// 基准测试
// =============================================================================

func BenchmarkEngine_AddOrder(b *testing.B) {
	e := mustNewEngine(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		side := SideBuy
		price := "99"
		if i%2 == 1 {
			side, price = SideSell, "101"
		}
		o, _ := NewOrder(int64(i+1), btcUSD, side, px(price), decimal.NewFromInt(1), "pf")
		if _, err := e.AddOrder(ctx, o); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEngine_MatchThroughput(b *testing.B) {
	e := mustNewEngine(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		side := SideBuy
		if i%2 == 1 {
			side = SideSell
		}
		o, _ := NewOrder(int64(i+1), btcUSD, side, px("100"), decimal.NewFromInt(1), "pf")
		if _, err := e.AddOrder(ctx, o); err != nil {
			b.Fatal(err)
		}
		if i%64 == 0 {
			_, _ = e.DrainPendingMatches(ctx)
		}
	}
}

package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"simex.com/pkg/event"
	"simex.com/pkg/money"
	"simex.com/pkg/mtrade"
	"simex.com/pkg/order"
)

// =============================================================================
// 测试辅助
// =============================================================================

const btcUSD mtrade.Symbol = "BTC_USD"

type seqIDs struct {
	mu sync.Mutex
	n  int64
}

func (s *seqIDs) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.n
}

func usd(s string) money.Money { return money.MustParse(s, "USD") }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// harness 全内存：生命周期服务 + 内存总线 + 撮合
type harness struct {
	x      *mtrade.Exchange
	repo   *order.MemoryRepository
	svc    *order.Service
	bus    *event.MemoryBus
	book   *BookHandler
	router *Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	bus := event.NewMemoryBus(event.DefaultMemoryBusConfig(), logger)
	repo := order.NewMemoryRepository()
	svc := order.NewService(repo, &seqIDs{}, bus, logger)
	x := mtrade.NewExchange(mtrade.DefaultExchangeConfig(), nil, logger)

	book := NewBookHandler(x, svc, bus, logger)
	router := NewRouter(logger)
	book.Register(router)
	NewFillHandler(svc, nil, logger).Register(router)
	router.SubscribeMemory(bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		x.Stop()
	})

	return &harness{x: x, repo: repo, svc: svc, bus: bus, book: book, router: router}
}

func (h *harness) place(t *testing.T, side mtrade.Side, price, qty string) *mtrade.Order {
	t.Helper()
	o, err := h.svc.PlaceOrder(context.Background(), order.PlaceRequest{
		Symbol:      btcUSD,
		Side:        side,
		Price:       usd(price),
		Qty:         dec(qty),
		PortfolioID: "pf",
	})
	require.NoError(t, err)
	h.bus.WaitIdle()
	return o
}

func (h *harness) fetch(t *testing.T, id int64) *mtrade.Order {
	t.Helper()
	o, err := h.svc.FetchOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) resident(t *testing.T, id int64) bool {
	t.Helper()
	_, ok, err := h.x.GetOrder(context.Background(), id, btcUSD)
	require.NoError(t, err)
	return ok
}

// =============================================================================
// 端到端
// =============================================================================

func TestSaga_PlaceAndMatch(t *testing.T) {
	h := newHarness(t)

	sell := h.place(t, mtrade.SideSell, "100", "2")
	buy := h.place(t, mtrade.SideBuy, "100.5", "1")

	// 生命周期服务收到成交
	b := h.fetch(t, buy.ID)
	assert.Equal(t, mtrade.OrderStatusFilled, b.Status)
	s := h.fetch(t, sell.ID)
	assert.Equal(t, mtrade.OrderStatusPartial, s.Status)
	assert.True(t, s.FilledQty.Equal(dec("1")))
	assert.Len(t, h.repo.Fills(sell.ID), 1)

	// 成交价 = 卖方挂单价
	require.Len(t, h.repo.Fills(buy.ID), 1)
	assert.True(t, h.repo.Fills(buy.ID)[0].Price.Equal(dec("100")))

	// 订单簿：卖单剩 1
	_, asks, err := h.x.MarketDepth(btcUSD, 5)
	require.NoError(t, err)
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Quantity.Equal(dec("1")))

	pending, err := h.x.DrainPendingMatches(context.Background(), btcUSD)
	require.NoError(t, err)
	assert.Empty(t, pending, "all matches published")
	assert.Equal(t, int64(0), h.bus.Stats().Failed)
}

func TestSaga_CancelRemovesFromBook(t *testing.T) {
	h := newHarness(t)
	o := h.place(t, mtrade.SideBuy, "99", "1")
	require.True(t, h.resident(t, o.ID))

	_, err := h.svc.CancelOrder(context.Background(), o.ID)
	require.NoError(t, err)
	h.bus.WaitIdle()

	assert.False(t, h.resident(t, o.ID))
	_, ok, err := h.x.BestBid(btcUSD)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaga_UpdatePriceCrosses(t *testing.T) {
	h := newHarness(t)
	sell := h.place(t, mtrade.SideSell, "101", "1")
	buy := h.place(t, mtrade.SideBuy, "100", "1")
	require.True(t, h.resident(t, buy.ID))

	_, err := h.svc.UpdatePrice(context.Background(), buy.ID, usd("101"))
	require.NoError(t, err)
	h.bus.WaitIdle()

	assert.Equal(t, mtrade.OrderStatusFilled, h.fetch(t, buy.ID).Status)
	assert.Equal(t, mtrade.OrderStatusFilled, h.fetch(t, sell.ID).Status)
	assert.False(t, h.resident(t, sell.ID))
}

func TestSaga_CancelPartialReducesInBook(t *testing.T) {
	h := newHarness(t)
	o := h.place(t, mtrade.SideSell, "100", "5")

	_, err := h.svc.CancelPartial(context.Background(), o.ID, dec("3"))
	require.NoError(t, err)
	h.bus.WaitIdle()

	resting, ok, err := h.x.GetOrder(context.Background(), o.ID, btcUSD)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, resting.RemainingQty().Equal(dec("2")))
}

func TestSaga_DuplicateCreatedIsNoop(t *testing.T) {
	h := newHarness(t)
	o := h.place(t, mtrade.SideBuy, "100", "1")

	require.NoError(t, h.svc.Republish(context.Background(), o.ID))
	h.bus.WaitIdle()

	snap, err := h.x.Snapshot(btcUSD)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Orders)
	assert.Equal(t, int64(0), h.bus.Stats().Failed)
}

func TestSaga_OutOfOrderEventsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cancelled, err := event.New(event.TypeOrderCancelled, btcUSD, event.OrderCancelled{OrderID: 404, Symbol: btcUSD})
	require.NoError(t, err)
	assert.NoError(t, h.router.Dispatch(ctx, cancelled))

	newQty := dec("1")
	updated, err := event.New(event.TypeOrderUpdated, "ETH_USD", event.OrderUpdated{OrderID: 404, Symbol: "ETH_USD", Qty: &newQty})
	require.NoError(t, err)
	assert.NoError(t, h.router.Dispatch(ctx, updated))

	created, err := event.New(event.TypeOrderCreated, btcUSD, event.OrderCreated{OrderID: 404, Symbol: btcUSD})
	require.NoError(t, err)
	assert.NoError(t, h.router.Dispatch(ctx, created), "unknown order dropped")
}

func TestSaga_CancelledBeforeCreatedNeverRests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// 直接落库并撤单，OrderCreated 之后才到
	o, err := mtrade.NewOrder(900, btcUSD, mtrade.SideBuy, usd("100"), dec("1"), "pf")
	require.NoError(t, err)
	require.NoError(t, h.repo.Create(ctx, o))
	_, err = h.repo.Update(ctx, o.ID, func(o *mtrade.Order) error { return o.Cancel() })
	require.NoError(t, err)

	created, err := event.New(event.TypeOrderCreated, btcUSD, event.OrderCreated{OrderID: o.ID, Symbol: btcUSD})
	require.NoError(t, err)
	require.NoError(t, h.router.Dispatch(ctx, created))

	_, err = h.x.Snapshot(btcUSD)
	assert.ErrorIs(t, err, mtrade.ErrUnknownSymbol, "book never created")
}

// =============================================================================
// 成交发布失败 → 放回缓冲
// =============================================================================

type flakyPublisher struct {
	mu       sync.Mutex
	failNext int
	envs     []event.Envelope
}

func (p *flakyPublisher) Publish(_ context.Context, env event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return errors.New("broker unavailable")
	}
	p.envs = append(p.envs, env)
	return nil
}

type mapFetcher map[int64]*mtrade.Order

func (m mapFetcher) FetchOrder(_ context.Context, id int64) (*mtrade.Order, error) {
	o, ok := m[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

// 订单簿已撮合、成交尚未发布时，生命周期侧的改价/减量先落库
func TestSaga_FillAppliedAfterLifecycleChange(t *testing.T) {
	for _, tc := range []struct {
		name   string
		change func(svc *order.Service, id int64) error
	}{
		{"reprice", func(svc *order.Service, id int64) error {
			_, err := svc.UpdatePrice(context.Background(), id, usd("95"))
			return err
		}},
		{"reduce", func(svc *order.Service, id int64) error {
			_, err := svc.CancelPartial(context.Background(), id, dec("5"))
			return err
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()

			// 不经总线下单，直接送进订单簿
			quiet := order.NewService(h.repo, &seqIDs{n: 1000}, event.PublisherFunc(func(context.Context, event.Envelope) error { return nil }), zaptest.NewLogger(t))
			var ids []int64
			for _, side := range []mtrade.Side{mtrade.SideSell, mtrade.SideBuy} {
				o, err := quiet.PlaceOrder(ctx, order.PlaceRequest{Symbol: btcUSD, Side: side, Price: usd("100"), Qty: dec("10"), PortfolioID: "pf"})
				require.NoError(t, err)
				_, err = h.x.AddOrder(ctx, h.fetch(t, o.ID))
				require.NoError(t, err)
				ids = append(ids, o.ID)
			}
			sellID, buyID := ids[0], ids[1]

			require.NoError(t, tc.change(h.svc, buyID))
			h.bus.WaitIdle()
			require.NoError(t, h.book.Flush(ctx, btcUSD))
			h.bus.WaitIdle()

			for _, id := range []int64{buyID, sellID} {
				o := h.fetch(t, id)
				assert.Equal(t, mtrade.OrderStatusFilled, o.Status)
				assert.True(t, o.FilledQty.Equal(dec("10")))
			}
			assert.Equal(t, int64(0), h.bus.Stats().Failed)
		})
	}
}

func TestFillHandler_RejectedClassification(t *testing.T) {
	business := fmt.Errorf("leg: %w", mtrade.ErrTerminalOrder)
	infra := errors.New("db down")

	assert.True(t, rejected(business))
	assert.True(t, rejected(errors.Join(business, fmt.Errorf("leg: %w", order.ErrNotFound))))
	assert.False(t, rejected(infra))
	assert.False(t, rejected(errors.Join(business, infra)))
}

func TestBookHandler_FlushRestoresOnPublishFailure(t *testing.T) {
	ctx := context.Background()
	x := mtrade.NewExchange(mtrade.DefaultExchangeConfig(), nil, zaptest.NewLogger(t))
	defer x.Stop()

	orders := mapFetcher{}
	for i, tc := range []struct {
		side  mtrade.Side
		price string
	}{{mtrade.SideSell, "100"}, {mtrade.SideSell, "101"}, {mtrade.SideBuy, "101"}} {
		qty := "1"
		if tc.side == mtrade.SideBuy {
			qty = "2"
		}
		o, err := mtrade.NewOrder(int64(i+1), btcUSD, tc.side, usd(tc.price), dec(qty), "pf")
		require.NoError(t, err)
		orders[o.ID] = o
	}

	pub := &flakyPublisher{failNext: 1}
	h := NewBookHandler(x, orders, pub, zaptest.NewLogger(t))
	r := NewRouter(zaptest.NewLogger(t))
	h.Register(r)

	for id := int64(1); id <= 3; id++ {
		env, err := event.New(event.TypeOrderCreated, btcUSD, event.OrderCreated{OrderID: id, Symbol: btcUSD})
		require.NoError(t, err)
		err = r.Dispatch(ctx, env)
		if id < 3 {
			require.NoError(t, err)
		} else {
			require.Error(t, err, "first publish fails")
		}
	}

	snap, err := x.Snapshot(btcUSD)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.PendingMatches, "both matches restored")

	require.NoError(t, h.FlushAll(ctx))
	require.Len(t, pub.envs, 2)

	var first event.TransactionCreated
	require.NoError(t, pub.envs[0].Decode(&first))
	assert.True(t, first.Match.Price.Equal(usd("100")), "published in match order")

	// 重发的成交信封 ID 稳定
	again, err := event.NewTransaction(first.Match)
	require.NoError(t, err)
	assert.Equal(t, pub.envs[0].ID, again.ID)

	snap, err = x.Snapshot(btcUSD)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.PendingMatches)
}

// =============================================================================
// 清扫
// =============================================================================

func TestSweeper_RemovesOrdersCancelledWithoutEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	keep := h.place(t, mtrade.SideBuy, "99", "1")
	stale := h.place(t, mtrade.SideBuy, "98", "1")

	// 撤单事件丢失：只改库
	_, err := h.repo.Update(ctx, stale.ID, func(o *mtrade.Order) error { return o.Cancel() })
	require.NoError(t, err)

	sw := NewSweeper(DefaultSweeperConfig(), h.x, h.svc, h.book, zaptest.NewLogger(t))
	assert.Equal(t, 1, sw.SweepOnce(ctx))
	assert.True(t, h.resident(t, keep.ID))
	assert.False(t, h.resident(t, stale.ID))
}

// =============================================================================
// 路由
// =============================================================================

func TestRouter_Adapters(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))
	var got []event.Type
	r.Handle(event.TypeOrderCreated, func(_ context.Context, env event.Envelope) error {
		got = append(got, env.Type)
		return nil
	})
	r.Handle(event.TypeOrderCreated, func(context.Context, event.Envelope) error {
		return errors.New("second handler failed")
	})

	assert.Equal(t, []string{"simex.order.created"}, r.Subjects())

	env, err := event.New(event.TypeOrderCreated, btcUSD, event.OrderCreated{OrderID: 1, Symbol: btcUSD})
	require.NoError(t, err)
	data, err := env.Value()
	require.NoError(t, err)

	natsHandler := r.NATSHandler(context.Background())
	assert.Error(t, natsHandler(env.Topic(), data))
	assert.NoError(t, natsHandler(env.Topic(), []byte("not json")), "bad envelope dropped")

	kafkaHandler := r.KafkaHandler(context.Background())
	assert.Error(t, kafkaHandler(env.Topic(), 0, 1, []byte(env.Key()), data))

	assert.Equal(t, []event.Type{event.TypeOrderCreated, event.TypeOrderCreated}, got)

	// 未注册的类型直接忽略
	other, err := event.New(event.TypeOrderCancelled, btcUSD, event.OrderCancelled{OrderID: 1})
	require.NoError(t, err)
	assert.NoError(t, r.Dispatch(context.Background(), other))
}

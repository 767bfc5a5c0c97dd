// 进程内模拟盘
// 内存总线 + 内存订单库，参考价由 GBM 生成，随机挂单/撤单/改价，结束时打印盘口与统计

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"simex.com/pkg/event"
	"simex.com/pkg/idgen"
	"simex.com/pkg/logger"
	"simex.com/pkg/market"
	"simex.com/pkg/money"
	"simex.com/pkg/mtrade"
	"simex.com/pkg/order"
	"simex.com/pkg/saga"
)

func main() {
	var (
		duration = flag.Duration("duration", 30*time.Second, "simulation length")
		books    = flag.String("books", "BTC_USD:30000,ETH_USD:2000", "symbol:start_price list")
		interval = flag.Duration("interval", 20*time.Millisecond, "reference price tick per symbol")
		seed     = flag.Int64("seed", 0, "random seed (0 = time based)")
		level    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, err := logger.New(logger.Options{Level: *level, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	starts, err := parseBooks(*books)
	if err != nil {
		log.Fatal("[Sim] bad -books", zap.Error(err))
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := newSimulation(starts, *interval, *seed, log)
	sim.run(ctx, *duration)
	sim.report(os.Stdout)
}

type book struct {
	symbol mtrade.Symbol
	start  decimal.Decimal
}

// parseBooks 解析 "BTC_USD:30000,ETH_USD:2000"
func parseBooks(s string) ([]book, error) {
	var out []book
	for _, part := range strings.Split(s, ",") {
		name, price, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("missing start price in %q", part)
		}
		symbol, err := mtrade.ParseSymbol(name)
		if err != nil {
			return nil, err
		}
		start, err := decimal.NewFromString(price)
		if err != nil || !start.IsPositive() {
			return nil, fmt.Errorf("bad start price in %q", part)
		}
		out = append(out, book{symbol: symbol, start: start})
	}
	return out, nil
}

// =============================================================================
// 组装
// =============================================================================

type simulation struct {
	books    []book
	interval time.Duration
	seed     int64
	logger   *zap.Logger

	bus       *event.MemoryBus
	svc       *order.Service
	exchange  *mtrade.Exchange
	handler   *saga.BookHandler
	sweeper   *saga.Sweeper
	snapshots *market.Broadcaster[*mtrade.OrderBookSnapshot]
	updates   atomic.Int64

	traders []*trader
}

func newSimulation(books []book, interval time.Duration, seed int64, log *zap.Logger) *simulation {
	ids := idgen.MustNew(1)
	bus := event.NewMemoryBus(event.DefaultMemoryBusConfig(), log)
	svc := order.NewService(order.NewMemoryRepository(), ids, bus, log)

	x := mtrade.NewExchange(mtrade.DefaultExchangeConfig(), ids, log)
	snapshots := market.NewBroadcaster[*mtrade.OrderBookSnapshot]()
	x.OnEvent(func(ev mtrade.Event) {
		if ev.Type == mtrade.EventBookUpdated && ev.Snapshot != nil {
			snapshots.Broadcast(ev.Snapshot)
		}
	})

	handler := saga.NewBookHandler(x, svc, bus, log)
	router := saga.NewRouter(log)
	handler.Register(router)
	saga.NewFillHandler(svc, nil, log).Register(router)
	router.SubscribeMemory(bus)

	sim := &simulation{
		books:     books,
		interval:  interval,
		seed:      seed,
		logger:    log,
		bus:       bus,
		svc:       svc,
		exchange:  x,
		handler:   handler,
		sweeper:   saga.NewSweeper(saga.DefaultSweeperConfig(), x, svc, handler, log),
		snapshots: snapshots,
	}
	for i, b := range books {
		if err := x.Open(b.symbol); err != nil {
			log.Fatal("[Sim] open book", zap.String("symbol", string(b.symbol)), zap.Error(err))
		}
		sim.traders = append(sim.traders, newTrader(b, svc, interval, seed+int64(i), log))
	}
	return sim
}

// run 交易阶段结束后补发剩余成交，等总线清空再停后台任务
func (s *simulation) run(ctx context.Context, d time.Duration) {
	infraCtx, stopInfra := context.WithCancel(context.Background())
	defer stopInfra()

	infra, infraCtx := errgroup.WithContext(infraCtx)
	infra.Go(func() error { return s.bus.Run(infraCtx) })
	infra.Go(func() error { return s.sweeper.Run(infraCtx) })
	updates := s.snapshots.Subscribe(1024)
	infra.Go(func() error {
		for range updates {
			s.updates.Add(1)
		}
		return nil
	})

	s.logger.Info("[Sim] started", zap.Int("books", len(s.books)), zap.Duration("duration", d), zap.Int64("seed", s.seed))

	tradeCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	g, gctx := errgroup.WithContext(tradeCtx)
	for _, t := range s.traders {
		g.Go(func() error { return t.run(gctx) })
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("[Sim] trader stopped", zap.Error(err))
	}

	s.settle()

	s.snapshots.Close()
	stopInfra()
	_ = infra.Wait()
	s.exchange.Stop()
}

// settle 反复补发直到没有待发布成交
func (s *simulation) settle() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for ctx.Err() == nil {
		s.bus.WaitIdle()
		if err := s.handler.FlushAll(ctx); err != nil {
			s.logger.Warn("[Sim] flush failed", zap.Error(err))
		}
		s.bus.WaitIdle()
		if s.pending() == 0 {
			return
		}
	}
}

func (s *simulation) pending() int {
	n := 0
	for _, b := range s.books {
		if snap, err := s.exchange.Snapshot(b.symbol); err == nil {
			n += snap.PendingMatches
		}
	}
	return n
}

// =============================================================================
// 随机交易员
// =============================================================================

const maxTracked = 256

type traderStats struct {
	placed, cancelled, reduced, repriced, rejected int
}

type trader struct {
	book   book
	svc    *order.Service
	ticker *market.Ticker
	rng    *rand.Rand
	open   []int64
	stats  traderStats
	logger *zap.Logger
}

func newTrader(b book, svc *order.Service, interval time.Duration, seed int64, log *zap.Logger) *trader {
	cfg := market.DefaultTickerConfig(string(b.symbol), b.start)
	cfg.Interval = interval
	cfg.Seed = seed
	cfg.TimeScale = 1000
	return &trader{
		book:   b,
		svc:    svc,
		ticker: market.NewTicker(cfg),
		rng:    rand.New(rand.NewSource(seed)),
		logger: log.With(zap.String("symbol", string(b.symbol))),
	}
}

func (t *trader) run(ctx context.Context) error {
	quotes := t.ticker.Start()
	defer t.ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case q, ok := <-quotes:
			if !ok {
				return nil
			}
			t.act(ctx, q)
		}
	}
}

// act 每个报价做一次动作：撤单 10%，改价 5%，减量 5%，其余挂单
func (t *trader) act(ctx context.Context, q market.Quote) {
	r := t.rng.Float64()
	switch {
	case r < 0.10 && len(t.open) > 0:
		t.cancel(ctx)
	case r < 0.15 && len(t.open) > 0:
		t.reprice(ctx, q)
	case r < 0.20 && len(t.open) > 0:
		t.reduce(ctx)
	default:
		t.place(ctx, q)
	}
}

func (t *trader) place(ctx context.Context, q market.Quote) {
	side := mtrade.SideBuy
	if t.rng.Intn(2) == 1 {
		side = mtrade.SideSell
	}
	o, err := t.svc.PlaceOrder(ctx, order.PlaceRequest{
		Symbol:      t.book.symbol,
		Side:        side,
		Price:       t.quotePrice(q, side),
		Qty:         decimal.New(int64(1+t.rng.Intn(100)), -2),
		PortfolioID: fmt.Sprintf("sim-%d", t.rng.Intn(16)),
	})
	if err != nil {
		t.reject("place", err)
		return
	}
	t.stats.placed++
	t.open = append(t.open, o.ID)
	if len(t.open) > maxTracked {
		t.open = t.open[len(t.open)-maxTracked:]
	}
}

func (t *trader) cancel(ctx context.Context) {
	i, id := t.pick()
	if _, err := t.svc.CancelOrder(ctx, id); err != nil {
		t.reject("cancel", err)
	} else {
		t.stats.cancelled++
	}
	t.forget(i)
}

func (t *trader) reprice(ctx context.Context, q market.Quote) {
	i, id := t.pick()
	o, err := t.svc.FetchOrder(ctx, id)
	if err != nil || !o.IsActive() {
		t.forget(i)
		return
	}
	if _, err := t.svc.UpdatePrice(ctx, id, t.quotePrice(q, o.Side)); err != nil {
		t.reject("reprice", err)
		t.forget(i)
		return
	}
	t.stats.repriced++
}

func (t *trader) reduce(ctx context.Context) {
	i, id := t.pick()
	o, err := t.svc.FetchOrder(ctx, id)
	if err != nil || !o.IsActive() {
		t.forget(i)
		return
	}
	qty := o.RemainingQty().Div(decimal.NewFromInt(2)).RoundDown(2)
	if !qty.IsPositive() {
		return
	}
	if _, err := t.svc.CancelPartial(ctx, id, qty); err != nil {
		t.reject("reduce", err)
		t.forget(i)
		return
	}
	t.stats.reduced++
}

// quotePrice 参考价附近 ±0.4%，买单略偏低、卖单略偏高，保证一部分单子能交叉
func (t *trader) quotePrice(q market.Quote, side mtrade.Side) money.Money {
	offset := decimal.NewFromFloat(t.rng.Float64()*0.004 - 0.001)
	if side == mtrade.SideBuy {
		offset = offset.Neg()
	}
	price := q.Price.Mul(decimal.NewFromInt(1).Add(offset)).Round(2)
	if !price.IsPositive() {
		price = q.Price
	}
	return money.New(price, t.book.symbol.Quote())
}

func (t *trader) pick() (int, int64) {
	i := t.rng.Intn(len(t.open))
	return i, t.open[i]
}

func (t *trader) forget(i int) {
	t.open[i] = t.open[len(t.open)-1]
	t.open = t.open[:len(t.open)-1]
}

// reject 已成交/已撤的订单再操作是正常现象，只记 debug
func (t *trader) reject(op string, err error) {
	t.stats.rejected++
	if mtrade.IsState(err) {
		t.logger.Debug("[Sim] order no longer active", zap.String("op", op), zap.Error(err))
		return
	}
	t.logger.Warn("[Sim] request failed", zap.String("op", op), zap.Error(err))
}

// =============================================================================
// 报告
// =============================================================================

func (s *simulation) report(w *os.File) {
	ctx := context.Background()

	fmt.Fprintln(w, "\n========== simulation report ==========")
	for i, b := range s.books {
		t := s.traders[i]
		fmt.Fprintf(w, "\n[%s]\n", b.symbol)
		fmt.Fprintf(w, "  requests: placed=%d cancelled=%d reduced=%d repriced=%d rejected=%d\n",
			t.stats.placed, t.stats.cancelled, t.stats.reduced, t.stats.repriced, t.stats.rejected)

		if active, err := s.svc.ListActive(ctx, b.symbol); err == nil {
			fmt.Fprintf(w, "  lifecycle: active=%d\n", len(active))
		}
		snap, err := s.exchange.Snapshot(b.symbol)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "  book: orders=%d bid_levels=%d ask_levels=%d pending=%d\n",
			snap.Orders, snap.BidLevels, snap.AskLevels, snap.PendingMatches)
		if spread, ok, err := s.exchange.Spread(b.symbol); err == nil && ok {
			fmt.Fprintf(w, "  top: bid=%s ask=%s spread=%s\n", snap.BestBid, snap.BestAsk, spread)
		}
		bids, asks, _ := s.exchange.MarketDepth(b.symbol, 5)
		for j := 0; j < max(len(bids), len(asks)); j++ {
			var bid, ask string
			if j < len(bids) {
				bid = fmt.Sprintf("%s x %s", bids[j].Price, bids[j].Quantity)
			}
			if j < len(asks) {
				ask = fmt.Sprintf("%s x %s", asks[j].Price, asks[j].Quantity)
			}
			fmt.Fprintf(w, "    %-28s | %s\n", bid, ask)
		}
	}

	fmt.Fprintln(w, "\n[engine]")
	for _, st := range s.exchange.Stats() {
		fmt.Fprintf(w, "  %s received=%d rejected=%d cancelled=%d swept=%d matches=%d drained=%d\n",
			st.Symbol, st.OrdersReceived, st.OrdersRejected, st.OrdersCancelled, st.OrdersSwept,
			st.MatchesExecuted, st.MatchesDrained)
	}
	bs := s.bus.Stats()
	fmt.Fprintf(w, "\n[bus] published=%d delivered=%d failed=%d queued=%d\n", bs.Published, bs.Delivered, bs.Failed, bs.Queued)
	fmt.Fprintf(w, "[feed] snapshots=%d dropped=%d\n", s.updates.Load(), s.snapshots.Dropped())
}

// 撮合服务入口
// 加载配置 → 连接 MySQL / Redis / 事件总线 → 启动订单簿、saga 与定期维护，收到信号后优雅退出

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"simex.com/pkg/config"
	"simex.com/pkg/event"
	"simex.com/pkg/idgen"
	"simex.com/pkg/kafka"
	"simex.com/pkg/logger"
	"simex.com/pkg/market"
	"simex.com/pkg/mtrade"
	"simex.com/pkg/nats"
	"simex.com/pkg/order"
	"simex.com/pkg/saga"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("[Main] starting exchange", zap.String("bus", cfg.Bus.Driver), zap.Strings("symbols", cfg.Symbols))
	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("[Main] exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("[Main] stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	ids, err := idgen.New(cfg.NodeID)
	if err != nil {
		return err
	}

	// 1. 订单库
	db, err := order.OpenMySQL(cfg.MySQL)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	repo := order.NewMySQLRepository(db)

	// 2. 事件总线
	bus, err := openBus(cfg, log)
	if err != nil {
		return err
	}
	defer bus.close()

	svc := order.NewService(repo, ids, bus.pub, log)

	// 3. 订单回查缓存（可选）
	var (
		fetcher order.Fetcher = svc
		cache   saga.Invalidator
	)
	if cfg.Redis.OrderTTL > 0 {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		cached := order.NewCachedFetcher(svc, rdb, cfg.Redis.OrderTTL, log)
		fetcher, cache = cached, cached
	}

	// 4. 订单簿
	x := mtrade.NewExchange(mtrade.ExchangeConfig{
		QueueSize:       cfg.Engine.QueueSize,
		EventQueueSize:  cfg.Engine.EventQueueSize,
		SnapshotDepth:   cfg.Engine.SnapshotDepth,
		RetiredCapacity: cfg.Engine.RetiredCapacity,
	}, ids, log)
	defer x.Stop()
	for _, s := range cfg.Symbols {
		if err := x.Open(mtrade.Symbol(s)); err != nil {
			return fmt.Errorf("open book %s: %w", s, err)
		}
	}

	snapshots := market.NewBroadcaster[*mtrade.OrderBookSnapshot]()
	defer snapshots.Close()
	x.OnEvent(func(ev mtrade.Event) {
		if ev.Type == mtrade.EventBookUpdated && ev.Snapshot != nil {
			snapshots.Broadcast(ev.Snapshot)
		}
	})

	// 5. saga
	book := saga.NewBookHandler(x, fetcher, bus.pub, log)
	router := saga.NewRouter(log)
	book.Register(router)
	saga.NewFillHandler(svc, cache, log).Register(router)

	sweeper := saga.NewSweeper(saga.SweeperConfig{
		SweepInterval: cfg.Sweep.Interval,
		FlushInterval: cfg.Sweep.FlushInterval,
	}, x, svc, book, log)

	g, gctx := errgroup.WithContext(ctx)
	if err := bus.start(gctx, g, router); err != nil {
		return err
	}
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return reportBooks(gctx, snapshots.Subscribe(256), x, log) })

	err = g.Wait()

	// 退出前尽量发出缓冲中的成交
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := book.FlushAll(flushCtx); ferr != nil {
		log.Warn("[Main] final flush failed", zap.Error(ferr))
	}
	return err
}

// =============================================================================
// 事件总线
// =============================================================================

type busConn struct {
	pub   event.Publisher
	start func(ctx context.Context, g *errgroup.Group, r *saga.Router) error
	close func()
}

func openBus(cfg *config.Config, log *zap.Logger) (*busConn, error) {
	switch cfg.Bus.Driver {
	case config.BusNATS:
		pub, err := nats.NewPublisher(cfg.NATS.URL, log)
		if err != nil {
			return nil, err
		}
		conn := &busConn{pub: pub, close: pub.Close}
		conn.start = func(ctx context.Context, g *errgroup.Group, r *saga.Router) error {
			subCfg := nats.DefaultSubscriberConfig(cfg.NATS.URL)
			subCfg.Queue = cfg.NATS.Queue
			sub, err := nats.NewSubscriber(subCfg, r.NATSHandler(ctx), log)
			if err != nil {
				return err
			}
			if err := sub.Subscribe(r.Subjects()...); err != nil {
				_ = sub.Close()
				return err
			}
			g.Go(func() error {
				<-ctx.Done()
				return sub.Close()
			})
			return nil
		}
		return conn, nil

	case config.BusKafka:
		prodCfg := kafka.DefaultProducerConfig(cfg.Kafka.Brokers)
		prodCfg.Compression = cfg.Kafka.Compression
		producer, err := kafka.NewProducer(prodCfg, log)
		if err != nil {
			return nil, err
		}
		conn := &busConn{pub: producer, close: func() { _ = producer.Close() }}
		conn.start = func(ctx context.Context, g *errgroup.Group, r *saga.Router) error {
			consCfg := kafka.DefaultConsumerConfig(cfg.Kafka.Brokers, cfg.Kafka.GroupID, r.Subjects())
			consumer, err := kafka.NewConsumer(consCfg, r.KafkaHandler(ctx), log)
			if err != nil {
				return err
			}
			consumer.Start(ctx)
			g.Go(func() error {
				<-ctx.Done()
				return consumer.Stop()
			})
			return nil
		}
		return conn, nil

	case config.BusMemory:
		mem := event.NewMemoryBus(event.DefaultMemoryBusConfig(), log)
		conn := &busConn{pub: mem, close: mem.Close}
		conn.start = func(ctx context.Context, g *errgroup.Group, r *saga.Router) error {
			r.SubscribeMemory(mem)
			g.Go(func() error { return mem.Run(ctx) })
			return nil
		}
		return conn, nil
	}
	return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
}

// =============================================================================
// 行情日志
// =============================================================================

// reportBooks 每 10 秒打印一次各交易对的盘口与引擎统计
func reportBooks(ctx context.Context, snaps <-chan *mtrade.OrderBookSnapshot, x *mtrade.Exchange, log *zap.Logger) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	latest := make(map[mtrade.Symbol]*mtrade.OrderBookSnapshot)
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			latest[snap.Symbol] = snap
		case <-ticker.C:
			for _, st := range x.Stats() {
				fields := []zap.Field{
					zap.String("symbol", string(st.Symbol)),
					zap.Int64("orders_received", st.OrdersReceived),
					zap.Int64("matches", st.MatchesExecuted),
				}
				if snap := latest[st.Symbol]; snap != nil {
					fields = append(fields,
						zap.Int("resting", snap.Orders),
						zap.Int("pending_matches", snap.PendingMatches))
					if snap.HasBid {
						fields = append(fields, zap.Stringer("best_bid", snap.BestBid))
					}
					if snap.HasAsk {
						fields = append(fields, zap.Stringer("best_ask", snap.BestAsk))
					}
				}
				log.Info("[Book] stats", fields...)
			}
		}
	}
}

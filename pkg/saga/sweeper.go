// 文件: pkg/saga/sweeper.go
// 定期维护：清扫生命周期服务已判定为不活跃的订单，补发未发布的成交

package saga

import (
	"context"
	"time"

	"go.uber.org/zap"

	"simex.com/pkg/mtrade"
)

// SweeperConfig 维护周期
type SweeperConfig struct {
	SweepInterval time.Duration
	FlushInterval time.Duration
}

// DefaultSweeperConfig 默认配置
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		SweepInterval: 30 * time.Second,
		FlushInterval: time.Second,
	}
}

type Sweeper struct {
	config  SweeperConfig
	book    Book
	checker mtrade.StatusChecker
	flusher *BookHandler
	logger  *zap.Logger
}

func NewSweeper(config SweeperConfig, book Book, checker mtrade.StatusChecker, flusher *BookHandler, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		config:  config,
		book:    book,
		checker: checker,
		flusher: flusher,
		logger:  logger.Named("sweeper"),
	}
}

// Run 阻塞直到 ctx 取消
func (s *Sweeper) Run(ctx context.Context) error {
	sweep := time.NewTicker(s.config.SweepInterval)
	defer sweep.Stop()
	flush := time.NewTicker(s.config.FlushInterval)
	defer flush.Stop()

	s.logger.Info("[Sweeper] started",
		zap.Duration("sweep_interval", s.config.SweepInterval),
		zap.Duration("flush_interval", s.config.FlushInterval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			s.SweepOnce(ctx)
		case <-flush.C:
			if err := s.flusher.FlushAll(ctx); err != nil {
				s.logger.Warn("[Sweeper] flush failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce 清扫一次，返回移除数量
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	start := time.Now()
	removed, err := s.book.SweepInactiveOrders(ctx, s.checker)
	if err != nil {
		s.logger.Warn("[Sweeper] sweep aborted", zap.Int("removed", removed), zap.Error(err))
		return removed
	}
	if removed > 0 {
		s.logger.Info("[Sweeper] swept inactive orders", zap.Int("removed", removed), zap.Duration("took", time.Since(start)))
	}
	return removed
}

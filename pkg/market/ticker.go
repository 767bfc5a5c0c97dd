package market

import (
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// Quote 参考价
type Quote struct {
	Symbol string
	Price  decimal.Decimal // 已按 TickSize 取整
	Ts     time.Time
}

// TickerConfig 参考价生成配置
type TickerConfig struct {
	Symbol     string
	StartPrice decimal.Decimal
	TickSize   decimal.Decimal // 价格步长，如 0.01
	Interval   time.Duration   // 生成频率
	Volatility float64         // 年化波动率（0.5 = 50%）
	TimeScale  float64         // 时间加速倍数，模拟盘用来放大波动
	Seed       int64           // 0 表示用当前时间
}

// DefaultTickerConfig 默认配置
func DefaultTickerConfig(symbol string, startPrice decimal.Decimal) TickerConfig {
	return TickerConfig{
		Symbol:     symbol,
		StartPrice: startPrice,
		TickSize:   decimal.New(1, -2),
		Interval:   100 * time.Millisecond,
		Volatility: 0.5, // 加密货币典型值
		TimeScale:  1,
	}
}

// Ticker 参考价生成器，几何布朗运动 (GBM)
//
//	S_new = S * exp(-0.5*σ²*dt + σ*sqrt(dt)*Z)，μ=0，Z ~ N(0,1)
//
// 价格永远为正；下游慢时丢弃报价，不阻塞生成
type Ticker struct {
	config TickerConfig
	price  float64
	rng    *rand.Rand

	stopChan chan struct{}
	outChan  chan Quote
}

// NewTicker 创建一个新的参考价生成器
func NewTicker(config TickerConfig) *Ticker {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if config.TimeScale <= 0 {
		config.TimeScale = 1
	}
	return &Ticker{
		config:   config,
		price:    config.StartPrice.InexactFloat64(),
		rng:      rand.New(rand.NewSource(seed)),
		stopChan: make(chan struct{}),
		outChan:  make(chan Quote, 100),
	}
}

// Next 前进 elapsed 时间并返回新报价（同步调用，非并发安全）
func (t *Ticker) Next(elapsed time.Duration, now time.Time) Quote {
	// dt 单位是"年"
	dt := elapsed.Hours() / 24 / 365 * t.config.TimeScale
	if dt <= 0 {
		dt = 1e-9
	}
	sigma := t.config.Volatility
	z := t.rng.NormFloat64()
	t.price *= math.Exp(-0.5*sigma*sigma*dt + sigma*math.Sqrt(dt)*z)

	return Quote{Symbol: t.config.Symbol, Price: t.round(t.price), Ts: now}
}

// round 按步长取整，至少一个步长
func (t *Ticker) round(p float64) decimal.Decimal {
	tick := t.config.TickSize
	if !tick.IsPositive() {
		return decimal.NewFromFloat(p)
	}
	steps := decimal.NewFromFloat(p).Div(tick).Round(0)
	if steps.LessThan(decimal.NewFromInt(1)) {
		steps = decimal.NewFromInt(1)
	}
	return steps.Mul(tick)
}

// Start 启动后台生成，返回只读 Channel；Stop 后 Channel 关闭
func (t *Ticker) Start() <-chan Quote {
	go t.loop()
	return t.outChan
}

// Stop 停止生成（只能调用一次）
func (t *Ticker) Stop() {
	close(t.stopChan)
}

func (t *Ticker) loop() {
	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()
	defer close(t.outChan)

	last := time.Now()
	for {
		select {
		case <-t.stopChan:
			return
		case now := <-ticker.C:
			q := t.Next(now.Sub(last), now)
			last = now
			select {
			case t.outChan <- q:
			default:
				// 下游处理慢，丢弃这条报价
			}
		}
	}
}

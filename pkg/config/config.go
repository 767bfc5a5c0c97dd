// 文件: pkg/config/config.go
// 服务配置：默认值 → TOML 文件（可选）→ .env → 环境变量（SIMEX_ 前缀）

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix 所有环境变量的前缀
const EnvPrefix = "SIMEX_"

// Bus drivers
const (
	BusNATS   = "nats"
	BusKafka  = "kafka"
	BusMemory = "memory"
)

// Config 服务配置
type Config struct {
	LogLevel  string `toml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `toml:"log_format" env:"LOG_FORMAT"`

	// Snowflake 节点 (0-1023)
	NodeID int64 `toml:"node_id" env:"NODE_ID"`

	// 启动时预建订单簿的交易对
	Symbols []string `toml:"symbols" env:"SYMBOLS" envSeparator:","`

	Engine EngineConfig `toml:"engine" envPrefix:"ENGINE_"`
	Sweep  SweepConfig  `toml:"sweep" envPrefix:"SWEEP_"`
	Bus    BusConfig    `toml:"bus" envPrefix:"BUS_"`
	NATS   NATSConfig   `toml:"nats" envPrefix:"NATS_"`
	Kafka  KafkaConfig  `toml:"kafka" envPrefix:"KAFKA_"`
	MySQL  MySQLConfig  `toml:"mysql" envPrefix:"MYSQL_"`
	Redis  RedisConfig  `toml:"redis" envPrefix:"REDIS_"`
}

// EngineConfig 撮合引擎（每个交易对相同）
type EngineConfig struct {
	QueueSize       int `toml:"queue_size" env:"QUEUE_SIZE"`
	EventQueueSize  int `toml:"event_queue_size" env:"EVENT_QUEUE_SIZE"`
	SnapshotDepth   int `toml:"snapshot_depth" env:"SNAPSHOT_DEPTH"`
	RetiredCapacity int `toml:"retired_capacity" env:"RETIRED_CAPACITY"`
}

// SweepConfig 定期清扫与成交补发
type SweepConfig struct {
	Interval      time.Duration `toml:"interval" env:"INTERVAL"`
	FlushInterval time.Duration `toml:"flush_interval" env:"FLUSH_INTERVAL"`
}

// BusConfig 事件总线选择
type BusConfig struct {
	Driver string `toml:"driver" env:"DRIVER"` // nats / kafka / memory
}

// NATSConfig NATS 连接
type NATSConfig struct {
	URL   string `toml:"url" env:"URL"`
	Queue string `toml:"queue" env:"QUEUE"` // 队列订阅组
}

// KafkaConfig Kafka 连接
type KafkaConfig struct {
	Brokers     []string `toml:"brokers" env:"BROKERS" envSeparator:","`
	GroupID     string   `toml:"group_id" env:"GROUP_ID"`
	Compression string   `toml:"compression" env:"COMPRESSION"`
}

// MySQLConfig 订单库
type MySQLConfig struct {
	DSN          string        `toml:"dsn" env:"DSN"`
	MaxOpenConns int           `toml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns int           `toml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLife  time.Duration `toml:"conn_max_life" env:"CONN_MAX_LIFE"`
	AutoMigrate  bool          `toml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// RedisConfig 订单缓存
type RedisConfig struct {
	Addr     string        `toml:"addr" env:"ADDR"`
	Password string        `toml:"password" env:"PASSWORD"`
	DB       int           `toml:"db" env:"DB"`
	OrderTTL time.Duration `toml:"order_ttl" env:"ORDER_TTL"` // 0 关闭缓存
}

// Defaults 默认配置
func Defaults() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "json",
		NodeID:    1,
		Symbols:   []string{"BTC_USD"},
		Engine: EngineConfig{
			QueueSize:       10000,
			EventQueueSize:  1024,
			SnapshotDepth:   50,
			RetiredCapacity: 65536,
		},
		Sweep: SweepConfig{
			Interval:      30 * time.Second,
			FlushInterval: time.Second,
		},
		Bus:  BusConfig{Driver: BusNATS},
		NATS: NATSConfig{URL: "nats://127.0.0.1:4222", Queue: "exchange"},
		Kafka: KafkaConfig{
			Brokers:     []string{"127.0.0.1:9092"},
			GroupID:     "exchange",
			Compression: "snappy",
		},
		MySQL: MySQLConfig{
			DSN:          "root:root@tcp(127.0.0.1:3306)/simex?charset=utf8mb4&parseTime=True&loc=Local",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
			ConnMaxLife:  time.Hour,
			AutoMigrate:  true,
		},
		Redis: RedisConfig{
			Addr:     "127.0.0.1:6379",
			OrderTTL: 5 * time.Second,
		},
	}
}

// Load 读取配置
// path 为空时跳过 TOML 文件；.env 不存在时忽略
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad 加载失败直接 panic
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.NodeID < 0 || c.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("node_id %d out of range [0, 1023]", c.NodeID))
	}
	if c.Engine.QueueSize <= 0 {
		errs = append(errs, errors.New("engine.queue_size must be positive"))
	}
	if c.Engine.SnapshotDepth <= 0 {
		errs = append(errs, errors.New("engine.snapshot_depth must be positive"))
	}
	if c.Sweep.Interval <= 0 || c.Sweep.FlushInterval <= 0 {
		errs = append(errs, errors.New("sweep intervals must be positive"))
	}
	switch c.Bus.Driver {
	case BusNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required"))
		}
	case BusKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required"))
		}
	case BusMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown bus driver %q", c.Bus.Driver))
	}
	return errors.Join(errs...)
}

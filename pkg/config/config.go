package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"shardkv/pkg/affinity"
	"shardkv/pkg/metrics"
	"shardkv/pkg/node"
)

// Config - корневая структура конфигурации процесса
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Node   NodeConfig   `yaml:"node"`
	Admin  AdminConfig  `yaml:"admin"`
	Bench  BenchConfig  `yaml:"bench"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

const (
	PinAuto = "auto"
	PinOff  = "off"
)

type NodeConfig struct {
	ID        int `yaml:"id"`
	MinShards int `yaml:"min_shards"`
	// auto pins every shard to a detected core, off runs NumCPU unpinned shards
	Pin             string        `yaml:"pin"`
	ChannelCapacity int           `yaml:"channel_capacity"`
	IngressCapacity int           `yaml:"ingress_capacity"`
	Batch           int           `yaml:"batch"`
	SpinBudget      int           `yaml:"spin_budget"`
	IdleBackoff     time.Duration `yaml:"idle_backoff"`
}

type AdminConfig struct {
	// empty disables the admin server
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type BenchConfig struct {
	// 0 skips the load run
	Keys int `yaml:"keys"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
		},
		Node: NodeConfig{
			Pin:             PinAuto,
			ChannelCapacity: 100,
			IngressCapacity: 1024,
			Batch:           100,
			SpinBudget:      64,
			IdleBackoff:     100 * time.Microsecond,
		},
		Admin: AdminConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: time.Second,
		},
	}
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Logger.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	n := c.Node
	if n.MinShards < 0 {
		errs = append(errs, fmt.Errorf("node.min_shards must be >= 0, got %d", n.MinShards))
	}
	if n.Pin != PinAuto && n.Pin != PinOff {
		errs = append(errs, fmt.Errorf("node.pin must be %q or %q, got %q", PinAuto, PinOff, n.Pin))
	}
	if n.ChannelCapacity <= 0 {
		errs = append(errs, fmt.Errorf("node.channel_capacity must be > 0, got %d", n.ChannelCapacity))
	}
	if n.IngressCapacity <= 0 {
		errs = append(errs, fmt.Errorf("node.ingress_capacity must be > 0, got %d", n.IngressCapacity))
	}
	if n.Batch < 0 {
		errs = append(errs, fmt.Errorf("node.batch must be >= 0, got %d", n.Batch))
	}
	if n.SpinBudget < 0 || n.IdleBackoff < 0 {
		errs = append(errs, errors.New("node.spin_budget and node.idle_backoff must be >= 0"))
	}
	if c.Bench.Keys < 0 {
		errs = append(errs, fmt.Errorf("bench.keys must be >= 0, got %d", c.Bench.Keys))
	}

	return errors.Join(errs...)
}

// SlogLevel parses the level name, case-insensitive.
func (l LoggerConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("logger.level: %w", err)
	}
	return lvl, nil
}

func (n NodeConfig) Topology() affinity.Topology {
	if n.Pin == PinOff {
		return affinity.Unpinned{}
	}
	return affinity.Host()
}

// NodeOptions converts the node section into node options.
func (c *Config) NodeOptions(log *slog.Logger, m *metrics.Metrics) []node.Option {
	n := c.Node
	return []node.Option{
		node.WithTopology(n.Topology()),
		node.WithChannelCapacity(n.ChannelCapacity),
		node.WithIngressCapacity(n.IngressCapacity),
		node.WithBatch(n.Batch),
		node.WithSpinBudget(n.SpinBudget),
		node.WithIdleBackoff(n.IdleBackoff),
		node.WithLogger(log),
		node.WithMetrics(m),
	}
}

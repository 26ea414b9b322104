package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	adminhttp "shardkv/internal/http"
	"shardkv/pkg/dberrors"
	"shardkv/pkg/metrics"
	"shardkv/pkg/node"
	"shardkv/pkg/types"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to YAML config")
		benchKeys  = flag.Int("bench", -1, "insert N keys, flush and report (overrides bench.keys)")
	)
	flag.Parse()

	if err := run(*configPath, *benchKeys); err != nil {
		slog.Error("shardkv failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, benchKeys int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(configPath)
	if err != nil {
		return err
	}
	if benchKeys >= 0 {
		cfg.Bench.Keys = benchKeys
	}
	log, err := initLogger(&cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n, err := node.New[uint64, string](types.NodeID(cfg.Node.ID), cfg.Node.MinShards,
		cfg.NodeOptions(log, metrics.New(reg))...)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	log.Info("node ready", "node", n.String())

	var admin *adminhttp.Server
	if cfg.Admin.Addr != "" {
		admin = adminhttp.NewServer(n, reg, cfg.Admin.Addr, log)
		admin.ReadHeaderTimeout = cfg.Admin.ReadHeaderTimeout
		if err := admin.Start(); err != nil {
			_ = n.Stop()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Run(gctx)
	})
	if cfg.Bench.Keys > 0 {
		g.Go(func() error {
			if err := bench(gctx, n, cfg.Bench.Keys, log); err != nil {
				return err
			}
			// одноразовый прогон: после замера останавливаемся, если админка не нужна
			if admin == nil {
				cancel()
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if admin != nil {
			return admin.Stop()
		}
		return nil
	})

	err = g.Wait()
	if stopErr := n.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	log.Info("shardkv stopped", "node", n.String())
	return err
}

// bench inserts keys through one session per shard, each session on its
// own goroutine, waits for all of them to be applied and logs the throughput.
func bench(ctx context.Context, n *node.Node[uint64, string], keys int, log *slog.Logger) error {
	shards := n.Shards()
	var retries atomic.Int64

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < shards; i++ {
		sess, err := n.Session(types.ShardID(i))
		if err != nil {
			return err
		}
		g.Go(func() error {
			for k := uint64(sess.Home()); k < uint64(keys); k += uint64(shards) {
				value := "value-" + strconv.FormatUint(k, 10)
				for {
					_, _, err := sess.Put(gctx, k, value)
					if err == nil {
						break
					}
					if !errors.Is(err, dberrors.ErrChannelFull) {
						return fmt.Errorf("bench put %d: %w", k, err)
					}
					retries.Add(1)
					runtime.Gosched()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if err := n.Flush(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("bench flush: %w", err)
	}
	elapsed := time.Since(start)

	var stored int64
	for _, st := range n.Status() {
		stored += st.Keys
	}
	log.Info("bench finished",
		"keys", keys,
		"stored", stored,
		"retries", retries.Load(),
		"elapsed", elapsed,
		"ops_per_sec", int(float64(keys)/elapsed.Seconds()),
	)
	return nil
}

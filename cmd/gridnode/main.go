// Command gridnode runs one member of a hypergrid partitioned region.
//
//	gridnode -id a -bind 10.0.0.1:7400 -mgmt 10.0.0.1:7500 -peers b@10.0.0.2:7400,c@10.0.0.3:7400
//
// Entries are served under /data/:key on the management address; cluster and
// bucket state under /grid and /cluster.
package main

import (
	"context"
	"crypto/subtle"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	fiber "github.com/gofiber/fiber/v3"
	"go.uber.org/zap"

	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/dist"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	err = run(cfg, logger)
	if err != nil {
		logger.Error("grid node failed", zap.Error(err))
		_ = logger.Sync() //nolint:errcheck // exiting anyway

		os.Exit(1)
	}
}

func run(cfg dist.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := startNode(ctx, cfg, logger)
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
	defer cancel()

	return n.shutdown(shutdownCtx)
}

func parseFlags(args []string) (dist.Config, error) {
	cfg := dist.Defaults()
	fs := flag.NewFlagSet("gridnode", flag.ContinueOnError)

	var peers string

	fs.StringVar(&cfg.NodeID, "id", "", "member id (derived from -bind when empty)")
	fs.StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "transport listen address")
	fs.StringVar(&cfg.MgmtAddr, "mgmt", "", "management HTTP address (disabled when empty)")
	fs.StringVar(&cfg.MgmtToken, "mgmt-token", os.Getenv("HYPERGRID_MGMT_TOKEN"), "bearer token for the management endpoints")
	fs.StringVar(&peers, "peers", "", "comma separated id@host:port of the other members")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "member transport: http or redis")
	fs.StringVar(&cfg.RedisAddr, "redis", os.Getenv("HYPERGRID_REDIS_ADDR"), "redis address(es) for the redis transport")
	fs.StringVar(&cfg.Region, "region", cfg.Region, "partitioned region name")
	fs.IntVar(&cfg.BucketCount, "buckets", cfg.BucketCount, "total number of buckets")
	fs.IntVar(&cfg.Redundancy, "redundancy", cfg.Redundancy, "replica owners per bucket besides the primary")
	fs.IntVar(&cfg.VirtualNodes, "vnodes", cfg.VirtualNodes, "virtual nodes per member on the hash ring")
	fs.DurationVar(&cfg.ReplyTimeout, "reply-timeout", cfg.ReplyTimeout, "how long a sender waits for replica replies")
	fs.BoolVar(&cfg.OffHeap, "offheap", cfg.OffHeap, "store values off-heap")
	fs.IntVar(&cfg.OffHeapMaxMB, "offheap-max-mb", cfg.OffHeapMaxMB, "off-heap memory bound in MiB; writes fail beyond it (0 = unbounded)")
	fs.StringVar(&cfg.Serializer, "serializer", cfg.Serializer, "value serializer: msgpack, json or cbor")
	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "value compression: none, s2, s2-better or zstd")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "inbound message workers")
	fs.DurationVar(&cfg.TombstoneTTL, "tombstone-ttl", cfg.TombstoneTTL, "how long destroyed entries keep their version")
	fs.BoolVar(&cfg.Accessor, "accessor", cfg.Accessor, "join without hosting buckets")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "failure detector probe interval (0 disables)")
	fs.DurationVar(&cfg.SuspectAfter, "suspect-after", cfg.SuspectAfter, "unseen time before a member is suspect")
	fs.DurationVar(&cfg.DeadAfter, "dead-after", cfg.DeadAfter, "unseen time before a member is removed from ownership")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit JSON logs")

	err := fs.Parse(args)
	if err != nil {
		return cfg, err
	}

	if peers != "" {
		cfg.Peers = strings.Split(peers, ",")
	}

	return cfg, cfg.Validate()
}

func buildLogger(cfg dist.Config) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.LogJSON {
		zcfg = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zcfg.Level = level

	return zcfg.Build()
}

// bearerAuth guards the management endpoints with a static token.
func bearerAuth(token string) func(fiber.Ctx) error {
	want := []byte("Bearer " + token)

	return func(fiberCtx fiber.Ctx) error {
		if subtle.ConstantTimeCompare([]byte(fiberCtx.Get(fiber.HeaderAuthorization)), want) != 1 {
			return fiber.ErrUnauthorized
		}

		return nil
	}
}

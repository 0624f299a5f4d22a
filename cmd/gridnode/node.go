package main

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/dist"
	"github.com/hyp3rd/hypergrid/internal/telemetry/attrs"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/logging"
	"github.com/hyp3rd/hypergrid/pkg/middleware"
	"github.com/hyp3rd/hypergrid/pkg/region"
	"github.com/hyp3rd/hypergrid/pkg/stats"
)

const instrumentation = "github.com/hyp3rd/hypergrid"

// transport is what a node needs from a distribution manager: the protocol
// surface, a start hook and a liveness probe.
type transport interface {
	distribution.Manager
	distribution.Prober
	Start(ctx context.Context) error
}

// node is one running grid member.
type node struct {
	cfg       dist.Config
	logger    *zap.Logger
	transport transport
	redis     redis.UniversalClient
	region    *region.PartitionedRegion
	service   region.Service
	calls     *stats.CallCollector
	latency   *stats.Collector
	heartbeat *distribution.Heartbeat
	mgmt      *region.ManagementHTTPServer
}

// startNode wires transport, membership, region, middleware, failure detection and
// the management server, in that order.
func startNode(ctx context.Context, cfg dist.Config, zl *zap.Logger) (*node, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	n := &node{cfg: cfg, logger: zl, calls: stats.NewCallCollector(), latency: stats.NewCollector()}
	lg := logging.NewZap(zl)

	membership, local, err := buildMembership(cfg)
	if err != nil {
		return nil, err
	}

	n.transport, err = n.buildTransport(membership, local, lg)
	if err != nil {
		return nil, err
	}

	sink, err := buildSink(n.latency)
	if err != nil {
		return nil, err
	}

	opts := append(region.OptionsFromConfig(cfg),
		region.WithDistribution(n.transport),
		region.WithMembership(membership),
		region.WithLogger(lg),
		region.WithStats(sink),
	)

	// the transport listens first: a new region pulls bucket images as soon as it is created
	err = n.transport.Start(ctx)
	if err != nil {
		n.closeRedis()

		return nil, ewrap.Wrap(err, "start transport")
	}

	n.region, err = region.New(cfg.Region, opts...)
	if err != nil {
		_ = n.transport.Close() //nolint:errcheck // creation failure is reported instead
		n.closeRedis()

		return nil, ewrap.Wrap(err, "create region")
	}

	n.service, err = n.decorate()
	if err != nil {
		_ = n.shutdown(ctx) //nolint:errcheck // start failure is reported instead

		return nil, err
	}

	if cfg.HeartbeatInterval > 0 {
		n.heartbeat = distribution.NewHeartbeat(membership, local, n.transport,
			cfg.HeartbeatInterval, cfg.SuspectAfter, cfg.DeadAfter, lg)
		n.heartbeat.Start()
	}

	if cfg.MgmtAddr != "" {
		err = n.startManagement(ctx, lg)
		if err != nil {
			_ = n.shutdown(ctx) //nolint:errcheck // start failure is reported instead

			return nil, err
		}
	}

	zl.Info("grid node started",
		zap.String("member", string(local)),
		zap.String("region", cfg.Region),
		zap.String("transport", cfg.Transport),
		zap.String("bind", cfg.BindAddr),
		zap.Int("members", len(membership.List())),
	)

	return n, nil
}

// buildMembership registers the local member (unless it is an accessor) and every peer.
func buildMembership(cfg dist.Config) (*cluster.Membership, cluster.NodeID, error) {
	peers, err := dist.ParsePeers(cfg.Peers)
	if err != nil {
		return nil, "", err
	}

	ring := cluster.NewRing(cluster.WithRedundancy(cfg.Redundancy), cluster.WithVirtualNodes(cfg.VirtualNodes))
	membership := cluster.NewMembership(ring)

	self := cluster.NewNode(cfg.NodeID, cfg.BindAddr)
	if !cfg.Accessor {
		membership.Upsert(self)
	}

	for _, p := range peers {
		peer := cluster.NewNode(p.ID, p.Address)
		if peer.ID == self.ID {
			continue
		}

		membership.Upsert(peer)
	}

	return membership, self.ID, nil
}

func (n *node) buildTransport(m *cluster.Membership, local cluster.NodeID, lg logging.Logger) (transport, error) {
	opts := []distribution.Option{distribution.WithWorkers(n.cfg.Workers), distribution.WithLogger(lg)}

	if n.cfg.Transport == dist.TransportRedis {
		n.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: strings.Split(n.cfg.RedisAddr, ","),
			Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
				dialer := &net.Dialer{Timeout: constants.RedisDialTimeout}

				return dialer.DialContext(ctx, network, addr)
			},
			MaxRetries:   constants.RedisClientMaxRetries,
			DialTimeout:  constants.RedisDialTimeout,
			ReadTimeout:  constants.RedisClientReadTimeout,
			WriteTimeout: constants.RedisClientWriteTimeout,
			PoolSize:     constants.RedisClientPoolSize,
			MinIdleConns: constants.RedisClientMinIdleConns,
			PoolTimeout:  constants.RedisClientPoolTimeout,
		})

		return distribution.NewRedisTransport(n.redis, local, opts...), nil
	}

	return distribution.NewHTTPTransport(local, n.cfg.BindAddr, distribution.MembershipResolver(m),
		constants.TransportClientTimeout, opts...), nil
}

// buildSink fans protocol statistics out to the in-memory collector and the global OTel meter.
func buildSink(latency *stats.Collector) (stats.Sink, error) {
	otelSink, err := stats.NewOTelSink(otel.Meter(instrumentation))
	if err != nil {
		return nil, ewrap.Wrap(err, "otel sink")
	}

	return stats.Safe(stats.Multi{latency, otelSink}), nil
}

// decorate wraps the region in the client middleware chain. Per-call logging is only
// enabled at debug level.
func (n *node) decorate() (region.Service, error) {
	metricsMW, err := middleware.NewOTelMetricsMiddleware(n.region, otel.Meter(instrumentation))
	if err != nil {
		return nil, ewrap.Wrap(err, "metrics middleware")
	}

	chain := []region.Middleware{
		func(next region.Service) region.Service {
			return middleware.NewOTelTracingMiddleware(next, otel.Tracer(instrumentation),
				middleware.WithCommonAttributes(
					attribute.String(attrs.AttrRegion, n.cfg.Region),
					attribute.String(attrs.AttrMember, string(n.region.LocalID())),
				))
		},
		func(next region.Service) region.Service { return middleware.NewStatsCollectorMiddleware(next, n.calls) },
	}

	if n.logger.Core().Enabled(zap.DebugLevel) {
		std, err := zap.NewStdLogAt(n.logger.Named("calls"), zap.DebugLevel)
		if err != nil {
			return nil, ewrap.Wrap(err, "logging middleware")
		}

		chain = append(chain, func(next region.Service) region.Service {
			return middleware.NewLoggingMiddleware(next, std)
		})
	}

	return region.ApplyMiddleware(metricsMW, chain...), nil
}

func (n *node) startManagement(ctx context.Context, lg logging.Logger) error {
	opts := []region.ManagementHTTPOption{
		region.WithMgmtLogger(lg),
		region.WithMgmtLatency(n.latency),
		region.WithMgmtCalls(n.calls),
		region.WithMgmtData(n.service),
	}

	if n.heartbeat != nil {
		opts = append(opts, region.WithMgmtHeartbeat(n.heartbeat))
	}

	if n.cfg.MgmtToken != "" {
		opts = append(opts, region.WithMgmtAuth(bearerAuth(n.cfg.MgmtToken)))
	}

	n.mgmt = region.NewManagementHTTPServer(n.cfg.MgmtAddr, opts...)

	err := n.mgmt.Start(ctx, n.region)
	if err != nil {
		return ewrap.Wrap(err, "start management server")
	}

	return nil
}

// shutdown stops the node in reverse start order and reports every failure.
func (n *node) shutdown(ctx context.Context) error {
	var errs []error

	if n.heartbeat != nil {
		n.heartbeat.Stop()
	}

	if n.mgmt != nil {
		errs = append(errs, n.mgmt.Shutdown(ctx))
	}

	if n.service != nil {
		errs = append(errs, n.service.Stop(ctx))
	} else {
		errs = append(errs, n.region.Stop(ctx))
	}

	n.closeRedis()

	_ = n.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms

	return errors.Join(errs...)
}

func (n *node) closeRedis() {
	if n.redis != nil {
		_ = n.redis.Close() //nolint:errcheck // best-effort
	}
}

package region

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/logging"
	"github.com/hyp3rd/hypergrid/pkg/stats"
)

// ManagementHTTPOption configures the management HTTP server.
type ManagementHTTPOption func(*ManagementHTTPServer)

// ManagementHTTPServer exposes the region state over HTTP.
type ManagementHTTPServer struct {
	addr         string
	app          *fiber.App
	readTimeout  time.Duration
	writeTimeout time.Duration
	authFunc     func(fiber.Ctx) error
	latency      *stats.Collector
	calls        *stats.CallCollector
	heartbeat    *distribution.Heartbeat
	data         Service
	logger       logging.Logger
	ln           net.Listener
	started      atomic.Bool
}

// WithMgmtAuth sets an auth function (return error to block).
func WithMgmtAuth(fn func(fiber.Ctx) error) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.authFunc = fn }
}

// WithMgmtReadTimeout sets read timeout.
func WithMgmtReadTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.readTimeout = d }
}

// WithMgmtWriteTimeout sets write timeout.
func WithMgmtWriteTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.writeTimeout = d }
}

// WithMgmtLatency publishes the histograms of c under /grid/latency.
func WithMgmtLatency(c *stats.Collector) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.latency = c }
}

// WithMgmtCalls publishes the client call statistics of c under /grid/calls.
func WithMgmtCalls(c *stats.CallCollector) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.calls = c }
}

// WithMgmtHeartbeat publishes the failure detector counters under /cluster/heartbeat.
func WithMgmtHeartbeat(h *distribution.Heartbeat) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.heartbeat = h }
}

// WithMgmtLogger sets the logger used for server errors.
func WithMgmtLogger(l logging.Logger) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.logger = logging.OrNop(l) }
}

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// NewManagementHTTPServer builds a server holder; nothing listens until Start.
func NewManagementHTTPServer(addr string, opts ...ManagementHTTPOption) *ManagementHTTPServer {
	srv := &ManagementHTTPServer{
		addr:         addr,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		logger:       logging.Nop{},
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.app = fiber.New(fiber.Config{
		ReadTimeout:  srv.readTimeout,
		WriteTimeout: srv.writeTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})

	return srv
}

// Start mounts the routes for r and starts listening (idempotent).
func (s *ManagementHTTPServer) Start(ctx context.Context, r *PartitionedRegion) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.mountRoutes(ctx, r)

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		s.started.Store(false)

		return ewrap.Wrap(err, "mgmt listen")
	}

	s.ln = ln

	go func() {
		serr := s.app.Listener(ln)
		if serr != nil {
			s.logger.Error("management server stopped", logging.Fields{"addr": s.addr, "err": serr})
		}
	}()

	return nil
}

// Address returns the bound address (useful when passing ":0"). Empty if not started yet.
func (s *ManagementHTTPServer) Address() string {
	if s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *ManagementHTTPServer) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}

	ch := make(chan error, 1)

	go func() {
		ch <- s.app.Shutdown()
	}()

	select {
	case <-ctx.Done():
		return sentinel.ErrMgmtHTTPShutdownTimeout
	case err := <-ch:
		return err
	}
}

func (s *ManagementHTTPServer) mountRoutes(ctx context.Context, r *PartitionedRegion) {
	useAuth := s.wrapAuth
	s.registerBasic(useAuth, r)
	s.registerGrid(useAuth, r)
	s.registerCluster(useAuth, r)

	if s.data != nil {
		s.registerData(ctx, useAuth)
	}
}

// wrapAuth returns an auth-wrapped handler if authFunc provided.
func (s *ManagementHTTPServer) wrapAuth(handler fiber.Handler) fiber.Handler { //nolint:ireturn
	if s.authFunc == nil {
		return handler
	}

	return func(fiberCtx fiber.Ctx) error {
		authErr := s.authFunc(fiberCtx)
		if authErr != nil {
			return authErr
		}

		return handler(fiberCtx)
	}
}

func (s *ManagementHTTPServer) registerBasic(useAuth func(fiber.Handler) fiber.Handler, r *PartitionedRegion) {
	s.app.Get("/health", useAuth(func(fiberCtx fiber.Ctx) error {
		if r.stopped.Load() {
			return fiberCtx.Status(fiber.StatusServiceUnavailable).SendString("stopped")
		}

		return fiberCtx.SendString("ok")
	}))
	s.app.Get("/grid/stats", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.JSON(r.Stats()) }))
	s.app.Get("/grid/latency", useAuth(func(fiberCtx fiber.Ctx) error {
		if s.latency == nil {
			return fiberCtx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "latency collector not configured"})
		}

		return fiberCtx.JSON(s.latency.Snapshot())
	}))
}

func (s *ManagementHTTPServer) registerGrid(useAuth func(fiber.Handler) fiber.Handler, r *PartitionedRegion) {
	s.app.Get("/grid/calls", useAuth(func(fiberCtx fiber.Ctx) error {
		if s.calls == nil {
			return fiberCtx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "call statistics disabled"})
		}

		return fiberCtx.JSON(s.calls.Snapshot())
	}))
	s.app.Get("/grid/buckets", useAuth(func(fiberCtx fiber.Ctx) error {
		buckets := r.BucketStats()

		return fiberCtx.JSON(fiber.Map{"count": len(buckets), "buckets": buckets})
	}))
	s.app.Get("/grid/owners", useAuth(func(fiberCtx fiber.Ctx) error {
		key := fiberCtx.Query("key")
		if key == "" {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing key"})
		}

		return fiberCtx.JSON(fiber.Map{"key": key, "bucket": r.BucketID(key), "owners": r.OwnersOf(key)})
	}))
	s.app.Get("/grid/offheap", useAuth(func(fiberCtx fiber.Ctx) error {
		st, ok := r.OffHeapStats()
		if !ok {
			return fiberCtx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "region stores values on-heap"})
		}

		return fiberCtx.JSON(st)
	}))
	s.app.Get("/grid/versions", useAuth(func(fiberCtx fiber.Ctx) error {
		return fiberCtx.JSON(fiber.Map{"current": r.source.Current(), "members": r.Versions()})
	}))
}

func (s *ManagementHTTPServer) registerCluster(useAuth func(fiber.Handler) fiber.Handler, r *PartitionedRegion) {
	s.app.Get("/cluster/members", useAuth(func(fiberCtx fiber.Ctx) error {
		members, redundancy, vnodes := r.Members()

		return fiberCtx.JSON(fiber.Map{"redundancy": redundancy, "virtualNodes": vnodes, "members": members})
	}))
	s.app.Get("/cluster/ring", useAuth(func(fiberCtx fiber.Ctx) error {
		spots := r.ring.VNodeHashes()

		return fiberCtx.JSON(fiber.Map{"count": len(spots), "vnodes": spots})
	}))
	s.app.Get("/cluster/heartbeat", useAuth(func(fiberCtx fiber.Ctx) error {
		if s.heartbeat == nil {
			return fiberCtx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "failure detection disabled"})
		}

		return fiberCtx.JSON(s.heartbeat.Stats())
	}))
}

package region

import (
	"time"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/dist"
	"github.com/hyp3rd/hypergrid/internal/libs/serializer"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/listener"
	"github.com/hyp3rd/hypergrid/pkg/logging"
	"github.com/hyp3rd/hypergrid/pkg/offheap"
	"github.com/hyp3rd/hypergrid/pkg/reply"
	"github.com/hyp3rd/hypergrid/pkg/stats"
)

// Region defaults.
const (
	DefaultBucketCount  = 113
	DefaultRedundancy   = 1
	DefaultVirtualNodes = 64
	DefaultRetries      = 2
	DefaultTombstoneTTL = 10 * time.Minute

	defaultRetryBackoff = 10 * time.Millisecond
)

// Option configures a PartitionedRegion.
type Option func(*PartitionedRegion)

// WithRegionID sets the id carried by messages; it defaults to the region name.
func WithRegionID(id string) Option {
	return func(r *PartitionedRegion) {
		if id != "" {
			r.regionID = id
		}
	}
}

// WithBucketCount sets the number of buckets keys are hashed into.
func WithBucketCount(n int) Option {
	return func(r *PartitionedRegion) {
		if n > 0 {
			r.bucketCount = n
		}
	}
}

// WithRedundancy sets the number of replica owners per bucket. It only applies to the
// membership the region creates itself; an injected membership keeps its ring settings.
func WithRedundancy(n int) Option {
	return func(r *PartitionedRegion) {
		if n >= 0 {
			r.redundancy = n
		}
	}
}

// WithVirtualNodes sets the virtual nodes per member of a region-created ring.
func WithVirtualNodes(n int) Option {
	return func(r *PartitionedRegion) {
		if n > 0 {
			r.virtualNodes = n
		}
	}
}

// WithDistribution sets the manager used to reach the other members. The region
// installs its handler on it and closes it on Stop.
func WithDistribution(m distribution.Manager) Option {
	return func(r *PartitionedRegion) { r.dm = m }
}

// WithMembership injects the cluster view bucket owners are resolved from.
func WithMembership(m *cluster.Membership) Option {
	return func(r *PartitionedRegion) { r.membership = m }
}

// WithReplyTimeout bounds every wait for replies.
func WithReplyTimeout(d time.Duration) Option {
	return func(r *PartitionedRegion) {
		if d > 0 {
			r.replyTimeout = d
		}
	}
}

// WithRetries sets how many times an operation is reattempted after an ownership or
// transport failure before the failure is returned.
func WithRetries(n int) Option {
	return func(r *PartitionedRegion) {
		if n >= 0 {
			r.retries = n
		}
	}
}

// WithOffHeap stores values off-heap in an arena built with opts.
func WithOffHeap(opts ...offheap.Option) Option {
	return func(r *PartitionedRegion) {
		r.offHeap = true
		r.arenaOpts = opts
	}
}

// WithSerializer selects the value serializer by name.
func WithSerializer(name string) Option {
	return func(r *PartitionedRegion) {
		if name != "" {
			r.serializerName = name
		}
	}
}

// WithCompression selects the value compressor by name ("none", "s2", "s2-better", "zstd").
func WithCompression(name string) Option {
	return func(r *PartitionedRegion) { r.compression = name }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(r *PartitionedRegion) { r.logger = logging.OrNop(l) }
}

// WithStats sets the statistics sink.
func WithStats(s stats.Sink) Option {
	return func(r *PartitionedRegion) { r.sink = s }
}

// WithListener registers a listener invoked for every event applied or notified here.
func WithListener(l listener.Listener) Option {
	return func(r *PartitionedRegion) { r.pendingListeners = append(r.pendingListeners, l) }
}

// WithListenerMembers names members that receive notify-only events for buckets they
// do not host.
func WithListenerMembers(ids ...cluster.NodeID) Option {
	return func(r *PartitionedRegion) { r.listenerMembers = append(r.listenerMembers, ids...) }
}

// WithAccessor makes the local member an accessor: it stays out of the ring, hosts
// no bucket and sends every operation to the bucket primary.
func WithAccessor() Option {
	return func(r *PartitionedRegion) { r.accessor = true }
}

// WithTombstoneTTL sets how long destroyed entries keep their version before they are
// reaped. Zero disables reaping.
func WithTombstoneTTL(d time.Duration) Option {
	return func(r *PartitionedRegion) { r.tombstoneTTL = d }
}

// OptionsFromConfig maps a node configuration onto region options. The distribution
// manager and membership are built by the caller.
func OptionsFromConfig(cfg dist.Config) []Option {
	opts := []Option{
		WithBucketCount(cfg.BucketCount),
		WithRedundancy(cfg.Redundancy),
		WithVirtualNodes(cfg.VirtualNodes),
		WithReplyTimeout(cfg.ReplyTimeout),
		WithSerializer(cfg.Serializer),
		WithCompression(cfg.Compression),
		WithTombstoneTTL(cfg.TombstoneTTL),
	}

	if cfg.OffHeap {
		opts = append(opts, WithOffHeap(offheap.WithMaxBytes(int64(cfg.OffHeapMaxMB)<<20)))
	}

	if cfg.Accessor {
		opts = append(opts, WithAccessor())
	}

	return opts
}

func defaults(name string) *PartitionedRegion {
	return &PartitionedRegion{
		name:           name,
		regionID:       name,
		bucketCount:    DefaultBucketCount,
		redundancy:     DefaultRedundancy,
		virtualNodes:   DefaultVirtualNodes,
		replyTimeout:   reply.DefaultTimeout,
		retries:        DefaultRetries,
		retryBackoff:   defaultRetryBackoff,
		serializerName: serializer.Msgpack,
		tombstoneTTL:   DefaultTombstoneTTL,
		logger:         logging.Nop{},
	}
}

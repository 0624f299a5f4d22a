// Package region implements the bucket replication protocol of a partitioned region.
//
// Keys hash into a fixed number of buckets. Each bucket has a primary member and
// replica members, resolved from the cluster ring. A mutation is applied by the
// primary first, which assigns its version tag, and is then sent to the replicas
// under a single reply processor; members that only listen receive a notify-only
// copy. A member that is not the primary forwards the operation to it and waits.
//
// Receivers apply replicated operations with version conflict resolution and
// duplicate suppression, so redelivery after a reattempt is safe.
package region

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/libs/compressor"
	"github.com/hyp3rd/hypergrid/internal/libs/serializer"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/bucket"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/event"
	"github.com/hyp3rd/hypergrid/pkg/listener"
	"github.com/hyp3rd/hypergrid/pkg/logging"
	"github.com/hyp3rd/hypergrid/pkg/offheap"
	"github.com/hyp3rd/hypergrid/pkg/reply"
	"github.com/hyp3rd/hypergrid/pkg/stats"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// Service is the caller facing API of a region.
type Service interface {
	// Put stores value under key and returns the version it was stored with.
	Put(ctx context.Context, key, value any) (*version.Tag, error)
	// Get returns the value of key.
	Get(ctx context.Context, key any) (any, bool, error)
	// Invalidate drops the value of key, keeping the key.
	Invalidate(ctx context.Context, key any) (*version.Tag, error)
	// Destroy removes key.
	Destroy(ctx context.Context, key any) (*version.Tag, error)
	// Contains reports whether key holds a value.
	Contains(ctx context.Context, key any) (bool, error)
	// Stop shuts the region down.
	Stop(ctx context.Context) error
}

// Middleware describes a service middleware.
type Middleware func(Service) Service

// ApplyMiddleware applies middlewares to a service, first one innermost.
func ApplyMiddleware(svc Service, mw ...Middleware) Service {
	for _, m := range mw {
		svc = m(svc)
	}

	return svc
}

// PartitionedRegion is one member's part of a partitioned region.
type PartitionedRegion struct {
	name     string
	regionID string
	local    cluster.NodeID

	accessor     bool
	bucketCount  int
	redundancy   int
	virtualNodes int
	buckets      []*bucket.Bucket

	dm         distribution.Manager
	membership *cluster.Membership
	ring       *cluster.Ring

	offHeap        bool
	arenaOpts      []offheap.Option
	arena          *offheap.Arena
	serializerName string
	compression    string
	store          storage
	factory        entry.Factory

	source        version.Source
	vector        *version.Vector
	threads       *threads
	replies       *reply.Registry
	notifyTracker *bucket.Tracker

	listeners        *listener.Dispatcher
	pendingListeners []listener.Listener
	listenerMembers  []cluster.NodeID

	replyTimeout time.Duration
	retries      int
	retryBackoff time.Duration
	tombstoneTTL time.Duration

	logger logging.Logger
	sink   stats.Sink

	// rebalanceMu guards owners and handoffs.
	rebalanceMu sync.Mutex
	owners      [][]cluster.NodeID
	handoffs    map[int]map[cluster.NodeID]struct{}

	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

var _ Service = (*PartitionedRegion)(nil)

// New creates the local member's part of region name. Without WithDistribution the
// region runs standalone on a private in-process hub.
func New(name string, opts ...Option) (*PartitionedRegion, error) {
	if name == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "region name")
	}

	r := defaults(name)
	for _, opt := range opts {
		opt(r)
	}

	err := r.initCodec()
	if err != nil {
		return nil, err
	}

	if r.dm == nil {
		r.dm = distribution.NewHub(distribution.WithLogger(r.logger)).Join("local")
	}

	r.local = r.dm.LocalID()
	r.sink = stats.Safe(r.sink)
	r.vector = version.NewVector()
	r.threads = newThreads(event.NewIDSource(r.local))
	r.replies = reply.NewRegistry(r.logger)
	r.notifyTracker = bucket.NewTracker()
	r.stopCh = make(chan struct{})

	r.listeners = listener.NewDispatcher(r.logger, r.sink)
	for _, l := range r.pendingListeners {
		r.listeners.Add(l)
	}

	r.initMembership()

	r.buckets = make([]*bucket.Bucket, r.bucketCount)
	for i := range r.bucketCount {
		r.buckets[i] = bucket.New(i, r.name, r.factory, r.store)
	}

	r.owners = make([][]cluster.NodeID, r.bucketCount)
	r.handoffs = map[int]map[cluster.NodeID]struct{}{}

	// image replies must reach the handler before the first Rebalance starts recovery
	r.dm.SetHandler(r.HandleMessage)
	r.Rebalance()

	r.membership.OnDeparture(r.memberDeparted)
	r.membership.OnArrival(r.memberArrived)

	if r.tombstoneTTL > 0 {
		r.wg.Add(1)

		go r.reapLoop()
	}

	return r, nil
}

func (r *PartitionedRegion) initCodec() error {
	ser, err := serializer.New(r.serializerName)
	if err != nil {
		return ewrap.Wrapf(err, "region %s serializer", r.name)
	}

	comp, err := compressor.ByName(r.compression)
	if err != nil {
		return ewrap.Wrapf(err, "region %s compression", r.name)
	}

	r.store.codec = valueCodec{ser: ser, comp: comp}
	r.factory = entry.HeapFactory()

	if r.offHeap {
		arena, err := offheap.NewArena(r.arenaOpts...)
		if err != nil {
			return ewrap.Wrapf(err, "region %s arena", r.name)
		}

		r.arena = arena
		r.store.arena = arena
		r.factory = entry.OffHeapFactory()
	}

	return nil
}

func (r *PartitionedRegion) initMembership() {
	if r.membership == nil {
		ring := cluster.NewRing(cluster.WithRedundancy(r.redundancy), cluster.WithVirtualNodes(r.virtualNodes))
		r.membership = cluster.NewMembership(ring)
	}

	r.ring = r.membership.Ring()

	if !r.accessor && !r.membership.Has(r.local) {
		r.membership.Upsert(&cluster.Node{ID: r.local, State: cluster.NodeAlive, Incarnation: 1})
	}
}

// Name returns the region name.
func (r *PartitionedRegion) Name() string { return r.name }

// LocalID returns the local member identity.
func (r *PartitionedRegion) LocalID() cluster.NodeID { return r.local }

// Membership returns the cluster view the region resolves owners from.
func (r *PartitionedRegion) Membership() *cluster.Membership { return r.membership }

// BucketID returns the bucket key hashes into.
func (r *PartitionedRegion) BucketID(key any) int {
	return bucketOf(entry.NewKey(key), r.bucketCount)
}

func bucketOf(k entry.Key, count int) int {
	return int(k.Hash() % uint64(count)) //nolint:gosec // count is a small positive int
}

// Owners returns the primary followed by the replicas of the bucket key hashes into.
func (r *PartitionedRegion) Owners(key any) []cluster.NodeID {
	return r.ring.Owners(r.BucketID(key))
}

// Bucket returns the local bucket with id, nil when id is out of range.
func (r *PartitionedRegion) Bucket(id int) *bucket.Bucket {
	if id < 0 || id >= len(r.buckets) {
		return nil
	}

	return r.buckets[id]
}

// AddListener registers l.
func (r *PartitionedRegion) AddListener(l listener.Listener) { r.listeners.Add(l) }

// Rebalance aligns the local bucket roles with the current ring. Buckets in the
// middle of a primary transfer are left alone.
//
// A bucket the ring newly assigns here is hosted as recovering and filled with an
// initial image pulled from the other members; until then it neither serves reads
// nor acts as primary. A bucket the ring moves away while it holds the only complete
// copy a newcomer can pull from is retired: it stops serving but keeps its entries
// until every newcomer pulled them. Other buckets that move away are released.
func (r *PartitionedRegion) Rebalance() {
	r.rebalanceMu.Lock()
	defer r.rebalanceMu.Unlock()

	alone := len(r.peers()) == 0

	var recovering []int

	for _, b := range r.buckets {
		if b.Moving() {
			continue
		}

		id := b.ID()
		prev := r.owners[id]
		owners := r.ring.Owners(id)
		r.owners[id] = owners

		switch idx := indexOf(owners, r.local); {
		case idx < 0:
			r.moveAway(b, prev, owners)
		case b.Hosting():
			b.SetPrimary(idx == 0)
		case b.Retiring():
			delete(r.handoffs, id)
			b.Host(idx == 0)
		case alone:
			b.Host(idx == 0)
		default:
			b.HostRecovering(idx == 0)

			recovering = append(recovering, id)
		}
	}

	if len(recovering) > 0 && !r.stopped.Load() {
		r.wg.Add(1)

		go r.recoverBuckets(recovering)
	}
}

// moveAway handles a bucket the ring no longer assigns here. Caller holds rebalanceMu.
func (r *PartitionedRegion) moveAway(b *bucket.Bucket, prev, owners []cluster.NodeID) {
	id := b.ID()

	switch {
	case b.Retiring():
		pending := r.handoffs[id]
		for m := range pending {
			if indexOf(owners, m) < 0 {
				delete(pending, m)
			}
		}

		if len(pending) == 0 {
			delete(r.handoffs, id)
			b.Unhost()
		}
	case b.Ready():
		pending := map[cluster.NodeID]struct{}{}

		for _, m := range owners {
			if indexOf(prev, m) < 0 {
				pending[m] = struct{}{}
			}
		}

		if len(pending) == 0 {
			b.Unhost()

			return
		}

		r.handoffs[id] = pending
		b.Retire()

		r.logger.Debug("bucket retired until handed off", logging.Fields{"region": r.name, "bucket": id, "to": len(pending)})
	case b.Hosting():
		b.Unhost()
	}
}
func (r *PartitionedRegion) memberDeparted(id cluster.NodeID) {
	r.logger.Info("member departed", logging.Fields{"region": r.name, "member": string(id)})

	r.replies.MemberDeparted(id)
	r.notifyTracker.Forget(id)

	for _, b := range r.buckets {
		b.Tracker().Forget(id)
	}

	r.Rebalance()
}

// memberArrived reassigns bucket roles when a member joins or revives. Buckets
// that move to it are retired here until it pulled their image.
func (r *PartitionedRegion) memberArrived(id cluster.NodeID) {
	if r.stopped.Load() || id == r.local {
		return
	}

	r.logger.Info("member arrived", logging.Fields{"region": r.name, "member": string(id)})
	r.Rebalance()
}

// Get returns the value of key. The local copy is read when the bucket is hosted
// here; otherwise the primary is asked.
func (r *PartitionedRegion) Get(ctx context.Context, key any) (any, bool, error) {
	if r.stopped.Load() {
		return nil, false, sentinel.ErrClosed
	}

	err := entry.ValidateKey(key)
	if err != nil {
		return nil, false, err
	}

	k := entry.NewKey(key)
	bid := bucketOf(k, r.bucketCount)

	if b := r.buckets[bid]; b.Ready() {
		return readHosted(b, k)
	}

	return r.fetch(ctx, bid, k)
}

func readHosted(b *bucket.Bucket, k entry.Key) (any, bool, error) {
	v, _, ok, err := b.Get(k)
	if err != nil || !ok {
		return nil, false, err
	}

	return v.Object, true, nil
}

// Contains reports whether key holds a value.
func (r *PartitionedRegion) Contains(ctx context.Context, key any) (bool, error) {
	_, ok, err := r.Get(ctx, key)

	return ok, err
}

// Load installs value for key on this member without versioning or distribution,
// for initial images and tests.
func (r *PartitionedRegion) Load(key, value any) error {
	err := entry.ValidateKey(key)
	if err != nil {
		return err
	}

	k := entry.NewKey(key)

	data, err := r.store.codec.Encode(value)
	if err != nil {
		return err
	}

	return r.buckets[bucketOf(k, r.bucketCount)].Load(k, entry.Value{Kind: entry.KindObject, Object: value, Bytes: data})
}

// Stop shuts the region down: inbound delivery stops, pending waits are released and
// every entry (with its off-heap value) is freed.
func (r *PartitionedRegion) Stop(ctx context.Context) error {
	var err error

	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.stopCh)

		// no Rebalance starts a recovery once stopped is visible under the lock
		r.rebalanceMu.Lock() //nolint:staticcheck // empty critical section as a barrier
		r.rebalanceMu.Unlock()

		done := make(chan error, 1)

		go func() {
			cerr := r.dm.Close()
			r.wg.Wait()

			done <- cerr
		}()

		select {
		case err = <-done:
		case <-ctx.Done():
			err = ewrap.Wrap(sentinel.ErrTimeoutOrCanceled, "region stop")

			return
		}

		for _, b := range r.buckets {
			b.Unhost()
		}

		if r.arena != nil {
			cerr := r.arena.Close()
			if err == nil {
				err = cerr
			}
		}
	})

	return err
}

func (r *PartitionedRegion) reapLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.tombstoneTTL / 2) //nolint:mnd // reap twice per ttl
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			n := 0
			for _, b := range r.buckets {
				n += b.Reap(now.Add(-r.tombstoneTTL))
			}

			if n > 0 {
				r.logger.Debug("tombstones reaped", logging.Fields{"region": r.name, "count": n})
			}
		}
	}
}

// threads lends event id sources to operations. An operation keeps its source until
// its replies are in, so sequences of one source reach every member in order.
type threads struct {
	base *event.IDSource
	pool chan *event.IDSource
}

const threadPoolSize = 64

func newThreads(base *event.IDSource) *threads {
	return &threads{base: base, pool: make(chan *event.IDSource, threadPoolSize)}
}

func (t *threads) acquire() *event.IDSource {
	select {
	case s := <-t.pool:
		return s
	default:
		return t.base.NewThread()
	}
}

func (t *threads) release(s *event.IDSource) {
	select {
	case t.pool <- s:
	default:
	}
}

func indexOf(ids []cluster.NodeID, id cluster.NodeID) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}

	return -1
}

package region

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/listener"
	"github.com/hyp3rd/hypergrid/pkg/message"
)

const testBuckets = 17

type recorder struct {
	mu     sync.Mutex
	events []listener.Event
}

func (rec *recorder) OnEvent(_ context.Context, ev listener.Event) error {
	rec.mu.Lock()
	rec.events = append(rec.events, ev)
	rec.mu.Unlock()

	return nil
}

func (rec *recorder) snapshot() []listener.Event {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return append([]listener.Event(nil), rec.events...)
}

// replySink collects the replies delivered to a bare hub endpoint.
type replySink struct {
	mu      sync.Mutex
	replies []*message.ReplyMessage
}

func (s *replySink) handle(_ context.Context, _ cluster.NodeID, msg message.Message) {
	if rm, ok := msg.(*message.ReplyMessage); ok {
		s.mu.Lock()
		s.replies = append(s.replies, rm)
		s.mu.Unlock()
	}
}

func (s *replySink) wait(t *testing.T, n int) []*message.ReplyMessage {
	t.Helper()

	var out []*message.ReplyMessage

	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		out = append([]*message.ReplyMessage(nil), s.replies...)

		return len(out) >= n
	})

	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func stopOnCleanup(t *testing.T, r *PartitionedRegion) {
	t.Helper()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = r.Stop(ctx)
	})
}

func newStandalone(t *testing.T, opts ...Option) *PartitionedRegion {
	t.Helper()

	base := []Option{WithBucketCount(testBuckets), WithTombstoneTTL(0)}

	r, err := New("orders", append(base, opts...)...)
	if err != nil {
		t.Fatalf("new region: %v", err)
	}

	stopOnCleanup(t, r)

	return r
}

type member struct {
	region *PartitionedRegion
	events *recorder
}

// grid is a set of members sharing one hub and one membership view.
type grid struct {
	hub        *distribution.Hub
	membership *cluster.Membership
	members    map[cluster.NodeID]*member
}

func newGrid(t *testing.T, redundancy int, ids []cluster.NodeID, opts ...Option) *grid {
	t.Helper()

	ring := cluster.NewRing(cluster.WithRedundancy(redundancy), cluster.WithVirtualNodes(16))
	g := &grid{
		hub:        distribution.NewHub(),
		membership: cluster.NewMembership(ring),
		members:    map[cluster.NodeID]*member{},
	}

	for _, id := range ids {
		g.membership.Upsert(&cluster.Node{ID: id, State: cluster.NodeAlive, Incarnation: 1})
	}

	for _, id := range ids {
		g.add(t, id, opts...)
	}

	return g
}

func (g *grid) add(t *testing.T, id cluster.NodeID, opts ...Option) *member {
	t.Helper()

	rec := &recorder{}
	base := []Option{
		WithDistribution(g.hub.Join(id)),
		WithMembership(g.membership),
		WithBucketCount(testBuckets),
		WithReplyTimeout(2 * time.Second),
		WithTombstoneTTL(0),
		WithListener(rec),
	}

	r, err := New("orders", append(base, opts...)...)
	if err != nil {
		t.Fatalf("new region on %s: %v", id, err)
	}

	stopOnCleanup(t, r)
	waitRecovered(t, r)

	m := &member{region: r, events: rec}
	g.members[id] = m

	return m
}

// waitRecovered blocks until no bucket of r waits for its initial image.
func waitRecovered(t *testing.T, r *PartitionedRegion) {
	t.Helper()

	waitFor(t, func() bool { return r.Stats().Recovering == 0 })
}

// keyOwnedBy scans candidate keys until one lands in a bucket owned by owners, primary first.
func keyOwnedBy(t *testing.T, r *PartitionedRegion, owners ...cluster.NodeID) string {
	t.Helper()

	for i := range 10000 {
		k := fmt.Sprintf("key-%d", i)
		if slices.Equal(r.Owners(k), owners) {
			return k
		}
	}

	t.Fatalf("no key owned by %v", owners)

	return ""
}

// typedKeyOwnedBy is keyOwnedBy for keys produced by gen.
func typedKeyOwnedBy(t *testing.T, r *PartitionedRegion, gen func(i int) any, owners ...cluster.NodeID) any {
	t.Helper()

	for i := range 10000 {
		k := gen(i)
		if slices.Equal(r.Owners(k), owners) {
			return k
		}
	}

	t.Fatalf("no key owned by %v", owners)

	return nil
}

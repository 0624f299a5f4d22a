package region

import (
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/bucket"
	"github.com/hyp3rd/hypergrid/pkg/offheap"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// HostBuckets makes the local member host ids, as primary or replica, regardless of
// what the ring says. The next Rebalance realigns them.
func (r *PartitionedRegion) HostBuckets(primary bool, ids ...int) error {
	for _, id := range ids {
		b := r.Bucket(id)
		if b == nil {
			return ewrap.Wrapf(sentinel.ErrBucketNotHosted, "bucket %d out of range", id)
		}

		if b.Hosting() {
			b.SetPrimary(primary)

			continue
		}

		b.Host(primary)
	}

	return nil
}

// ReleaseBucket stops hosting id and frees its entries. Operations addressed to it
// afterwards fail with an ownership-moved error.
func (r *PartitionedRegion) ReleaseBucket(id int) error {
	b := r.Bucket(id)
	if b == nil {
		return ewrap.Wrapf(sentinel.ErrBucketNotHosted, "bucket %d out of range", id)
	}

	b.Unhost()

	return nil
}

// BeginPrimaryTransfer freezes the local primary of id. Until EndPrimaryTransfer,
// operations that need the primary fail with an ownership-moved error.
func (r *PartitionedRegion) BeginPrimaryTransfer(id int) error {
	b := r.Bucket(id)
	if b == nil {
		return ewrap.Wrapf(sentinel.ErrBucketNotHosted, "bucket %d out of range", id)
	}

	return b.BeginTransfer()
}

// EndPrimaryTransfer completes a transfer started by BeginPrimaryTransfer; with
// keepPrimary false the bucket stays hosted as a replica.
func (r *PartitionedRegion) EndPrimaryTransfer(id int, keepPrimary bool) error {
	b := r.Bucket(id)
	if b == nil {
		return ewrap.Wrapf(sentinel.ErrBucketNotHosted, "bucket %d out of range", id)
	}

	b.EndTransfer(keepPrimary)

	return nil
}

// Stats summarizes the local part of the region.
type Stats struct {
	Region         string `json:"region"`
	Member         string `json:"member"`
	Buckets        int    `json:"buckets"`
	Hosted         int    `json:"hosted"`
	Primary        int    `json:"primary"`
	Entries        int    `json:"entries"`
	Invalid        int    `json:"invalid"`
	Tombstones     int    `json:"tombstones"`
	Bytes          int64  `json:"bytes"`
	Recovering     int    `json:"recovering"`
	Retiring       int    `json:"retiring"`
	PendingReplies int    `json:"pending_replies"`
	Listeners      int    `json:"listeners"`
	RegionVersion  uint64 `json:"region_version"`
	OffHeap        bool   `json:"off_heap"`
}

// Stats returns a snapshot of the local buckets and protocol state.
func (r *PartitionedRegion) Stats() Stats {
	st := Stats{
		Region:         r.name,
		Member:         string(r.local),
		Buckets:        r.bucketCount,
		PendingReplies: r.replies.Pending(),
		Listeners:      r.listeners.Len(),
		RegionVersion:  r.source.Current(),
		OffHeap:        r.arena != nil,
	}

	for _, bs := range r.BucketStats() {
		st.Hosted++
		if bs.Primary {
			st.Primary++
		}

		if bs.Recovering {
			st.Recovering++
		}

		st.Entries += bs.Entries
		st.Invalid += bs.Invalid
		st.Tombstones += bs.Tombstones
		st.Bytes += bs.Bytes
	}

	for _, b := range r.buckets {
		if b.Retiring() {
			st.Retiring++
		}
	}

	return st
}

// BucketStats returns the state of every hosted bucket.
func (r *PartitionedRegion) BucketStats() []bucket.Stats {
	out := make([]bucket.Stats, 0, len(r.buckets))

	for _, b := range r.buckets {
		if b.Hosting() {
			out = append(out, b.Stats())
		}
	}

	return out
}

// OffHeapStats returns the arena counters; ok is false for an on-heap region.
func (r *PartitionedRegion) OffHeapStats() (offheap.Stats, bool) {
	if r.arena == nil {
		return offheap.Stats{}, false
	}

	return r.arena.Stats(), true
}

// Versions returns the highest region version applied here per originating member.
func (r *PartitionedRegion) Versions() []version.MemberVersion { return r.vector.Snapshot() }

// MemberView is one member as seen by the local membership.
type MemberView struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	State       string `json:"state"`
	Incarnation uint64 `json:"incarnation"`
}

// Members returns the cluster view together with the ring settings.
func (r *PartitionedRegion) Members() (members []MemberView, redundancy, vnodes int) {
	for _, n := range r.membership.List() {
		members = append(members, MemberView{
			ID:          string(n.ID),
			Address:     n.Address,
			State:       n.State.String(),
			Incarnation: n.Incarnation,
		})
	}

	return members, r.ring.Redundancy(), r.ring.VirtualNodesPerNode()
}

// OwnersOf returns the owners of the bucket key hashes into as strings, primary first.
func (r *PartitionedRegion) OwnersOf(key any) []string {
	ids := r.Owners(key)

	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}

	return out
}

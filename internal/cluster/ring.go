package cluster

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Ring implements a consistent hashing ring with virtual nodes. Buckets, not keys,
// are placed on the ring: a bucket's owners are the first redundancy+1 distinct
// members found walking clockwise from the bucket's hash, the first one being the primary.
type Ring struct {
	mu        sync.RWMutex
	vnodes    []vnode
	vnPerNode int
	owners    int
}

type vnode struct {
	hash uint64
	nid  NodeID
}

// RingOption configures ring.
type RingOption func(*Ring)

// WithVirtualNodes sets the number of virtual nodes per physical node.
func WithVirtualNodes(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.vnPerNode = n
		}
	}
}

// WithRedundancy sets the number of replica owners per bucket in addition to the primary.
func WithRedundancy(n int) RingOption {
	return func(r *Ring) {
		if n >= 0 {
			r.owners = n + 1
		}
	}
}

const (
	defaultVirtualNodes = 64
	bucketHashBytes     = 8
)

// NewRing creates a ring with defaults (64 virtual nodes, no replicas) overridden by options.
func NewRing(opts ...RingOption) *Ring {
	r := &Ring{vnPerNode: defaultVirtualNodes, owners: 1}
	for _, o := range opts {
		o(r)
	}

	return r
}

// Build rebuilds the ring using the supplied node list (copy-on-write).
func (r *Ring) Build(nodes []*Node) {
	vn := make([]vnode, 0, len(nodes)*r.vnPerNode)
	for _, node := range nodes {
		base := []byte(node.ID)
		for i := range r.vnPerNode {
			buf := make([]byte, len(base)+2)
			copy(buf, base)
			binary.BigEndian.PutUint16(buf[len(base):], uint16(i)) //nolint:gosec // vnode count is small

			vn = append(vn, vnode{hash: xxhash.Sum64(buf), nid: node.ID})
		}
	}

	sort.Slice(vn, func(i, j int) bool { return vn[i].hash < vn[j].hash })
	r.mu.Lock()

	r.vnodes = vn
	r.mu.Unlock()
}

// Owners returns the primary owner followed by the replica owners of a bucket.
func (r *Ring) Owners(bucketID int) []NodeID {
	var buf [bucketHashBytes]byte

	binary.BigEndian.PutUint64(buf[:], uint64(bucketID)) //nolint:gosec // bucket ids are non-negative

	return r.lookup(xxhash.Sum64(buf[:]))
}

// Primary returns the primary owner of a bucket, if any.
func (r *Ring) Primary(bucketID int) (NodeID, bool) {
	owners := r.Owners(bucketID)
	if len(owners) == 0 {
		return "", false
	}

	return owners[0], true
}

func (r *Ring) lookup(target uint64) []NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.vnodes) == 0 {
		return nil
	}

	idx := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].hash >= target })
	if idx == len(r.vnodes) {
		idx = 0
	}

	res := make([]NodeID, 0, r.owners)
	seen := make(map[NodeID]struct{}, r.owners)

	for i := 0; len(res) < r.owners && i < len(r.vnodes); i++ {
		vn := r.vnodes[(idx+i)%len(r.vnodes)]
		if _, ok := seen[vn.nid]; ok {
			continue
		}

		seen[vn.nid] = struct{}{}
		res = append(res, vn.nid)
	}

	return res
}

// Redundancy returns the number of replica owners per bucket.
func (r *Ring) Redundancy() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.owners - 1
}

// VirtualNodesPerNode returns configured virtual nodes per physical node.
func (r *Ring) VirtualNodesPerNode() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.vnPerNode
}

// VNodeHashes returns a copy of vnode hash values as hex strings (debug only).
func (r *Ring) VNodeHashes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.vnodes))
	for _, v := range r.vnodes {
		out = append(out, fmt.Sprintf("%016x:%s", v.hash, v.nid))
	}

	return out
}

package version

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hyp3rd/hypergrid/internal/cluster"
)

// Source hands out region versions. It is shared by every goroutine producing tags
// for the region: versions are monotonic, never reused and gap-free.
type Source struct {
	v atomic.Uint64
}

// Next returns the next region version.
func (s *Source) Next() uint64 { return s.v.Add(1) }

// Current returns the last region version handed out.
func (s *Source) Current() uint64 { return s.v.Load() }

// Advance raises the counter to at least v, so that versions generated locally after
// applying a remote tag are ordered after it. It never moves the counter backwards.
func (s *Source) Advance(v uint64) {
	for {
		cur := s.v.Load()
		if cur >= v || s.v.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Vector records, per member, the highest region version applied locally.
type Vector struct {
	mu   sync.RWMutex
	seen map[cluster.NodeID]uint64
}

// NewVector creates an empty region version vector.
func NewVector() *Vector { return &Vector{seen: map[cluster.NodeID]uint64{}} }

// Record notes that the version carried by tag has been applied.
func (v *Vector) Record(tag Tag) {
	v.mu.Lock()
	if tag.RegionVersion > v.seen[tag.Member] {
		v.seen[tag.Member] = tag.RegionVersion
	}
	v.mu.Unlock()
}

// Contains reports whether the vector already covers the version of tag.
func (v *Vector) Contains(tag Tag) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.seen[tag.Member] >= tag.RegionVersion
}

// MemberVersion is one vector element.
type MemberVersion struct {
	Member        cluster.NodeID `json:"member"`
	RegionVersion uint64         `json:"region_version"`
}

// Snapshot returns the vector ordered by member.
func (v *Vector) Snapshot() []MemberVersion {
	v.mu.RLock()

	out := make([]MemberVersion, 0, len(v.seen))
	for m, rv := range v.seen {
		out = append(out, MemberVersion{Member: m, RegionVersion: rv})
	}

	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Member < out[j].Member })

	return out
}

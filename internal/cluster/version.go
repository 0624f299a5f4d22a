package cluster

import "sync/atomic"

// ViewVersion tracks a monotonically increasing version for membership changes.
// Every join, departure or state change produces a new view; bucket owner lookups
// made against an older view may be stale.
type ViewVersion struct {
	v atomic.Uint64
}

// Next increments and returns the next version.
func (vv *ViewVersion) Next() uint64 { return vv.v.Add(1) }

// Get returns current version.
func (vv *ViewVersion) Get() uint64 { return vv.v.Load() }

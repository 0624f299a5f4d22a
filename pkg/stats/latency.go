package stats

import (
	"sync/atomic"
	"time"
)

// operation series tracked by the Collector.
const (
	OpInvalidate = "invalidate"
	OpDestroy    = "destroy"
	OpUpdate     = "update"
	OpNotify     = "notify"
	OpImage      = "image"
	opOther      = "other"
)

//nolint:gochecknoglobals // fixed series order
var opIndex = map[string]int{OpInvalidate: 0, OpDestroy: 1, OpUpdate: 2, OpNotify: 3, OpImage: 4, opOther: 5}

//nolint:gochecknoglobals // fixed series order
var opNames = [...]string{OpInvalidate, OpDestroy, OpUpdate, OpNotify, OpImage, opOther}

const opCount = len(opNames)

// latencyBuckets defines fixed bucket upper bounds in nanoseconds (roughly exponential).
// Kept as a package-level var for zero-allocation hot path.
//
//nolint:gochecknoglobals,mnd // bucket constants intentionally centralized
var latencyBuckets = [...]int64{
	int64(50 * time.Microsecond),
	int64(100 * time.Microsecond),
	int64(250 * time.Microsecond),
	int64(500 * time.Microsecond),
	int64(1 * time.Millisecond),
	int64(2 * time.Millisecond),
	int64(5 * time.Millisecond),
	int64(10 * time.Millisecond),
	int64(25 * time.Millisecond),
	int64(50 * time.Millisecond),
	int64(100 * time.Millisecond),
	int64(250 * time.Millisecond),
	int64(500 * time.Millisecond),
	int64(1 * time.Second),
}

// histogram is a fixed-bucket latency histogram; the last bucket is +Inf.
type histogram [len(latencyBuckets) + 1]atomic.Uint64

func (h *histogram) observe(d time.Duration) {
	ns := d.Nanoseconds()
	for i, ub := range latencyBuckets {
		if ns <= ub {
			h[i].Add(1)

			return
		}
	}

	h[len(latencyBuckets)].Add(1)
}

func (h *histogram) snapshot() []uint64 {
	out := make([]uint64, len(h))
	for i := range h {
		out[i] = h[i].Load()
	}

	return out
}

// Collector is an in-memory Sink: lock free, atomic per bucket and counter.
type Collector struct {
	processed [opCount]histogram
	replies   [opCount]histogram

	conflicts  [opCount]atomic.Uint64
	duplicates [opCount]atomic.Uint64
	listeners  [opCount]atomic.Uint64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector { return &Collector{} }

func index(op string) int {
	if i, ok := opIndex[op]; ok {
		return i
	}

	return opIndex[opOther]
}

func (c *Collector) MessageProcessed(op string, d time.Duration) { c.processed[index(op)].observe(d) }
func (c *Collector) ReplyReceived(op string, d time.Duration)    { c.replies[index(op)].observe(d) }
func (c *Collector) ConflictRejected(op string)                  { c.conflicts[index(op)].Add(1) }
func (c *Collector) DuplicateSuppressed(op string)               { c.duplicates[index(op)].Add(1) }
func (c *Collector) ListenerFailed(op string)                    { c.listeners[index(op)].Add(1) }

// OpSnapshot is the exported view of one operation series.
type OpSnapshot struct {
	Processed            []uint64 `json:"processed"`
	ReplyWait            []uint64 `json:"reply_wait"`
	ConflictsRejected    uint64   `json:"conflicts_rejected"`
	DuplicatesSuppressed uint64   `json:"duplicates_suppressed"`
	ListenerFailures     uint64   `json:"listener_failures"`
}

// Snapshot is the exported view of a Collector.
type Snapshot struct {
	BucketBoundsNanos []int64               `json:"bucket_bounds_ns"`
	Ops               map[string]OpSnapshot `json:"ops"`
}

// Snapshot returns a copy of all series.
func (c *Collector) Snapshot() Snapshot {
	out := Snapshot{
		BucketBoundsNanos: append([]int64(nil), latencyBuckets[:]...),
		Ops:               make(map[string]OpSnapshot, opCount),
	}

	for i, name := range opNames {
		out.Ops[name] = OpSnapshot{
			Processed:            c.processed[i].snapshot(),
			ReplyWait:            c.replies[i].snapshot(),
			ConflictsRejected:    c.conflicts[i].Load(),
			DuplicatesSuppressed: c.duplicates[i].Load(),
			ListenerFailures:     c.listeners[i].Load(),
		}
	}

	return out
}

// Total sums a histogram snapshot.
func Total(buckets []uint64) uint64 {
	var n uint64
	for _, b := range buckets {
		n += b
	}

	return n
}

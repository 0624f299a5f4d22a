package middleware

import (
	"context"
	"time"

	"github.com/hyp3rd/hypergrid/pkg/region"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// StatsRecorder receives call counters and timings (nanoseconds).
// *stats.CallCollector implements it.
type StatsRecorder interface {
	Incr(stat string, value int64)
	Timing(stat string, value int64)
}

// StatsCollectorMiddleware records the count and duration of every call.
type StatsCollectorMiddleware struct {
	next           region.Service
	statsCollector StatsRecorder
}

// NewStatsCollectorMiddleware returns a new StatsCollectorMiddleware.
func NewStatsCollectorMiddleware(next region.Service, statsCollector StatsRecorder) region.Service {
	return &StatsCollectorMiddleware{next: next, statsCollector: statsCollector}
}

func (mw StatsCollectorMiddleware) observe(name string, start time.Time) {
	mw.statsCollector.Timing("grid_"+name+"_duration", time.Since(start).Nanoseconds())
	mw.statsCollector.Incr("grid_"+name+"_count", 1)
}

// Put collects stats for the Put method.
func (mw StatsCollectorMiddleware) Put(ctx context.Context, key, value any) (*version.Tag, error) {
	defer mw.observe("put", time.Now())

	return mw.next.Put(ctx, key, value)
}

// Get collects stats for the Get method, counting misses separately.
func (mw StatsCollectorMiddleware) Get(ctx context.Context, key any) (any, bool, error) {
	defer mw.observe("get", time.Now())

	v, ok, err := mw.next.Get(ctx, key)
	if err == nil && !ok {
		mw.statsCollector.Incr("grid_get_miss_count", 1)
	}

	return v, ok, err
}

// Invalidate collects stats for the Invalidate method.
func (mw StatsCollectorMiddleware) Invalidate(ctx context.Context, key any) (*version.Tag, error) {
	defer mw.observe("invalidate", time.Now())

	return mw.next.Invalidate(ctx, key)
}

// Destroy collects stats for the Destroy method.
func (mw StatsCollectorMiddleware) Destroy(ctx context.Context, key any) (*version.Tag, error) {
	defer mw.observe("destroy", time.Now())

	return mw.next.Destroy(ctx, key)
}

// Contains collects stats for the Contains method.
func (mw StatsCollectorMiddleware) Contains(ctx context.Context, key any) (bool, error) {
	defer mw.observe("contains", time.Now())

	return mw.next.Contains(ctx, key)
}

// Stop collects stats for the Stop method.
func (mw StatsCollectorMiddleware) Stop(ctx context.Context) error {
	defer mw.observe("stop", time.Now())

	return mw.next.Stop(ctx)
}

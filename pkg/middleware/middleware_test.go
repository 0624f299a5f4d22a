package middleware

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"github.com/sirupsen/logrus"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/region"
	"github.com/hyp3rd/hypergrid/pkg/stats"
)

func newRegion(t *testing.T) *region.PartitionedRegion {
	t.Helper()

	r, err := region.New("orders", region.WithBucketCount(7), region.WithTombstoneTTL(0))
	if err != nil {
		t.Fatalf("new region: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = r.Stop(ctx)
	})

	return r
}

// exercise drives every service method once and checks the results pass through unchanged.
func exercise(t *testing.T, svc region.Service) {
	t.Helper()

	ctx := context.Background()

	tag, err := svc.Put(ctx, "k", "v")
	assert.Nil(t, err)
	assert.Equal(t, uint64(1), tag.EntryVersion)

	v, ok, err := svc.Get(ctx, "k")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	has, err := svc.Contains(ctx, "k")
	assert.Nil(t, err)
	assert.True(t, has)

	tag, err = svc.Invalidate(ctx, "k")
	assert.Nil(t, err)
	assert.Equal(t, uint64(2), tag.EntryVersion)

	tag, err = svc.Destroy(ctx, "k")
	assert.Nil(t, err)
	assert.Equal(t, uint64(3), tag.EntryVersion)

	_, ok, err = svc.Get(ctx, "k")
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer

	lg := logrus.New()
	lg.SetOutput(&buf)

	svc := NewLoggingMiddleware(newRegion(t), lg)
	exercise(t, svc)

	out := buf.String()
	for _, method := range []string{"Put", "Get", "Contains", "Invalidate", "Destroy"} {
		assert.True(t, strings.Contains(out, method+" method called with key: k"))
		assert.True(t, strings.Contains(out, "method "+method+" took:"))
	}
}

func TestStatsCollectorMiddleware(t *testing.T) {
	collector := stats.NewCallCollector()

	svc := NewStatsCollectorMiddleware(newRegion(t), collector)
	exercise(t, svc)

	assert.Equal(t, 1, collector.Count("grid_put_count"))
	assert.Equal(t, 2, collector.Count("grid_get_count"))
	assert.Equal(t, 1, collector.Count("grid_get_miss_count"))
	assert.Equal(t, 1, collector.Count("grid_destroy_duration"))

	assert.Nil(t, svc.Stop(context.Background()))
	assert.Equal(t, 1, collector.Count("grid_stop_count"))

	_, err := svc.Put(context.Background(), "k", "v")
	assert.True(t, errors.Is(err, sentinel.ErrClosed))
	assert.Equal(t, 2, collector.Count("grid_put_count"))
}

type spanRecorder struct {
	tracenoop.Tracer

	mu    sync.Mutex
	names []string
}

func (r *spanRecorder) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()

	return r.Tracer.Start(ctx, name, opts...)
}

func TestOTelTracingMiddleware(t *testing.T) {
	rec := &spanRecorder{}

	svc := NewOTelTracingMiddleware(newRegion(t), rec)
	exercise(t, svc)

	assert.Nil(t, svc.Stop(context.Background()))

	rec.mu.Lock()
	defer rec.mu.Unlock()

	assert.Equal(t, []string{
		"hypergrid.Put", "hypergrid.Get", "hypergrid.Contains",
		"hypergrid.Invalidate", "hypergrid.Destroy", "hypergrid.Get", "hypergrid.Stop",
	}, rec.names)
}

func TestOTelMetricsMiddleware(t *testing.T) {
	svc, err := NewOTelMetricsMiddleware(newRegion(t), metricnoop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("metrics middleware: %v", err)
	}

	exercise(t, svc)

	_, err = svc.Put(context.Background(), "k", nil)
	assert.True(t, errors.Is(err, sentinel.ErrNilValue))
}

func TestApplyMiddlewareChain(t *testing.T) {
	collector := stats.NewCallCollector()
	rec := &spanRecorder{}

	svc := region.ApplyMiddleware(newRegion(t),
		func(next region.Service) region.Service { return NewStatsCollectorMiddleware(next, collector) },
		func(next region.Service) region.Service { return NewOTelTracingMiddleware(next, rec) },
	)

	exercise(t, svc)

	assert.Equal(t, 1, collector.Count("grid_invalidate_count"))

	rec.mu.Lock()
	assert.Equal(t, 6, len(rec.names))
	rec.mu.Unlock()
}

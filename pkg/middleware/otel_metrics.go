package middleware

import (
	"context"
	"time"

	"github.com/hyp3rd/ewrap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hyp3rd/hypergrid/internal/telemetry/attrs"
	"github.com/hyp3rd/hypergrid/pkg/region"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// OTelMetricsMiddleware emits OpenTelemetry metrics for service methods.
type OTelMetricsMiddleware struct {
	next  region.Service
	meter metric.Meter

	// instruments
	calls     metric.Int64Counter
	failures  metric.Int64Counter
	durations metric.Float64Histogram
}

// NewOTelMetricsMiddleware constructs a metrics middleware using the provided meter.
func NewOTelMetricsMiddleware(next region.Service, meter metric.Meter) (region.Service, error) {
	calls, err := meter.Int64Counter("hypergrid.calls")
	if err != nil {
		return nil, ewrap.Wrap(err, "create counter")
	}

	failures, err := meter.Int64Counter("hypergrid.failures")
	if err != nil {
		return nil, ewrap.Wrap(err, "create failure counter")
	}

	durations, err := meter.Float64Histogram("hypergrid.duration.ms")
	if err != nil {
		return nil, ewrap.Wrap(err, "create histogram")
	}

	return &OTelMetricsMiddleware{next: next, meter: meter, calls: calls, failures: failures, durations: durations}, nil
}

// Put implements Service.Put with metrics.
func (mw *OTelMetricsMiddleware) Put(ctx context.Context, key, value any) (*version.Tag, error) {
	start := time.Now()
	tag, err := mw.next.Put(ctx, key, value)
	mw.rec(ctx, "Put", start, err)

	return tag, err
}

// Get implements Service.Get with metrics.
func (mw *OTelMetricsMiddleware) Get(ctx context.Context, key any) (any, bool, error) {
	start := time.Now()
	v, ok, err := mw.next.Get(ctx, key)
	mw.rec(ctx, "Get", start, err, attribute.Bool(attrs.AttrHit, ok))

	return v, ok, err
}

// Invalidate implements Service.Invalidate with metrics.
func (mw *OTelMetricsMiddleware) Invalidate(ctx context.Context, key any) (*version.Tag, error) {
	start := time.Now()
	tag, err := mw.next.Invalidate(ctx, key)
	mw.rec(ctx, "Invalidate", start, err)

	return tag, err
}

// Destroy implements Service.Destroy with metrics.
func (mw *OTelMetricsMiddleware) Destroy(ctx context.Context, key any) (*version.Tag, error) {
	start := time.Now()
	tag, err := mw.next.Destroy(ctx, key)
	mw.rec(ctx, "Destroy", start, err)

	return tag, err
}

// Contains implements Service.Contains with metrics.
func (mw *OTelMetricsMiddleware) Contains(ctx context.Context, key any) (bool, error) {
	start := time.Now()
	ok, err := mw.next.Contains(ctx, key)
	mw.rec(ctx, "Contains", start, err, attribute.Bool(attrs.AttrHit, ok))

	return ok, err
}

// Stop stops the underlying service.
func (mw *OTelMetricsMiddleware) Stop(ctx context.Context) error { return mw.next.Stop(ctx) }

// rec records call count, duration and failures with attributes.
func (mw *OTelMetricsMiddleware) rec(ctx context.Context, method string, start time.Time, err error, extra ...attribute.KeyValue) {
	base := []attribute.KeyValue{attribute.String("method", method)}
	if len(extra) > 0 {
		base = append(base, extra...)
	}

	mw.calls.Add(ctx, 1, metric.WithAttributes(base...))
	mw.durations.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, metric.WithAttributes(base...)) //nolint:mnd // µs to ms

	if err != nil {
		mw.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.Bool(attrs.AttrReattempt, region.IsReattempt(err)),
		))
	}
}

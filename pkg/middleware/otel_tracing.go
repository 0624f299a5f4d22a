package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyp3rd/hypergrid/internal/telemetry/attrs"
	"github.com/hyp3rd/hypergrid/pkg/region"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// OTelTracingMiddleware wraps region.Service methods with OpenTelemetry spans.
type OTelTracingMiddleware struct {
	next   region.Service
	tracer trace.Tracer
	// static attributes applied to all spans
	commonAttrs []attribute.KeyValue
}

// OTelTracingOption allows configuring the tracing middleware.
type OTelTracingOption func(*OTelTracingMiddleware)

// WithCommonAttributes sets attributes applied to all spans.
func WithCommonAttributes(attributes ...attribute.KeyValue) OTelTracingOption {
	return func(m *OTelTracingMiddleware) { m.commonAttrs = append(m.commonAttrs, attributes...) }
}

// NewOTelTracingMiddleware creates a tracing middleware.
func NewOTelTracingMiddleware(next region.Service, tracer trace.Tracer, opts ...OTelTracingOption) region.Service {
	mw := &OTelTracingMiddleware{next: next, tracer: tracer}
	for _, o := range opts {
		o(mw)
	}

	return mw
}

// Put implements Service.Put with tracing.
func (mw OTelTracingMiddleware) Put(ctx context.Context, key, value any) (*version.Tag, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.Put", key)
	defer span.End()

	tag, err := mw.next.Put(ctx, key, value)
	mw.finish(span, tag, err)

	return tag, err
}

// Get implements Service.Get with tracing.
func (mw OTelTracingMiddleware) Get(ctx context.Context, key any) (any, bool, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.Get", key)
	defer span.End()

	v, ok, err := mw.next.Get(ctx, key)
	span.SetAttributes(attribute.Bool(attrs.AttrHit, ok))
	mw.finish(span, nil, err)

	return v, ok, err
}

// Invalidate implements Service.Invalidate with tracing.
func (mw OTelTracingMiddleware) Invalidate(ctx context.Context, key any) (*version.Tag, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.Invalidate", key)
	defer span.End()

	tag, err := mw.next.Invalidate(ctx, key)
	mw.finish(span, tag, err)

	return tag, err
}

// Destroy implements Service.Destroy with tracing.
func (mw OTelTracingMiddleware) Destroy(ctx context.Context, key any) (*version.Tag, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.Destroy", key)
	defer span.End()

	tag, err := mw.next.Destroy(ctx, key)
	mw.finish(span, tag, err)

	return tag, err
}

// Contains implements Service.Contains with tracing.
func (mw OTelTracingMiddleware) Contains(ctx context.Context, key any) (bool, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.Contains", key)
	defer span.End()

	ok, err := mw.next.Contains(ctx, key)
	span.SetAttributes(attribute.Bool(attrs.AttrHit, ok))
	mw.finish(span, nil, err)

	return ok, err
}

// Stop stops the service with a span.
func (mw OTelTracingMiddleware) Stop(ctx context.Context) error {
	ctx, span := mw.tracer.Start(ctx, "hypergrid.Stop", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	err := mw.next.Stop(ctx)
	mw.finish(span, nil, err)

	return err
}

// startSpan starts a span with common attributes and the key type.
func (mw OTelTracingMiddleware) startSpan(ctx context.Context, name string, key any) (context.Context, trace.Span) {
	ctx, span := mw.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	if len(mw.commonAttrs) > 0 {
		span.SetAttributes(mw.commonAttrs...)
	}

	span.SetAttributes(attribute.String("grid.key.type", fmt.Sprintf("%T", key)))

	return ctx, span
}

func (OTelTracingMiddleware) finish(span trace.Span, tag *version.Tag, err error) {
	if tag != nil {
		//nolint:gosec // versions stay far below MaxInt64
		span.SetAttributes(
			attribute.Int64("grid.entry.version", int64(tag.EntryVersion)),
			attribute.Int64("grid.region.version", int64(tag.RegionVersion)),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool(attrs.AttrReattempt, region.IsReattempt(err)))
	}
}

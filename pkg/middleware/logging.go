// Package middleware provides decorators for region.Service: call logging,
// client side statistics, OpenTelemetry tracing and OpenTelemetry metrics.
package middleware

import (
	"context"
	"time"

	"github.com/hyp3rd/hypergrid/pkg/region"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// Logger describes a logging interface allowing to implement different external, or custom logger.
// Tested with logrus and Uber's Zap sugared logger, but any logger matching the interface works.
type Logger interface {
	Printf(format string, v ...any)
}

// LoggingMiddleware logs every call to the next service and the time it took.
type LoggingMiddleware struct {
	next   region.Service
	logger Logger
}

// NewLoggingMiddleware returns a new LoggingMiddleware.
func NewLoggingMiddleware(next region.Service, logger Logger) region.Service {
	return &LoggingMiddleware{next: next, logger: logger}
}

// Put logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware) Put(ctx context.Context, key, value any) (*version.Tag, error) {
	defer func(begin time.Time) {
		mw.logger.Printf("method Put took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("Put method called with key: %v", key)

	return mw.next.Put(ctx, key, value)
}

// Get logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware) Get(ctx context.Context, key any) (any, bool, error) {
	defer func(begin time.Time) {
		mw.logger.Printf("method Get took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("Get method called with key: %v", key)

	return mw.next.Get(ctx, key)
}

// Invalidate logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware) Invalidate(ctx context.Context, key any) (*version.Tag, error) {
	defer func(begin time.Time) {
		mw.logger.Printf("method Invalidate took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("Invalidate method called with key: %v", key)

	return mw.next.Invalidate(ctx, key)
}

// Destroy logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware) Destroy(ctx context.Context, key any) (*version.Tag, error) {
	defer func(begin time.Time) {
		mw.logger.Printf("method Destroy took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("Destroy method called with key: %v", key)

	return mw.next.Destroy(ctx, key)
}

// Contains logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware) Contains(ctx context.Context, key any) (bool, error) {
	defer func(begin time.Time) {
		mw.logger.Printf("method Contains took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("Contains method called with key: %v", key)

	return mw.next.Contains(ctx, key)
}

// Stop logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware) Stop(ctx context.Context) error {
	defer func(begin time.Time) {
		mw.logger.Printf("method Stop took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("Stop method called")

	return mw.next.Stop(ctx)
}

package stats

import (
	"context"
	"time"

	"github.com/hyp3rd/ewrap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hyp3rd/hypergrid/internal/telemetry/attrs"
)

// OTelSink records protocol statistics as OpenTelemetry instruments.
type OTelSink struct {
	processed metric.Float64Histogram
	replyWait metric.Float64Histogram
	events    metric.Int64Counter
}

// NewOTelSink creates the instruments on meter.
func NewOTelSink(meter metric.Meter) (*OTelSink, error) {
	processed, err := meter.Float64Histogram("hypergrid.message.processing.ms")
	if err != nil {
		return nil, ewrap.Wrap(err, "create processing histogram")
	}

	replyWait, err := meter.Float64Histogram("hypergrid.reply.wait.ms")
	if err != nil {
		return nil, ewrap.Wrap(err, "create reply histogram")
	}

	events, err := meter.Int64Counter("hypergrid.protocol.events")
	if err != nil {
		return nil, ewrap.Wrap(err, "create events counter")
	}

	return &OTelSink{processed: processed, replyWait: replyWait, events: events}, nil
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000.0 }

func (s *OTelSink) MessageProcessed(op string, d time.Duration) {
	s.processed.Record(context.Background(), ms(d), metric.WithAttributes(attribute.String(attrs.AttrOperation, op)))
}

func (s *OTelSink) ReplyReceived(op string, d time.Duration) {
	s.replyWait.Record(context.Background(), ms(d), metric.WithAttributes(attribute.String(attrs.AttrOperation, op)))
}

func (s *OTelSink) ConflictRejected(op string)    { s.count(op, "conflict_rejected") }
func (s *OTelSink) DuplicateSuppressed(op string) { s.count(op, "duplicate_suppressed") }
func (s *OTelSink) ListenerFailed(op string)      { s.count(op, "listener_failed") }

func (s *OTelSink) count(op, outcome string) {
	s.events.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(attrs.AttrOperation, op),
		attribute.String(attrs.AttrOutcome, outcome),
	))
}

// Package listener dispatches entry events to registered callbacks. A failing or
// panicking callback is logged and counted; it never reaches the replication protocol.
package listener

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/pkg/event"
	"github.com/hyp3rd/hypergrid/pkg/logging"
	"github.com/hyp3rd/hypergrid/pkg/stats"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// Event is the read-only view of an applied (or notified) mutation handed to listeners.
type Event struct {
	Region            string
	Op                event.Operation
	Key               any
	OldValue          any
	NewValue          any
	CallbackArg       []byte
	Tag               *version.Tag
	ID                event.ID
	OriginRemote      bool
	PossibleDuplicate bool
	// NotifyOnly is set when the event reached a member that does not host the bucket.
	NotifyOnly bool
}

// Listener receives entry events.
type Listener interface {
	OnEvent(ctx context.Context, ev Event) error
}

// Func adapts a function to Listener.
type Func func(ctx context.Context, ev Event) error

// OnEvent implements Listener.
func (f Func) OnEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Dispatcher invokes registered listeners in registration order.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    logging.Logger
	sink      stats.Sink
}

// NewDispatcher creates a dispatcher. Nil logger or sink disable the respective reporting.
func NewDispatcher(logger logging.Logger, sink stats.Sink) *Dispatcher {
	return &Dispatcher{logger: logging.OrNop(logger), sink: stats.Safe(sink)}
}

// Add registers l.
func (d *Dispatcher) Add(l Listener) {
	if l == nil {
		return
	}

	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

// Len returns the number of registered listeners.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.listeners)
}

// Dispatch delivers ev to every listener and returns the number that failed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) int {
	d.mu.RLock()
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.RUnlock()

	failed := 0

	for _, l := range listeners {
		err := invoke(ctx, l, ev)
		if err == nil {
			continue
		}

		failed++

		d.sink.ListenerFailed(ev.Op.String())
		d.logger.Error("listener failed", logging.Fields{
			"region": ev.Region,
			"op":     ev.Op.String(),
			"key":    fmt.Sprint(ev.Key),
			"err":    err,
		})
	}

	return failed
}

func invoke(ctx context.Context, l Listener, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = ewrap.Newf("listener panic: %v", rec)
		}
	}()

	return l.OnEvent(ctx, ev)
}

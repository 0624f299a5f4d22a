package listener

import (
	"context"
	"errors"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/pkg/event"
	"github.com/hyp3rd/hypergrid/pkg/stats"
)

func TestDispatchIsolatesFailures(t *testing.T) {
	collector := stats.NewCollector()
	d := NewDispatcher(nil, collector)

	var seen []string

	d.Add(Func(func(_ context.Context, ev Event) error {
		seen = append(seen, "first:"+ev.Key.(string))

		return nil
	}))
	d.Add(Func(func(context.Context, Event) error { return errors.New("listener down") }))
	d.Add(Func(func(context.Context, Event) error { panic("boom") }))
	d.Add(Func(func(_ context.Context, ev Event) error {
		seen = append(seen, "last:"+ev.Key.(string))

		return nil
	}))
	d.Add(nil)

	failed := d.Dispatch(context.Background(), Event{Region: "orders", Op: event.OpInvalidate, Key: "k"})

	assert.Equal(t, 2, failed)
	assert.Equal(t, []string{"first:k", "last:k"}, seen)
	assert.Equal(t, 4, d.Len())
	assert.Equal(t, uint64(2), collector.Snapshot().Ops[stats.OpInvalidate].ListenerFailures)
}

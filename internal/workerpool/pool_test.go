package workerpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

func TestPoolEnqueueAndShutdown(t *testing.T) {
	pool := New(3)

	var (
		mu      sync.Mutex
		results []int
	)

	for i := range 5 {
		err := pool.Enqueue(func() error {
			mu.Lock()

			results = append(results, i)

			mu.Unlock()

			return nil
		})
		assert.Nil(t, err)
	}

	pool.Shutdown()

	assert.Equal(t, 5, len(results))
	assert.True(t, errors.Is(pool.Enqueue(func() error { return nil }), sentinel.ErrClosed))

	pool.Shutdown()
}

func TestPoolErrorHandler(t *testing.T) {
	expectedErr := errors.New("job error")

	var got atomic.Value

	pool := New(2, WithErrorHandler(func(err error) { got.Store(err) }))

	assert.Nil(t, pool.Enqueue(func() error { return expectedErr }))
	assert.Nil(t, pool.Enqueue(func() error { return nil }))

	pool.Shutdown()

	err, ok := got.Load().(error)
	assert.True(t, ok)
	assert.True(t, errors.Is(err, expectedErr))
}

func TestPoolResize(t *testing.T) {
	pool := New(1)

	var count atomic.Int32

	pool.Resize(4)
	assert.Equal(t, 4, pool.Workers())

	for range 10 {
		assert.Nil(t, pool.Enqueue(func() error {
			time.Sleep(5 * time.Millisecond)
			count.Add(1)

			return nil
		}))
	}

	pool.Resize(2)
	assert.Equal(t, 2, pool.Workers())

	pool.Resize(0)
	assert.Equal(t, 2, pool.Workers())

	pool.Shutdown()
	assert.Equal(t, int32(10), count.Load())
}

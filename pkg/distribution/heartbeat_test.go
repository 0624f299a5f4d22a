package distribution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

type fakeProber struct {
	mu   sync.Mutex
	down map[cluster.NodeID]bool
}

func (p *fakeProber) set(id cluster.NodeID, down bool) {
	p.mu.Lock()
	p.down[id] = down
	p.mu.Unlock()
}

func (p *fakeProber) Health(_ context.Context, id cluster.NodeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.down[id] {
		return errors.New("unreachable")
	}

	return nil
}

func TestHeartbeatTransitions(t *testing.T) {
	m := cluster.NewMembership(cluster.NewRing(cluster.WithRedundancy(1)))
	for _, id := range []string{"a", "b", "c"} {
		m.Upsert(cluster.NewNode(id, id+":7400"))
	}

	var departed []cluster.NodeID

	m.OnDeparture(func(id cluster.NodeID) { departed = append(departed, id) })

	probe := &fakeProber{down: map[cluster.NodeID]bool{"c": true}}
	hb := NewHeartbeat(m, "a", probe, time.Second, 0, 5*time.Second, nil)

	now := time.Now()
	hb.Tick(now)

	c, _ := m.Get("c")
	assert.Equal(t, cluster.NodeSuspect, c.State)

	b, _ := m.Get("b")
	assert.Equal(t, cluster.NodeAlive, b.State)

	hb.Tick(now.Add(10 * time.Second))

	c, _ = m.Get("c")
	assert.Equal(t, cluster.NodeDead, c.State)
	assert.Equal(t, []cluster.NodeID{"c"}, departed)
	assert.False(t, m.Has("c"))

	// already dead: no second departure
	hb.Tick(now.Add(20 * time.Second))
	assert.Equal(t, 1, len(departed))

	probe.set("c", false)
	hb.Tick(now.Add(30 * time.Second))

	assert.True(t, m.Has("c"))

	st := hb.Stats()
	assert.Equal(t, int64(1), st.Dead)
	assert.Equal(t, int64(3), st.Failure)
	assert.Equal(t, int64(5), st.Success)
}

func TestHeartbeatLoopStops(t *testing.T) {
	m := cluster.NewMembership(cluster.NewRing())
	m.Upsert(cluster.NewNode("a", "a:1"))
	m.Upsert(cluster.NewNode("b", "b:1"))

	hb := NewHeartbeat(m, "a", &fakeProber{down: map[cluster.NodeID]bool{}}, 5*time.Millisecond, 0, 0, nil)
	hb.Start()

	deadline := time.Now().Add(2 * time.Second)
	for hb.Stats().Success == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat never probed")
		}

		time.Sleep(5 * time.Millisecond)
	}

	hb.Stop()
	hb.Stop()

	n := hb.Stats().Success

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, hb.Stats().Success)
}

func TestHTTPTransportHealth(t *testing.T) {
	addr := freeAddr(t)
	resolver := func(id cluster.NodeID) (string, bool) {
		if id != "a" {
			return "", false
		}

		return "http://" + addr, true
	}

	a := NewHTTPTransport("a", addr, resolver, time.Second)
	a.SetHandler(newCollector().handle)
	assert.Nil(t, a.Start(context.Background()))

	defer func() { _ = a.Close() }()

	var err error

	for range 50 {
		err = a.Health(context.Background(), "a")
		if err == nil {
			break
		}

		time.Sleep(20 * time.Millisecond)
	}

	assert.Nil(t, err)

	err = a.Health(context.Background(), "nobody")
	assert.True(t, errors.Is(err, sentinel.ErrMemberNotFound))
}

package distribution

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/logging"
)

// Prober checks whether a member is reachable.
type Prober interface {
	Health(ctx context.Context, id cluster.NodeID) error
}

// Health implements Prober with a GET on the member's health route.
func (t *HTTPTransport) Health(ctx context.Context, id cluster.NodeID) error {
	base, ok := t.resolver(id)
	if !ok {
		return ewrap.Wrapf(sentinel.ErrMemberNotFound, "%s", id)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+HealthPath, nil)
	if err != nil {
		return ewrap.Wrap(err, "new request")
	}

	resp, err := t.client.Do(hreq)
	if err != nil {
		return ewrap.Wrap(err, "do request")
	}

	_ = resp.Body.Close() //nolint:errcheck // best-effort

	if resp.StatusCode >= statusThreshold {
		return ewrap.Newf("health status %d", resp.StatusCode)
	}

	return nil
}

// Health implements Prober: a member is alive while it is subscribed to its channel.
func (t *RedisTransport) Health(ctx context.Context, id cluster.NodeID) error {
	ch := t.Channel(id)

	counts, err := t.client.PubSubNumSub(ctx, ch).Result()
	if err != nil {
		return ewrap.Wrap(err, "redis numsub")
	}

	if counts[ch] == 0 {
		return ewrap.Wrapf(sentinel.ErrMemberNotFound, "%s has no subscription", id)
	}

	return nil
}

// HeartbeatStats counts probe outcomes.
type HeartbeatStats struct {
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
	Dead    int64 `json:"dead"`
}

// Heartbeat probes every other member on an interval. A failed probe marks an alive
// member suspect; a member not seen for deadAfter is marked dead, which removes it
// from bucket ownership and fires the membership departure listeners. A dead member
// answering again is marked alive.
type Heartbeat struct {
	membership   *cluster.Membership
	local        cluster.NodeID
	probe        Prober
	interval     time.Duration
	suspectAfter time.Duration
	deadAfter    time.Duration
	logger       logging.Logger

	success atomic.Int64
	failure atomic.Int64
	dead    atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHeartbeat creates a heartbeat; Start launches the loop.
func NewHeartbeat(m *cluster.Membership, local cluster.NodeID, probe Prober, interval, suspectAfter, deadAfter time.Duration, logger logging.Logger) *Heartbeat {
	return &Heartbeat{
		membership:   m,
		local:        local,
		probe:        probe,
		interval:     interval,
		suspectAfter: suspectAfter,
		deadAfter:    deadAfter,
		logger:       logging.OrNop(logger),
		stopCh:       make(chan struct{}),
	}
}

// Start runs the probe loop until Stop. A non-positive interval disables it.
func (h *Heartbeat) Start() {
	if h.interval <= 0 {
		return
	}

	h.wg.Add(1)

	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.Tick(time.Now())
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop ends the loop and waits for it.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

// Stats returns the probe counters.
func (h *Heartbeat) Stats() HeartbeatStats {
	return HeartbeatStats{Success: h.success.Load(), Failure: h.failure.Load(), Dead: h.dead.Load()}
}

// Tick runs one probe round.
func (h *Heartbeat) Tick(now time.Time) {
	for _, node := range h.membership.List() {
		if node.ID == h.local {
			continue
		}

		h.evaluate(now, node)
	}
}

func (h *Heartbeat) evaluate(now time.Time, node *cluster.Node) {
	timeout := h.interval / 2 //nolint:mnd // probe within half a period
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := h.probe.Health(ctx, node.ID)

	cancel()

	if err == nil {
		h.success.Add(1)

		if node.State != cluster.NodeAlive {
			h.logger.Info("member alive", logging.Fields{"member": string(node.ID)})
		}

		h.membership.Mark(node.ID, cluster.NodeAlive)

		return
	}

	h.failure.Add(1)

	elapsed := now.Sub(node.LastSeen)
	switch {
	case node.State == cluster.NodeDead:
	case h.deadAfter > 0 && elapsed > h.deadAfter:
		h.dead.Add(1)
		h.logger.Warn("member dead", logging.Fields{"member": string(node.ID), "unseen": elapsed.String(), "err": err})
		h.membership.Mark(node.ID, cluster.NodeDead)
	case node.State == cluster.NodeAlive && (h.suspectAfter <= 0 || elapsed > h.suspectAfter):
		h.logger.Debug("member suspect", logging.Fields{"member": string(node.ID), "err": err})
		h.membership.Mark(node.ID, cluster.NodeSuspect)
	}
}

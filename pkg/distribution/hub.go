package distribution

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/pkg/logging"
	"github.com/hyp3rd/hypergrid/pkg/message"
)

// Hub connects members living in the same process. Every message still goes through
// the wire codec, so in-process clusters exercise the same encoding as real ones.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[cluster.NodeID]*Endpoint
	opts      []Option

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewHub creates an empty hub. opts apply to every endpoint that joins.
func NewHub(opts ...Option) *Hub {
	return &Hub{endpoints: map[cluster.NodeID]*Endpoint{}, opts: opts}
}

// Join registers member id and returns its endpoint. Joining twice returns the existing endpoint.
func (h *Hub) Join(id cluster.NodeID, opts ...Option) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ep, ok := h.endpoints[id]; ok {
		return ep
	}

	o := buildOptions(append(append([]Option(nil), h.opts...), opts...))
	ep := &Endpoint{hub: h, id: id, in: newInbound(id, o), logger: o.logger}
	h.endpoints[id] = ep

	return ep
}

// Leave unregisters id; sends to it fail from now on.
func (h *Hub) Leave(id cluster.NodeID) {
	h.mu.Lock()
	delete(h.endpoints, id)
	h.mu.Unlock()
}

// Crash makes id silently drop every message it is sent, as a member that died
// without the cluster noticing yet. Senders see successful sends.
func (h *Hub) Crash(id cluster.NodeID) {
	if ep, ok := h.endpoint(id); ok {
		ep.crashed.Store(true)
	}
}

// Restore undoes Crash.
func (h *Hub) Restore(id cluster.NodeID) {
	if ep, ok := h.endpoint(id); ok {
		ep.crashed.Store(false)
	}
}

// HubStats counts hub traffic.
type HubStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Stats returns the traffic counters.
func (h *Hub) Stats() HubStats {
	return HubStats{Sent: h.sent.Load(), Dropped: h.dropped.Load()}
}

func (h *Hub) endpoint(id cluster.NodeID) (*Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ep, ok := h.endpoints[id]

	return ep, ok
}

// Endpoint is one member's Manager on a Hub.
type Endpoint struct {
	hub     *Hub
	id      cluster.NodeID
	in      *inbound
	logger  logging.Logger
	crashed atomic.Bool
}

var _ Manager = (*Endpoint)(nil)

// LocalID implements Manager.
func (e *Endpoint) LocalID() cluster.NodeID { return e.id }

// SetHandler implements Manager.
func (e *Endpoint) SetHandler(h Handler) { e.in.setHandler(h) }

// PutOutgoing implements Manager.
func (e *Endpoint) PutOutgoing(_ context.Context, recipients []cluster.NodeID, msg message.Message) []cluster.NodeID {
	if len(recipients) == 0 {
		return nil
	}

	frame, err := e.in.codec.Encode(msg)
	if err != nil {
		e.logger.Error("encode outgoing message", logging.Fields{"member": string(e.id), "err": err})

		return append([]cluster.NodeID(nil), recipients...)
	}

	var failed []cluster.NodeID

	for _, to := range recipients {
		dst, ok := e.hub.endpoint(to)
		if !ok {
			failed = append(failed, to)

			continue
		}

		if dst.crashed.Load() || e.crashed.Load() {
			e.hub.dropped.Add(1)

			continue
		}

		err := dst.in.deliver(e.id, append([]byte(nil), frame...))
		if err != nil {
			failed = append(failed, to)

			continue
		}

		e.hub.sent.Add(1)
	}

	return failed
}

// Close implements Manager: the endpoint leaves the hub and drains its handlers.
func (e *Endpoint) Close() error {
	e.hub.Leave(e.id)
	e.in.close()

	return nil
}

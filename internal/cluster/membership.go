package cluster

import (
	"sort"
	"sync"
	"time"
)

// DepartureFunc is invoked after a member leaves the view.
type DepartureFunc func(id NodeID)

// Membership tracks current cluster members and notifies departure listeners.
// Reply processors subscribe to departures so that a caller waiting on a crashed
// member is released with a reattempt signal instead of waiting forever.
type Membership struct {
	mu        sync.RWMutex
	nodes     map[NodeID]*Node
	ring      *Ring
	ver       ViewVersion
	listeners []DepartureFunc
	arrivals  []DepartureFunc
}

// NewMembership creates a new membership container bound to a ring.
func NewMembership(ring *Ring) *Membership { return &Membership{nodes: map[NodeID]*Node{}, ring: ring} }

// Upsert adds or updates a node and rebuilds ring. Arrival listeners run when
// the node is new or comes back from dead.
func (m *Membership) Upsert(n *Node) {
	m.mu.Lock()

	prev, existed := m.nodes[n.ID]
	arrived := !existed || (prev.State == NodeDead && n.State != NodeDead)

	n.LastSeen = time.Now()
	m.nodes[n.ID] = n
	nodes := m.liveLocked()
	arrivals := append([]DepartureFunc(nil), m.arrivals...)

	m.ver.Next()
	m.mu.Unlock()

	m.ring.Build(nodes)

	if arrived {
		for _, fn := range arrivals {
			fn(n.ID)
		}
	}
}

// OnArrival registers a listener called after a member joins or revives.
func (m *Membership) OnArrival(fn DepartureFunc) {
	if fn == nil {
		return
	}

	m.mu.Lock()
	m.arrivals = append(m.arrivals, fn)
	m.mu.Unlock()
}

// List returns current nodes snapshot ordered by id.
func (m *Membership) List() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Node, 0, len(m.nodes))
	for _, v := range m.nodes {
		if v == nil {
			continue
		}

		cp := *v

		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Has reports whether id is a live member of the current view.
func (m *Membership) Has(id NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]

	return ok && n.State != NodeDead
}

// Get returns a copy of the node registered under id.
func (m *Membership) Get(id NodeID) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok || n == nil {
		return nil, false
	}

	cp := *n

	return &cp, true
}

// Ring returns the underlying ring reference.
func (m *Membership) Ring() *Ring { return m.ring }

// OnDeparture registers a listener called after a member is removed or marked dead.
func (m *Membership) OnDeparture(fn DepartureFunc) {
	if fn == nil {
		return
	}

	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Remove deletes a node from membership, rebuilds the ring and notifies departure listeners.
// Returns true if removed.
func (m *Membership) Remove(id NodeID) bool {
	m.mu.Lock()

	_, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()

		return false
	}

	delete(m.nodes, id)

	nodes := m.liveLocked()
	listeners := append([]DepartureFunc(nil), m.listeners...)

	m.ver.Next()
	m.mu.Unlock()

	m.ring.Build(nodes)

	for _, fn := range listeners {
		fn(id)
	}

	return true
}

// Mark updates node state + incarnation; marking alive refreshes LastSeen. Returns true if node exists.
// Marking a node dead removes it from bucket ownership and notifies departure listeners.
func (m *Membership) Mark(id NodeID, state NodeState) bool {
	m.mu.Lock()

	n, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()

		return false
	}

	previous := n.State
	n.State = state
	n.Incarnation++

	if state == NodeAlive {
		n.LastSeen = time.Now()
	}

	nodes := m.liveLocked()
	listeners := append([]DepartureFunc(nil), m.listeners...)
	arrivals := append([]DepartureFunc(nil), m.arrivals...)

	m.ver.Next()
	m.mu.Unlock()

	if (state == NodeDead) != (previous == NodeDead) {
		m.ring.Build(nodes)
	}

	switch {
	case state == NodeDead && previous != NodeDead:
		for _, fn := range listeners {
			fn(id)
		}
	case previous == NodeDead && state != NodeDead:
		for _, fn := range arrivals {
			fn(id)
		}
	}

	return true
}

// Version returns current view version.
func (m *Membership) Version() uint64 { return m.ver.Get() }

// liveLocked returns the nodes eligible for bucket ownership. Caller holds m.mu.
func (m *Membership) liveLocked() []*Node {
	nodes := make([]*Node, 0, len(m.nodes))
	for _, v := range m.nodes { // exclude dead nodes from ring ownership
		if v.State != NodeDead {
			nodes = append(nodes, v)
		}
	}

	return nodes
}

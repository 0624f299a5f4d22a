package reply

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/pkg/logging"
	"github.com/hyp3rd/hypergrid/pkg/message"
)

// Registry maps processor ids to live processors for one member.
type Registry struct {
	mu     sync.Mutex
	procs  map[uint64]*Processor
	next   atomic.Uint64
	logger logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{procs: map[uint64]*Processor{}, logger: logging.OrNop(logger)}
}

// NewProcessor registers a processor expecting one reply from each recipient. With no
// recipients the processor is complete from the start and WaitForResult returns nil.
func (r *Registry) NewProcessor(recipients []cluster.NodeID, key string, timeout time.Duration) *Processor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	p := &Processor{
		id:       r.next.Add(1),
		key:      key,
		timeout:  timeout,
		registry: r,
		started:  time.Now(),
		pending:  make(map[cluster.NodeID]struct{}, len(recipients)),
		done:     make(chan struct{}),
	}

	for _, id := range recipients {
		p.pending[id] = struct{}{}
	}

	if len(p.pending) == 0 {
		p.finished = true
		p.responded = true
		close(p.done)

		return p
	}

	r.mu.Lock()
	r.procs[p.id] = p
	r.mu.Unlock()

	return p
}

// Dispatch routes a reply to its processor. Replies for unknown or completed
// processors are dropped.
func (r *Registry) Dispatch(from cluster.NodeID, reply *message.ReplyMessage) bool {
	r.mu.Lock()
	p, ok := r.procs[reply.ProcessorID]
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("late or unknown reply", logging.Fields{"processor": reply.ProcessorID, "from": string(from)})

		return false
	}

	consumed := p.Process(from, reply)
	if !consumed {
		r.logger.Debug("duplicate reply", logging.Fields{"processor": reply.ProcessorID, "from": string(from)})
	}

	return consumed
}

// MemberDeparted informs every live processor that id left the cluster.
func (r *Registry) MemberDeparted(id cluster.NodeID) {
	r.mu.Lock()
	procs := make([]*Processor, 0, len(r.procs))

	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		p.MemberDeparted(id)
	}
}

// Pending returns the number of live processors.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.procs)
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.procs, id)
	r.mu.Unlock()
}

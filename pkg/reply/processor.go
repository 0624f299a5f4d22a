// Package reply implements the sender side of the request/reply exchange: a Processor
// tracks the members expected to answer one outgoing message and turns their
// asynchronous replies into a blocking wait with a mandatory timeout.
package reply

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/message"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// DefaultTimeout bounds WaitForResult when no timeout is given.
const DefaultTimeout = 15 * time.Second

// Processor collects the replies to one message.
type Processor struct {
	id       uint64
	key      string
	timeout  time.Duration
	registry *Registry
	started  time.Time

	mu        sync.Mutex
	pending   map[cluster.NodeID]struct{}
	responded bool
	departed  []cluster.NodeID
	tag       *version.Tag
	value     []byte
	found     bool
	err       error
	done      chan struct{}
	finished  bool
}

// ID returns the processor id carried by the outgoing message.
func (p *Processor) ID() uint64 { return p.id }

// Process records a reply from member from. Replies from members that are not
// pending (duplicates, strangers) and replies after completion are ignored. It
// reports whether the reply was consumed.
func (p *Processor) Process(from cluster.NodeID, r *message.ReplyMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished {
		return false
	}

	if _, ok := p.pending[from]; !ok {
		return false
	}

	delete(p.pending, from)

	p.responded = true

	if r.Err != nil && p.err == nil {
		re := *r.Err
		if re.Member == "" {
			re.Member = string(from)
		}

		p.err = &re
	}

	if r.Found && !p.found {
		p.value, p.found = r.Value, true
	}

	if r.Tag != nil {
		t := r.Tag.ReplaceNullIDs(from)
		if p.tag == nil || version.Resolve(p.tag, t) == version.Accept {
			p.tag = &t
		}
	}

	p.maybeFinishLocked()

	return true
}

// MemberDeparted stops waiting for id. A processor that lost a recipient completes
// with a reattempt signal.
func (p *Processor) MemberDeparted(id cluster.NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished {
		return
	}

	if _, ok := p.pending[id]; !ok {
		return
	}

	delete(p.pending, id)
	p.departed = append(p.departed, id)
	p.maybeFinishLocked()
}

// Forget drops recipients the message could not be delivered to. Like a departure,
// it makes the wait end with a reattempt signal.
func (p *Processor) Forget(ids []cluster.NodeID) {
	for _, id := range ids {
		p.MemberDeparted(id)
	}
}

// WaitForResult blocks until every expected reply arrived, the timeout elapsed or ctx
// ended. It returns nil, the first reported remote error, a reattempt signal when a
// recipient departed or nobody answered, ErrReplyTimeout, or the context error.
func (p *Processor) WaitForResult(ctx context.Context) error {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		pending := p.abandon()

		return ewrap.Wrapf(sentinel.ErrReplyTimeout, "processor %d (key %s) after %s waiting for %v", p.id, p.key, p.timeout, pending)
	case <-ctx.Done():
		p.abandon()

		return fmt.Errorf("%w: %w", sentinel.ErrTimeoutOrCanceled, ctx.Err())
	}

	return p.result()
}

// Abandon stops tracking the processor; later replies are ignored.
func (p *Processor) Abandon() { p.abandon() }

// VersionTag returns the winning tag reported by the repliers, nil if none reported one.
func (p *Processor) VersionTag() *version.Tag {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tag
}

// Value returns the value carried by a fetch reply.
func (p *Processor) Value() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.value, p.found
}

// Elapsed returns the time since the processor was created.
func (p *Processor) Elapsed() time.Duration { return time.Since(p.started) }

// Done is closed when the processor completes.
func (p *Processor) Done() <-chan struct{} { return p.done }

func (p *Processor) result() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.err != nil:
		return p.err
	case len(p.departed) > 0:
		return ewrap.Wrapf(sentinel.ErrForceReattempt, "recipients departed: %v", p.departed)
	case !p.responded:
		return fmt.Errorf("%w: %w", sentinel.ErrForceReattempt, sentinel.ErrNoResponse)
	}

	return nil
}

func (p *Processor) maybeFinishLocked() {
	if len(p.pending) > 0 || p.finished {
		return
	}

	p.finished = true
	close(p.done)

	if p.registry != nil {
		p.registry.remove(p.id)
	}
}

func (p *Processor) abandon() []cluster.NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending := make([]cluster.NodeID, 0, len(p.pending))
	for id := range p.pending {
		pending = append(pending, id)
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	if !p.finished {
		p.finished = true
		close(p.done)
	}

	if p.registry != nil {
		p.registry.remove(p.id)
	}

	return pending
}

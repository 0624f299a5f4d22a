// Package distribution is the network layer the replication protocol talks to. The
// protocol depends only on Manager: send a message to a set of members and learn
// which of them could not be reached, and receive inbound messages through a Handler.
//
// Three managers are provided: Hub, an in-process fabric connecting several members in
// one process; HTTPTransport, a fiber server paired with a net/http client; and
// RedisTransport, which publishes frames to per-member Redis channels.
package distribution

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/internal/workerpool"
	"github.com/hyp3rd/hypergrid/pkg/logging"
	"github.com/hyp3rd/hypergrid/pkg/message"
)

// Handler receives an inbound message from member from. Handlers run on the
// receiving member's workers, never on the sender's goroutine.
type Handler func(ctx context.Context, from cluster.NodeID, msg message.Message)

// Manager sends messages to members and delivers inbound messages to a Handler.
type Manager interface {
	// LocalID returns the identity of the local member.
	LocalID() cluster.NodeID
	// PutOutgoing sends msg to every recipient and returns the recipients it could not reach.
	PutOutgoing(ctx context.Context, recipients []cluster.NodeID, msg message.Message) []cluster.NodeID
	// SetHandler installs the inbound handler.
	SetHandler(h Handler)
	// Close stops delivery and waits for running handlers.
	Close() error
}

// DefaultWorkers is the inbound worker count used when none is configured.
const DefaultWorkers = 8

// Option configures a manager.
type Option func(*options)

type options struct {
	workers int
	logger  logging.Logger
	codec   *message.Codec
}

// WithWorkers sets the number of inbound workers.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = logging.OrNop(l) }
}

// WithCodec sets the wire codec, for example one with legacy formats registered.
func WithCodec(c *message.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{workers: DefaultWorkers, logger: logging.Nop{}, codec: message.NewCodec()}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// inbound decodes frames and schedules handler calls.
//
// Replies are handled on the delivering goroutine: they only complete a processor.
// Forwarded requests (Replicate) may wait on replies themselves, so each gets its
// own goroutine and can never starve the pool. Everything else runs on the pool.
type inbound struct {
	local  cluster.NodeID
	codec  *message.Codec
	pool   *workerpool.Pool
	logger logging.Logger

	mu      sync.RWMutex
	handler Handler
	wg      sync.WaitGroup
}

func newInbound(local cluster.NodeID, o options) *inbound {
	in := &inbound{local: local, codec: o.codec, logger: o.logger}
	in.pool = workerpool.New(o.workers, workerpool.WithErrorHandler(func(err error) {
		in.logger.Error("inbound handler failed", logging.Fields{"member": string(local), "err": err})
	}))

	return in
}

func (in *inbound) setHandler(h Handler) {
	in.mu.Lock()
	in.handler = h
	in.mu.Unlock()
}

func (in *inbound) current() Handler {
	in.mu.RLock()
	defer in.mu.RUnlock()

	return in.handler
}

func (in *inbound) deliver(from cluster.NodeID, frame []byte) error {
	msg, err := in.codec.Decode(frame)
	if err != nil {
		in.logger.Warn("dropping undecodable frame", logging.Fields{"from": string(from), "err": err})

		return err
	}

	h := in.current()
	if h == nil {
		return ewrap.Wrapf(sentinel.ErrNoDistribution, "no handler on %s", in.local)
	}

	ctx := context.Background()

	if om, ok := msg.(*message.OperationMessage); ok && om.Replicate {
		in.wg.Add(1)

		go func() {
			defer in.wg.Done()

			h(ctx, from, msg)
		}()

		return nil
	}

	if _, ok := msg.(*message.ReplyMessage); ok {
		h(ctx, from, msg)

		return nil
	}

	return in.pool.Enqueue(func() error {
		h(ctx, from, msg)

		return nil
	})
}

func (in *inbound) close() {
	in.pool.Shutdown()
	in.wg.Wait()
}

// maxSenderLen bounds the member id carried in an envelope.
const maxSenderLen = 255

// sealEnvelope prefixes frame with the sender identity for transports that carry
// no sender metadata of their own.
func sealEnvelope(from cluster.NodeID, frame []byte) ([]byte, error) {
	if len(from) > maxSenderLen {
		return nil, ewrap.Newf("member id %q longer than %d bytes", from, maxSenderLen)
	}

	out := make([]byte, 0, 1+len(from)+len(frame))
	out = append(out, byte(len(from)))
	out = append(out, from...)

	return append(out, frame...), nil
}

func openEnvelope(data []byte) (cluster.NodeID, []byte, error) {
	if len(data) < 1 {
		return "", nil, ewrap.Wrap(sentinel.ErrCorruptFrame, "empty envelope")
	}

	n := int(data[0])
	if len(data) < 1+n {
		return "", nil, ewrap.Wrap(sentinel.ErrCorruptFrame, "truncated envelope")
	}

	return cluster.NodeID(data[1 : 1+n]), data[1+n:], nil
}

// frameFormat peeks the format id, used for logging.
func frameFormat(frame []byte) uint16 {
	if len(frame) < 2 {
		return 0
	}

	return binary.BigEndian.Uint16(frame)
}

package distribution

import (
	"context"
	"sync"

	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/pkg/logging"
	"github.com/hyp3rd/hypergrid/pkg/message"
)

// DefaultChannelPrefix prefixes the per-member Redis channel.
const DefaultChannelPrefix = "hypergrid:"

// RedisTransport publishes frames on the recipient's Redis channel and subscribes to
// its own. A publish that reaches no subscriber counts as a failed recipient.
type RedisTransport struct {
	local  cluster.NodeID
	client redis.UniversalClient
	prefix string
	in     *inbound
	logger logging.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

var _ Manager = (*RedisTransport)(nil)

// NewRedisTransport creates a transport for member local over client.
func NewRedisTransport(client redis.UniversalClient, local cluster.NodeID, opts ...Option) *RedisTransport {
	o := buildOptions(opts)

	return &RedisTransport{
		local:  local,
		client: client,
		prefix: DefaultChannelPrefix,
		in:     newInbound(local, o),
		logger: o.logger,
		done:   make(chan struct{}),
	}
}

// Channel returns the channel member id listens on.
func (t *RedisTransport) Channel(id cluster.NodeID) string { return t.prefix + string(id) }

// Start subscribes to the local channel and begins delivering.
func (t *RedisTransport) Start(ctx context.Context) error {
	ps := t.client.Subscribe(ctx, t.Channel(t.local))

	_, err := ps.Receive(ctx)
	if err != nil {
		_ = ps.Close() //nolint:errcheck // subscription failed anyway

		return ewrap.Wrap(err, "redis subscribe")
	}

	t.mu.Lock()
	t.pubsub = ps
	t.mu.Unlock()

	go t.loop(ps.Channel())

	return nil
}

func (t *RedisTransport) loop(ch <-chan *redis.Message) {
	defer close(t.done)

	for m := range ch {
		from, frame, err := openEnvelope([]byte(m.Payload))
		if err != nil {
			t.logger.Warn("dropping malformed envelope", logging.Fields{"channel": m.Channel, "err": err})

			continue
		}

		err = t.in.deliver(from, frame)
		if err != nil {
			t.logger.Warn("inbound frame rejected", logging.Fields{"from": string(from), "err": err})
		}
	}
}

// LocalID implements Manager.
func (t *RedisTransport) LocalID() cluster.NodeID { return t.local }

// SetHandler implements Manager.
func (t *RedisTransport) SetHandler(h Handler) { t.in.setHandler(h) }

// PutOutgoing implements Manager.
func (t *RedisTransport) PutOutgoing(ctx context.Context, recipients []cluster.NodeID, msg message.Message) []cluster.NodeID {
	if len(recipients) == 0 {
		return nil
	}

	frame, err := t.in.codec.Encode(msg)
	if err != nil {
		t.logger.Error("encode outgoing message", logging.Fields{"err": err})

		return append([]cluster.NodeID(nil), recipients...)
	}

	payload, err := sealEnvelope(t.local, frame)
	if err != nil {
		t.logger.Error("seal envelope", logging.Fields{"err": err})

		return append([]cluster.NodeID(nil), recipients...)
	}

	var failed []cluster.NodeID

	for _, to := range recipients {
		n, err := t.client.Publish(ctx, t.Channel(to), payload).Result()
		if err != nil || n == 0 {
			t.logger.Warn("send failed", logging.Fields{"to": string(to), "subscribers": n, "err": err})

			failed = append(failed, to)
		}
	}

	return failed
}

// Close implements Manager.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	ps := t.pubsub
	t.pubsub = nil
	t.mu.Unlock()

	var err error
	if ps != nil {
		err = ps.Close()
		<-t.done
	}

	t.in.close()

	return err
}

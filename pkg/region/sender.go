package region

import (
	"context"
	"errors"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/bucket"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/event"
	"github.com/hyp3rd/hypergrid/pkg/logging"
	"github.com/hyp3rd/hypergrid/pkg/message"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// Put stores value under key. The call returns once every replica acknowledged.
func (r *PartitionedRegion) Put(ctx context.Context, key, value any) (*version.Tag, error) {
	if value == nil {
		return nil, sentinel.ErrNilValue
	}

	data, err := r.store.codec.Encode(value)
	if err != nil {
		return nil, err
	}

	return r.mutate(ctx, event.OpUpdate, key, entry.Value{Kind: entry.KindObject, Object: value, Bytes: data})
}

// Invalidate drops the value of key on every owner, keeping the key.
func (r *PartitionedRegion) Invalidate(ctx context.Context, key any) (*version.Tag, error) {
	return r.mutate(ctx, event.OpInvalidate, key, entry.Value{})
}

// Destroy removes key from every owner.
func (r *PartitionedRegion) Destroy(ctx context.Context, key any) (*version.Tag, error) {
	return r.mutate(ctx, event.OpDestroy, key, entry.Value{})
}

// request is one caller operation; it survives reattempts unchanged.
type request struct {
	op     event.Operation
	key    entry.Key
	bucket int
	value  entry.Value
	id     event.ID
	arg    []byte
}

func (r *PartitionedRegion) mutate(ctx context.Context, op event.Operation, key any, v entry.Value) (*version.Tag, error) {
	if r.stopped.Load() {
		return nil, sentinel.ErrClosed
	}

	err := entry.ValidateKey(key)
	if err != nil {
		return nil, err
	}

	ids := r.threads.acquire()
	defer r.threads.release(ids)

	k := entry.NewKey(key)
	req := request{
		op:     op,
		key:    k,
		bucket: bucketOf(k, r.bucketCount),
		value:  v,
		id:     ids.Next(),
		arg:    callbackArgument(ctx),
	}

	var tag *version.Tag

	err = r.withRetries(ctx, op.String(), k, func(attempt int) error {
		var aerr error

		tag, aerr = r.attempt(ctx, req, attempt > 0)

		return aerr
	})

	return tag, err
}

// withRetries runs fn until it succeeds, fails with an error that is not a reattempt
// signal, or the retry budget is spent.
func (r *PartitionedRegion) withRetries(ctx context.Context, op string, key entry.Key, fn func(attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil || !IsReattempt(err) || attempt >= r.retries {
			return err
		}

		r.logger.Info("reattempting operation", logging.Fields{
			"region":  r.name,
			"op":      op,
			"key":     key.String(),
			"attempt": attempt + 1,
			"err":     err,
		})

		timer := time.NewTimer(r.retryBackoff * time.Duration(attempt+1))

		select {
		case <-ctx.Done():
			timer.Stop()

			return err
		case <-r.stopCh:
			timer.Stop()

			return err
		case <-timer.C:
		}
	}
}

func (r *PartitionedRegion) attempt(ctx context.Context, req request, retry bool) (*version.Tag, error) {
	ev := event.New(r.name, req.op, req.key)
	defer ev.Release()

	ev.ID = req.id
	ev.CallbackArg = req.arg
	ev.PossibleDuplicate = retry

	if req.op == event.OpUpdate {
		ev.SetNewValue(req.value)
	}

	b := r.buckets[req.bucket]
	if b.Primary() {
		return r.primaryApply(ctx, b, ev, "")
	}

	return r.forward(ctx, req.bucket, ev)
}

// primaryApply applies ev on the local primary with a freshly generated version,
// then replicates it. A replay of an operation already applied here is not applied
// again: it is replicated with the version recorded the first time, since the
// earlier attempt may not have reached every replica.
func (r *PartitionedRegion) primaryApply(ctx context.Context, b *bucket.Bucket, ev *event.EntryEvent, from cluster.NodeID) (*version.Tag, error) {
	res, err := b.Apply(ev, bucket.ApplyOptions{Local: r.local, Source: &r.source, Generate: true})
	if err != nil {
		return nil, err
	}

	value := res.Value

	if res.Duplicate {
		r.sink.DuplicateSuppressed(ev.Op.String())

		if res.Tag == nil {
			return nil, nil
		}

		ev.SetVersionTag(*res.Tag)

		value = ev.NewValue().Bytes
	} else {
		r.vector.Record(*res.Tag)
	}

	err = r.distribute(ctx, b.ID(), ev, value, from)

	// the local apply stands even when a replica missed it; a reattempt only redistributes
	if !res.Duplicate {
		r.dispatch(ctx, ev, false)
	}

	if err != nil {
		return nil, err
	}

	return res.Tag, nil
}

// distribute sends ev to the replica owners of bucket under one reply processor,
// relays it to listener members, and waits for the replicas.
func (r *PartitionedRegion) distribute(ctx context.Context, bid int, ev *event.EntryEvent, value []byte, from cluster.NodeID) error {
	owners := r.ring.Owners(bid)

	replicas := make([]cluster.NodeID, 0, len(owners))
	for _, id := range owners {
		if id != r.local {
			replicas = append(replicas, id)
		}
	}

	msg, err := r.operationMessage(ev, bid, value)
	if err != nil {
		return err
	}

	msg.Tag = ev.VersionTag().ToWire(r.local)

	p := r.replies.NewProcessor(replicas, ev.Key.String(), r.replyTimeout)
	if len(replicas) > 0 {
		msg.ProcessorID = p.ID()

		failed := r.dm.PutOutgoing(ctx, replicas, msg)
		if len(failed) > 0 {
			r.logger.Warn("replica send failed", logging.Fields{
				"region": r.name, "key": ev.Key.String(), "bucket": bid, "failed": failed, "forwarder": string(from),
			})
			p.Forget(failed)
		}
	}

	r.notifyMembers(ctx, owners, *msg)

	err = p.WaitForResult(ctx)
	if len(replicas) > 0 {
		r.sink.ReplyReceived(ev.Op.String(), p.Elapsed())
	}

	if err != nil && errors.Is(err, sentinel.ErrEntryNotFound) {
		// a replica without the key still converges on the primary's version later
		r.logger.Debug("replica reported not found", logging.Fields{"region": r.name, "key": ev.Key.String(), "err": err})

		return nil
	}

	return err
}

// notifyMembers relays msg, fire and forget, to listener members that do not own
// the bucket.
func (r *PartitionedRegion) notifyMembers(ctx context.Context, owners []cluster.NodeID, msg message.OperationMessage) {
	targets := make([]cluster.NodeID, 0, len(r.listenerMembers))
	for _, id := range r.listenerMembers {
		if id != r.local && indexOf(owners, id) < 0 {
			targets = append(targets, id)
		}
	}

	if len(targets) == 0 {
		return
	}

	msg.ProcessorID = 0
	msg.NotifyOnly = true
	msg.Replicate = false

	failed := r.dm.PutOutgoing(ctx, targets, &msg)
	if len(failed) > 0 {
		r.logger.Debug("notify send failed", logging.Fields{"region": r.name, "failed": failed})
	}
}

// forward hands ev to the bucket primary and waits for it to apply and replicate.
func (r *PartitionedRegion) forward(ctx context.Context, bid int, ev *event.EntryEvent) (*version.Tag, error) {
	primary, ok := r.ring.Primary(bid)
	if !ok || primary == r.local {
		return nil, ewrap.Wrapf(sentinel.ErrPrimaryMoved, "bucket %d has no reachable primary", bid)
	}

	msg, err := r.operationMessage(ev, bid, ev.NewValue().Bytes)
	if err != nil {
		return nil, err
	}

	msg.Replicate = true

	p := r.replies.NewProcessor([]cluster.NodeID{primary}, ev.Key.String(), r.replyTimeout)
	msg.ProcessorID = p.ID()

	failed := r.dm.PutOutgoing(ctx, []cluster.NodeID{primary}, msg)
	if len(failed) > 0 {
		r.logger.Warn("forward to primary failed", logging.Fields{"region": r.name, "key": ev.Key.String(), "primary": string(primary)})
		p.Forget(failed)
	}

	err = p.WaitForResult(ctx)
	r.sink.ReplyReceived(ev.Op.String(), p.Elapsed())

	if err != nil {
		return nil, err
	}

	return p.VersionTag(), nil
}

// errLocalRead ends the fetch loop when the local copy answered.
var errLocalRead = errors.New("read from the local copy")

// fetch reads key from the bucket primary, or from the local copy once it is ready.
func (r *PartitionedRegion) fetch(ctx context.Context, bid int, k entry.Key) (any, bool, error) {
	wk, err := message.KeyToWire(k)
	if err != nil {
		return nil, false, err
	}

	var (
		data  []byte
		found bool
		local any
		hit   bool
	)

	err = r.withRetries(ctx, "get", k, func(int) error {
		// a recovering copy may have become ready since the last attempt
		if b := r.buckets[bid]; b.Ready() {
			var lerr error

			local, hit, lerr = readHosted(b, k)
			if lerr != nil {
				return lerr
			}

			return errLocalRead
		}

		primary, ok := r.ring.Primary(bid)
		if !ok || primary == r.local {
			return ewrap.Wrapf(sentinel.ErrPrimaryMoved, "bucket %d has no reachable primary", bid)
		}

		p := r.replies.NewProcessor([]cluster.NodeID{primary}, k.String(), r.replyTimeout)
		msg := &message.FetchMessage{RegionID: r.regionID, BucketID: bid, Key: wk, ProcessorID: p.ID()}

		if failed := r.dm.PutOutgoing(ctx, []cluster.NodeID{primary}, msg); len(failed) > 0 {
			p.Forget(failed)
		}

		werr := p.WaitForResult(ctx)
		if werr != nil {
			return werr
		}

		data, found = p.Value()

		return nil
	})
	if errors.Is(err, errLocalRead) {
		return local, hit, nil
	}

	if err != nil || !found {
		return nil, false, err
	}

	v, err := r.store.codec.Decode(data)
	if err != nil {
		return nil, false, ewrap.Wrapf(err, "decode fetched %s", k)
	}

	return v, true, nil
}

func (r *PartitionedRegion) operationMessage(ev *event.EntryEvent, bid int, value []byte) (*message.OperationMessage, error) {
	wk, err := message.KeyToWire(ev.Key)
	if err != nil {
		return nil, err
	}

	msg := &message.OperationMessage{
		Op:                ev.Op,
		RegionID:          r.regionID,
		BucketID:          bid,
		Key:               wk,
		CallbackArg:       ev.CallbackArg,
		EventID:           ev.ID,
		PossibleDuplicate: ev.PossibleDuplicate,
	}

	if ev.Op == event.OpUpdate {
		msg.Value = value
	}

	return msg, nil
}

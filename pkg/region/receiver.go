package region

import (
	"context"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/bucket"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/event"
	"github.com/hyp3rd/hypergrid/pkg/listener"
	"github.com/hyp3rd/hypergrid/pkg/logging"
	"github.com/hyp3rd/hypergrid/pkg/message"
	"github.com/hyp3rd/hypergrid/pkg/stats"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// HandleMessage is the inbound entry point installed on the distribution manager.
func (r *PartitionedRegion) HandleMessage(ctx context.Context, from cluster.NodeID, msg message.Message) {
	switch m := msg.(type) {
	case *message.ReplyMessage:
		r.replies.Dispatch(from, m)
	case *message.OperationMessage:
		r.handleOperation(ctx, from, m)
	case *message.FetchMessage:
		r.handleFetch(ctx, from, m)
	case *message.ImageRequestMessage:
		r.handleImageRequest(ctx, from, m)
	default:
		r.logger.Warn("unexpected message", logging.Fields{"region": r.name, "from": string(from), "format": msg.Format()})
	}
}

func (r *PartitionedRegion) handleOperation(ctx context.Context, from cluster.NodeID, m *message.OperationMessage) {
	started := time.Now()

	if m.RegionID != r.regionID {
		r.reply(ctx, from, &message.ReplyMessage{
			ProcessorID: m.ProcessorID,
			Err:         &message.RemoteError{Kind: message.KindCache, Message: "unknown region " + m.RegionID},
		})

		return
	}

	key, err := m.Key.Key()
	if err != nil {
		r.reply(ctx, from, &message.ReplyMessage{ProcessorID: m.ProcessorID, Err: message.ToRemote(err, "")})

		return
	}

	ev := event.New(r.name, m.Op, key)
	defer ev.Release()

	ev.ID = m.EventID
	ev.Origin = from
	ev.OriginRemote = true
	ev.PossibleDuplicate = m.PossibleDuplicate
	ev.CallbackArg = m.CallbackArg
	ev.SetWireTag(m.Tag, from)

	if m.Op == event.OpUpdate {
		ev.SetNewValue(entry.EncodedValue(m.Value))
	}

	if m.NotifyOnly {
		r.notified(ctx, ev)
		r.sink.MessageProcessed(stats.OpNotify, time.Since(started))

		return
	}

	tag, res, err := r.applyRemote(ctx, from, m, ev)

	r.sink.MessageProcessed(m.Op.String(), time.Since(started))

	reply := &message.ReplyMessage{ProcessorID: m.ProcessorID, Err: message.ToRemote(err, key.String())}
	if tag != nil {
		reply.Tag = tag.ToWire(r.local)
	}

	r.reply(ctx, from, reply)

	// listeners run after the reply so a failing listener can never change it
	if err == nil && res.Applied {
		r.dispatch(ctx, ev, false)
	}
}

// applyRemote runs the storage step of an inbound operation. A forwarded operation
// makes this member act as primary; a replicated one is applied with the tag the
// primary assigned.
func (r *PartitionedRegion) applyRemote(
	ctx context.Context,
	from cluster.NodeID,
	m *message.OperationMessage,
	ev *event.EntryEvent,
) (*version.Tag, bucket.Result, error) {
	b := r.Bucket(m.BucketID)
	if b == nil {
		return nil, bucket.Result{}, ewrap.Wrapf(sentinel.ErrBucketNotHosted, "bucket %d out of range", m.BucketID)
	}

	if m.Replicate {
		tag, err := r.primaryApply(ctx, b, ev, from)

		return tag, bucket.Result{}, err
	}

	res, err := b.Apply(ev, bucket.ApplyOptions{Local: r.local, Source: &r.source})
	if err != nil {
		if IsOwnershipMoved(err) {
			r.logger.Info("operation for a bucket not hosted here", logging.Fields{"region": r.name, "bucket": m.BucketID, "from": string(from)})
		}

		return nil, res, err
	}

	switch {
	case res.Duplicate:
		r.sink.DuplicateSuppressed(m.Op.String())
	case !res.Applied:
		r.sink.ConflictRejected(m.Op.String())
	case res.Tag != nil:
		r.vector.Record(*res.Tag)
	}

	return res.Tag, res, nil
}

func (r *PartitionedRegion) handleFetch(ctx context.Context, from cluster.NodeID, m *message.FetchMessage) {
	reply := &message.ReplyMessage{ProcessorID: m.ProcessorID}

	data, tag, found, err := r.readLocal(m)
	if err != nil {
		reply.Err = message.ToRemote(err, "")
	} else {
		reply.Value, reply.Found = data, found
		if tag != nil {
			reply.Tag = tag.ToWire(r.local)
		}
	}

	r.reply(ctx, from, reply)
}

func (r *PartitionedRegion) readLocal(m *message.FetchMessage) ([]byte, *version.Tag, bool, error) {
	if m.RegionID != r.regionID {
		return nil, nil, false, ewrap.Wrapf(sentinel.ErrRemoteCache, "unknown region %s", m.RegionID)
	}

	key, err := m.Key.Key()
	if err != nil {
		return nil, nil, false, err
	}

	b := r.Bucket(m.BucketID)
	if b == nil || !b.Hosting() {
		return nil, nil, false, ewrap.Wrapf(sentinel.ErrBucketNotHosted, "bucket %d", m.BucketID)
	}

	if b.Recovering() {
		return nil, nil, false, ewrap.Wrapf(sentinel.ErrPrimaryMoved, "bucket %d is still recovering", m.BucketID)
	}

	v, tag, ok, err := b.Get(key)
	if err != nil || !ok {
		return nil, tag, false, err
	}

	data := v.Bytes
	if data == nil {
		data, err = r.store.codec.Encode(v.Object)
		if err != nil {
			return nil, nil, false, err
		}
	}

	return data, tag, true, nil
}

// reply sends exactly one answer unless the requester expects none.
func (r *PartitionedRegion) reply(ctx context.Context, to cluster.NodeID, reply *message.ReplyMessage) {
	if reply.ProcessorID == 0 {
		return
	}

	failed := r.dm.PutOutgoing(ctx, []cluster.NodeID{to}, reply)
	if len(failed) > 0 {
		r.logger.Warn("reply send failed", logging.Fields{"region": r.name, "to": string(to), "processor": reply.ProcessorID})
	}
}

// notified runs listeners for an event relayed to a member that does not host its
// bucket. Storage is not touched; replays are dropped.
func (r *PartitionedRegion) notified(ctx context.Context, ev *event.EntryEvent) {
	if r.notifyTracker.Observe(ev.ID, ev.VersionTag()) {
		r.sink.DuplicateSuppressed(stats.OpNotify)

		return
	}

	r.dispatch(ctx, ev, true)
}

func (r *PartitionedRegion) dispatch(ctx context.Context, ev *event.EntryEvent, notifyOnly bool) {
	if r.listeners.Len() == 0 {
		return
	}

	le := listener.Event{
		Region:            r.name,
		Op:                ev.Op,
		Key:               ev.Key.Value(),
		CallbackArg:       ev.CallbackArg,
		Tag:               ev.VersionTag(),
		ID:                ev.ID,
		OriginRemote:      ev.OriginRemote,
		PossibleDuplicate: ev.PossibleDuplicate,
		NotifyOnly:        notifyOnly,
	}

	if ev.Op == event.OpUpdate {
		le.NewValue = r.object(ev.NewValue())
	}

	if old, err := ev.OldValue(); err == nil {
		le.OldValue = r.object(old)
	}

	r.listeners.Dispatch(ctx, le)
}

// object returns the heap form of v, decoding it when only its bytes are known.
func (r *PartitionedRegion) object(v entry.Value) any {
	if v.Object != nil || v.Bytes == nil {
		return v.Object
	}

	obj, err := r.store.codec.Decode(v.Bytes)
	if err != nil {
		r.logger.Debug("undecodable event value", logging.Fields{"region": r.name, "err": err})

		return nil
	}

	return obj
}

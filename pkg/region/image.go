package region

import (
	"context"
	"slices"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/bucket"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/logging"
	"github.com/hyp3rd/hypergrid/pkg/message"
	"github.com/hyp3rd/hypergrid/pkg/reply"
	"github.com/hyp3rd/hypergrid/pkg/stats"
)

// peers returns the live members other than the local one.
func (r *PartitionedRegion) peers() []cluster.NodeID {
	nodes := r.membership.List()

	out := make([]cluster.NodeID, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != r.local && n.State != cluster.NodeDead {
			out = append(out, n.ID)
		}
	}

	return out
}

// recoverBuckets pulls the initial image of ids from every peer and marks the buckets
// ready. Peers that fail, depart or time out are skipped: their copy, if any, is
// either gone or also held by a peer that answered.
func (r *PartitionedRegion) recoverBuckets(ids []int) {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	started := time.Now()
	peers := r.peers()

	type pull struct {
		from cluster.NodeID
		wait *reply.Processor
	}

	pulls := make([]pull, 0, len(peers))

	for _, peer := range peers {
		p := r.replies.NewProcessor([]cluster.NodeID{peer}, "image", r.replyTimeout)
		msg := &message.ImageRequestMessage{RegionID: r.regionID, BucketIDs: ids, ProcessorID: p.ID()}

		if failed := r.dm.PutOutgoing(ctx, []cluster.NodeID{peer}, msg); len(failed) > 0 {
			p.Forget(failed)
		}

		pulls = append(pulls, pull{from: peer, wait: p})
	}

	installed := 0

	for _, pl := range pulls {
		err := pl.wait.WaitForResult(ctx)
		if err != nil {
			r.logger.Debug("image request unanswered", logging.Fields{"region": r.name, "peer": string(pl.from), "err": err})

			continue
		}

		data, found := pl.wait.Value()
		if !found {
			continue
		}

		n, err := r.installImage(pl.from, ids, data)
		if err != nil {
			r.logger.Warn("image install failed", logging.Fields{"region": r.name, "peer": string(pl.from), "err": err})
		}

		installed += n
	}

	if r.stopped.Load() {
		return
	}

	for _, id := range ids {
		if b := r.buckets[id]; b.Recovering() {
			b.MarkReady()
		}
	}

	r.sink.MessageProcessed(stats.OpImage, time.Since(started))
	r.logger.Info("buckets recovered", logging.Fields{
		"region": r.name, "buckets": len(ids), "peers": len(peers), "entries": installed,
	})
}

// installImage applies an image received from peer to the requested buckets that
// are still hosted here.
func (r *PartitionedRegion) installImage(from cluster.NodeID, ids []int, data []byte) (int, error) {
	entries, err := message.DecodeImage(data)
	if err != nil {
		return 0, err
	}

	n := 0

	for _, we := range entries {
		if !slices.Contains(ids, we.BucketID) {
			continue
		}

		b := r.buckets[we.BucketID]
		if !b.Hosting() {
			continue
		}

		k, err := we.Key.Key()
		if err != nil {
			return n, err
		}

		ie := bucket.ImageEntry{Key: k, Kind: entry.Kind(we.Kind), Value: we.Value}

		if we.Tag != nil {
			tag := we.Tag.ReplaceNullIDs(from)
			ie.Tag = &tag

			r.source.Advance(tag.RegionVersion)
		}

		ok, err := b.Install(ie)
		if err != nil {
			if IsOwnershipMoved(err) {
				continue
			}

			return n, ewrap.Wrapf(err, "bucket %d", we.BucketID)
		}

		if ok {
			n++

			if ie.Tag != nil {
				r.vector.Record(*ie.Tag)
			}
		}
	}

	return n, nil
}

// handleImageRequest answers with the entries of the requested buckets this member
// holds completely, hosted or retiring. A retiring bucket is released once every
// newcomer it waits for received its image.
func (r *PartitionedRegion) handleImageRequest(ctx context.Context, from cluster.NodeID, m *message.ImageRequestMessage) {
	out := &message.ReplyMessage{ProcessorID: m.ProcessorID}

	entries, served, err := r.collectImage(m)
	if err == nil && len(entries) > 0 {
		out.Value, err = message.EncodeImage(entries)
		out.Found = err == nil
	}

	if err != nil {
		out.Err = message.ToRemote(err, "")
	}

	failed := r.dm.PutOutgoing(ctx, []cluster.NodeID{from}, out)
	if len(failed) > 0 {
		r.logger.Warn("image reply send failed", logging.Fields{"region": r.name, "to": string(from)})

		return
	}

	if err == nil {
		r.handedOff(from, served)
	}
}

func (r *PartitionedRegion) collectImage(m *message.ImageRequestMessage) ([]message.ImageEntry, []int, error) {
	if m.RegionID != r.regionID {
		return nil, nil, ewrap.Wrapf(sentinel.ErrRemoteCache, "unknown region %s", m.RegionID)
	}

	var (
		out    []message.ImageEntry
		served []int
	)

	for _, id := range m.BucketIDs {
		b := r.Bucket(id)
		if b == nil || !(b.Ready() || b.Retiring()) {
			continue
		}

		img, err := b.Image()
		if err != nil {
			return nil, nil, err
		}

		for _, ie := range img {
			wk, err := message.KeyToWire(ie.Key)
			if err != nil {
				return nil, nil, err
			}

			we := message.ImageEntry{BucketID: id, Key: wk, Kind: uint8(ie.Kind), Value: ie.Value}
			if ie.Tag != nil {
				we.Tag = ie.Tag.ToWire(r.local)
			}

			out = append(out, we)
		}

		served = append(served, id)
	}

	return out, served, nil
}

// handedOff records that from received the image of ids and releases retiring
// buckets nobody else waits for.
func (r *PartitionedRegion) handedOff(from cluster.NodeID, ids []int) {
	r.rebalanceMu.Lock()
	defer r.rebalanceMu.Unlock()

	for _, id := range ids {
		pending, ok := r.handoffs[id]
		if !ok {
			continue
		}

		delete(pending, from)

		if len(pending) == 0 {
			delete(r.handoffs, id)

			if b := r.buckets[id]; b.Retiring() {
				b.Unhost()

				r.logger.Debug("retired bucket handed off", logging.Fields{"region": r.name, "bucket": id})
			}
		}
	}
}

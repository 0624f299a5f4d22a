// Package bucket holds the entries of one bucket of a partitioned region and applies
// replicated mutations to them under per-key locks.
package bucket

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/event"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

const stripes = 64

// Bucket is one shard of a region as hosted by the local member.
type Bucket struct {
	id      int
	region  string
	factory entry.Factory
	ctx     entry.Context
	tracker *Tracker

	locks   [stripes]sync.Mutex
	entries *entryMap

	hosting    atomic.Bool
	primary    atomic.Bool
	moving     atomic.Bool
	recovering atomic.Bool
	retiring   atomic.Bool
}

// New creates an empty, not yet hosted bucket.
func New(id int, region string, f entry.Factory, ctx entry.Context) *Bucket {
	return &Bucket{
		id:      id,
		region:  region,
		factory: f,
		ctx:     ctx,
		tracker: NewTracker(),
		entries: newEntryMap(),
	}
}

// ID returns the bucket id.
func (b *Bucket) ID() int { return b.id }

// Tracker returns the duplicate tracker of the bucket.
func (b *Bucket) Tracker() *Tracker { return b.tracker }

// Hosting reports whether the local member holds a copy of the bucket.
func (b *Bucket) Hosting() bool { return b.hosting.Load() }

// Primary reports whether the local member is the bucket primary.
func (b *Bucket) Primary() bool { return b.hosting.Load() && b.primary.Load() }

// Moving reports whether primary ownership is being transferred away.
func (b *Bucket) Moving() bool { return b.moving.Load() }

// Ready reports whether the hosted copy is complete and may serve reads and act as
// primary.
func (b *Bucket) Ready() bool { return b.hosting.Load() && !b.recovering.Load() }

// Recovering reports whether the hosted copy still waits for its initial image.
func (b *Bucket) Recovering() bool { return b.hosting.Load() && b.recovering.Load() }

// Retiring reports whether the bucket is no longer hosted but keeps its entries
// until they were handed to the new owners.
func (b *Bucket) Retiring() bool { return b.retiring.Load() }

// Host starts hosting the bucket, as primary or replica, with a complete copy.
func (b *Bucket) Host(primary bool) {
	b.retiring.Store(false)
	b.recovering.Store(false)
	b.primary.Store(primary)
	b.hosting.Store(true)
}

// HostRecovering starts hosting the bucket while its initial image is still being
// copied. Replicated operations are applied meanwhile; reads and primary operations
// fail with ErrPrimaryMoved until MarkReady.
func (b *Bucket) HostRecovering(primary bool) {
	b.retiring.Store(false)
	b.recovering.Store(true)
	b.primary.Store(primary)
	b.hosting.Store(true)
}

// MarkReady ends recovery.
func (b *Bucket) MarkReady() { b.recovering.Store(false) }

// SetPrimary changes the role of a hosted bucket.
func (b *Bucket) SetPrimary(primary bool) { b.primary.Store(primary) }

// Retire stops hosting the bucket but keeps its entries for Image. Unhost drops them.
func (b *Bucket) Retire() {
	b.retiring.Store(true)
	b.hosting.Store(false)
	b.primary.Store(false)
	b.moving.Store(false)
}

// Unhost stops hosting the bucket and releases every entry.
func (b *Bucket) Unhost() {
	b.hosting.Store(false)
	b.primary.Store(false)
	b.moving.Store(false)
	b.recovering.Store(false)
	b.retiring.Store(false)
	b.Clear()
}

// BeginTransfer marks the primary as moving. Operations that need the primary fail
// with ErrPrimaryMoved until EndTransfer runs.
func (b *Bucket) BeginTransfer() error {
	if !b.Primary() {
		return ewrap.Wrapf(sentinel.ErrPrimaryMoved, "bucket %d is not primary here", b.id)
	}

	b.moving.Store(true)

	return nil
}

// EndTransfer completes a transfer. keepPrimary false hands the primary role away and
// keeps the bucket as a replica.
func (b *Bucket) EndTransfer(keepPrimary bool) {
	b.primary.Store(keepPrimary)
	b.moving.Store(false)
}

// Lock acquires the stripe of key and returns the unlock function.
func (b *Bucket) Lock(key entry.Key) func() {
	mu := &b.locks[key.Hash()%stripes]
	mu.Lock()

	return mu.Unlock
}

func (b *Bucket) lookup(key entry.Key) (*entry.Entry, bool) { return b.entries.Get(key) }

func (b *Bucket) store(e *entry.Entry) { b.entries.Set(e) }

// Get returns the value and tag of key. ok is false for missing, invalid and
// destroyed entries; the tag is still returned for the latter two.
func (b *Bucket) Get(key entry.Key) (entry.Value, *version.Tag, bool, error) {
	unlock := b.Lock(key)
	defer unlock()

	e, found := b.lookup(key)
	if !found {
		return entry.Value{}, nil, false, nil
	}

	if e.Removed() {
		return entry.Value{Kind: e.Kind()}, e.VersionTag(), false, nil
	}

	v, err := e.Get()
	if err != nil {
		return entry.Value{}, nil, false, err
	}

	return v, e.VersionTag(), true, nil
}

// Contains reports whether key holds a value.
func (b *Bucket) Contains(key entry.Key) bool {
	unlock := b.Lock(key)
	defer unlock()

	e, ok := b.lookup(key)

	return ok && !e.Removed()
}

// Load installs an unversioned value, replacing whatever key held. It is used for
// initial images and bulk loads, never for replicated mutations.
func (b *Bucket) Load(key entry.Key, v entry.Value) error {
	unlock := b.Lock(key)
	defer unlock()

	e, ok := b.lookup(key)
	if ok {
		return e.SetValue(v, nil)
	}

	e, err := b.factory.Create(b.ctx, key, v, nil)
	if err != nil {
		return ewrap.Wrapf(err, "load %s", key)
	}

	b.store(e)

	return nil
}

// ImageEntry is one entry of a bucket image: its key, the kind it holds, the
// serialized value of a live entry and its version.
type ImageEntry struct {
	Key   entry.Key
	Kind  entry.Kind
	Value []byte
	Tag   *version.Tag
}

// Image copies every versioned entry, tombstones included, so a new owner can
// resolve later operations against them. It works on hosted and retiring buckets.
func (b *Bucket) Image() ([]ImageEntry, error) {
	keys := b.keys()
	out := make([]ImageEntry, 0, len(keys))

	for _, k := range keys {
		unlock := b.Lock(k)

		e, ok := b.lookup(k)
		if !ok || e.Kind() == entry.KindAbsent {
			unlock()

			continue
		}

		data, err := e.Encoded()
		if err != nil {
			unlock()

			return nil, ewrap.Wrapf(err, "image of %s", k)
		}

		out = append(out, ImageEntry{Key: k, Kind: e.Kind(), Value: data, Tag: e.VersionTag()})

		unlock()
	}

	return out, nil
}

// Install applies one image entry. An entry the bucket already holds at the same or
// a newer version is kept; installed reports whether ie replaced it.
func (b *Bucket) Install(ie ImageEntry) (installed bool, err error) {
	var v entry.Value

	switch ie.Kind {
	case entry.KindObject, entry.KindOffHeap:
		v = entry.EncodedValue(ie.Value)
	case entry.KindInvalid:
		v = entry.InvalidValue()
	case entry.KindTombstone:
		v = entry.TombstoneValue()
	case entry.KindAbsent:
		return false, nil
	}

	unlock := b.Lock(ie.Key)
	defer unlock()

	if !b.hosting.Load() {
		return false, fmt.Errorf("%w: %w: %d", sentinel.ErrPrimaryMoved, sentinel.ErrBucketNotHosted, b.id)
	}

	e, found := b.lookup(ie.Key)
	if found {
		if ie.Tag == nil || version.Resolve(e.VersionTag(), *ie.Tag) == version.Reject {
			return false, nil
		}

		err = e.SetValue(v, ie.Tag)
		if err != nil {
			return false, ewrap.Wrapf(err, "install %s", ie.Key)
		}

		return true, nil
	}

	e, err = b.factory.Create(b.ctx, ie.Key, v, ie.Tag)
	if err != nil {
		return false, ewrap.Wrapf(err, "install %s", ie.Key)
	}

	b.store(e)

	return true, nil
}

// ApplyOptions controls how Apply versions an event.
type ApplyOptions struct {
	// Local is the identity of this member.
	Local cluster.NodeID
	// Source hands out region versions; required when Generate is set, advanced otherwise.
	Source *version.Source
	// Generate makes this member the origin of a new version, which requires the primary.
	// Without it the event must carry the tag assigned by the primary.
	Generate bool
	// Now overrides the clock used for new tags.
	Now func() time.Time
}

// Result describes what Apply did.
type Result struct {
	// Applied is false when the event lost conflict resolution or was a duplicate.
	Applied   bool
	Duplicate bool
	Created   bool
	// Tag is the version the entry holds after Apply.
	Tag *version.Tag
	// Value is the serialized value installed by an update, for fan-out.
	Value []byte
}

// Apply performs ev against the bucket. It holds the key stripe for the whole
// operation; the previous value is attached to ev (off-heap values as a held
// reference that ev.Release returns).
func (b *Bucket) Apply(ev *event.EntryEvent, opts ApplyOptions) (Result, error) {
	unlock := b.Lock(ev.Key)
	defer unlock()

	// Unhost clears under every stripe, so hosting cannot change while this one is held
	err := b.check(opts.Generate)
	if err != nil {
		return Result{}, err
	}

	if tag, dup := b.tracker.Seen(ev.ID); dup {
		return Result{Duplicate: true, Tag: tag}, nil
	}

	e, found := b.lookup(ev.Key)

	var existing *version.Tag
	if found {
		existing = e.VersionTag()
	}

	if opts.Generate {
		if ev.Op != event.OpUpdate && (!found || e.Kind() == entry.KindTombstone) {
			return Result{}, ewrap.Wrapf(sentinel.ErrEntryNotFound, "%s %s in bucket %d", ev.Op, ev.Key, b.id)
		}

		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}

		ev.StampDraft(version.NextDraft(existing, opts.Source.Next(), now()), opts.Local, existing)
	} else {
		// a recovering copy records the removal so an older image entry cannot revive the key
		if ev.Op != event.OpUpdate && !found && !b.recovering.Load() {
			return Result{}, ewrap.Wrapf(sentinel.ErrEntryNotFound, "%s %s in bucket %d", ev.Op, ev.Key, b.id)
		}

		if tag := ev.VersionTag(); tag != nil {
			if version.Resolve(existing, *tag) == version.Reject {
				b.tracker.Record(ev.ID, existing)

				return Result{Tag: existing}, nil
			}

			if opts.Source != nil {
				opts.Source.Advance(tag.RegionVersion)
			}
		}
	}

	res, err := b.mutate(ev, e, found)
	if err != nil {
		return Result{}, err
	}

	b.tracker.Record(ev.ID, res.Tag)

	return res, nil
}

func (b *Bucket) check(needPrimary bool) error {
	if !b.hosting.Load() {
		return fmt.Errorf("%w: %w: %d", sentinel.ErrPrimaryMoved, sentinel.ErrBucketNotHosted, b.id)
	}

	if needPrimary && (!b.primary.Load() || b.moving.Load() || b.recovering.Load()) {
		return ewrap.Wrapf(sentinel.ErrPrimaryMoved, "bucket %d", b.id)
	}

	return nil
}

func (b *Bucket) mutate(ev *event.EntryEvent, e *entry.Entry, found bool) (Result, error) {
	tag := ev.VersionTag()

	if found {
		err := b.captureOld(ev, e)
		if err != nil {
			return Result{}, err
		}
	}

	res := Result{Applied: true}

	switch ev.Op {
	case event.OpUpdate:
		if !found {
			created, err := b.factory.Create(b.ctx, ev.Key, ev.NewValue(), tag)
			if err != nil {
				return Result{}, ewrap.Wrapf(err, "create %s", ev.Key)
			}

			b.store(created)

			e, res.Created = created, true
		} else {
			err := e.SetValue(ev.NewValue(), tag)
			if err != nil {
				return Result{}, ewrap.Wrapf(err, "update %s", ev.Key)
			}
		}

		data, err := e.Encoded()
		if err != nil {
			return Result{}, ewrap.Wrapf(err, "encode %s", ev.Key)
		}

		res.Value = data
	case event.OpInvalidate:
		if !found {
			return b.createRemoved(ev.Key, entry.InvalidValue(), tag)
		}

		err := e.Invalidate(tag)
		if err != nil {
			return Result{}, ewrap.Wrapf(err, "invalidate %s", ev.Key)
		}
	case event.OpDestroy:
		if !found {
			return b.createRemoved(ev.Key, entry.TombstoneValue(), tag)
		}

		err := e.Destroy(tag)
		if err != nil {
			return Result{}, ewrap.Wrapf(err, "destroy %s", ev.Key)
		}
	}

	res.Tag = e.VersionTag()

	return res, nil
}

func (b *Bucket) createRemoved(key entry.Key, v entry.Value, tag *version.Tag) (Result, error) {
	e, err := b.factory.Create(b.ctx, key, v, tag)
	if err != nil {
		return Result{}, ewrap.Wrapf(err, "record removal of %s", key)
	}

	b.store(e)

	return Result{Applied: true, Created: true, Tag: e.VersionTag()}, nil
}

// captureOld attaches the value being replaced to ev.
func (*Bucket) captureOld(ev *event.EntryEvent, e *entry.Entry) error {
	if e.Removed() || e.Kind() == entry.KindAbsent {
		return nil
	}

	if e.OffHeap() {
		ref, err := e.RetainValue()
		if err != nil {
			return err
		}

		ev.HoldOldValue(ref)

		return nil
	}

	v, err := e.Get()
	if err != nil {
		return err
	}

	ev.SetOldValue(v)

	return nil
}

// Clear removes and releases every entry. It holds every key stripe, so no Apply
// runs concurrently.
func (b *Bucket) Clear() {
	for i := range b.locks {
		b.locks[i].Lock()
	}

	for _, e := range b.entries.Drain() {
		e.Release()
	}

	for i := range b.locks {
		b.locks[i].Unlock()
	}
}

// Reap drops tombstones last modified before cutoff and returns how many were removed.
func (b *Bucket) Reap(cutoff time.Time) int {
	reaped := 0

	for _, k := range b.keys() {
		unlock := b.Lock(k)

		e, ok := b.lookup(k)
		if ok && e.Kind() == entry.KindTombstone && e.LastModified() < cutoff.UnixNano() {
			b.entries.Remove(k)

			e.Release()

			reaped++
		}

		unlock()
	}

	return reaped
}

func (b *Bucket) keys() []entry.Key { return b.entries.Keys() }

// Stats is a point-in-time view of a bucket.
type Stats struct {
	ID         int  `json:"id"`
	Hosting    bool `json:"hosting"`
	Primary    bool `json:"primary"`
	Moving     bool `json:"moving"`
	Recovering bool `json:"recovering"`
	Entries    int  `json:"entries"`
	Invalid    int  `json:"invalid"`
	Tombstones int  `json:"tombstones"`
	// Bytes estimates the memory held by the entries and their values.
	Bytes int64 `json:"bytes"`
}

// Stats counts the entries by kind and sums their footprint.
func (b *Bucket) Stats() Stats {
	st := Stats{ID: b.id, Hosting: b.Hosting(), Primary: b.Primary(), Moving: b.Moving(), Recovering: b.Recovering()}

	for _, k := range b.keys() {
		unlock := b.Lock(k)

		e, ok := b.lookup(k)
		if ok {
			st.Bytes += b.factory.Footprint(e)

			switch e.Kind() {
			case entry.KindTombstone:
				st.Tombstones++
			case entry.KindInvalid:
				st.Invalid++
			case entry.KindAbsent, entry.KindObject, entry.KindOffHeap:
				st.Entries++
			}
		}

		unlock()
	}

	return st
}

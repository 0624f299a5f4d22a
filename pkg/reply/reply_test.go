package reply

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/message"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

func TestEmptyRecipientsReturnImmediately(t *testing.T) {
	r := NewRegistry(nil)
	p := r.NewProcessor(nil, "k", time.Hour)

	assert.Nil(t, p.WaitForResult(context.Background()))
	assert.Equal(t, 0, r.Pending())
}

func TestWaitCollectsAllReplies(t *testing.T) {
	r := NewRegistry(nil)
	p := r.NewProcessor([]cluster.NodeID{"m2", "m3"}, "k", time.Second)

	go func() {
		r.Dispatch("m2", &message.ReplyMessage{ProcessorID: p.ID(), Tag: &version.Wire{EntryVersion: 2}})
		r.Dispatch("m3", &message.ReplyMessage{ProcessorID: p.ID(), Tag: &version.Wire{EntryVersion: 3, Member: "m9"}})
	}()

	assert.Nil(t, p.WaitForResult(context.Background()))

	tag := p.VersionTag()
	assert.Equal(t, uint64(3), tag.EntryVersion)
	assert.Equal(t, "m9", string(tag.Member))
	assert.Equal(t, "m3", string(tag.PreviousMember))
	assert.Equal(t, 0, r.Pending())
}

func TestReplyTagStampedWithReplier(t *testing.T) {
	r := NewRegistry(nil)
	p := r.NewProcessor([]cluster.NodeID{"m2"}, "k", time.Second)

	assert.True(t, r.Dispatch("m2", &message.ReplyMessage{ProcessorID: p.ID(), Tag: &version.Wire{EntryVersion: 1}}))
	assert.Nil(t, p.WaitForResult(context.Background()))
	assert.Equal(t, "m2", string(p.VersionTag().Member))
}

func TestFetchReplyCarriesValue(t *testing.T) {
	r := NewRegistry(nil)
	p := r.NewProcessor([]cluster.NodeID{"m2"}, "k", time.Second)

	_, found := p.Value()
	assert.False(t, found)

	r.Dispatch("m2", &message.ReplyMessage{ProcessorID: p.ID(), Value: []byte("v"), Found: true})
	assert.Nil(t, p.WaitForResult(context.Background()))

	v, found := p.Value()
	assert.True(t, found)
	assert.Equal(t, "v", string(v))
}

func TestDuplicateAndLateRepliesAreNoOps(t *testing.T) {
	r := NewRegistry(nil)
	p := r.NewProcessor([]cluster.NodeID{"m2", "m3"}, "k", time.Second)

	ok := r.Dispatch("m2", &message.ReplyMessage{ProcessorID: p.ID()})
	assert.True(t, ok)
	assert.False(t, r.Dispatch("m2", &message.ReplyMessage{ProcessorID: p.ID()}))
	assert.False(t, r.Dispatch("stranger", &message.ReplyMessage{ProcessorID: p.ID()}))
	assert.True(t, r.Dispatch("m3", &message.ReplyMessage{ProcessorID: p.ID()}))

	assert.Nil(t, p.WaitForResult(context.Background()))
	assert.False(t, r.Dispatch("m3", &message.ReplyMessage{ProcessorID: p.ID()}))
	assert.False(t, p.Process("m3", &message.ReplyMessage{ProcessorID: p.ID()}))
}

func TestRemoteErrorIsReraised(t *testing.T) {
	r := NewRegistry(nil)
	p := r.NewProcessor([]cluster.NodeID{"m2"}, "k", time.Second)

	r.Dispatch("m2", &message.ReplyMessage{
		ProcessorID: p.ID(),
		Err:         &message.RemoteError{Kind: message.KindNotFound, Message: "entry not found", Key: "k"},
	})

	err := p.WaitForResult(context.Background())
	assert.True(t, errors.Is(err, sentinel.ErrEntryNotFound))

	var re *message.RemoteError

	assert.True(t, errors.As(err, &re))
	assert.Equal(t, "m2", re.Member)
}

func TestTimeoutDoesNotLeakWaiter(t *testing.T) {
	r := NewRegistry(nil)
	p := r.NewProcessor([]cluster.NodeID{"crashed"}, "k", 20*time.Millisecond)

	start := time.Now()
	err := p.WaitForResult(context.Background())

	assert.True(t, errors.Is(err, sentinel.ErrReplyTimeout))
	assert.True(t, time.Since(start) < time.Second)
	assert.Equal(t, 0, r.Pending())
	assert.False(t, r.Dispatch("crashed", &message.ReplyMessage{ProcessorID: p.ID()}))
}

func TestDepartureForcesReattempt(t *testing.T) {
	r := NewRegistry(nil)
	p := r.NewProcessor([]cluster.NodeID{"m2", "m3"}, "k", time.Second)

	r.Dispatch("m2", &message.ReplyMessage{ProcessorID: p.ID()})
	r.MemberDeparted("m3")

	err := p.WaitForResult(context.Background())
	assert.True(t, errors.Is(err, sentinel.ErrForceReattempt))
}

func TestNoResponseForcesReattempt(t *testing.T) {
	r := NewRegistry(nil)
	p := r.NewProcessor([]cluster.NodeID{"m2"}, "k", time.Second)

	p.Forget([]cluster.NodeID{"m2"})

	err := p.WaitForResult(context.Background())
	assert.True(t, errors.Is(err, sentinel.ErrForceReattempt))
}

func TestContextCancel(t *testing.T) {
	r := NewRegistry(nil)
	p := r.NewProcessor([]cluster.NodeID{"m2"}, "k", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.WaitForResult(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, errors.Is(err, sentinel.ErrTimeoutOrCanceled))
	assert.Equal(t, 0, r.Pending())
}

func TestConcurrentReplies(t *testing.T) {
	r := NewRegistry(nil)

	recipients := make([]cluster.NodeID, 0, 32)
	for i := range 32 {
		recipients = append(recipients, cluster.NodeID(string(rune('a'+i%26))+string(rune('A'+i/26))))
	}

	p := r.NewProcessor(recipients, "k", 5*time.Second)

	var wg sync.WaitGroup

	for _, id := range recipients {
		wg.Add(2)

		go func() {
			defer wg.Done()

			r.Dispatch(id, &message.ReplyMessage{ProcessorID: p.ID()})
		}()

		go func() {
			defer wg.Done()

			r.Dispatch(id, &message.ReplyMessage{ProcessorID: p.ID()})
		}()
	}

	assert.Nil(t, p.WaitForResult(context.Background()))
	wg.Wait()
}

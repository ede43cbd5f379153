package wsbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chrisinvisible/empathy-sub001/dispatch"
)

// busChannel is the client-side view of one channel announced by the
// service.
type busChannel struct {
	c            *Client
	id           string
	acct         dispatch.AccountID
	typ          dispatch.ChannelType
	targetType   dispatch.HandleType
	targetID     string
	targetHandle uint64

	ctx    context.Context
	cancel context.CancelFunc
}

func (ch *busChannel) Account() dispatch.AccountID      { return ch.acct }
func (ch *busChannel) Type() dispatch.ChannelType       { return ch.typ }
func (ch *busChannel) TargetType() dispatch.HandleType  { return ch.targetType }
func (ch *busChannel) TargetID() string                 { return ch.targetID }
func (ch *busChannel) TargetHandle() uint64             { return ch.targetHandle }
func (ch *busChannel) Context() context.Context         { return ch.ctx }

func (ch *busChannel) Close(ctx context.Context) error {
	return ch.c.request(ctx, msgCloseChannel, wireChannelRef{Channel: ch.id}, nil)
}

// busTextChannel is a text channel, possibly room-capable.
type busTextChannel struct {
	busChannel
	group *dispatch.GroupState
	msgs  chan dispatch.Message

	mtx      sync.Mutex
	nextID   uint
	watchers map[uint]func(dispatch.Message)
}

func (ch *busTextChannel) Group() (dispatch.GroupState, bool) {
	if ch.group == nil {
		return dispatch.GroupState{}, false
	}
	return *ch.group, true
}

func (ch *busTextChannel) Join(ctx context.Context) error {
	return ch.c.request(ctx, msgJoinChannel, wireChannelRef{Channel: ch.id}, nil)
}

func (ch *busTextChannel) Leave(ctx context.Context, reason string) error {
	return ch.c.request(ctx, msgLeaveChannel,
		wireChannelRef{Channel: ch.id, Reason: reason}, nil)
}

func (ch *busTextChannel) WatchMessages(f func(dispatch.Message)) (stop func()) {
	ch.mtx.Lock()
	id := ch.nextID
	ch.nextID++
	if ch.watchers == nil {
		ch.watchers = make(map[uint]func(dispatch.Message))
	}
	ch.watchers[id] = f
	ch.mtx.Unlock()
	return func() {
		ch.mtx.Lock()
		delete(ch.watchers, id)
		ch.mtx.Unlock()
	}
}

// enqueue hands one incoming message to the channel's delivery loop.
// Called from the connection read loop; the loop must never block on a
// watcher, so delivery happens on a dedicated goroutine that preserves
// wire order.
func (ch *busTextChannel) enqueue(m dispatch.Message) {
	select {
	case ch.msgs <- m:
	case <-ch.ctx.Done():
	}
}

// deliverLoop fans queued messages out to the registered watchers, in
// order, until the channel is invalidated.
func (ch *busTextChannel) deliverLoop() {
	for {
		select {
		case m := <-ch.msgs:
			ch.mtx.Lock()
			fns := make([]func(dispatch.Message), 0, len(ch.watchers))
			for _, f := range ch.watchers {
				fns = append(fns, f)
			}
			ch.mtx.Unlock()
			for _, f := range fns {
				f(m)
			}
		case <-ch.ctx.Done():
			return
		}
	}
}

// busCallChannel is a streamed-media channel. The video property may
// arrive after the channel itself, via a channel_properties message.
type busCallChannel struct {
	busChannel

	mtx      sync.Mutex
	video    *bool
	videoSet chan struct{}
}

func (ch *busCallChannel) Video(ctx context.Context) (bool, error) {
	ch.mtx.Lock()
	if ch.video != nil {
		v := *ch.video
		ch.mtx.Unlock()
		return v, nil
	}
	wait := ch.videoSet
	ch.mtx.Unlock()

	select {
	case <-wait:
	case <-ch.ctx.Done():
		return false, fmt.Errorf("channel invalidated waiting for media properties")
	case <-ctx.Done():
		return false, ctx.Err()
	}
	ch.mtx.Lock()
	defer ch.mtx.Unlock()
	return *ch.video, nil
}

// setVideo records the video property and wakes any waiters.
func (ch *busCallChannel) setVideo(video bool) {
	ch.mtx.Lock()
	if ch.video == nil {
		ch.video = &video
		close(ch.videoSet)
	}
	ch.mtx.Unlock()
}

// busFileChannel is an incoming file transfer channel.
type busFileChannel struct {
	busChannel
	filename string
	size     uint64
}

func (ch *busFileChannel) Filename() string { return ch.filename }
func (ch *busFileChannel) Size() uint64     { return ch.size }

// busOperation is the client-side view of one dispatch operation.
type busOperation struct {
	c        *Client
	id       string
	channels []dispatch.Channel

	ctx    context.Context
	cancel context.CancelFunc
}

func (op *busOperation) ID() string                   { return op.id }
func (op *busOperation) Channels() []dispatch.Channel { return op.channels }
func (op *busOperation) Context() context.Context     { return op.ctx }

func (op *busOperation) HandleWithTime(ctx context.Context, t time.Time) error {
	err := op.c.request(ctx, msgHandleWithTime,
		wireOperationRef{Operation: op.id, Time: t}, nil)
	if err != nil && err.Error() == errTimedUnsupported {
		return dispatch.ErrTimedHandlingUnsupported
	}
	return err
}

func (op *busOperation) HandleWith(ctx context.Context) error {
	return op.c.request(ctx, msgHandleWith, wireOperationRef{Operation: op.id}, nil)
}

func (op *busOperation) Claim(ctx context.Context) error {
	return op.c.request(ctx, msgClaim, wireOperationRef{Operation: op.id}, nil)
}

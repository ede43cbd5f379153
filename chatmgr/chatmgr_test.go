package chatmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chrisinvisible/empathy-sub001/dispatch"
	"github.com/chrisinvisible/empathy-sub001/internal/assert"
)

type fakeConversation struct {
	ref      ChatRef
	attached chan dispatch.TextChannel
}

func (c *fakeConversation) Attach(ch dispatch.TextChannel) {
	c.attached <- ch
}

type fakeTextChannel struct {
	acct       dispatch.AccountID
	targetType dispatch.HandleType
	targetID   string
	group      *dispatch.GroupState

	ctx    context.Context
	cancel context.CancelFunc

	joinCalled  chan struct{}
	leaveCalled chan struct{}
	closeCalled chan struct{}
}

func newFakeTextChannel(targetType dispatch.HandleType, targetID string) *fakeTextChannel {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeTextChannel{
		acct:        "acct1",
		targetType:  targetType,
		targetID:    targetID,
		ctx:         ctx,
		cancel:      cancel,
		joinCalled:  make(chan struct{}, 1),
		leaveCalled: make(chan struct{}, 1),
		closeCalled: make(chan struct{}, 1),
	}
}

func (ch *fakeTextChannel) Account() dispatch.AccountID     { return ch.acct }
func (ch *fakeTextChannel) Type() dispatch.ChannelType      { return dispatch.ChannelTypeText }
func (ch *fakeTextChannel) TargetType() dispatch.HandleType { return ch.targetType }
func (ch *fakeTextChannel) TargetID() string                { return ch.targetID }
func (ch *fakeTextChannel) TargetHandle() uint64            { return 100 }
func (ch *fakeTextChannel) Context() context.Context        { return ch.ctx }

func (ch *fakeTextChannel) Close(_ context.Context) error {
	ch.closeCalled <- struct{}{}
	return nil
}

func (ch *fakeTextChannel) Group() (dispatch.GroupState, bool) {
	if ch.group == nil {
		return dispatch.GroupState{}, false
	}
	return *ch.group, true
}

func (ch *fakeTextChannel) Join(_ context.Context) error {
	ch.joinCalled <- struct{}{}
	return nil
}

func (ch *fakeTextChannel) Leave(_ context.Context, _ string) error {
	ch.leaveCalled <- struct{}{}
	return nil
}

func (ch *fakeTextChannel) WatchMessages(_ func(dispatch.Message)) func() {
	return func() {}
}

type requesterCall struct {
	acct   dispatch.AccountID
	target string
	t      time.Time
}

type fakeRequester struct {
	textChats chan requesterCall
	rooms     chan requesterCall
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{
		textChats: make(chan requesterCall, 4),
		rooms:     make(chan requesterCall, 4),
	}
}

func (r *fakeRequester) EnsureTextChat(_ context.Context, acct dispatch.AccountID,
	contactID string, t time.Time) error {

	r.textChats <- requesterCall{acct: acct, target: contactID, t: t}
	return nil
}

func (r *fakeRequester) EnsureRoom(_ context.Context, acct dispatch.AccountID,
	roomID string, t time.Time) error {

	r.rooms <- requesterCall{acct: acct, target: roomID, t: t}
	return nil
}

type fakeAccounts struct {
	mtx sync.Mutex
	err error
}

func (a *fakeAccounts) WaitConnected(_ context.Context, _ dispatch.AccountID) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.err
}

type testSetup struct {
	mgr       *Manager
	requester *fakeRequester
	accounts  *fakeAccounts
	convs     chan *fakeConversation
	handled   chan int
	closed    chan int
}

func newTestSetup(t *testing.T) *testSetup {
	t.Helper()
	ts := &testSetup{
		requester: newFakeRequester(),
		accounts:  &fakeAccounts{},
		convs:     make(chan *fakeConversation, 4),
		handled:   make(chan int, 8),
		// TestClosedStackBound produces maxClosedChats+2 undrained
		// notifications while filling the stack and maxClosedChats more
		// while unwinding it; the sync handler blocks if they don't fit.
		closed: make(chan int, 2*maxClosedChats+2),
	}
	mgr, err := NewManager(Config{
		NewConversation: func(ref ChatRef) Conversation {
			conv := &fakeConversation{
				ref:      ref,
				attached: make(chan dispatch.TextChannel, 4),
			}
			ts.convs <- conv
			return conv
		},
		Requester: ts.requester,
		Accounts:  ts.accounts,
	})
	if err != nil {
		t.Fatal(err)
	}
	ts.mgr = mgr
	ts.mgr.OnHandledChatsChanged(func(n int) { ts.handled <- n })
	ts.mgr.OnClosedChatsChanged(func(n int) { ts.closed <- n })
	return ts
}

// TestHandleDedup asserts that a second channel for the same
// (account, target) attaches to the existing conversation instead of
// opening a second one.
func TestHandleDedup(t *testing.T) {
	t.Parallel()
	ts := newTestSetup(t)

	ch1 := newFakeTextChannel(dispatch.HandleTypeContact, "alice@example.com")
	ts.mgr.Handle("acct1", ch1, time.Now())
	conv := assert.ChanWritten(t, ts.convs)
	assert.ChanWritten(t, conv.attached)
	assert.DeepEqual(t, assert.ChanWritten(t, ts.handled), 1)

	// Same target again, e.g. after a reconnect.
	ch2 := newFakeTextChannel(dispatch.HandleTypeContact, "alice@example.com")
	ts.mgr.Handle("acct1", ch2, time.Now())
	assert.ChanNotWritten(t, ts.convs, 50*time.Millisecond)
	got := assert.ChanWritten(t, conv.attached)
	assert.DeepEqual(t, got.(*fakeTextChannel), ch2)
	assert.DeepEqual(t, assert.ChanWritten(t, ts.handled), 2)

	// A different target opens a second conversation.
	ch3 := newFakeTextChannel(dispatch.HandleTypeContact, "bob@example.com")
	ts.mgr.Handle("acct1", ch3, time.Now())
	conv2 := assert.ChanWritten(t, ts.convs)
	assert.DeepEqual(t, conv2.ref.Target, "bob@example.com")
	assert.DeepEqual(t, len(ts.mgr.OpenChats()), 2)
}

// TestHandledCount asserts the handled-channel count rises on handle and
// falls when channels are invalidated, signaling each transition.
func TestHandledCount(t *testing.T) {
	t.Parallel()
	ts := newTestSetup(t)

	ch1 := newFakeTextChannel(dispatch.HandleTypeContact, "alice@example.com")
	ch2 := newFakeTextChannel(dispatch.HandleTypeContact, "bob@example.com")
	ts.mgr.Handle("acct1", ch1, time.Now())
	assert.DeepEqual(t, assert.ChanWritten(t, ts.handled), 1)
	ts.mgr.Handle("acct1", ch2, time.Now())
	assert.DeepEqual(t, assert.ChanWritten(t, ts.handled), 2)

	ch1.cancel()
	assert.DeepEqual(t, assert.ChanWritten(t, ts.handled), 1)
	ch2.cancel()
	assert.DeepEqual(t, assert.ChanWritten(t, ts.handled), 0)
	assert.DeepEqual(t, ts.mgr.NumHandled(), 0)
}

// TestAutoJoinPendingInvite asserts that a handled room channel still
// carrying a pending invite for the local user is joined immediately.
func TestAutoJoinPendingInvite(t *testing.T) {
	t.Parallel()
	ts := newTestSetup(t)

	ch := newFakeTextChannel(dispatch.HandleTypeRoom, "room1")
	ch.group = &dispatch.GroupState{SelfLocalPending: true, InviterHandle: 200}
	ts.mgr.Handle("acct1", ch, time.Now())
	assert.ChanWritten(t, ch.joinCalled)

	// An already-joined room channel is not re-joined.
	ch2 := newFakeTextChannel(dispatch.HandleTypeRoom, "room2")
	ch2.group = &dispatch.GroupState{}
	ts.mgr.Handle("acct1", ch2, time.Now())
	assert.ChanNotWritten(t, ch2.joinCalled, 50*time.Millisecond)
}

// TestUndoLastClosed asserts undo reopens the most recently closed chat,
// going through the room-join path for rooms and the text-chat request
// path for direct chats.
func TestUndoLastClosed(t *testing.T) {
	t.Parallel()
	ts := newTestSetup(t)
	ctx := context.Background()

	roomRef := ChatRef{Account: "acct1", Target: "room1", IsRoom: true}
	chatRef := ChatRef{Account: "acct1", Target: "alice@example.com"}
	ts.mgr.Closed(chatRef)
	assert.DeepEqual(t, assert.ChanWritten(t, ts.closed), 1)
	ts.mgr.Closed(roomRef)
	assert.DeepEqual(t, assert.ChanWritten(t, ts.closed), 2)

	// Most recent first: the room.
	assert.NilErr(t, ts.mgr.UndoLastClosed(ctx, time.Now()))
	call := assert.ChanWritten(t, ts.requester.rooms)
	assert.DeepEqual(t, call.target, "room1")
	assert.DeepEqual(t, assert.ChanWritten(t, ts.closed), 1)

	assert.NilErr(t, ts.mgr.UndoLastClosed(ctx, time.Now()))
	call = assert.ChanWritten(t, ts.requester.textChats)
	assert.DeepEqual(t, call.target, "alice@example.com")
	assert.DeepEqual(t, assert.ChanWritten(t, ts.closed), 0)

	assert.ErrorIs(t, ts.mgr.UndoLastClosed(ctx, time.Now()), ErrNoClosedChats)
}

// TestClosedStackBound asserts the undo stack drops its oldest records
// past the bound.
func TestClosedStackBound(t *testing.T) {
	t.Parallel()
	ts := newTestSetup(t)

	for i := 0; i < maxClosedChats+2; i++ {
		ts.mgr.Closed(ChatRef{
			Account: "acct1",
			Target:  string(rune('a' + i)),
		})
	}
	assert.DeepEqual(t, ts.mgr.NumClosed(), maxClosedChats)

	// The two oldest records were dropped, so the full unwind ends at
	// the third-oldest.
	ctx := context.Background()
	var last requesterCall
	for ts.mgr.NumClosed() > 0 {
		assert.NilErr(t, ts.mgr.UndoLastClosed(ctx, time.Now()))
		last = assert.ChanWritten(t, ts.requester.textChats)
	}
	assert.DeepEqual(t, last.target, "c")
}

// TestJoinRoomWaitsConnected asserts the join aborts when the account
// cannot reach a connected state.
func TestJoinRoomWaitsConnected(t *testing.T) {
	t.Parallel()
	ts := newTestSetup(t)
	ctx := context.Background()

	assert.NilErr(t, ts.mgr.JoinRoom(ctx, "acct1", "room1", time.Now()))
	call := assert.ChanWritten(t, ts.requester.rooms)
	assert.DeepEqual(t, call.target, "room1")

	wantErr := errors.New("account disabled")
	ts.accounts.mtx.Lock()
	ts.accounts.err = wantErr
	ts.accounts.mtx.Unlock()
	assert.ErrorIs(t, ts.mgr.JoinRoom(ctx, "acct1", "room1", time.Now()), wantErr)
	assert.ChanNotWritten(t, ts.requester.rooms, 50*time.Millisecond)
}

// TestHandleChannelRefusesNonText asserts the dispatch.Handler surface
// refuses channels it cannot represent as conversations.
func TestHandleChannelRefusesNonText(t *testing.T) {
	t.Parallel()
	ts := newTestSetup(t)

	err := ts.mgr.HandleChannel(context.Background(), "acct1",
		nonTextChannel{}, time.Now())
	assert.ErrorIs(t, err, dispatch.ErrUnknownChannelType)
}

type nonTextChannel struct{}

func (nonTextChannel) Account() dispatch.AccountID     { return "acct1" }
func (nonTextChannel) Type() dispatch.ChannelType      { return dispatch.ChannelTypeStreamedMedia }
func (nonTextChannel) TargetType() dispatch.HandleType { return dispatch.HandleTypeContact }
func (nonTextChannel) TargetID() string                { return "alice@example.com" }
func (nonTextChannel) TargetHandle() uint64            { return 100 }
func (nonTextChannel) Context() context.Context        { return context.Background() }
func (nonTextChannel) Close(_ context.Context) error   { return nil }

package approver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chrisinvisible/empathy-sub001/dispatch"
	"github.com/chrisinvisible/empathy-sub001/events"
)

// fakeChannel implements the dispatch.Channel surface shared by all the
// fake channel types.
type fakeChannel struct {
	acct         dispatch.AccountID
	typ          dispatch.ChannelType
	targetType   dispatch.HandleType
	targetID     string
	targetHandle uint64

	ctx    context.Context
	cancel context.CancelFunc

	closeCalled chan struct{}
}

func newFakeChannel(typ dispatch.ChannelType, targetType dispatch.HandleType,
	targetID string, targetHandle uint64) fakeChannel {

	ctx, cancel := context.WithCancel(context.Background())
	return fakeChannel{
		acct:         "acct1",
		typ:          typ,
		targetType:   targetType,
		targetID:     targetID,
		targetHandle: targetHandle,
		ctx:          ctx,
		cancel:       cancel,
		closeCalled:  make(chan struct{}, 1),
	}
}

func (ch *fakeChannel) Account() dispatch.AccountID     { return ch.acct }
func (ch *fakeChannel) Type() dispatch.ChannelType      { return ch.typ }
func (ch *fakeChannel) TargetType() dispatch.HandleType { return ch.targetType }
func (ch *fakeChannel) TargetID() string                { return ch.targetID }
func (ch *fakeChannel) TargetHandle() uint64            { return ch.targetHandle }
func (ch *fakeChannel) Context() context.Context        { return ch.ctx }

func (ch *fakeChannel) Close(_ context.Context) error {
	ch.closeCalled <- struct{}{}
	return nil
}

type fakeTextChannel struct {
	fakeChannel
	group *dispatch.GroupState

	joinCalled  chan struct{}
	leaveCalled chan struct{}

	mtx     sync.Mutex
	watcher func(dispatch.Message)
}

func newFakeTextChannel(targetType dispatch.HandleType, targetID string) *fakeTextChannel {
	return &fakeTextChannel{
		fakeChannel: newFakeChannel(dispatch.ChannelTypeText, targetType, targetID, 100),
		joinCalled:  make(chan struct{}, 1),
		leaveCalled: make(chan struct{}, 1),
	}
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

func (ch *fakeTextChannel) WatchMessages(f func(dispatch.Message)) func() {
	ch.mtx.Lock()
	ch.watcher = f
	ch.mtx.Unlock()
	return func() {
		ch.mtx.Lock()
		ch.watcher = nil
		ch.mtx.Unlock()
	}
}

// recvMessage delivers one incoming message to the registered watcher.
func (ch *fakeTextChannel) recvMessage(t *testing.T, m dispatch.Message) {
	t.Helper()
	ch.mtx.Lock()
	f := ch.watcher
	ch.mtx.Unlock()
	if f == nil {
		t.Fatal("no message watcher registered")
	}
	f(m)
}

type fakeCallChannel struct {
	fakeChannel
	video bool
}

func newFakeCallChannel(targetID string, targetHandle uint64, video bool) *fakeCallChannel {
	return &fakeCallChannel{
		fakeChannel: newFakeChannel(dispatch.ChannelTypeStreamedMedia,
			dispatch.HandleTypeContact, targetID, targetHandle),
		video: video,
	}
}

func (ch *fakeCallChannel) Video(_ context.Context) (bool, error) {
	return ch.video, nil
}

type fakeFileChannel struct {
	fakeChannel
	filename string
	size     uint64
}

func newFakeFileChannel(targetID string, targetHandle uint64, filename string) *fakeFileChannel {
	return &fakeFileChannel{
		fakeChannel: newFakeChannel(dispatch.ChannelTypeFileTransfer,
			dispatch.HandleTypeContact, targetID, targetHandle),
		filename: filename,
		size:     1024,
	}
}

func (ch *fakeFileChannel) Filename() string { return ch.filename }
func (ch *fakeFileChannel) Size() uint64     { return ch.size }

// fakeOp is an in-memory dispatch operation that records the terminal
// action taken on it.
type fakeOp struct {
	id       string
	channels []dispatch.Channel

	ctx    context.Context
	cancel context.CancelFunc

	timedUnsupported bool
	claimErr         error

	handledTime  chan time.Time
	handledPlain chan struct{}
	claimed      chan struct{}
}

func newFakeOp(id string, channels ...dispatch.Channel) *fakeOp {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeOp{
		id:           id,
		channels:     channels,
		ctx:          ctx,
		cancel:       cancel,
		handledTime:  make(chan time.Time, 1),
		handledPlain: make(chan struct{}, 1),
		claimed:      make(chan struct{}, 1),
	}
}

func (op *fakeOp) ID() string                   { return op.id }
func (op *fakeOp) Channels() []dispatch.Channel { return op.channels }
func (op *fakeOp) Context() context.Context     { return op.ctx }

func (op *fakeOp) HandleWithTime(_ context.Context, t time.Time) error {
	if op.timedUnsupported {
		return dispatch.ErrTimedHandlingUnsupported
	}
	op.handledTime <- t
	return nil
}

func (op *fakeOp) HandleWith(_ context.Context) error {
	op.handledPlain <- struct{}{}
	return nil
}

func (op *fakeOp) Claim(_ context.Context) error {
	if op.claimErr != nil {
		return op.claimErr
	}
	op.claimed <- struct{}{}
	return nil
}

type fakeBus struct{}

func (fakeBus) RegisterApprover(_ []dispatch.ChannelFilter, _ dispatch.Approver) (func(), error) {
	return func() {}, nil
}

func (fakeBus) RegisterHandler(_ []dispatch.ChannelFilter, _ dispatch.Handler) (func(), error) {
	return func() {}, nil
}

type fakeResolver struct {
	contacts map[uint64]*dispatch.Contact
}

func (r *fakeResolver) ContactByID(_ context.Context, _ dispatch.AccountID,
	id string) (*dispatch.Contact, error) {

	for _, c := range r.contacts {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unknown contact %q", id)
}

func (r *fakeResolver) ContactByHandle(_ context.Context, _ dispatch.AccountID,
	handle uint64) (*dispatch.Contact, error) {

	c, ok := r.contacts[handle]
	if !ok {
		return nil, fmt.Errorf("unknown handle %d", handle)
	}
	return c, nil
}

type promptReq struct {
	req      ConfirmRequest
	decision func(accepted bool)
}

type fakePrompter struct {
	reqs      chan promptReq
	dismissed chan struct{}
}

func newFakePrompter() *fakePrompter {
	return &fakePrompter{
		reqs:      make(chan promptReq, 4),
		dismissed: make(chan struct{}, 4),
	}
}

func (p *fakePrompter) Confirm(req ConfirmRequest, decision func(accepted bool)) func() {
	p.reqs <- promptReq{req: req, decision: decision}
	return func() { p.dismissed <- struct{}{} }
}

type fakeRinger struct {
	starts chan struct{}
	stops  chan struct{}
}

func newFakeRinger() *fakeRinger {
	return &fakeRinger{
		starts: make(chan struct{}, 4),
		stops:  make(chan struct{}, 4),
	}
}

func (r *fakeRinger) Start() { r.starts <- struct{}{} }
func (r *fakeRinger) Stop()  { r.stops <- struct{}{} }

// testSetup bundles an approver wired to fakes.
type testSetup struct {
	queue    *events.Queue
	approver *Approver
	prompter *fakePrompter
	ringer   *fakeRinger
	resolver *fakeResolver

	addedChan   chan *events.Event
	removedChan chan *events.Event
	updatedChan chan *events.Event
}

func newTestSetup(t *testing.T) *testSetup {
	t.Helper()
	ts := &testSetup{
		queue:    events.NewQueue(events.Config{}),
		prompter: newFakePrompter(),
		ringer:   newFakeRinger(),
		resolver: &fakeResolver{contacts: map[uint64]*dispatch.Contact{
			100: {ID: "alice@example.com", Alias: "Alice", Handle: 100},
			200: {ID: "bob@example.com", Alias: "Bob", Handle: 200},
		}},
		addedChan:   make(chan *events.Event, 4),
		removedChan: make(chan *events.Event, 4),
		updatedChan: make(chan *events.Event, 4),
	}
	ts.queue.OnAdded(func(ev *events.Event) { ts.addedChan <- ev })
	ts.queue.OnRemoved(func(ev *events.Event) { ts.removedChan <- ev })
	ts.queue.OnUpdated(func(ev *events.Event) { ts.updatedChan <- ev })

	a, err := New(Config{
		Bus:      fakeBus{},
		Contacts: ts.resolver,
		Queue:    ts.queue,
		Prompter: ts.prompter,
		Ringer:   ts.ringer,
	})
	if err != nil {
		t.Fatal(err)
	}
	ts.approver = a
	return ts
}

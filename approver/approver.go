// Package approver implements the channel approver: the component that
// receives dispatch offers from the session service, decides whether to
// auto-approve them or surface them as queued events, and finalizes each
// offer with exactly one of handle-with or claim-and-close.
package approver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chrisinvisible/empathy-sub001/dispatch"
	"github.com/chrisinvisible/empathy-sub001/events"
	"github.com/decred/slog"
)

const (
	iconChat       = "im-message"
	iconCall       = "call-start"
	iconTransfer   = "document-send"
	iconInvitation = "system-users"
)

// Ringer plays the repeating incoming-call tone. Start and Stop are
// paired by the approver's ringing-call bookkeeping and are never nested.
type Ringer interface {
	Start()
	Stop()
}

type nullRinger struct{}

func (nullRinger) Start() {}
func (nullRinger) Stop()  {}

// ConfirmKind is the sort of user confirmation being requested.
type ConfirmKind int

const (
	ConfirmCall ConfirmKind = iota
	ConfirmInvitation
)

// ConfirmRequest describes one accept/reject confirmation to present to
// the user.
type ConfirmRequest struct {
	Kind    ConfirmKind
	Contact *dispatch.Contact

	// Video is set for call confirmations of video calls.
	Video bool

	// Room and Message are set for invitation confirmations.
	Room    string
	Message string
}

// Prompter presents accept/reject confirmations. decision is called at
// most once; the returned dismiss function tears the prompt down without
// a decision.
type Prompter interface {
	Confirm(req ConfirmRequest, decision func(accepted bool)) (dismiss func())
}

// Config holds the configuration for an Approver.
type Config struct {
	// Bus is the dispatch service to register with.
	Bus dispatch.Bus

	// Contacts resolves remote contacts.
	Contacts dispatch.ContactResolver

	// Queue receives the events the approver creates.
	Queue *events.Queue

	// Prompter presents call and room-invitation confirmations.
	Prompter Prompter

	// Ringer plays the incoming-call tone. If nil, no tone is played.
	Ringer Ringer

	// Logger logs approver operations. If nil, logging is disabled.
	Logger slog.Logger
}

// Approver is the approver of record for the fixed channel filters. One
// instance is constructed by the application's composition root.
type Approver struct {
	cfg    Config
	log    slog.Logger
	ringer Ringer

	mtx       sync.Mutex
	nextID    ApprovalID
	approvals map[ApprovalID]*Approval
	ringing   int
}

// New creates an Approver. Bus, Contacts, Queue and Prompter are
// required.
func New(cfg Config) (*Approver, error) {
	if cfg.Bus == nil {
		return nil, errors.New("config lacks a Bus")
	}
	if cfg.Contacts == nil {
		return nil, errors.New("config lacks a Contacts resolver")
	}
	if cfg.Queue == nil {
		return nil, errors.New("config lacks an event Queue")
	}
	if cfg.Prompter == nil {
		return nil, errors.New("config lacks a Prompter")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Disabled
	}
	ringer := cfg.Ringer
	if ringer == nil {
		ringer = nullRinger{}
	}
	return &Approver{
		cfg:       cfg,
		log:       log,
		ringer:    ringer,
		nextID:    1,
		approvals: make(map[ApprovalID]*Approval),
	}, nil
}

// Filters returns the channel filters the approver registers for.
func Filters() []dispatch.ChannelFilter {
	return []dispatch.ChannelFilter{
		{Channel: dispatch.ChannelTypeText, Target: dispatch.HandleTypeContact},
		{Channel: dispatch.ChannelTypeText, Target: dispatch.HandleTypeRoom},
		{Channel: dispatch.ChannelTypeFileTransfer, Target: dispatch.HandleTypeContact},
		{Channel: dispatch.ChannelTypeStreamedMedia, Target: dispatch.HandleTypeContact},
	}
}

// Run registers the approver with the bus and blocks until ctx is done,
// then unregisters and tears down any approvals still pending.
func (a *Approver) Run(ctx context.Context) error {
	unreg, err := a.cfg.Bus.RegisterApprover(Filters(), a)
	if err != nil {
		return fmt.Errorf("unable to register approver: %w", err)
	}
	<-ctx.Done()
	unreg()

	a.mtx.Lock()
	pending := make([]*Approval, 0, len(a.approvals))
	for _, appr := range a.approvals {
		pending = append(pending, appr)
	}
	a.mtx.Unlock()
	for _, appr := range pending {
		a.completeApproval(appr)
	}
	return ctx.Err()
}

// NumPending returns the number of approvals awaiting a decision.
func (a *Approver) NumPending() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.approvals)
}

// NumRinging returns the number of call approvals currently counted as
// ringing.
func (a *Approver) NumRinging() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.ringing
}

// AddDispatchOperation implements dispatch.Approver. Returning an error
// fails the offer back to the dispatch service; in that case no approval
// and no event are created.
func (a *Approver) AddDispatchOperation(op dispatch.Operation) error {
	main, err := pickMainChannel(op.Channels())
	if err != nil {
		a.log.Warnf("Failing dispatch operation %s: %v", op.ID(), err)
		return err
	}

	appr := &Approval{a: a, op: op, main: main}
	a.mtx.Lock()
	appr.id = a.nextID
	a.nextID++
	a.approvals[appr.id] = appr
	startRing := false
	if main.typ == dispatch.ChannelTypeStreamedMedia {
		appr.ringing = true
		a.ringing++
		startRing = a.ringing == 1
	}
	a.mtx.Unlock()

	a.log.Debugf("New %s dispatch operation %s (approval %d)", main.typ,
		op.ID(), appr.id)

	if startRing {
		a.ringer.Start()
	}

	// Tear the approval down once the operation is invalidated by any
	// external actor.
	go func() {
		<-op.Context().Done()
		a.completeApproval(appr)
	}()

	switch main.typ {
	case dispatch.ChannelTypeText:
		if group, ok := main.text.Group(); ok {
			if group.SelfLocalPending {
				go a.startRoomInvitation(appr, group)
			} else {
				// Not an invitation, so this text channel was
				// requested by an already-joined room flow.
				// Accept it outright.
				appr.SetAutoApproved()
				a.approve(appr)
			}
			return nil
		}
		// Ordinary 1:1 chat: hold the decision until the first
		// incoming message arrives.
		stop := main.text.WatchMessages(func(m dispatch.Message) {
			a.onChatMessage(appr, m)
		})
		a.mtx.Lock()
		if _, ok := a.approvals[appr.id]; !ok {
			a.mtx.Unlock()
			stop()
			return nil
		}
		appr.stopWatch = stop
		a.mtx.Unlock()

	case dispatch.ChannelTypeStreamedMedia:
		go a.startCall(appr)

	case dispatch.ChannelTypeFileTransfer:
		go a.startTransfer(appr)
	}
	return nil
}

// alive reports whether the approval is still in the owning collection.
// Async continuations call this before mutating state.
func (a *Approver) alive(appr *Approval) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	_, ok := a.approvals[appr.id]
	return ok
}

// attachEvent stores ev as the approval's queued event. If the approval
// completed while the event was being created, the event is removed
// again and false is returned.
func (a *Approver) attachEvent(appr *Approval, ev *events.Event) bool {
	if ev == nil {
		// Immediate-activation bypass: nothing was queued.
		return true
	}
	a.mtx.Lock()
	_, ok := a.approvals[appr.id]
	if ok {
		appr.ev = ev
	}
	a.mtx.Unlock()
	if !ok {
		a.cfg.Queue.Remove(ev)
	}
	return ok
}

// onChatMessage reacts to an incoming message on an undecided 1:1 text
// channel. The first message creates the chat event; later messages
// update it in place so rapid-fire messages coalesce into one entry.
func (a *Approver) onChatMessage(appr *Approval, m dispatch.Message) {
	header := m.SenderAlias
	if header == "" {
		header = m.SenderID
	}

	a.mtx.Lock()
	if _, ok := a.approvals[appr.id]; !ok {
		a.mtx.Unlock()
		return
	}
	ev := appr.ev
	a.mtx.Unlock()

	if ev != nil {
		a.cfg.Queue.Update(ev, iconChat, header, m.Text)
		return
	}

	ev = a.cfg.Queue.Add(events.EventSpec{
		Kind:    events.KindChat,
		Icon:    iconChat,
		Header:  header,
		Message: m.Text,
		MustAck: true,
		Decider: appr,
		OnActivate: func(*events.Event) {
			appr.Approve()
		},
	})
	a.attachEvent(appr, ev)
}

// startCall resolves the remote caller and queues the incoming-call
// event. Activation presents an accept/reject confirmation.
func (a *Approver) startCall(appr *Approval) {
	ctx := appr.op.Context()
	ch := appr.main.ch

	video, err := appr.main.call.Video(ctx)
	if err != nil {
		a.log.Errorf("Unable to get media properties of call from %s: %v",
			ch.TargetID(), err)
		return
	}

	contact, err := a.cfg.Contacts.ContactByHandle(ctx, ch.Account(),
		ch.TargetHandle())
	if err != nil {
		a.log.Errorf("Unable to resolve caller %d: %v", ch.TargetHandle(), err)
		return
	}
	if !a.alive(appr) {
		return
	}
	a.mtx.Lock()
	appr.contact = contact
	a.mtx.Unlock()

	header := fmt.Sprintf("Incoming call from %s", contact.Name())
	if video {
		header = fmt.Sprintf("Incoming video call from %s", contact.Name())
	}
	ev := a.cfg.Queue.Add(events.EventSpec{
		Kind:    events.KindCall,
		Icon:    iconCall,
		Header:  header,
		MustAck: true,
		Contact: contact,
		Decider: appr,
		OnActivate: func(*events.Event) {
			a.promptCall(appr, contact, video)
		},
	})
	a.attachEvent(appr, ev)
}

// promptCall shows the accept/reject confirmation for an incoming call.
func (a *Approver) promptCall(appr *Approval, contact *dispatch.Contact, video bool) {
	if !a.alive(appr) {
		return
	}
	dismiss := a.cfg.Prompter.Confirm(ConfirmRequest{
		Kind:    ConfirmCall,
		Contact: contact,
		Video:   video,
	}, func(accepted bool) {
		if accepted {
			appr.Approve()
		} else {
			appr.Reject()
		}
	})
	a.storeDismiss(appr, dismiss)
}

// startTransfer resolves the sender and queues the file-transfer event.
// Activating the notification is the confirmation, so activation
// approves directly.
func (a *Approver) startTransfer(appr *Approval) {
	ctx := appr.op.Context()
	ch := appr.main.ch

	contact, err := a.cfg.Contacts.ContactByHandle(ctx, ch.Account(),
		ch.TargetHandle())
	if err != nil {
		a.log.Errorf("Unable to resolve file sender %d: %v",
			ch.TargetHandle(), err)
		return
	}
	if !a.alive(appr) {
		return
	}
	a.mtx.Lock()
	appr.contact = contact
	a.mtx.Unlock()

	ev := a.cfg.Queue.Add(events.EventSpec{
		Kind:    events.KindTransfer,
		Icon:    iconTransfer,
		Header:  fmt.Sprintf("Incoming file transfer from %s", contact.Name()),
		Message: appr.main.file.Filename(),
		MustAck: true,
		Contact: contact,
		Decider: appr,
		OnActivate: func(*events.Event) {
			appr.Approve()
		},
	})
	a.attachEvent(appr, ev)
}

// startRoomInvitation resolves the inviter and queues the invitation
// event. Activation presents an accept/decline confirmation; accepting
// approves the dispatch, after which the handler side joins the room.
func (a *Approver) startRoomInvitation(appr *Approval, group dispatch.GroupState) {
	ctx := appr.op.Context()
	ch := appr.main.ch

	contact, err := a.cfg.Contacts.ContactByHandle(ctx, ch.Account(),
		group.InviterHandle)
	if err != nil {
		a.log.Errorf("Unable to resolve inviter %d: %v",
			group.InviterHandle, err)
		return
	}
	if !a.alive(appr) {
		return
	}
	a.mtx.Lock()
	appr.contact = contact
	a.mtx.Unlock()

	room := ch.TargetID()
	ev := a.cfg.Queue.Add(events.EventSpec{
		Kind:    events.KindInvitation,
		Icon:    iconInvitation,
		Header:  fmt.Sprintf("%s invited you to join %s", contact.Name(), room),
		Message: group.InviteMessage,
		MustAck: true,
		Contact: contact,
		Decider: appr,
		OnActivate: func(*events.Event) {
			a.promptInvitation(appr, contact, room, group.InviteMessage)
		},
	})
	a.attachEvent(appr, ev)
}

// promptInvitation shows the accept/decline confirmation for a room
// invitation.
func (a *Approver) promptInvitation(appr *Approval, contact *dispatch.Contact,
	room, message string) {

	if !a.alive(appr) {
		return
	}
	dismiss := a.cfg.Prompter.Confirm(ConfirmRequest{
		Kind:    ConfirmInvitation,
		Contact: contact,
		Room:    room,
		Message: message,
	}, func(accepted bool) {
		if accepted {
			appr.Approve()
		} else {
			appr.Reject()
		}
	})
	a.storeDismiss(appr, dismiss)
}

func (a *Approver) storeDismiss(appr *Approval, dismiss func()) {
	if dismiss == nil {
		return
	}
	a.mtx.Lock()
	_, ok := a.approvals[appr.id]
	if ok {
		appr.dismiss = dismiss
	}
	a.mtx.Unlock()
	if !ok {
		dismiss()
	}
}

// approve accepts the approval's dispatch operation with the handle-with
// variant, passing the not-user-action sentinel for auto-approvals and
// the current interaction time otherwise. Services without the timed
// variant get the plain handle-with call instead.
func (a *Approver) approve(appr *Approval) {
	a.mtx.Lock()
	_, ok := a.approvals[appr.id]
	auto := appr.autoApproved
	a.mtx.Unlock()
	if !ok {
		return
	}

	t := time.Now()
	if auto {
		t = dispatch.NotUserActionTime
	}
	ctx := appr.op.Context()
	err := appr.op.HandleWithTime(ctx, t)
	if errors.Is(err, dispatch.ErrTimedHandlingUnsupported) {
		err = appr.op.HandleWith(ctx)
	}
	if err != nil {
		a.log.Errorf("Unable to handle dispatch operation %s: %v",
			appr.op.ID(), err)
	}
	a.completeApproval(appr)
}

// reject claims the approval's dispatch operation and, on success,
// closes the main channel with its type-specific close operation. Claim
// failures are logged; the approval is released either way.
func (a *Approver) reject(appr *Approval) {
	if !a.alive(appr) {
		return
	}
	ctx := appr.op.Context()
	if err := appr.op.Claim(ctx); err != nil {
		a.log.Errorf("Unable to claim dispatch operation %s: %v",
			appr.op.ID(), err)
	} else if err := appr.main.closeFn(ctx); err != nil {
		a.log.Errorf("Unable to close %s channel of operation %s: %v",
			appr.main.typ, appr.op.ID(), err)
	}
	a.completeApproval(appr)
}

// completeApproval removes the approval from the owning collection and
// releases everything it holds: message watcher, open confirmation
// prompt, queued event and ringing-call slot. It is idempotent, so the
// decision paths and the invalidation watcher may race freely.
func (a *Approver) completeApproval(appr *Approval) {
	a.mtx.Lock()
	if _, ok := a.approvals[appr.id]; !ok {
		a.mtx.Unlock()
		return
	}
	delete(a.approvals, appr.id)
	ev := appr.ev
	appr.ev = nil
	dismiss := appr.dismiss
	appr.dismiss = nil
	stopWatch := appr.stopWatch
	appr.stopWatch = nil
	stopRing := false
	if appr.ringing {
		appr.ringing = false
		a.ringing--
		stopRing = a.ringing == 0
	}
	a.mtx.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	if dismiss != nil {
		dismiss()
	}
	if ev != nil {
		a.cfg.Queue.Remove(ev)
	}
	if stopRing {
		a.ringer.Stop()
	}
	a.log.Debugf("Completed approval %d (operation %s)", appr.id, appr.op.ID())
}

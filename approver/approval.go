package approver

import (
	"context"
	"fmt"

	"github.com/chrisinvisible/empathy-sub001/dispatch"
	"github.com/chrisinvisible/empathy-sub001/events"
)

// ApprovalID identifies one in-flight approval within its Approver.
type ApprovalID uint64

// mainChannel is the channel judged most significant within a dispatch
// offer, together with the type-specific view and close operation. The
// close operation is selected once, at construction, so the reject path
// never needs to rediscover the channel type.
type mainChannel struct {
	ch      dispatch.Channel
	typ     dispatch.ChannelType
	closeFn func(ctx context.Context) error

	text dispatch.TextChannel
	call dispatch.CallChannel
	file dispatch.FileChannel
}

// pickMainChannel applies the main-channel tie-break: a streamed-media or
// file-transfer channel beats a text channel; among non-text channels the
// first one wins; with none, the first text channel is used. Offers with
// no usable channel at all fail with ErrUnknownChannelType.
func pickMainChannel(chans []dispatch.Channel) (mainChannel, error) {
	var text dispatch.TextChannel
	for _, ch := range chans {
		switch ch.Type() {
		case dispatch.ChannelTypeStreamedMedia:
			call, ok := ch.(dispatch.CallChannel)
			if !ok {
				continue
			}
			return mainChannel{
				ch:      ch,
				typ:     ch.Type(),
				closeFn: call.Close,
				call:    call,
			}, nil

		case dispatch.ChannelTypeFileTransfer:
			file, ok := ch.(dispatch.FileChannel)
			if !ok {
				continue
			}
			return mainChannel{
				ch:      ch,
				typ:     ch.Type(),
				closeFn: file.Close,
				file:    file,
			}, nil

		case dispatch.ChannelTypeText:
			if text != nil {
				continue
			}
			tc, ok := ch.(dispatch.TextChannel)
			if ok {
				text = tc
			}
		}
	}

	if text != nil {
		return mainChannel{
			ch:  text,
			typ: dispatch.ChannelTypeText,
			closeFn: func(ctx context.Context) error {
				return text.Leave(ctx, "")
			},
			text: text,
		}, nil
	}

	return mainChannel{}, fmt.Errorf("no usable channel in offer: %w",
		dispatch.ErrUnknownChannelType)
}

// Approval wraps one dispatch operation awaiting a decision. Fields other
// than the immutable id, op and main are guarded by the owning Approver's
// mutex.
type Approval struct {
	id   ApprovalID
	a    *Approver
	op   dispatch.Operation
	main mainChannel

	contact      *dispatch.Contact
	autoApproved bool
	ev           *events.Event

	// dismiss closes the open confirmation prompt, if one is showing.
	dismiss func()

	// stopWatch unregisters the text-channel message watcher.
	stopWatch func()

	// ringing is true while this approval is counted in the approver's
	// ringing-call bookkeeping.
	ringing bool
}

// Approve accepts the underlying dispatch operation. Part of the
// events.Decider contract.
func (appr *Approval) Approve() { appr.a.approve(appr) }

// Reject claims the dispatch operation and closes its main channel. Part
// of the events.Decider contract.
func (appr *Approval) Reject() { appr.a.reject(appr) }

// SetAutoApproved records that a subsequent Approve was not triggered by
// a user action. Part of the events.Decider contract.
func (appr *Approval) SetAutoApproved() {
	appr.a.mtx.Lock()
	appr.autoApproved = true
	appr.a.mtx.Unlock()
}

// Contact returns the resolved remote contact, or nil if resolution has
// not completed.
func (appr *Approval) Contact() *dispatch.Contact {
	appr.a.mtx.Lock()
	defer appr.a.mtx.Unlock()
	return appr.contact
}

// AutoApproved reports whether this approval was marked auto-approved.
func (appr *Approval) AutoApproved() bool {
	appr.a.mtx.Lock()
	defer appr.a.mtx.Unlock()
	return appr.autoApproved
}

// Operation returns the underlying dispatch operation.
func (appr *Approval) Operation() dispatch.Operation { return appr.op }

// MainChannel returns the channel the tie-break selected for this offer.
func (appr *Approval) MainChannel() dispatch.Channel { return appr.main.ch }

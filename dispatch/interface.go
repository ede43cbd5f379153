// Package dispatch defines the contracts between the approval core and the
// external channel-dispatch service. The concrete service (session bus,
// telephony framework, in-memory fake in tests) lives behind these
// interfaces; the core never imports a transport directly.
package dispatch

import (
	"context"
	"errors"
	"time"
)

// AccountID identifies one configured messaging account.
type AccountID string

// ChannelType is the kind of communication channel carried by a dispatch
// operation.
type ChannelType string

const (
	ChannelTypeText          ChannelType = "text"
	ChannelTypeFileTransfer  ChannelType = "filetransfer"
	ChannelTypeStreamedMedia ChannelType = "streamedmedia"
)

// HandleType scopes a channel filter (or a channel target) to either a
// single remote contact or a multi-user room.
type HandleType string

const (
	HandleTypeNone    HandleType = "none"
	HandleTypeContact HandleType = "contact"
	HandleTypeRoom    HandleType = "room"
)

// ChannelFilter is one (channel type, target type) pair an approver or
// handler registers interest in.
type ChannelFilter struct {
	Channel ChannelType
	Target  HandleType
}

// ErrUnknownChannelType is returned to the bus when a dispatch offer
// contains no channel the approver knows how to handle.
var ErrUnknownChannelType = errors.New("unknown channel type")

// ErrTimedHandlingUnsupported is returned by HandleWithTime when the
// service only implements the plain, non-timestamped handle call.
var ErrTimedHandlingUnsupported = errors.New("timed handling unsupported")

// NotUserActionTime is the sentinel interaction timestamp passed on
// auto-approvals, meaning "this acceptance was not triggered by a user
// action".
var NotUserActionTime = time.Time{}

// Contact is a resolved remote contact.
type Contact struct {
	ID     string
	Alias  string
	Handle uint64
}

// Name returns the best display name for the contact.
func (c *Contact) Name() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.ID
}

// Message is one incoming text message observed on a text channel.
type Message struct {
	SenderID    string
	SenderAlias string
	Text        string
	Received    time.Time
}

// GroupState is the group-membership view of a room-capable text channel.
type GroupState struct {
	// SelfLocalPending is true while the local user has been invited to
	// the room but has not joined yet.
	SelfLocalPending bool

	// InviterHandle is the handle of the member that invited the local
	// user, when SelfLocalPending is true.
	InviterHandle uint64

	// InviteMessage is the optional message attached to the invitation.
	InviteMessage string
}

// Channel is the view of one channel within a dispatch operation.
type Channel interface {
	Account() AccountID
	Type() ChannelType
	TargetType() HandleType

	// TargetID is the remote contact id for contact channels or the room
	// id for room channels.
	TargetID() string
	TargetHandle() uint64

	// Context returns a context that is canceled once the channel is
	// invalidated (closed by either side).
	Context() context.Context

	Close(ctx context.Context) error
}

// TextChannel is a text chat channel, possibly room-capable.
type TextChannel interface {
	Channel

	// Group returns the group state of the channel. ok is false for
	// ordinary 1:1 chats without group semantics.
	Group() (state GroupState, ok bool)

	// Join accepts a pending room invitation for the local user.
	Join(ctx context.Context) error

	// Leave departs the channel, optionally with a reason.
	Leave(ctx context.Context, reason string) error

	// WatchMessages registers f to be called for every incoming message.
	// The returned stop function unregisters it.
	WatchMessages(f func(Message)) (stop func())
}

// CallChannel is a streamed-media (audio or video call) channel.
type CallChannel interface {
	Channel

	// Video reports whether the call carries a video stream. It may need
	// to wait for the underlying channel property to become available.
	Video(ctx context.Context) (bool, error)
}

// FileChannel is an incoming file transfer channel.
type FileChannel interface {
	Channel
	Filename() string
	Size() uint64
}

// Operation is one dispatch operation: a set of channels offered to the
// approver for a decision. Exactly one of HandleWithTime/HandleWith
// (possibly after the unsupported fallback) or Claim must eventually be
// called, or the offer must be failed by returning an error from
// Approver.AddDispatchOperation.
type Operation interface {
	ID() string
	Channels() []Channel

	// Context returns a context that is canceled once the operation is
	// invalidated (handled or claimed elsewhere, or channels gone).
	Context() context.Context

	// HandleWithTime accepts the operation, recording t as the user
	// interaction timestamp (NotUserActionTime for auto-approvals).
	// Returns ErrTimedHandlingUnsupported when the service only supports
	// the plain variant.
	HandleWithTime(ctx context.Context, t time.Time) error

	// HandleWith accepts the operation without an interaction timestamp.
	HandleWith(ctx context.Context) error

	// Claim takes exclusive ownership of the operation so its channels
	// can be closed without another handler interfering.
	Claim(ctx context.Context) error
}

// Approver receives dispatch offers. Returning an error fails the offer
// back to the dispatch service.
type Approver interface {
	AddDispatchOperation(op Operation) error
}

// Handler receives channels that have already been approved.
type Handler interface {
	HandleChannel(ctx context.Context, acct AccountID, ch Channel, userActionTime time.Time) error
}

// Bus is the registration surface of the dispatch service.
type Bus interface {
	// RegisterApprover registers a as the approver of record for the
	// given filters. The returned function unregisters it.
	RegisterApprover(filters []ChannelFilter, a Approver) (unregister func(), err error)

	// RegisterHandler registers h for already-approved channels matching
	// the given filters.
	RegisterHandler(filters []ChannelFilter, h Handler) (unregister func(), err error)
}

// ContactResolver resolves remote contacts against an account's active
// connection.
type ContactResolver interface {
	ContactByID(ctx context.Context, acct AccountID, id string) (*Contact, error)
	ContactByHandle(ctx context.Context, acct AccountID, handle uint64) (*Contact, error)
}

// AccountMonitor exposes account connectivity transitions.
type AccountMonitor interface {
	// WaitConnected blocks until the account reaches a connected state.
	// It returns an error if the account reaches a terminal disconnected
	// state or ctx is done first.
	WaitConnected(ctx context.Context, acct AccountID) error
}

// ChannelRequester asks the dispatch service to (re)establish outgoing
// channels. Used by the undo-close and favorite-room flows.
type ChannelRequester interface {
	EnsureTextChat(ctx context.Context, acct AccountID, contactID string, userActionTime time.Time) error
	EnsureRoom(ctx context.Context, acct AccountID, roomID string, userActionTime time.Time) error
}

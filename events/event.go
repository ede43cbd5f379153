package events

import (
	"time"

	"github.com/chrisinvisible/empathy-sub001/dispatch"
)

// Kind classifies what a queued event is about.
type Kind int

const (
	KindChat Kind = iota
	KindCall
	KindTransfer
	KindInvitation
	KindSubscription
	KindPresence
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindCall:
		return "call"
	case KindTransfer:
		return "transfer"
	case KindInvitation:
		return "invitation"
	case KindSubscription:
		return "subscription"
	case KindPresence:
		return "presence"
	default:
		return "unknown"
	}
}

// ID identifies one queued event. IDs are never reused within a queue.
type ID uint64

// Decider is the decision surface of the approval an event may be backed
// by. Approve and Reject finalize the underlying dispatch operation;
// SetAutoApproved records that a subsequent approval was not triggered by
// a user action.
type Decider interface {
	Approve()
	Reject()
	SetAutoApproved()
}

// Event is one pending notification. Events are owned exclusively by the
// Queue that created them; everything outside the queue holds non-owning
// references and mutates events only through queue operations.
type Event struct {
	Kind    Kind
	Icon    string
	Header  string
	Message string

	// MustAck marks events that stay queued until explicitly removed or
	// activated. Events without it are auto-removed after a short delay.
	MustAck bool

	// Contact is the remote contact the event is about, if resolved.
	Contact *dispatch.Contact

	id        ID
	decider   Decider
	activate  func(*Event)
	inhibited bool
	expire    *time.Timer
}

// ID returns the event's queue-assigned id.
func (ev *Event) ID() ID { return ev.id }

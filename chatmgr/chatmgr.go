// Package chatmgr implements the handler side of text-channel dispatch:
// already-approved chats are deduplicated against open conversations,
// closed chats are tracked for undo, and the handled-channel count that
// gates process exit is maintained.
package chatmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chrisinvisible/empathy-sub001/dispatch"
	"github.com/chrisinvisible/empathy-sub001/internal/sigs"
	"github.com/decred/slog"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	// maxClosedChats bounds the undo-close stack. The oldest record is
	// dropped once the bound is exceeded.
	maxClosedChats = 10

	// joinRoomTimeout bounds how long a room join waits for the account
	// to reach a connected state.
	joinRoomTimeout = 5 * time.Second
)

// ErrNoClosedChats is returned by UndoLastClosed when the undo stack is
// empty.
var ErrNoClosedChats = errors.New("no closed chats to reopen")

// ChatRef identifies one conversation: an account plus a remote target.
type ChatRef struct {
	Account dispatch.AccountID
	Target  string
	IsRoom  bool
}

// Conversation is an open conversation window.
type Conversation interface {
	// Attach binds a text channel to the conversation. Called again
	// with a fresh channel when one arrives for an already-open chat
	// (e.g. after a reconnect).
	Attach(ch dispatch.TextChannel)
}

// Config holds the configuration for a Manager.
type Config struct {
	// Bus, when set, is used by Run to register the manager as the
	// handler of record for text channels.
	Bus dispatch.Bus

	// NewConversation opens a conversation window for the given chat.
	// It is called with the manager's internal lock held and must not
	// call back into the manager.
	NewConversation func(ref ChatRef) Conversation

	// Requester re-requests channels for the undo-close and room-join
	// flows.
	Requester dispatch.ChannelRequester

	// Accounts reports account connectivity for the room-join wait.
	Accounts dispatch.AccountMonitor

	// Logger logs manager operations. If nil, logging is disabled.
	Logger slog.Logger
}

// Manager tracks open conversations keyed by (account, target). At most
// one conversation exists per key at any observable point.
type Manager struct {
	cfg Config
	log slog.Logger

	mtx        sync.Mutex
	open       *orderedmap.OrderedMap[ChatRef, Conversation]
	closed     []ChatRef
	numHandled int

	closedChanged  sigs.Registry[int]
	handledChanged sigs.Registry[int]
}

// NewManager creates a Manager. NewConversation, Requester and Accounts
// are required.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.NewConversation == nil {
		return nil, errors.New("config lacks a NewConversation func")
	}
	if cfg.Requester == nil {
		return nil, errors.New("config lacks a channel Requester")
	}
	if cfg.Accounts == nil {
		return nil, errors.New("config lacks an account monitor")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Disabled
	}
	return &Manager{
		cfg:  cfg,
		log:  log,
		open: orderedmap.New[ChatRef, Conversation](),
	}, nil
}

// Filters returns the filters the manager registers as handler for.
func Filters() []dispatch.ChannelFilter {
	return []dispatch.ChannelFilter{
		{Channel: dispatch.ChannelTypeText, Target: dispatch.HandleTypeContact},
		{Channel: dispatch.ChannelTypeText, Target: dispatch.HandleTypeRoom},
	}
}

// Run registers the manager as the text-channel handler with the bus and
// blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.Bus == nil {
		return errors.New("config lacks a Bus")
	}
	unreg, err := m.cfg.Bus.RegisterHandler(Filters(), m)
	if err != nil {
		return fmt.Errorf("unable to register handler: %w", err)
	}
	<-ctx.Done()
	unreg()
	return ctx.Err()
}

// OnClosedChatsChanged registers f to be called synchronously with the
// new undo-stack depth whenever it changes.
func (m *Manager) OnClosedChatsChanged(f func(int)) sigs.Registration {
	return m.closedChanged.RegisterSync(f)
}

// OnHandledChatsChanged registers f to be called synchronously with the
// new handled-channel count on every transition. A count of zero means
// the process may exit safely.
func (m *Manager) OnHandledChatsChanged(f func(int)) sigs.Registration {
	return m.handledChanged.RegisterSync(f)
}

// HandleChannel implements dispatch.Handler.
func (m *Manager) HandleChannel(ctx context.Context, acct dispatch.AccountID,
	ch dispatch.Channel, userActionTime time.Time) error {

	tc, ok := ch.(dispatch.TextChannel)
	if !ok {
		return fmt.Errorf("refusing non-text channel %s: %w", ch.Type(),
			dispatch.ErrUnknownChannelType)
	}
	m.Handle(acct, tc, userActionTime)
	return nil
}

// Handle accepts an already-approved text channel. A conversation
// already open for (account, target) has the channel attached to it;
// otherwise a new conversation is opened. Channels still carrying a
// pending room invite for the local user are joined immediately, since
// the invite was approved upstream.
func (m *Manager) Handle(acct dispatch.AccountID, ch dispatch.TextChannel,
	userActionTime time.Time) {

	ref := ChatRef{
		Account: acct,
		Target:  ch.TargetID(),
		IsRoom:  ch.TargetType() == dispatch.HandleTypeRoom,
	}

	m.mtx.Lock()
	conv, ok := m.open.Get(ref)
	if !ok {
		conv = m.cfg.NewConversation(ref)
		m.open.Set(ref, conv)
	}
	m.numHandled++
	handled := m.numHandled
	m.mtx.Unlock()

	if ok {
		m.log.Debugf("Reusing open conversation for %s:%s", acct, ref.Target)
	} else {
		m.log.Debugf("Opened conversation for %s:%s", acct, ref.Target)
	}
	conv.Attach(ch)

	if group, isGroup := ch.Group(); isGroup && group.SelfLocalPending {
		// The invitation was already approved upstream; don't wait for
		// another user action to join.
		if err := ch.Join(ch.Context()); err != nil {
			m.log.Errorf("Unable to join room %s: %v", ref.Target, err)
		}
	}

	go func() {
		<-ch.Context().Done()
		m.channelInvalidated(ref)
	}()

	m.handledChanged.Notify(handled)
}

// channelInvalidated accounts for a handled channel closed by either
// side.
func (m *Manager) channelInvalidated(ref ChatRef) {
	m.mtx.Lock()
	m.numHandled--
	handled := m.numHandled
	m.mtx.Unlock()
	m.log.Debugf("Channel for %s:%s invalidated (%d still handled)",
		ref.Account, ref.Target, handled)
	m.handledChanged.Notify(handled)
}

// Closed records that the conversation for ref was closed by the user,
// making it available to UndoLastClosed.
func (m *Manager) Closed(ref ChatRef) {
	m.mtx.Lock()
	m.open.Delete(ref)
	m.closed = append(m.closed, ref)
	if len(m.closed) > maxClosedChats {
		m.closed = m.closed[1:]
	}
	depth := len(m.closed)
	m.mtx.Unlock()
	m.closedChanged.Notify(depth)
}

// UndoLastClosed reopens the most recently closed chat: rooms are
// re-joined, direct chats re-requested.
func (m *Manager) UndoLastClosed(ctx context.Context, userActionTime time.Time) error {
	m.mtx.Lock()
	if len(m.closed) == 0 {
		m.mtx.Unlock()
		return ErrNoClosedChats
	}
	ref := m.closed[len(m.closed)-1]
	m.closed = m.closed[:len(m.closed)-1]
	depth := len(m.closed)
	m.mtx.Unlock()
	m.closedChanged.Notify(depth)

	if ref.IsRoom {
		return m.JoinRoom(ctx, ref.Account, ref.Target, userActionTime)
	}
	return m.cfg.Requester.EnsureTextChat(ctx, ref.Account, ref.Target,
		userActionTime)
}

// JoinRoom requests a room channel once the account is connected. The
// connected wait is bounded; a terminal disconnected state or the bound
// elapsing aborts the join.
func (m *Manager) JoinRoom(ctx context.Context, acct dispatch.AccountID,
	room string, userActionTime time.Time) error {

	waitCtx, cancel := context.WithTimeout(ctx, joinRoomTimeout)
	defer cancel()
	if err := m.cfg.Accounts.WaitConnected(waitCtx, acct); err != nil {
		return fmt.Errorf("account %s did not connect: %w", acct, err)
	}
	return m.cfg.Requester.EnsureRoom(ctx, acct, room, userActionTime)
}

// NumHandled returns the number of currently handled channels.
func (m *Manager) NumHandled() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.numHandled
}

// NumClosed returns the depth of the undo-close stack.
func (m *Manager) NumClosed() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.closed)
}

// OpenChats returns the open conversation keys in opening order.
func (m *Manager) OpenChats() []ChatRef {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	res := make([]ChatRef, 0, m.open.Len())
	for pair := m.open.Oldest(); pair != nil; pair = pair.Next() {
		res = append(res, pair.Key)
	}
	return res
}

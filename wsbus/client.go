// Package wsbus implements the session-bus binding of the dispatch
// contracts: a JSON-over-websocket peer that registers approvers and
// handlers with the dispatch daemon, receives offers and channel traffic
// and issues the terminal handle-with/claim calls.
package wsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chrisinvisible/empathy-sub001/dispatch"
	"github.com/decred/slog"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second

	// chanMsgBacklog bounds how many undelivered messages a single text
	// channel may accumulate before the read loop stalls on it.
	chanMsgBacklog = 256
)

// errClientDone is returned by requests outstanding when the connection
// shuts down.
var errClientDone = errors.New("bus client done")

// Config holds the configuration for a bus Client.
type Config struct {
	// Addr is the websocket URL of the dispatch daemon.
	Addr string

	// OnSubscriptionRequest, when set, is called for incoming presence
	// subscription requests.
	OnSubscriptionRequest func(acct dispatch.AccountID, contact *dispatch.Contact, message string)

	// Logger logs client operations. If nil, logging is disabled.
	Logger slog.Logger
}

// Client is a connected bus peer. It implements dispatch.Bus,
// dispatch.ContactResolver, dispatch.AccountMonitor and
// dispatch.ChannelRequester.
type Client struct {
	cfg  Config
	log  slog.Logger
	conn *websocket.Conn

	nextSeq atomic.Uint64
	reqs    *xsync.MapOf[uint64, chan wireMsg]
	done    chan struct{}

	writeMtx sync.Mutex

	mtx      sync.Mutex
	approver dispatch.Approver
	handler  dispatch.Handler
	ops      map[string]*busOperation
	channels map[string]dispatch.Channel
}

// Dial connects to the dispatch daemon at cfg.Addr. The returned client
// only processes traffic once Run is called.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Disabled
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.Addr, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to dial bus at %s: %w", cfg.Addr, err)
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		conn:     conn,
		reqs:     xsync.NewMapOf[uint64, chan wireMsg](),
		done:     make(chan struct{}),
		ops:      make(map[string]*busOperation),
		channels: make(map[string]dispatch.Channel),
	}, nil
}

// Run processes the connection until ctx is done or the connection
// fails. Outstanding requests and live operations are failed on exit.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.readLoop()
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(pingInterval):
			}
			err := c.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(writeTimeout))
			if err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		// Unblocks the read loop.
		return c.conn.Close()
	})

	err := g.Wait()
	close(c.done)

	// Fail anything still in flight and invalidate live state.
	c.reqs.Range(func(seq uint64, ch chan wireMsg) bool {
		c.reqs.Delete(seq)
		return true
	})
	c.mtx.Lock()
	ops := c.ops
	c.ops = make(map[string]*busOperation)
	chans := c.channels
	c.channels = make(map[string]dispatch.Channel)
	c.mtx.Unlock()
	for _, op := range ops {
		op.cancel()
	}
	for _, ch := range chans {
		switch bc := ch.(type) {
		case *busTextChannel:
			bc.cancel()
		case *busCallChannel:
			bc.cancel()
		case *busFileChannel:
			bc.cancel()
		}
	}
	return err
}

// write sends one message, serializing access to the connection.
func (c *Client) write(msg wireMsg) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// notify sends a message that expects no reply.
func (c *Client) notify(typ string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.write(wireMsg{Type: typ, Payload: raw})
}

// request sends a message and waits for the matching reply. A non-empty
// reply error is returned as an error; res, when non-nil, receives the
// decoded reply payload.
func (c *Client) request(ctx context.Context, typ string, payload, res interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	seq := c.nextSeq.Add(1)
	replyChan := make(chan wireMsg, 1)
	c.reqs.Store(seq, replyChan)
	defer c.reqs.Delete(seq)

	if err := c.write(wireMsg{Type: typ, Seq: seq, Payload: raw}); err != nil {
		return err
	}

	var reply wireMsg
	select {
	case reply = <-replyChan:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errClientDone
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	if res != nil && len(reply.Payload) > 0 {
		return json.Unmarshal(reply.Payload, res)
	}
	return nil
}

func (c *Client) readLoop() error {
	for {
		var msg wireMsg
		if err := c.conn.ReadJSON(&msg); err != nil {
			return err
		}
		if err := c.handleMsg(msg); err != nil {
			c.log.Warnf("Unable to handle %s message: %v", msg.Type, err)
		}
	}
}

func (c *Client) handleMsg(msg wireMsg) error {
	switch msg.Type {
	case msgReply:
		if replyChan, ok := c.reqs.LoadAndDelete(msg.Seq); ok {
			replyChan <- msg
		}
		return nil

	case msgNewDispatch:
		var wd wireDispatch
		if err := json.Unmarshal(msg.Payload, &wd); err != nil {
			return err
		}
		return c.onNewDispatch(wd)

	case msgChannelMessage:
		var wm wireChannelMessage
		if err := json.Unmarshal(msg.Payload, &wm); err != nil {
			return err
		}
		c.mtx.Lock()
		ch := c.channels[wm.Channel]
		c.mtx.Unlock()
		tc, ok := ch.(*busTextChannel)
		if !ok {
			return fmt.Errorf("message for unknown text channel %s", wm.Channel)
		}
		tc.enqueue(dispatch.Message{
			SenderID:    wm.SenderID,
			SenderAlias: wm.SenderAlias,
			Text:        wm.Text,
			Received:    wm.Received,
		})
		return nil

	case msgChannelProperties:
		var wp wireChannelProperties
		if err := json.Unmarshal(msg.Payload, &wp); err != nil {
			return err
		}
		c.mtx.Lock()
		ch := c.channels[wp.Channel]
		c.mtx.Unlock()
		if cc, ok := ch.(*busCallChannel); ok && wp.Video != nil {
			cc.setVideo(*wp.Video)
		}
		return nil

	case msgInvalidated:
		var wi wireInvalidated
		if err := json.Unmarshal(msg.Payload, &wi); err != nil {
			return err
		}
		c.onInvalidated(wi)
		return nil

	case msgHandleChannel:
		var wh wireHandleChannel
		if err := json.Unmarshal(msg.Payload, &wh); err != nil {
			return err
		}
		return c.onHandleChannel(wh)

	case msgSubscriptionRequest:
		var ws wireSubscriptionRequest
		if err := json.Unmarshal(msg.Payload, &ws); err != nil {
			return err
		}
		if c.cfg.OnSubscriptionRequest != nil {
			contact := &dispatch.Contact{
				ID:     ws.Contact.ID,
				Alias:  ws.Contact.Alias,
				Handle: ws.Contact.Handle,
			}
			go c.cfg.OnSubscriptionRequest(dispatch.AccountID(ws.Account),
				contact, ws.Message)
		}
		return nil

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// buildChannel creates the typed client-side channel view for one wire
// channel announcement.
func (c *Client) buildChannel(wc wireChannel) dispatch.Channel {
	ctx, cancel := context.WithCancel(context.Background())
	base := busChannel{
		c:            c,
		id:           wc.ID,
		acct:         dispatch.AccountID(wc.Account),
		typ:          dispatch.ChannelType(wc.Type),
		targetType:   dispatch.HandleType(wc.TargetType),
		targetID:     wc.TargetID,
		targetHandle: wc.TargetHandle,
		ctx:          ctx,
		cancel:       cancel,
	}
	switch base.typ {
	case dispatch.ChannelTypeText:
		tc := &busTextChannel{busChannel: base}
		if wc.Group != nil {
			tc.group = &dispatch.GroupState{
				SelfLocalPending: wc.Group.SelfLocalPending,
				InviterHandle:    wc.Group.InviterHandle,
				InviteMessage:    wc.Group.InviteMessage,
			}
		}
		tc.msgs = make(chan dispatch.Message, chanMsgBacklog)
		go tc.deliverLoop()
		return tc
	case dispatch.ChannelTypeStreamedMedia:
		cc := &busCallChannel{busChannel: base, videoSet: make(chan struct{})}
		if wc.Video != nil {
			cc.setVideo(*wc.Video)
		}
		return cc
	case dispatch.ChannelTypeFileTransfer:
		return &busFileChannel{busChannel: base, filename: wc.Filename, size: wc.Size}
	default:
		return &base
	}
}

func (c *Client) onNewDispatch(wd wireDispatch) error {
	c.mtx.Lock()
	approver := c.approver
	if approver == nil {
		c.mtx.Unlock()
		return fmt.Errorf("dispatch offer %s with no approver registered",
			wd.Operation)
	}
	ctx, cancel := context.WithCancel(context.Background())
	op := &busOperation{c: c, id: wd.Operation, ctx: ctx, cancel: cancel}
	for _, wc := range wd.Channels {
		ch := c.buildChannel(wc)
		c.channels[wc.ID] = ch
		op.channels = append(op.channels, ch)
	}
	c.ops[wd.Operation] = op
	c.mtx.Unlock()

	// The approver may issue bus requests of its own, so it cannot run
	// on the read loop.
	go func() {
		if err := approver.AddDispatchOperation(op); err != nil {
			c.log.Debugf("Approver failed dispatch operation %s: %v",
				op.id, err)
			sendErr := c.notify(msgFailDispatch, wireOperationRef{
				Operation: op.id,
				Error:     err.Error(),
			})
			if sendErr != nil {
				c.log.Warnf("Unable to fail dispatch operation %s: %v",
					op.id, sendErr)
			}
		}
	}()
	return nil
}

func (c *Client) onInvalidated(wi wireInvalidated) {
	c.mtx.Lock()
	var cancels []func()
	if wi.Operation != "" {
		if op, ok := c.ops[wi.Operation]; ok {
			delete(c.ops, wi.Operation)
			cancels = append(cancels, op.cancel)
		}
	}
	if wi.Channel != "" {
		if ch, ok := c.channels[wi.Channel]; ok {
			delete(c.channels, wi.Channel)
			switch bc := ch.(type) {
			case *busTextChannel:
				cancels = append(cancels, bc.cancel)
			case *busCallChannel:
				cancels = append(cancels, bc.cancel)
			case *busFileChannel:
				cancels = append(cancels, bc.cancel)
			case *busChannel:
				cancels = append(cancels, bc.cancel)
			}
		}
	}
	c.mtx.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if wi.Reason != "" {
		c.log.Debugf("Invalidated op=%q chan=%q: %s", wi.Operation,
			wi.Channel, wi.Reason)
	}
}

func (c *Client) onHandleChannel(wh wireHandleChannel) error {
	c.mtx.Lock()
	handler := c.handler
	ch, ok := c.channels[wh.Channel.ID]
	if !ok {
		ch = c.buildChannel(wh.Channel)
		c.channels[wh.Channel.ID] = ch
	}
	c.mtx.Unlock()
	if handler == nil {
		return fmt.Errorf("channel %s offered with no handler registered",
			wh.Channel.ID)
	}
	go func() {
		err := handler.HandleChannel(ch.Context(),
			dispatch.AccountID(wh.Account), ch, wh.UserActionTime)
		if err != nil {
			c.log.Errorf("Handler refused channel %s: %v", wh.Channel.ID, err)
		}
	}()
	return nil
}

// RegisterApprover implements dispatch.Bus.
func (c *Client) RegisterApprover(filters []dispatch.ChannelFilter,
	a dispatch.Approver) (func(), error) {

	err := c.request(context.Background(), msgRegisterApprover,
		registerPayload(filters), nil)
	if err != nil {
		return nil, err
	}
	c.mtx.Lock()
	c.approver = a
	c.mtx.Unlock()
	return func() {
		c.mtx.Lock()
		c.approver = nil
		c.mtx.Unlock()
		if err := c.notify(msgUnregisterApprover, wireRegister{}); err != nil {
			c.log.Warnf("Unable to unregister approver: %v", err)
		}
	}, nil
}

// RegisterHandler implements dispatch.Bus.
func (c *Client) RegisterHandler(filters []dispatch.ChannelFilter,
	h dispatch.Handler) (func(), error) {

	err := c.request(context.Background(), msgRegisterHandler,
		registerPayload(filters), nil)
	if err != nil {
		return nil, err
	}
	c.mtx.Lock()
	c.handler = h
	c.mtx.Unlock()
	return func() {
		c.mtx.Lock()
		c.handler = nil
		c.mtx.Unlock()
		if err := c.notify(msgUnregisterHandler, wireRegister{}); err != nil {
			c.log.Warnf("Unable to unregister handler: %v", err)
		}
	}, nil
}

func registerPayload(filters []dispatch.ChannelFilter) wireRegister {
	var reg wireRegister
	for _, f := range filters {
		reg.Filters = append(reg.Filters, wireFilter{
			Channel: string(f.Channel),
			Target:  string(f.Target),
		})
	}
	return reg
}

// ContactByID implements dispatch.ContactResolver.
func (c *Client) ContactByID(ctx context.Context, acct dispatch.AccountID,
	id string) (*dispatch.Contact, error) {

	var res wireContact
	err := c.request(ctx, msgContactByID,
		wireContactQuery{Account: string(acct), ID: id}, &res)
	if err != nil {
		return nil, err
	}
	return &dispatch.Contact{ID: res.ID, Alias: res.Alias, Handle: res.Handle}, nil
}

// ContactByHandle implements dispatch.ContactResolver.
func (c *Client) ContactByHandle(ctx context.Context, acct dispatch.AccountID,
	handle uint64) (*dispatch.Contact, error) {

	var res wireContact
	err := c.request(ctx, msgContactByHandle,
		wireContactQuery{Account: string(acct), Handle: handle}, &res)
	if err != nil {
		return nil, err
	}
	return &dispatch.Contact{ID: res.ID, Alias: res.Alias, Handle: res.Handle}, nil
}

// WaitConnected implements dispatch.AccountMonitor. The reply arrives
// once the account connects; terminal disconnects reply with an error.
func (c *Client) WaitConnected(ctx context.Context, acct dispatch.AccountID) error {
	return c.request(ctx, msgWaitConnected, wireAccountRef{Account: string(acct)}, nil)
}

// EnsureTextChat implements dispatch.ChannelRequester.
func (c *Client) EnsureTextChat(ctx context.Context, acct dispatch.AccountID,
	contactID string, userActionTime time.Time) error {

	return c.request(ctx, msgEnsureTextChat, wireChannelRequest{
		Account: string(acct),
		Target:  contactID,
		Time:    userActionTime,
	}, nil)
}

// EnsureRoom implements dispatch.ChannelRequester.
func (c *Client) EnsureRoom(ctx context.Context, acct dispatch.AccountID,
	roomID string, userActionTime time.Time) error {

	return c.request(ctx, msgEnsureRoom, wireChannelRequest{
		Account: string(acct),
		Target:  roomID,
		Time:    userActionTime,
	}, nil)
}

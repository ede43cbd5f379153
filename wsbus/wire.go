package wsbus

import (
	"encoding/json"
	"time"
)

// Wire message types sent by the client.
const (
	msgRegisterApprover   = "register_approver"
	msgUnregisterApprover = "unregister_approver"
	msgRegisterHandler    = "register_handler"
	msgUnregisterHandler  = "unregister_handler"
	msgHandleWithTime     = "handle_with_time"
	msgHandleWith         = "handle_with"
	msgClaim              = "claim"
	msgFailDispatch       = "fail_dispatch"
	msgCloseChannel       = "close_channel"
	msgLeaveChannel       = "leave_channel"
	msgJoinChannel        = "join_channel"
	msgContactByID        = "contact_by_id"
	msgContactByHandle    = "contact_by_handle"
	msgWaitConnected      = "wait_connected"
	msgEnsureTextChat     = "ensure_text_chat"
	msgEnsureRoom         = "ensure_room"
)

// Wire message types sent by the service.
const (
	msgReply               = "reply"
	msgNewDispatch         = "new_dispatch"
	msgChannelMessage      = "channel_message"
	msgChannelProperties   = "channel_properties"
	msgInvalidated         = "invalidated"
	msgHandleChannel       = "handle_channel"
	msgSubscriptionRequest = "subscription_request"
)

// errTimedUnsupported is the reply error the service sends when it only
// implements the plain handle call.
const errTimedUnsupported = "timed-handling-unsupported"

// wireMsg is the envelope of every message on the bus connection.
// Requests carry a non-zero Seq echoed back in the matching reply.
type wireMsg struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wireFilter struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
}

type wireRegister struct {
	Filters []wireFilter `json:"filters"`
}

type wireGroup struct {
	SelfLocalPending bool   `json:"self_local_pending"`
	InviterHandle    uint64 `json:"inviter_handle"`
	InviteMessage    string `json:"invite_message,omitempty"`
}

type wireChannel struct {
	ID           string     `json:"id"`
	Account      string     `json:"account"`
	Type         string     `json:"channel_type"`
	TargetType   string     `json:"target_type"`
	TargetID     string     `json:"target_id"`
	TargetHandle uint64     `json:"target_handle"`
	Group        *wireGroup `json:"group,omitempty"`

	// File transfer properties.
	Filename string `json:"filename,omitempty"`
	Size     uint64 `json:"size,omitempty"`

	// Call properties. Video is nil until the property is known.
	Video *bool `json:"video,omitempty"`
}

type wireDispatch struct {
	Operation string        `json:"operation"`
	Channels  []wireChannel `json:"channels"`
}

type wireOperationRef struct {
	Operation string    `json:"operation"`
	Time      time.Time `json:"time,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type wireChannelRef struct {
	Channel string `json:"channel"`
	Reason  string `json:"reason,omitempty"`
}

type wireChannelMessage struct {
	Channel     string    `json:"channel"`
	SenderID    string    `json:"sender_id"`
	SenderAlias string    `json:"sender_alias,omitempty"`
	Text        string    `json:"text"`
	Received    time.Time `json:"received"`
}

type wireChannelProperties struct {
	Channel string `json:"channel"`
	Video   *bool  `json:"video,omitempty"`
}

type wireInvalidated struct {
	Operation string `json:"operation,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type wireContactQuery struct {
	Account string `json:"account"`
	ID      string `json:"id,omitempty"`
	Handle  uint64 `json:"handle,omitempty"`
}

type wireContact struct {
	ID     string `json:"id"`
	Alias  string `json:"alias,omitempty"`
	Handle uint64 `json:"handle"`
}

type wireAccountRef struct {
	Account string `json:"account"`
}

type wireChannelRequest struct {
	Account string    `json:"account"`
	Target  string    `json:"target"`
	Time    time.Time `json:"time,omitempty"`
}

type wireHandleChannel struct {
	Account        string      `json:"account"`
	Channel        wireChannel `json:"channel"`
	UserActionTime time.Time   `json:"user_action_time,omitempty"`
}

type wireSubscriptionRequest struct {
	Account string      `json:"account"`
	Contact wireContact `json:"contact"`
	Message string      `json:"message,omitempty"`
}

// Package transport defines the event/action contract the dispatcher
// consumes from an external transport adapter. The adapter itself
// (OneBot-shaped wire format, reconnect logic, rate limiting) is out of
// scope here — this package only fixes the Go-level shapes
// the core depends on; a reference websocket adapter and a test double
// live in its sub-packages wsadapter and transporttest.
package transport

import "context"

// MessageType distinguishes group chat from private chat.
type MessageType string

const (
	MessageGroup   MessageType = "group"
	MessagePrivate MessageType = "private"
)

// Segment is one structured message segment. The
// structured sequence is authoritative; RawMessage is a fallback view.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Message carries the fields of a message event.
type Message struct {
	UserID       int64     `json:"userId"`
	GroupID      int64     `json:"groupId"`
	MessageType  MessageType `json:"messageType"`
	RawMessage   string    `json:"rawMessage"`
	Segments     []Segment `json:"message"`
	AtBot        bool      `json:"atBot,omitempty"`
	SelfID       int64     `json:"selfId"`
	ReplyMessage *Message  `json:"replyMessage,omitempty"`
}

// Notice carries the fields of a notice event.
type Notice struct {
	NoticeType string `json:"noticeType"`
	GroupID    int64  `json:"groupId"`
	UserID     int64  `json:"userId"`
	SelfID     int64  `json:"selfId"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// MetaEventType enumerates the meta_event sub-kinds the host reacts to.
type MetaEventType string

const (
	MetaTick      MetaEventType = "tick"
	MetaHeartbeat MetaEventType = "heartbeat"
)

// MetaEvent carries the fields of a meta_event.
type MetaEvent struct {
	MetaEventType MetaEventType `json:"metaEventType"`
}

// Command carries a pre-parsed command invocation.
type Command struct {
	CommandName  string   `json:"command"`
	UserID       int64    `json:"userId"`
	GroupID      int64    `json:"groupId"`
	Content      string   `json:"content"`
	ReplyMessage *Message `json:"replyMessage,omitempty"`
}

// InboundKind tags which variant an InboundEvent carries.
type InboundKind string

const (
	InboundMessage   InboundKind = "message"
	InboundNotice    InboundKind = "notice"
	InboundMeta      InboundKind = "meta_event"
	InboundCommand   InboundKind = "command"
)

// InboundEvent is the normalized event shape the dispatcher consumes.
// Exactly one of Message/Notice/Meta/Command is populated, selected by
// Kind.
type InboundEvent struct {
	Kind    InboundKind
	Message *Message
	Notice  *Notice
	Meta    *MetaEvent
	Command *Command
}

// OutboundKind tags the shape of an outbound action.
type OutboundKind string

const (
	OutboundSendMessage     OutboundKind = "send_message"
	OutboundSendReply       OutboundKind = "send_reply"
	OutboundSendForward     OutboundKind = "send_forward_message"
	OutboundCallAPI         OutboundKind = "call_api"
)

// OutboundAction is an enqueued action produced by a capability call;
// the transport sink is only asked to dispatch-ack it.
type OutboundAction struct {
	Kind    OutboundKind
	Action  string // OneBot action name, populated for OutboundCallAPI
	GroupID int64
	UserID  int64
	Content any
	Params  map[string]any
}

// Source is satisfied by a transport adapter that feeds normalized
// events into the dispatcher.
type Source interface {
	Events() <-chan InboundEvent
}

// Sink is satisfied by a transport adapter that accepts outbound
// actions produced by plugin capability calls.
type Sink interface {
	Dispatch(ctx context.Context, action OutboundAction) error
}

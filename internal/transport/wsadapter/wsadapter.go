// Package wsadapter is a reference transport adapter that speaks to an
// external OneBot-compatible process over a gorilla/websocket
// connection. It is reference glue, not a specified contract — the
// dispatcher only depends on transport.Source/transport.Sink.
package wsadapter

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yukmakoto/nBot/internal/transport"
)

// wireEvent is the minimal OneBot-shaped envelope read off the socket;
// PostType selects which of the typed fields to decode from Raw.
type wireEvent struct {
	PostType string          `json:"post_type"`
	Raw      json.RawMessage `json:"-"`
}

// Adapter owns one websocket connection and translates frames in both
// directions.
type Adapter struct {
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	events chan transport.InboundEvent

	mu     sync.Mutex
	closed bool
}

// Dial connects to an external OneBot-compatible endpoint and starts
// the read pump.
func Dial(ctx context.Context, url string, logger *zap.SugaredLogger) (*Adapter, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	a := &Adapter{conn: conn, logger: logger, events: make(chan transport.InboundEvent, 256)}
	go a.readPump()
	return a, nil
}

func (a *Adapter) readPump() {
	defer close(a.events)
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			a.logger.Warnw("websocket adapter read error, closing", "error", err)
			return
		}
		ev, ok := decode(data)
		if !ok {
			continue
		}
		a.events <- ev
	}
}

func decode(data []byte) (transport.InboundEvent, bool) {
	var env struct {
		PostType    string `json:"post_type"`
		MessageType string `json:"message_type"`
		NoticeType  string `json:"notice_type"`
		MetaEventType string `json:"meta_event_type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return transport.InboundEvent{}, false
	}
	switch env.PostType {
	case "message":
		var m transport.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return transport.InboundEvent{}, false
		}
		return transport.InboundEvent{Kind: transport.InboundMessage, Message: &m}, true
	case "notice":
		var n transport.Notice
		if err := json.Unmarshal(data, &n); err != nil {
			return transport.InboundEvent{}, false
		}
		return transport.InboundEvent{Kind: transport.InboundNotice, Notice: &n}, true
	case "meta_event":
		var m transport.MetaEvent
		if err := json.Unmarshal(data, &m); err != nil {
			return transport.InboundEvent{}, false
		}
		return transport.InboundEvent{Kind: transport.InboundMeta, Meta: &m}, true
	default:
		return transport.InboundEvent{}, false
	}
}

// Events implements transport.Source.
func (a *Adapter) Events() <-chan transport.InboundEvent { return a.events }

// Dispatch implements transport.Sink by re-encoding the action as a
// OneBot call_api frame.
func (a *Adapter) Dispatch(_ context.Context, action transport.OutboundAction) error {
	frame := map[string]any{
		"action": resolveAction(action),
		"params": resolveParams(action),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return websocket.ErrCloseSent
	}
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func resolveAction(action transport.OutboundAction) string {
	switch action.Kind {
	case transport.OutboundCallAPI:
		return action.Action
	case transport.OutboundSendForward:
		return "send_forward_msg"
	default:
		return "send_msg"
	}
}

func resolveParams(action transport.OutboundAction) map[string]any {
	if action.Kind == transport.OutboundCallAPI {
		return action.Params
	}
	p := map[string]any{"message": action.Content}
	if action.GroupID != 0 {
		p["group_id"] = action.GroupID
	}
	if action.UserID != 0 {
		p["user_id"] = action.UserID
	}
	return p
}

// Close closes the underlying connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return a.conn.Close()
}

// Package transporttest provides an in-memory transport.Source/Sink
// double so the dispatcher and capability surface can be driven in
// tests without a real websocket connection.
package transporttest

import (
	"context"
	"sync"

	"github.com/yukmakoto/nBot/internal/transport"
)

// Double is an in-process transport.Source and transport.Sink.
type Double struct {
	events chan transport.InboundEvent

	mu         sync.Mutex
	dispatched []transport.OutboundAction
}

// New returns a Double with a buffered event channel.
func New() *Double {
	return &Double{events: make(chan transport.InboundEvent, 64)}
}

// Events implements transport.Source.
func (d *Double) Events() <-chan transport.InboundEvent { return d.events }

// Push enqueues an inbound event as if the transport adapter had
// delivered it.
func (d *Double) Push(ev transport.InboundEvent) { d.events <- ev }

// Dispatch implements transport.Sink, recording the action for
// assertions.
func (d *Double) Dispatch(_ context.Context, action transport.OutboundAction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, action)
	return nil
}

// Dispatched returns every action recorded so far.
func (d *Double) Dispatched() []transport.OutboundAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]transport.OutboundAction, len(d.dispatched))
	copy(out, d.dispatched)
	return out
}

// Package dispatch fans inbound transport events out to every enabled
// plugin in a fixed order, applying veto-chain semantics where the
// contract calls for one, and isolates a faulting hook as a neutral
// vote rather than letting it abort the chain - the same isolation
// PluginManager.ProcessEvent applies per-plugin around executePlugin in
// the nicetooo adbGUI reference.
package dispatch

import (
	"context"
	"sort"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/yukmakoto/nBot/internal/broker"
	"github.com/yukmakoto/nBot/internal/registry"
	"github.com/yukmakoto/nBot/internal/sandbox"
	"github.com/yukmakoto/nBot/internal/transport"
)

// Dispatcher routes transport.InboundEvent values to sandboxes held by
// a registry.Registry, in a deterministic plugin-id order.
type Dispatcher struct {
	registry *registry.Registry
	logger   *zap.SugaredLogger
}

// New builds a Dispatcher over reg.
func New(reg *registry.Registry, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{registry: reg, logger: logger}
}

// orderedInstances returns every enabled sandbox sorted by plugin id so
// dispatch order is reproducible across runs.
func (d *Dispatcher) orderedInstances() []*sandbox.Instance {
	instances := d.registry.EnabledInstances()
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].PluginID() < instances[j].PluginID()
	})
	return instances
}

// Run consumes src until ctx is canceled, dispatching every event.
func (d *Dispatcher) Run(ctx context.Context, src transport.Source) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			d.Dispatch(ctx, ev)
		}
	}
}

// Dispatch routes a single event by kind.
func (d *Dispatcher) Dispatch(ctx context.Context, ev transport.InboundEvent) {
	switch ev.Kind {
	case transport.InboundMessage:
		if ev.Message != nil {
			d.dispatchMessage(ctx, *ev.Message)
		}
	case transport.InboundCommand:
		if ev.Command != nil {
			d.dispatchCommand(ctx, *ev.Command)
		}
	case transport.InboundNotice:
		if ev.Notice != nil {
			d.fanOut(ctx, sandbox.HookOnNotice, *ev.Notice)
		}
	case transport.InboundMeta:
		if ev.Meta != nil {
			d.fanOut(ctx, sandbox.HookOnMetaEvent, *ev.Meta)
		}
	}
}

// dispatchMessage runs the preMessage veto chain; a false return from
// any plugin stops further preMessage calls for this message. Hook
// faults never veto - they are logged and treated as an abstention.
func (d *Dispatcher) dispatchMessage(ctx context.Context, msg transport.Message) bool {
	for _, inst := range d.orderedInstances() {
		if !inst.HasHook(sandbox.HookPreMessage) {
			continue
		}
		v, err := inst.Invoke(ctx, sandbox.HookPreMessage, false, msg)
		if err != nil {
			d.logger.Warnw("preMessage hook faulted", "plugin", inst.PluginID(), "error", err)
			continue
		}
		if vetoed(v) {
			return false
		}
	}
	return true
}

// dispatchCommand runs the preCommand veto chain, then offers the
// command to every plugin that declared it until one reports it solved
// the command, mirroring a first-match command resolver.
func (d *Dispatcher) dispatchCommand(ctx context.Context, cmd transport.Command) {
	for _, inst := range d.orderedInstances() {
		if !lo.Contains(inst.Commands(), cmd.CommandName) {
			continue
		}
		if !inst.HasHook(sandbox.HookPreCommand) {
			continue
		}
		v, err := inst.Invoke(ctx, sandbox.HookPreCommand, false, cmd)
		if err != nil {
			d.logger.Warnw("preCommand hook faulted", "plugin", inst.PluginID(), "error", err)
			continue
		}
		if vetoed(v) {
			return
		}
	}

	candidates := lo.Filter(d.orderedInstances(), func(inst *sandbox.Instance, _ int) bool {
		return inst.HasHook(sandbox.HookOnCommand) && lo.Contains(inst.Commands(), cmd.CommandName)
	})
	for _, inst := range candidates {
		v, err := inst.Invoke(ctx, sandbox.HookOnCommand, false, cmd)
		if err != nil {
			d.logger.Warnw("onCommand hook faulted", "plugin", inst.PluginID(), "error", err)
			continue
		}
		if solved(v) {
			return
		}
	}
}

// fanOut calls name on every enabled plugin that defines it, in order,
// isolating per-plugin faults.
func (d *Dispatcher) fanOut(ctx context.Context, name sandbox.HookName, payload any) {
	for _, inst := range d.orderedInstances() {
		if !inst.HasHook(name) {
			continue
		}
		if _, err := inst.Invoke(ctx, name, false, payload); err != nil {
			d.logger.Warnw("hook faulted", "hook", name, "plugin", inst.PluginID(), "error", err)
		}
	}
}

// vetoed interprets a preMessage/preCommand return value: explicit
// `false` vetoes, anything else (including undefined/an object/an
// exception already isolated upstream) lets the chain continue.
func vetoed(v any) bool {
	b, ok := v.(bool)
	return ok && !b
}

// solved interprets an onCommand return value: `true`, or an object
// whose `solved` field is the boolean `true`, marks the command as
// handled; any other value (including a non-boolean truthy `solved`)
// does not.
func solved(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case map[string]any:
		b, _ := t["solved"].(bool)
		return b
	default:
		return false
	}
}

// AsyncResults implements broker.Deliverer, routing a resolved or
// timed-out async request back into the issuing plugin's
// onLlmResponse/onGroupInfoResponse hook.
type AsyncResults struct {
	registry *registry.Registry
	logger   *zap.SugaredLogger
}

// NewAsyncResults builds a broker.Deliverer over reg.
func NewAsyncResults(reg *registry.Registry, logger *zap.SugaredLogger) *AsyncResults {
	return &AsyncResults{registry: reg, logger: logger}
}

func (a *AsyncResults) DeliverAsyncResult(pluginID string, kind broker.Kind, requestID string, result broker.Result) {
	inst, ok := a.registry.InstanceFor(pluginID)
	if !ok {
		return
	}
	hook := sandbox.HookOnGroupInfoResponse
	if isLLMKind(kind) {
		hook = sandbox.HookOnLlmResponse
	}
	if !inst.HasHook(hook) {
		return
	}
	payload := map[string]any{
		"requestId": requestID,
		"kind":      string(kind),
		"success":   result.Success,
		"reason":    result.Reason,
		"payload":   result.Payload,
	}
	if _, err := inst.Invoke(context.Background(), hook, false, payload); err != nil {
		a.logger.Warnw("async response hook faulted", "hook", hook, "plugin", pluginID, "error", err)
	}
}

func isLLMKind(kind broker.Kind) bool {
	switch kind {
	case broker.KindLLMChat, broker.KindLLMChatWithSearch:
		return true
	default:
		return false
	}
}

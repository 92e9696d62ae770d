// Package sandbox runs one goja VM and one goja_nodejs event loop per
// enabled plugin, loads its entry per manifest.codeType, and resolves
// its hook table. It is the direct descendant of the engine abstraction
// in dice/jsengine: one Engine per process there, one Instance per
// plugin here, same goroutine+timeout+Interrupt discipline for bounding
// execution.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	fetch "github.com/fy0/gojax/fetch"
	"go.uber.org/zap"
	"gopkg.in/elazarl/goproxy.v1"

	"github.com/yukmakoto/nBot/internal/capability"
	"github.com/yukmakoto/nBot/internal/hosterr"
	"github.com/yukmakoto/nBot/internal/pkgstore"
)

// HookName names one slot of a plugin's hook table.
type HookName string

const (
	HookOnEnable            HookName = "onEnable"
	HookOnDisable           HookName = "onDisable"
	HookOnCommand           HookName = "onCommand"
	HookPreCommand          HookName = "preCommand"
	HookPreMessage          HookName = "preMessage"
	HookOnNotice            HookName = "onNotice"
	HookOnMetaEvent         HookName = "onMetaEvent"
	HookOnConfigUpdated     HookName = "onConfigUpdated"
	HookOnLlmResponse       HookName = "onLlmResponse"
	HookOnGroupInfoResponse HookName = "onGroupInfoResponse"
)

var allHooks = []HookName{
	HookOnEnable, HookOnDisable, HookOnCommand, HookPreCommand, HookPreMessage,
	HookOnNotice, HookOnMetaEvent, HookOnConfigUpdated, HookOnLlmResponse, HookOnGroupInfoResponse,
}

// Budget bounds execution time for one hook invocation.
type Budget struct {
	Sync     time.Duration
	Blocking time.Duration
}

// DefaultBudget matches the 5s synchronous / 120s blocking-capability
// ceilings.
func DefaultBudget() Budget {
	return Budget{Sync: 5 * time.Second, Blocking: 120 * time.Second}
}

// Instance is one sandboxed plugin: a single-threaded event loop owning
// exactly one goja.Runtime, reachable only through RunOnLoop.
type Instance struct {
	pluginID string
	commands []string
	loop     *eventloop.EventLoop
	logger   *zap.SugaredLogger
	budget   Budget

	mu      sync.Mutex
	hooks   map[HookName]goja.Callable
	ready   bool
	loadErr error
}

type printer struct {
	pluginID string
	logger   *zap.SugaredLogger
}

func (p *printer) Log(s string)   { p.logger.Infow(s, "plugin", p.pluginID) }
func (p *printer) Warn(s string)  { p.logger.Warnw(s, "plugin", p.pluginID) }
func (p *printer) Error(s string) { p.logger.Warnw("[js] "+s, "plugin", p.pluginID) }

// New constructs and starts a sandbox for one enabled plugin. entryDir
// is the directory pkgstore.Store.Dir returns for this manifest; capDeps
// is pre-filled except for the VM-specific fields Install touches.
func New(m pkgstore.Manifest, entryDir string, capDeps capability.Deps, logger *zap.SugaredLogger, budget Budget) (*Instance, error) {
	reg := require.NewRegistry(require.WithLoader(func(path string) ([]byte, error) {
		return os.ReadFile(filepath.Join(entryDir, path))
	}))

	loop := eventloop.NewEventLoop(
		eventloop.EnableConsole(false),
		eventloop.WithRegistry(reg),
		eventloop.WithLogger(logger),
	)

	inst := &Instance{
		pluginID: m.ID,
		commands: m.Commands,
		loop:     loop,
		logger:   logger,
		budget:   budget,
		hooks:    map[HookName]goja.Callable{},
	}

	loop.Start()

	done := make(chan struct{})
	loop.RunOnLoop(func(vm *goja.Runtime) {
		defer close(done)
		p := &printer{pluginID: m.ID, logger: logger}
		reg.RegisterNativeModule("console", console.RequireWithPrinter(p))
		console.Enable(vm)
		reg.Enable(vm)
		// A raw Promise-based fetch() global, separate from the
		// synchronous host.http_fetch capability: plugins that want
		// WHATWG-shaped networking can use either.
		_ = fetch.Enable(loop, goproxy.NewProxyHttpServer())

		capDeps.PluginID = m.ID
		capDeps.Logger = logger.With("plugin", m.ID)
		if err := capability.Install(vm, capDeps); err != nil {
			inst.loadErr = hosterr.Wrap(hosterr.HookFault, err, "install capability surface")
			return
		}

		exports, err := inst.loadEntry(vm, reg, m, entryDir)
		if err != nil {
			inst.loadErr = err
			return
		}
		inst.resolveHooks(vm, exports)
		inst.ready = true
	})
	<-done

	inst.mu.Lock()
	loadErr := inst.loadErr
	inst.mu.Unlock()
	if loadErr != nil {
		loop.Stop()
		return nil, loadErr
	}
	return inst, nil
}

func (inst *Instance) loadEntry(vm *goja.Runtime, reg *require.Registry, m pkgstore.Manifest, entryDir string) (*goja.Object, error) {
	switch m.CodeType {
	case pkgstore.CodeModule:
		requireFn, ok := goja.AssertFunction(vm.Get("require"))
		if !ok {
			return nil, hosterr.New(hosterr.HookFault, "require is not a function in plugin sandbox")
		}
		result, err := requireFn(goja.Undefined(), vm.ToValue("./"+filepath.ToSlash(filepath.Clean(m.Entry))))
		if err != nil {
			return nil, hosterr.Wrap(hosterr.HookFault, err, "require entry module")
		}
		obj := result.ToObject(vm)
		if obj == nil {
			return nil, hosterr.New(hosterr.HookFault, "entry module did not export an object")
		}
		if def := obj.Get("default"); def != nil && !goja.IsUndefined(def) && !goja.IsNull(def) {
			if defObj := def.ToObject(vm); defObj != nil {
				return defObj, nil
			}
		}
		return obj, nil
	default:
		source, err := os.ReadFile(filepath.Join(entryDir, m.Entry))
		if err != nil {
			return nil, hosterr.Wrap(hosterr.HookFault, err, "read script entry")
		}
		wrapped := wrapScript(string(source))
		v, err := vm.RunString(wrapped)
		if err != nil {
			return nil, hosterr.Wrap(hosterr.HookFault, err, "evaluate script entry")
		}
		obj := v.ToObject(vm)
		if obj == nil {
			return nil, hosterr.New(hosterr.HookFault, "script entry did not produce a hook table")
		}
		return obj, nil
	}
}

func wrapScript(source string) string {
	return fmt.Sprintf(`(function(){
%s
return {
  onEnable: typeof onEnable !== 'undefined' ? onEnable : undefined,
  onDisable: typeof onDisable !== 'undefined' ? onDisable : undefined,
  onCommand: typeof onCommand !== 'undefined' ? onCommand : undefined,
  preCommand: typeof preCommand !== 'undefined' ? preCommand : undefined,
  preMessage: typeof preMessage !== 'undefined' ? preMessage : undefined,
  onNotice: typeof onNotice !== 'undefined' ? onNotice : undefined,
  onMetaEvent: typeof onMetaEvent !== 'undefined' ? onMetaEvent : undefined,
  onConfigUpdated: typeof onConfigUpdated !== 'undefined' ? onConfigUpdated : (typeof updateConfig !== 'undefined' ? updateConfig : undefined),
  onLlmResponse: typeof onLlmResponse !== 'undefined' ? onLlmResponse : undefined,
  onGroupInfoResponse: typeof onGroupInfoResponse !== 'undefined' ? onGroupInfoResponse : undefined,
};
})()`, source)
}

func (inst *Instance) resolveHooks(vm *goja.Runtime, exports *goja.Object) {
	for _, name := range allHooks {
		v := exports.Get(string(name))
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			continue
		}
		if fn, ok := goja.AssertFunction(v); ok {
			inst.hooks[name] = fn
		}
	}
}

// HasHook reports whether the plugin defined a given hook.
func (inst *Instance) HasHook(name HookName) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	_, ok := inst.hooks[name]
	return ok
}

// Invoke calls a hook by name on the plugin's event loop and returns its
// exported return value. If the hook is undefined, Invoke returns a nil
// result and a nil error - callers treat an absent hook as a neutral
// vote. A panic, a thrown JS exception, or a budget overrun (which
// interrupts the running hook) all surface as a hosterr.HookFault and
// never escape to the caller as a runtime panic; a canceled ctx
// surfaces as a hosterr.Timeout.
func (inst *Instance) Invoke(ctx context.Context, name HookName, blocking bool, args ...any) (any, error) {
	inst.mu.Lock()
	fn, ok := inst.hooks[name]
	inst.mu.Unlock()
	if !ok {
		return nil, nil
	}

	budget := inst.budget.Sync
	if blocking {
		budget = inst.budget.Blocking
	}
	deadline := time.Now().Add(budget)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	started := make(chan *goja.Runtime, 1)

	inst.loop.RunOnLoop(func(vm *goja.Runtime) {
		vm.ClearInterrupt()
		started <- vm
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{nil, hosterr.New(hosterr.HookFault, fmt.Sprintf("%s panicked: %v", name, r))}
			}
		}()
		jsArgs := make([]goja.Value, len(args))
		for i, a := range args {
			jsArgs[i] = vm.ToValue(a)
		}
		v, err := fn(goja.Undefined(), jsArgs...)
		if err != nil {
			done <- outcome{nil, hosterr.Wrap(hosterr.HookFault, err, string(name)+" raised an exception")}
			return
		}
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			done <- outcome{nil, nil}
			return
		}
		done <- outcome{v.Export(), nil}
	})

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case o := <-done:
		return o.val, o.err
	case <-timer.C:
		select {
		case vm := <-started:
			vm.Interrupt("hook execution budget exceeded")
		default:
		}
		return nil, hosterr.New(hosterr.HookFault, string(name)+" exceeded its execution budget")
	case <-ctx.Done():
		select {
		case vm := <-started:
			vm.Interrupt("context canceled")
		default:
		}
		return nil, hosterr.Wrap(hosterr.Timeout, ctx.Err(), string(name)+" canceled")
	}
}

// PluginID returns the owning plugin's id.
func (inst *Instance) PluginID() string { return inst.pluginID }

// Commands returns the command names this plugin's manifest declared.
func (inst *Instance) Commands() []string { return inst.commands }

// Stop terminates the event loop. It does not call onDisable; callers
// invoke that hook explicitly before stopping so the plugin can flush
// state while its VM is still alive.
func (inst *Instance) Stop() {
	inst.loop.Stop()
}

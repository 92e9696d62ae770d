// Package registry owns the installed/enabled plugin sets and the
// sandbox instance for each enabled one. It is the nearest analogue of
// JsLoadScripts/JsUpdate in dice_jsvm.go, generalized from "reload the
// whole JS VM" to "start/stop one sandbox per plugin independently."
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yukmakoto/nBot/internal/broker"
	"github.com/yukmakoto/nBot/internal/capability"
	"github.com/yukmakoto/nBot/internal/hosterr"
	"github.com/yukmakoto/nBot/internal/pkgstore"
	"github.com/yukmakoto/nBot/internal/sandbox"
	"github.com/yukmakoto/nBot/internal/sigverify"
	"github.com/yukmakoto/nBot/internal/storagekv"
	"github.com/yukmakoto/nBot/internal/transport"
)

// Entry is one installed plugin's persisted shape, matching the
// plugins.json {manifest, enabled} record.
type Entry struct {
	Manifest pkgstore.Manifest `json:"manifest"`
	Enabled  bool              `json:"enabled"`
}

// Persister is asked to save the full installed set after every
// mutation; internal/state provides the real implementation.
type Persister interface {
	Save(entries []Entry) error
}

// Deps bundles every collaborator a sandbox instance needs, minus the
// per-plugin fields the registry fills in itself.
type Deps struct {
	Store       *pkgstore.Store
	Verifier    *sigverify.Verifier
	Storage     *storagekv.Store
	Broker      *broker.Broker
	Sink        transport.Sink
	Renderer    capability.Renderer
	Fetcher     capability.Fetcher
	LLMGateway  capability.Gateway
	InfoGateway capability.Gateway
	Logger      *zap.SugaredLogger
	Persister   Persister
	Budget      sandbox.Budget
}

type record struct {
	manifest pkgstore.Manifest
	enabled  bool
	instance *sandbox.Instance
	mu       sync.Mutex // serializes operations on this one plugin
}

// Registry tracks every installed plugin and the live sandbox instance
// of every enabled one.
type Registry struct {
	deps Deps

	mu      sync.RWMutex
	plugins map[string]*record
}

// New builds an empty Registry; it reads nothing from disk and starts no
// sandbox. Restore seeds it from persisted state.
func New(deps Deps) *Registry {
	if deps.Budget == (sandbox.Budget{}) {
		deps.Budget = sandbox.DefaultBudget()
	}
	return &Registry{deps: deps, plugins: map[string]*record{}}
}

// Restore seeds the registry's installed/enabled sets from persisted
// state and starts sandboxes for every plugin marked enabled. Call once
// at process startup after New.
func (r *Registry) Restore(ctx context.Context, entries []Entry) []error {
	var errs []error
	for _, e := range entries {
		r.mu.Lock()
		r.plugins[e.Manifest.ID] = &record{manifest: e.Manifest, enabled: false}
		r.mu.Unlock()
		if e.Enabled {
			if err := r.Enable(ctx, e.Manifest.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

func (r *Registry) get(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.plugins[id]
	return rec, ok
}

// Install verifies and unpacks a package archive, then records it as
// installed-but-disabled. Callers must Enable separately.
func (r *Registry) Install(data []byte) (pkgstore.Manifest, error) {
	m, err := r.deps.Store.InstallFromBytes(data)
	if err != nil {
		return pkgstore.Manifest{}, err
	}

	files, err := r.deps.Store.FilesForHash(m.Type, m.ID)
	if err != nil {
		_ = r.deps.Store.Remove(m.Type, m.ID)
		return pkgstore.Manifest{}, err
	}
	accepted, _, err := r.deps.Verifier.Verify(m, files)
	if err != nil || !accepted {
		_ = r.deps.Store.Remove(m.Type, m.ID)
		if err == nil {
			err = hosterr.New(hosterr.InvalidSignature, "package signature rejected")
		}
		return pkgstore.Manifest{}, err
	}

	r.mu.Lock()
	r.plugins[m.ID] = &record{manifest: m, enabled: false}
	r.mu.Unlock()

	r.persist()
	return m, nil
}

// Uninstall disables (if enabled) and removes a plugin's files.
func (r *Registry) Uninstall(id string) error {
	rec, ok := r.get(id)
	if !ok {
		return hosterr.New(hosterr.NotFound, "plugin not installed: "+id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.enabled {
		r.disableLocked(rec)
	}
	if err := r.deps.Store.Remove(rec.manifest.Type, rec.manifest.ID); err != nil {
		return err
	}
	if err := r.deps.Storage.RemovePlugin(id); err != nil {
		r.deps.Logger.Warnw("failed to remove plugin storage on uninstall", "plugin", id, "error", err)
	}

	r.mu.Lock()
	delete(r.plugins, id)
	r.mu.Unlock()

	r.persist()
	return nil
}

// Enable starts a sandbox for an installed plugin and calls its
// onEnable hook.
func (r *Registry) Enable(ctx context.Context, id string) error {
	rec, ok := r.get(id)
	if !ok {
		return hosterr.New(hosterr.NotFound, "plugin not installed: "+id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.enabled {
		return nil
	}

	inst, err := r.startInstance(rec.manifest)
	if err != nil {
		return err
	}
	rec.instance = inst
	rec.enabled = true

	if _, err := inst.Invoke(ctx, sandbox.HookOnEnable, false); err != nil {
		r.deps.Logger.Warnw("onEnable hook faulted, rolling back to disabled", "plugin", id, "error", err)
		r.disableLocked(rec)
		r.persist()
		return err
	}

	r.persist()
	return nil
}

func (r *Registry) startInstance(m pkgstore.Manifest) (*sandbox.Instance, error) {
	capDeps := capability.Deps{
		PluginID:    m.ID,
		Logger:      r.deps.Logger,
		Storage:     r.deps.Storage,
		Broker:      r.deps.Broker,
		Sink:        r.deps.Sink,
		Renderer:    r.deps.Renderer,
		Fetcher:     r.deps.Fetcher,
		LLMGateway:  r.deps.LLMGateway,
		InfoGateway: r.deps.InfoGateway,
		Clock:       time.Now,
		GetConfig:   func() map[string]any { return m.Config },
		SetConfig: func(cfg map[string]any) bool {
			return r.applyConfig(m.ID, cfg) == nil
		},
	}
	return sandbox.New(m, r.deps.Store.Dir(m.Type, m.ID), capDeps, r.deps.Logger, r.deps.Budget)
}

// Disable calls onDisable and tears down the sandbox.
func (r *Registry) Disable(ctx context.Context, id string) error {
	rec, ok := r.get(id)
	if !ok {
		return hosterr.New(hosterr.NotFound, "plugin not installed: "+id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.enabled {
		return nil
	}
	if rec.instance != nil {
		if _, err := rec.instance.Invoke(ctx, sandbox.HookOnDisable, false); err != nil {
			r.deps.Logger.Warnw("onDisable hook faulted", "plugin", id, "error", err)
		}
	}
	r.disableLocked(rec)
	r.persist()
	return nil
}

// disableLocked assumes rec.mu is already held.
func (r *Registry) disableLocked(rec *record) {
	r.deps.Broker.CancelPlugin(rec.manifest.ID)
	if rec.instance != nil {
		rec.instance.Stop()
		rec.instance = nil
	}
	rec.enabled = false
}

// UpdateConfig replaces a plugin's persisted config with cfg (keys absent
// from cfg are dropped) and, if it is running, calls onConfigUpdated.
func (r *Registry) UpdateConfig(ctx context.Context, id string, cfg map[string]any) error {
	rec, ok := r.get(id)
	if !ok {
		return hosterr.New(hosterr.NotFound, "plugin not installed: "+id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := r.applyConfig(id, cfg); err != nil {
		return err
	}
	if rec.enabled && rec.instance != nil {
		if _, err := rec.instance.Invoke(ctx, sandbox.HookOnConfigUpdated, false, cfg); err != nil {
			r.deps.Logger.Warnw("onConfigUpdated hook faulted", "plugin", id, "error", err)
		}
	}
	return nil
}

func (r *Registry) applyConfig(id string, cfg map[string]any) error {
	r.mu.Lock()
	rec, ok := r.plugins[id]
	r.mu.Unlock()
	if !ok {
		return hosterr.New(hosterr.NotFound, "plugin not installed: "+id)
	}
	rec.manifest.Config = cfg
	if err := r.deps.Store.WriteManifest(rec.manifest.Type, rec.manifest.ID, rec.manifest); err != nil {
		return err
	}
	r.persist()
	return nil
}

// Snapshot returns the full installed set for the admin API or
// persistence.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.plugins))
	for _, rec := range r.plugins {
		out = append(out, Entry{Manifest: rec.manifest, Enabled: rec.enabled})
	}
	return out
}

// InstanceFor returns the live sandbox for a running plugin, if any.
func (r *Registry) InstanceFor(id string) (*sandbox.Instance, bool) {
	rec, ok := r.get(id)
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.enabled || rec.instance == nil {
		return nil, false
	}
	return rec.instance, true
}

// EnabledInstances returns every currently running sandbox, used by the
// dispatcher and ticker to fan events out.
func (r *Registry) EnabledInstances() []*sandbox.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*sandbox.Instance, 0, len(r.plugins))
	for _, rec := range r.plugins {
		rec.mu.Lock()
		if rec.enabled && rec.instance != nil {
			out = append(out, rec.instance)
		}
		rec.mu.Unlock()
	}
	return out
}

func (r *Registry) persist() {
	if r.deps.Persister == nil {
		return
	}
	if err := r.deps.Persister.Save(r.Snapshot()); err != nil {
		r.deps.Logger.Errorw("failed to persist plugin state", "error", err)
	}
}

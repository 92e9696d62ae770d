package ticker

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/yukmakoto/nBot/internal/broker"
	"github.com/yukmakoto/nBot/internal/pkgstore"
	"github.com/yukmakoto/nBot/internal/registry"
	"github.com/yukmakoto/nBot/internal/sandbox"
	"github.com/yukmakoto/nBot/internal/storagekv"
	"github.com/yukmakoto/nBot/internal/transport/transporttest"
)

type noopDeliverer struct{}

func (noopDeliverer) DeliverAsyncResult(string, broker.Kind, string, broker.Result) {}

func newTestRegistry(t *testing.T) (*registry.Registry, *pkgstore.Store, *storagekv.Store) {
	t.Helper()
	store := pkgstore.New(t.TempDir())
	storage := storagekv.New(t.TempDir())
	reg := registry.New(registry.Deps{
		Store:   store,
		Storage: storage,
		Broker:  broker.New(noopDeliverer{}),
		Sink:    transporttest.New(),
		Logger:  zap.NewNop().Sugar(),
		Budget:  sandbox.DefaultBudget(),
	})
	return reg, store, storage
}

func installScript(t *testing.T, store *pkgstore.Store, id, source string) pkgstore.Manifest {
	t.Helper()
	m := pkgstore.Manifest{ID: id, Type: pkgstore.TypeBot, Entry: "main.js", CodeType: pkgstore.CodeScript}
	dir := store.Dir(pkgstore.TypeBot, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(dir+"/main.js", []byte(source), 0o644); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	return m
}

func TestFireInvokesOnMetaEventOnlyOnDefiningPlugins(t *testing.T) {
	reg, store, storage := newTestRegistry(t)
	withHook := installScript(t, store, "ticks", `
function onMetaEvent() { host.storage.set("ticked", true); }
`)
	withoutHook := installScript(t, store, "silent", `function onEnable() {}`)

	errs := reg.Restore(context.Background(), []registry.Entry{
		{Manifest: withHook, Enabled: true},
		{Manifest: withoutHook, Enabled: true},
	})
	for _, err := range errs {
		t.Fatalf("Restore: %v", err)
	}

	tk := New(reg, zap.NewNop().Sugar(), time.Hour)
	tk.fire(context.Background())

	ticked, err := storage.Get("ticks", "ticked")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(ticked) != "true" {
		t.Fatalf("expected the defining plugin to have observed the tick, got %v", ticked)
	}
}

func TestFireIsolatesHookFaults(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	broken := installScript(t, store, "broken", `function onMetaEvent() { throw new Error("boom"); }`)
	errs := reg.Restore(context.Background(), []registry.Entry{{Manifest: broken, Enabled: true}})
	for _, err := range errs {
		t.Fatalf("Restore: %v", err)
	}

	tk := New(reg, zap.NewNop().Sugar(), time.Hour)
	tk.fire(context.Background())

	inst, ok := reg.InstanceFor("broken")
	if !ok {
		t.Fatalf("expected instance to remain running after a faulting tick")
	}
	_ = inst
}

func TestNewFallsBackToDefaultInterval(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tk := New(reg, zap.NewNop().Sugar(), 0)
	if tk.interval != DefaultInterval {
		t.Fatalf("expected fallback to DefaultInterval, got %v", tk.interval)
	}
}

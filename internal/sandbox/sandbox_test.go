package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/yukmakoto/nBot/internal/broker"
	"github.com/yukmakoto/nBot/internal/capability"
	"github.com/yukmakoto/nBot/internal/pkgstore"
	"github.com/yukmakoto/nBot/internal/storagekv"
)

type noopDeliverer struct{}

func (noopDeliverer) DeliverAsyncResult(string, broker.Kind, string, broker.Result) {}

func newTestDeps(t *testing.T) capability.Deps {
	t.Helper()
	return capability.Deps{
		Storage: storagekv.New(t.TempDir()),
		Broker:  broker.New(noopDeliverer{}),
		Clock:   func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func writeEntry(t *testing.T, dir, name, source string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(source), 0o644); err != nil {
		t.Fatalf("write entry: %v", err)
	}
}

func TestScriptEntryResolvesDefinedHooksOnly(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "main.js", `
function onEnable() { return "enabled"; }
function onCommand(cmd) { return "handled:" + cmd; }
`)
	m := pkgstore.Manifest{ID: "p1", Entry: "main.js", CodeType: pkgstore.CodeScript}

	inst, err := New(m, dir, newTestDeps(t), zap.NewNop().Sugar(), DefaultBudget())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer inst.Stop()

	if !inst.HasHook(HookOnEnable) || !inst.HasHook(HookOnCommand) {
		t.Fatalf("expected onEnable and onCommand to be resolved")
	}
	if inst.HasHook(HookOnNotice) {
		t.Fatalf("expected onNotice to be absent")
	}

	v, err := inst.Invoke(context.Background(), HookOnCommand, false, "roll")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if v != "handled:roll" {
		t.Fatalf("got %v, want handled:roll", v)
	}
}

func TestUpdateConfigSynonymResolvesToOnConfigUpdated(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "main.js", `
function updateConfig(cfg) { return cfg.enabled; }
`)
	m := pkgstore.Manifest{ID: "p2", Entry: "main.js", CodeType: pkgstore.CodeScript}

	inst, err := New(m, dir, newTestDeps(t), zap.NewNop().Sugar(), DefaultBudget())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer inst.Stop()

	if !inst.HasHook(HookOnConfigUpdated) {
		t.Fatalf("expected updateConfig to resolve into onConfigUpdated")
	}
	v, err := inst.Invoke(context.Background(), HookOnConfigUpdated, false, map[string]any{"enabled": true})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if v != true {
		t.Fatalf("got %v, want true", v)
	}
}

func TestInvokeAbsentHookIsNeutral(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "main.js", `function onEnable() {}`)
	m := pkgstore.Manifest{ID: "p3", Entry: "main.js", CodeType: pkgstore.CodeScript}

	inst, err := New(m, dir, newTestDeps(t), zap.NewNop().Sugar(), DefaultBudget())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer inst.Stop()

	v, err := inst.Invoke(context.Background(), HookOnNotice, false)
	if err != nil || v != nil {
		t.Fatalf("expected nil/nil for an absent hook, got v=%v err=%v", v, err)
	}
}

func TestInvokeExceptionIsIsolatedAsHookFault(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "main.js", `function onCommand() { throw new Error("boom"); }`)
	m := pkgstore.Manifest{ID: "p4", Entry: "main.js", CodeType: pkgstore.CodeScript}

	inst, err := New(m, dir, newTestDeps(t), zap.NewNop().Sugar(), DefaultBudget())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer inst.Stop()

	_, err = inst.Invoke(context.Background(), HookOnCommand, false)
	if err == nil {
		t.Fatalf("expected the thrown exception to surface as an error")
	}
}

func TestInvokeExceedingBudgetTimesOut(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "main.js", `function onCommand() { while (true) {} }`)
	m := pkgstore.Manifest{ID: "p5", Entry: "main.js", CodeType: pkgstore.CodeScript}

	budget := Budget{Sync: 50 * time.Millisecond, Blocking: time.Second}
	inst, err := New(m, dir, newTestDeps(t), zap.NewNop().Sugar(), budget)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer inst.Stop()

	_, err = inst.Invoke(context.Background(), HookOnCommand, false)
	if err == nil {
		t.Fatalf("expected a budget timeout error")
	}
}

func TestModuleEntryWithDefaultExport(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "index.js", `
module.exports.default = {
  onEnable: function() { return "module-enabled"; },
};
`)
	m := pkgstore.Manifest{ID: "p6", Entry: "index.js", CodeType: pkgstore.CodeModule}

	inst, err := New(m, dir, newTestDeps(t), zap.NewNop().Sugar(), DefaultBudget())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer inst.Stop()

	if !inst.HasHook(HookOnEnable) {
		t.Fatalf("expected onEnable to resolve from the default export")
	}
	v, err := inst.Invoke(context.Background(), HookOnEnable, false)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if v != "module-enabled" {
		t.Fatalf("got %v, want module-enabled", v)
	}
}

package storagekv

import (
	"encoding/json"
	"testing"

	"github.com/yukmakoto/nBot/internal/hosterr"
)

func TestSetGetDeleteRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	if err := s.Set("plugin-a", "k", json.RawMessage(`"v"`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := s.Get("plugin-a", "k")
	if err != nil || string(v) != `"v"` {
		t.Fatalf("get: %v %v", v, err)
	}

	if err := s.Set("plugin-a", "k", json.RawMessage(`"v2"`)); err != nil {
		t.Fatalf("overwrite set: %v", err)
	}
	v, _ = s.Get("plugin-a", "k")
	if string(v) != `"v2"` {
		t.Fatalf("expected overwritten value, got %s", v)
	}

	if err := s.Delete("plugin-a", "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	v, err = s.Get("plugin-a", "k")
	if err != nil || v != nil {
		t.Fatalf("expected nil after delete, got %v err=%v", v, err)
	}
}

func TestSetEnforcesKeyCountCeiling(t *testing.T) {
	s := New(t.TempDir())
	s.maxKeys = 2

	if err := s.Set("plugin-a", "a", json.RawMessage(`1`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("plugin-a", "b", json.RawMessage(`1`)); err != nil {
		t.Fatal(err)
	}
	err := s.Set("plugin-a", "c", json.RawMessage(`1`))
	if !hosterr.Is(err, hosterr.Quota) {
		t.Fatalf("expected Quota error, got %v", err)
	}
}

func TestSetEnforcesByteBudget(t *testing.T) {
	s := New(t.TempDir())
	s.maxBytes = 16

	err := s.Set("plugin-a", "k", json.RawMessage(`"this value is definitely too long for the budget"`))
	if !hosterr.Is(err, hosterr.Quota) {
		t.Fatalf("expected Quota error, got %v", err)
	}
}

func TestRemovePluginDeletesFile(t *testing.T) {
	s := New(t.TempDir())
	if err := s.Set("plugin-a", "k", json.RawMessage(`1`)); err != nil {
		t.Fatal(err)
	}
	if err := s.RemovePlugin("plugin-a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	v, err := s.Get("plugin-a", "k")
	if err != nil || v != nil {
		t.Fatalf("expected empty store after removal, got %v err=%v", v, err)
	}
}

func TestIsolationBetweenPlugins(t *testing.T) {
	s := New(t.TempDir())
	_ = s.Set("plugin-a", "k", json.RawMessage(`"a"`))
	_ = s.Set("plugin-b", "k", json.RawMessage(`"b"`))

	va, _ := s.Get("plugin-a", "k")
	vb, _ := s.Get("plugin-b", "k")
	if string(va) != `"a"` || string(vb) != `"b"` {
		t.Fatalf("expected isolated values, got a=%s b=%s", va, vb)
	}
}

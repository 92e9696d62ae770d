package capability

import (
	"context"
	"testing"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/yukmakoto/nBot/internal/broker"
	"github.com/yukmakoto/nBot/internal/storagekv"
	"github.com/yukmakoto/nBot/internal/transport"
	"github.com/yukmakoto/nBot/internal/transport/transporttest"
)

func newVM(t *testing.T, dir string) (*goja.Runtime, Deps, *transporttest.Double) {
	t.Helper()
	vm := goja.New()
	double := transporttest.New()
	deps := Deps{
		PluginID: "plugin-a",
		Logger:   zap.NewNop().Sugar(),
		Storage:  storagekv.New(dir),
		Broker:   broker.New(noopDeliverer{}),
		Sink:     double,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	}
	if err := Install(vm, deps); err != nil {
		t.Fatalf("Install: %v", err)
	}
	return vm, deps, double
}

type noopDeliverer struct{}

func (noopDeliverer) DeliverAsyncResult(string, broker.Kind, string, broker.Result) {}

func TestNumericCoercion(t *testing.T) {
	dir := t.TempDir()
	vm, _, _ := newVM(t, dir)

	cases := []struct {
		name string
		expr string
		want int64
	}{
		{"number", `host.at(123)`, 123},
		{"numeric string", `host.at("456")`, 456},
		{"null", `host.at(null)`, 0},
		{"undefined", `host.at(undefined)`, 0},
		{"invalid string", `host.at("not-a-number")`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := vm.RunString(tc.expr)
			if err != nil {
				t.Fatalf("RunString: %v", err)
			}
			want := "[CQ:at,qq=" + itoa(tc.want) + "]"
			if got := v.String(); got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		})
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestStorageRoundTripsThroughHost(t *testing.T) {
	dir := t.TempDir()
	vm, _, _ := newVM(t, dir)

	_, err := vm.RunString(`host.storage.set("count", 42)`)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := vm.RunString(`host.storage.get("count")`)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := v.ToInteger(); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}

	missing, err := vm.RunString(`host.storage.get("absent")`)
	if err != nil {
		t.Fatalf("get absent: %v", err)
	}
	if !goja.IsNull(missing) && !goja.IsUndefined(missing) {
		t.Fatalf("expected null/undefined for missing key, got %v", missing.Export())
	}
}

func TestSendMessageDispatchesThroughSink(t *testing.T) {
	dir := t.TempDir()
	vm, _, double := newVM(t, dir)

	_, err := vm.RunString(`host.send_message(100, "hello")`)
	if err != nil {
		t.Fatalf("send_message: %v", err)
	}
	got := double.Dispatched()
	if len(got) != 1 {
		t.Fatalf("expected one dispatched action, got %d", len(got))
	}
	if got[0].Kind != transport.OutboundSendMessage || got[0].GroupID != 100 {
		t.Fatalf("unexpected action: %+v", got[0])
	}
}

func TestHttpFetchWithoutFetcherReportsError(t *testing.T) {
	dir := t.TempDir()
	vm, _, _ := newVM(t, dir)

	v, err := vm.RunString(`host.http_fetch("http://example.invalid", 1000)`)
	if err != nil {
		t.Fatalf("http_fetch: %v", err)
	}
	m := v.Export().(map[string]any)
	if m["ok"] != false {
		t.Fatalf("expected ok=false without a configured fetcher, got %+v", m)
	}
}

type fakeGateway struct {
	calls []struct {
		kind      broker.Kind
		requestID string
	}
}

func (f *fakeGateway) Dispatch(_ context.Context, kind broker.Kind, requestID string, _ map[string]any) error {
	f.calls = append(f.calls, struct {
		kind      broker.Kind
		requestID string
	}{kind, requestID})
	return nil
}

func TestCallLlmChatIssuesPendingRequestAndDispatches(t *testing.T) {
	dir := t.TempDir()
	vm := goja.New()
	gw := &fakeGateway{}
	deps := Deps{
		PluginID:   "plugin-a",
		Logger:     zap.NewNop().Sugar(),
		Storage:    storagekv.New(dir),
		Broker:     broker.New(noopDeliverer{}),
		LLMGateway: gw,
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
	}
	if err := Install(vm, deps); err != nil {
		t.Fatalf("Install: %v", err)
	}

	v, err := vm.RunString(`host.call_llm_chat("req-1", "hello")`)
	if err != nil {
		t.Fatalf("call_llm_chat: %v", err)
	}
	m := v.Export().(map[string]any)
	if m["ok"] != true {
		t.Fatalf("expected ok=true, got %+v", m)
	}
	if len(gw.calls) != 1 || gw.calls[0].requestID != "req-1" || gw.calls[0].kind != broker.KindLLMChat {
		t.Fatalf("unexpected gateway calls: %+v", gw.calls)
	}

	snapshot := deps.Broker.Snapshot()
	if len(snapshot) != 1 || snapshot[0].RequestID != "req-1" {
		t.Fatalf("expected pending request to be recorded, got %+v", snapshot)
	}
}

func TestCallLlmChatWithoutGatewayReportsError(t *testing.T) {
	dir := t.TempDir()
	vm, _, _ := newVM(t, dir)

	v, err := vm.RunString(`host.call_llm_chat("req-1", "hello")`)
	if err != nil {
		t.Fatalf("call_llm_chat: %v", err)
	}
	m := v.Export().(map[string]any)
	if m["ok"] != false {
		t.Fatalf("expected ok=false without a configured gateway, got %+v", m)
	}
}

func TestGetSetConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	vm := goja.New()
	current := map[string]any{"enabled": true}
	deps := Deps{
		PluginID: "plugin-a",
		Logger:   zap.NewNop().Sugar(),
		Storage:  storagekv.New(dir),
		Broker:   broker.New(noopDeliverer{}),
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
		GetConfig: func() map[string]any { return current },
		SetConfig: func(next map[string]any) bool { current = next; return true },
	}
	if err := Install(vm, deps); err != nil {
		t.Fatalf("Install: %v", err)
	}

	v, err := vm.RunString(`host.get_config().enabled`)
	if err != nil {
		t.Fatalf("get_config: %v", err)
	}
	if !v.ToBoolean() {
		t.Fatalf("expected enabled=true")
	}

	ok, err := vm.RunString(`host.set_config({enabled: false, threshold: 3})`)
	if err != nil {
		t.Fatalf("set_config: %v", err)
	}
	if !ok.ToBoolean() {
		t.Fatalf("expected set_config to return true")
	}
	if current["enabled"] != false {
		t.Fatalf("expected config to be updated, got %+v", current)
	}
}

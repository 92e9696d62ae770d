// Package capability builds the single host namespace object injected
// into every sandbox, exposing send/fetch/LLM/render/storage/log/now to
// plugin JS. Every function validates its own arguments and returns a
// structured result; nothing here is allowed to throw a goja exception
// out across the sandbox boundary, matching the recover discipline
// dice_jsvm.go applies around its own JS-facing Go functions, since
// errors must never propagate out of plugin execution as a Go panic.
package capability

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/yukmakoto/nBot/internal/broker"
	"github.com/yukmakoto/nBot/internal/storagekv"
	"github.com/yukmakoto/nBot/internal/transport"
)

// Renderer is the blocking render capability's external collaborator
// contract; implementations call out to an HTML/Markdown-to-image
// renderer process, which lives outside this package.
type Renderer interface {
	RenderMarkdownImage(ctx context.Context, title, meta, markdown string, width int) (base64PNG string, err error)
	RenderHTMLImage(ctx context.Context, html string, width, quality int) (base64PNG string, err error)
}

// Fetcher is the blocking http_fetch capability's collaborator contract.
type Fetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) (status int, body []byte, err error)
}

// Gateway is the fire-and-forget dispatch contract shared by the LLM
// family and the group/friend-info family of asynchronous capabilities;
// the real response arrives later through broker.Broker.Resolve.
type Gateway interface {
	Dispatch(ctx context.Context, kind broker.Kind, requestID string, payload map[string]any) error
}

// Deps are every external collaborator and per-plugin setting the
// capability surface needs to build functions for one sandbox instance.
type Deps struct {
	PluginID         string
	Logger           *zap.SugaredLogger
	Storage          *storagekv.Store
	Broker           *broker.Broker
	Sink             transport.Sink
	Renderer         Renderer
	Fetcher          Fetcher
	LLMGateway       Gateway
	InfoGateway      Gateway
	Clock            func() time.Time
	GetConfig        func() map[string]any
	SetConfig        func(map[string]any) bool
	FetchConcurrency int // per-plugin cap on concurrent http_fetch calls
}

// Install attaches the "host" namespace object to vm.
func Install(vm *goja.Runtime, deps Deps) error {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.FetchConcurrency <= 0 {
		deps.FetchConcurrency = 4
	}
	fetchGate := make(chan struct{}, deps.FetchConcurrency)

	host := vm.NewObject()

	_ = host.Set("at", func(userID goja.Value) string {
		return "[CQ:at,qq=" + strconv.FormatInt(coerceInt64(userID), 10) + "]"
	})

	_ = host.Set("now", func() int64 {
		return deps.Clock().UnixMilli()
	})

	logObj := vm.NewObject()
	_ = logObj.Set("info", func(msg string) { deps.Logger.Info(msg) })
	_ = logObj.Set("warn", func(msg string) { deps.Logger.Warn(msg) })
	_ = logObj.Set("error", func(msg string) { deps.Logger.Error(msg) })
	_ = host.Set("log", logObj)

	_ = host.Set("get_plugin_id", func() string { return deps.PluginID })
	_ = host.Set("get_config", func() map[string]any {
		if deps.GetConfig == nil {
			return map[string]any{}
		}
		return deps.GetConfig()
	})
	_ = host.Set("set_config", func(cfg map[string]any) bool {
		if deps.SetConfig == nil {
			return false
		}
		return deps.SetConfig(cfg)
	})

	installStorage(vm, host, deps)
	installSend(host, deps)
	installBlocking(vm, host, deps, fetchGate)
	installAsyncLLM(host, deps)
	installAsyncInfo(host, deps)

	return vm.Set("host", host)
}

func installStorage(vm *goja.Runtime, host *goja.Object, deps Deps) {
	storageObj := vm.NewObject()
	_ = storageObj.Set("get", func(key string) any {
		raw, err := deps.Storage.Get(deps.PluginID, key)
		if err != nil || raw == nil {
			return nil
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil
		}
		return v
	})
	_ = storageObj.Set("set", func(key string, value any) map[string]any {
		raw, err := json.Marshal(value)
		if err != nil {
			return map[string]any{"ok": false, "error": "invalid value"}
		}
		if err := deps.Storage.Set(deps.PluginID, key, raw); err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true}
	})
	_ = storageObj.Set("delete", func(key string) map[string]any {
		if err := deps.Storage.Delete(deps.PluginID, key); err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true}
	})
	_ = host.Set("storage", storageObj)
}

func installSend(host *goja.Object, deps Deps) {
	dispatch := func(action transport.OutboundAction) map[string]any {
		if deps.Sink == nil {
			return map[string]any{"ok": false, "error": "no transport sink configured"}
		}
		if err := deps.Sink.Dispatch(context.Background(), action); err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true}
	}

	_ = host.Set("send_message", func(groupID, content goja.Value) map[string]any {
		return dispatch(transport.OutboundAction{
			Kind: transport.OutboundSendMessage, GroupID: coerceInt64(groupID), Content: content.Export(),
		})
	})
	_ = host.Set("send_reply", func(userID, groupID, content goja.Value) map[string]any {
		return dispatch(transport.OutboundAction{
			Kind: transport.OutboundSendReply, UserID: coerceInt64(userID), GroupID: coerceInt64(groupID), Content: content.Export(),
		})
	})
	_ = host.Set("send_forward_message", func(userID, groupID goja.Value, nodes any) map[string]any {
		return dispatch(transport.OutboundAction{
			Kind: transport.OutboundSendForward, UserID: coerceInt64(userID), GroupID: coerceInt64(groupID), Content: nodes,
		})
	})
	_ = host.Set("call_api", func(action string, params map[string]any) map[string]any {
		return dispatch(transport.OutboundAction{Kind: transport.OutboundCallAPI, Action: action, Params: params})
	})
}

func installBlocking(vm *goja.Runtime, host *goja.Object, deps Deps, fetchGate chan struct{}) {
	_ = host.Set("render_markdown_image", func(title, meta, markdown string, width int) map[string]any {
		if deps.Renderer == nil {
			return map[string]any{"ok": false, "error": "renderer not configured"}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()
		data, err := deps.Renderer.RenderMarkdownImage(ctx, title, meta, markdown, width)
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true, "data": data}
	})
	_ = host.Set("render_html_image", func(html string, width, quality int) map[string]any {
		if deps.Renderer == nil {
			return map[string]any{"ok": false, "error": "renderer not configured"}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()
		data, err := deps.Renderer.RenderHTMLImage(ctx, html, width, quality)
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true, "data": data}
	})
	_ = host.Set("http_fetch", func(url string, timeoutMs int) map[string]any {
		if deps.Fetcher == nil {
			return map[string]any{"ok": false, "error": "fetcher not configured"}
		}
		select {
		case fetchGate <- struct{}{}:
			defer func() { <-fetchGate }()
		default:
			return map[string]any{"ok": false, "error": "concurrency limit exceeded"}
		}
		if timeoutMs <= 0 {
			timeoutMs = 10_000
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
		status, body, err := deps.Fetcher.Fetch(ctx, url, time.Duration(timeoutMs)*time.Millisecond)
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true, "status": status, "body": string(body)}
	})
}

func issueAsync(deps Deps, gw Gateway, kind broker.Kind, requestID string, payload map[string]any) map[string]any {
	if requestID == "" {
		return map[string]any{"ok": false, "error": "requestId must not be empty"}
	}
	if gw == nil {
		return map[string]any{"ok": false, "error": "gateway not configured"}
	}
	deadline := broker.DefaultDeadline(kind)
	deps.Broker.Issue(deps.PluginID, kind, requestID, payload, deps.Clock(), deadline)
	if err := gw.Dispatch(context.Background(), kind, requestID, payload); err != nil {
		return map[string]any{"ok": false, "error": err.Error()}
	}
	return map[string]any{"ok": true, "requestId": requestID}
}

func installAsyncLLM(host *goja.Object, deps Deps) {
	llm := func(kind broker.Kind) func(requestID string, args ...any) map[string]any {
		return func(requestID string, args ...any) map[string]any {
			payload := map[string]any{"args": args}
			return issueAsync(deps, deps.LLMGateway, kind, requestID, payload)
		}
	}
	_ = host.Set("call_llm_chat", llm(broker.KindLLMChat))
	_ = host.Set("call_llm_chat_with_search", llm(broker.KindLLMChatWithSearch))
	_ = host.Set("call_llm_forward", llm(broker.KindLLMChat))
	_ = host.Set("call_llm_forward_media_bundle", llm(broker.KindLLMChat))
	_ = host.Set("call_llm_forward_archive_from_url", llm(broker.KindLLMChat))
	_ = host.Set("call_llm_forward_image_from_url", llm(broker.KindLLMChat))
	_ = host.Set("call_llm_forward_video_from_url", llm(broker.KindLLMChat))
	_ = host.Set("call_llm_forward_audio_from_url", llm(broker.KindLLMChat))
}

func installAsyncInfo(host *goja.Object, deps Deps) {
	info := func(kind broker.Kind) func(requestID string, args ...any) map[string]any {
		return func(requestID string, args ...any) map[string]any {
			payload := map[string]any{"args": args}
			return issueAsync(deps, deps.InfoGateway, kind, requestID, payload)
		}
	}
	_ = host.Set("fetch_group_notice", info(broker.KindGroupNotice))
	_ = host.Set("fetch_group_msg_history", info(broker.KindGroupHistory))
	_ = host.Set("fetch_group_files", info(broker.KindGroupFiles))
	_ = host.Set("fetch_group_file_url", info(broker.KindGroupFileURL))
	_ = host.Set("fetch_group_member_list", info(broker.KindGroupMemberList))
	_ = host.Set("fetch_friend_list", info(broker.KindFriendList))
	_ = host.Set("fetch_group_list", info(broker.KindGroupList))
	_ = host.Set("download_file", info(broker.KindDownloadFile))
}

// coerceInt64 implements the numeric-coercion contract: a number,
// numeric string, or null/undefined becomes an int64; any other string
// becomes 0.
func coerceInt64(v goja.Value) int64 {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	switch exported := v.Export().(type) {
	case int64:
		return exported
	case int:
		return int64(exported)
	case float64:
		return int64(exported)
	case string:
		n, err := strconv.ParseInt(exported, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// Package broker implements the request broker: it issues request ids
// for the host's asynchronous capabilities, tracks pending calls, and
// routes exactly one inbound response — or a synthesized timeout — back
// to the issuing plugin's callback hook. Grounded on the async pattern
// in the plugin manager's executePlugin (fire a goroutine, race a result
// channel against time.After, interrupt on timeout), generalized from
// "one blocking call" to "many pending calls tracked across a sweep
// cycle."
package broker

import (
	"sync"
	"time"

	"github.com/golang-module/carbon/v2"
)

// Kind enumerates the asynchronous capability families.
type Kind string

const (
	KindLLMChat           Kind = "llm_chat"
	KindLLMChatWithSearch Kind = "llm_chat_search"
	KindGroupNotice       Kind = "group_notice"
	KindGroupHistory      Kind = "group_history"
	KindGroupFiles        Kind = "group_files"
	KindGroupFileURL      Kind = "group_file_url"
	KindFriendList        Kind = "friend_list"
	KindGroupList         Kind = "group_list"
	KindGroupMemberList   Kind = "group_member_list"
	KindDownloadFile      Kind = "download_file"
)

// DefaultDeadline returns the default deadline duration for a kind, per
// deadline convention: LLM 90s, group-info kinds 15s, downloads 5 minutes.
func DefaultDeadline(k Kind) time.Duration {
	switch k {
	case KindLLMChat, KindLLMChatWithSearch:
		return 90 * time.Second
	case KindDownloadFile:
		return 5 * time.Minute
	default:
		return 15 * time.Second
	}
}

// Result is the payload handed to the issuing plugin's inbound hook,
// either from a real response or a synthesized timeout.
type Result struct {
	Success bool
	Reason  string // "timeout" when synthesized
	Payload any
}

// Pending is a snapshot of one tracked request, exposed for the admin
// surface and for tests; CreatedAt/Deadline are also rendered through
// carbon for human-readable admin display.
type Pending struct {
	RequestID string
	PluginID  string
	Kind      Kind
	Context   any
	CreatedAt time.Time
	Deadline  time.Time
}

// CreatedAtHuman and DeadlineHuman render the pending record's
// timestamps the way the admin snapshot surfaces them.
func (p Pending) CreatedAtHuman() string { return carbon.FromStdTime(p.CreatedAt).ToDateTimeString() }
func (p Pending) DeadlineHuman() string  { return carbon.FromStdTime(p.Deadline).ToDateTimeString() }

// Deliverer is how the broker hands a result back to a plugin. The
// dispatch package supplies an implementation that invokes the
// sandbox's onLlmResponse/onGroupInfoResponse hook.
type Deliverer interface {
	DeliverAsyncResult(pluginID string, kind Kind, requestID string, result Result)
}

type record struct {
	Pending
}

// Broker tracks pending asynchronous requests and their deadlines.
//
// The wire-level request id handed to the external collaborator is the
// plugin-chosen client_request_id, unmodified — matching a gateway
// that echoes back "req-1" verbatim. Internally, pending is keyed on
// pluginID plus that raw id, never on the raw id alone: a response for
// plugin A must never be routable to plugin B even if both chose the
// identical client_request_id, so two plugins issuing the same literal
// id never displace or resolve each other's record. A same-plugin
// reissue under an id it already has pending still displaces its own
// older record, consistent with "plugins are responsible for
// uniqueness" within their own namespace.
type Broker struct {
	mu      sync.Mutex
	pending map[string]record
	deliver Deliverer
}

// New constructs a Broker that routes results through deliver.
func New(deliver Deliverer) *Broker {
	return &Broker{pending: map[string]record{}, deliver: deliver}
}

// pendingKey namespaces a wire-level request id by its issuing plugin
// so two plugins choosing the same literal id can never collide.
func pendingKey(pluginID, clientRequestID string) string {
	return pluginID + "\x00" + clientRequestID
}

// Issue registers a pending request, namespaced internally by pluginID
// so a same-literal-id collision from a different plugin can never
// displace or resolve it.
func (b *Broker) Issue(pluginID string, kind Kind, clientRequestID string, context any, now time.Time, deadline time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[pendingKey(pluginID, clientRequestID)] = record{Pending{
		RequestID: clientRequestID,
		PluginID:  pluginID,
		Kind:      kind,
		Context:   context,
		CreatedAt: now,
		Deadline:  now.Add(deadline),
	}}
}

// Resolve delivers result to the pending request issued by pluginID
// under requestID. If no pending record exists (already timed out, the
// plugin was disabled and its requests cancelled, or pluginID doesn't
// match the actual issuer), the response is silently dropped.
func (b *Broker) Resolve(pluginID, requestID string, result Result) {
	key := pendingKey(pluginID, requestID)
	b.mu.Lock()
	rec, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	b.deliver.DeliverAsyncResult(rec.PluginID, rec.Kind, rec.RequestID, result)
}

// Sweep removes every pending record whose deadline has passed as of
// now, synthesizing a {success:false, reason:"timeout"} callback for
// each so plugins never hang indefinitely.
func (b *Broker) Sweep(now time.Time) {
	var expired []record
	b.mu.Lock()
	for id, rec := range b.pending {
		if !rec.Deadline.After(now) {
			expired = append(expired, rec)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, rec := range expired {
		b.deliver.DeliverAsyncResult(rec.PluginID, rec.Kind, rec.RequestID, Result{
			Success: false,
			Reason:  "timeout",
		})
	}
}

// CancelPlugin drops every pending record owned by pluginID without
// delivering any callback: disabling a plugin cancels all of its
// pending requests.
func (b *Broker) CancelPlugin(pluginID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, rec := range b.pending {
		if rec.PluginID == pluginID {
			delete(b.pending, id)
		}
	}
}

// Snapshot returns every currently tracked pending request, for the
// admin surface.
func (b *Broker) Snapshot() []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Pending, 0, len(b.pending))
	for _, rec := range b.pending {
		out = append(out, rec.Pending)
	}
	return out
}

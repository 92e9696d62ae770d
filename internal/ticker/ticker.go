// Package ticker emits a periodic meta_event{tick} into every enabled
// plugin, on the same robfig/cron clock dice_jsvm.go schedules its own
// jsTaskCron work on (jsTaskCronParser / d.JsScriptCron).
package ticker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/yukmakoto/nBot/internal/registry"
	"github.com/yukmakoto/nBot/internal/sandbox"
	"github.com/yukmakoto/nBot/internal/transport"
)

// DefaultInterval matches the 1s default tick cadence.
const DefaultInterval = time.Second

// Ticker periodically fans out a meta_event{tick} to every enabled
// sandbox, scheduled with an "@every" cron descriptor.
type Ticker struct {
	registry *registry.Registry
	logger   *zap.SugaredLogger
	interval time.Duration
	cron     *cron.Cron
}

// New builds a Ticker. A non-positive interval falls back to
// DefaultInterval.
func New(reg *registry.Registry, logger *zap.SugaredLogger, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Ticker{registry: reg, logger: logger, interval: interval, cron: cron.New()}
}

// Start schedules the tick job and begins running it.
func (t *Ticker) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", t.interval)
	if _, err := t.cron.AddFunc(spec, func() { t.fire(ctx) }); err != nil {
		return err
	}
	t.cron.Start()
	return nil
}

func (t *Ticker) fire(ctx context.Context) {
	meta := transport.MetaEvent{MetaEventType: transport.MetaTick}
	for _, inst := range t.registry.EnabledInstances() {
		if !inst.HasHook(sandbox.HookOnMetaEvent) {
			continue
		}
		if _, err := inst.Invoke(ctx, sandbox.HookOnMetaEvent, false, meta); err != nil {
			t.logger.Warnw("onMetaEvent tick hook faulted", "plugin", inst.PluginID(), "error", err)
		}
	}
}

// Stop halts the scheduler and waits for any in-flight job to finish.
func (t *Ticker) Stop() {
	<-t.cron.Stop().Done()
}

// Command nbotd is the plugin host process: it wires the Package
// Store, Signature Verifier, Storage KV, Request Broker, Registry,
// Event Dispatcher, Tick Scheduler and the admin HTTP surface together,
// then blocks serving the transport adapter's event channel into the
// dispatcher until signaled to shut down. No Market Reconciler is
// constructed, so the market sync route reports it as unavailable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/yukmakoto/nBot/api"
	"github.com/yukmakoto/nBot/internal/broker"
	"github.com/yukmakoto/nBot/internal/config"
	"github.com/yukmakoto/nBot/internal/dispatch"
	"github.com/yukmakoto/nBot/internal/market"
	"github.com/yukmakoto/nBot/internal/pkgstore"
	"github.com/yukmakoto/nBot/internal/registry"
	"github.com/yukmakoto/nBot/internal/sigverify"
	"github.com/yukmakoto/nBot/internal/state"
	"github.com/yukmakoto/nBot/internal/storagekv"
	"github.com/yukmakoto/nBot/internal/ticker"
	"github.com/yukmakoto/nBot/internal/transport/wsadapter"
)

// forwardingDeliverer breaks the Registry/Broker construction cycle:
// the Broker needs a Deliverer at construction time, but the real
// Deliverer (dispatch.AsyncResults) needs the Registry the Broker is
// itself a dependency of.
type forwardingDeliverer struct {
	target broker.Deliverer
}

func (f *forwardingDeliverer) DeliverAsyncResult(pluginID string, kind broker.Kind, requestID string, result broker.Result) {
	if f.target != nil {
		f.target.DeliverAsyncResult(pluginID, kind, requestID, result)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nbotd:", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg := config.Load()

	store := pkgstore.New(cfg.DataDir)
	verifier, err := sigverify.New(cfg.OfficialPublicKeyB64, cfg.AllowUnsignedPlugins)
	if err != nil {
		return fmt.Errorf("construct signature verifier: %w", err)
	}
	storage := storagekv.New(cfg.DataDir)
	stateStore := state.New(cfg.DataDir)

	token := cfg.APIToken
	if token == "" {
		token, err = stateStore.LoadOrGenerateAPIToken()
		if err != nil {
			return fmt.Errorf("load api token: %w", err)
		}
	}

	ctx, stop := context.WithCancel(context.Background())

	adapter, err := wsadapter.Dial(ctx, cfg.OneBotURL, sugar)
	if err != nil {
		stop()
		return fmt.Errorf("connect transport adapter: %w", err)
	}
	defer adapter.Close()

	// Registry.New needs a Broker, and a Broker needs a Deliverer that
	// in turn needs the Registry; forward points at the registry's
	// AsyncResults once it exists, breaking the cycle.
	forward := &forwardingDeliverer{}
	brk := broker.New(forward)

	reg := registry.New(registry.Deps{
		Store:     store,
		Verifier:  verifier,
		Storage:   storage,
		Broker:    brk,
		Sink:      adapter,
		Logger:    sugar,
		Persister: stateStore,
	})
	forward.target = dispatch.NewAsyncResults(reg, sugar)

	entries, err := stateStore.Load()
	if err != nil {
		stop()
		return fmt.Errorf("load persisted plugin state: %w", err)
	}
	for _, loadErr := range reg.Restore(ctx, entries) {
		sugar.Warnw("failed to restore a plugin on startup", "error", loadErr)
	}

	disp := dispatch.New(reg, sugar)
	tk := ticker.New(reg, sugar, ticker.DefaultInterval)

	// Market HTTP transport internals are out of scope and no
	// market.Source implementation ships, so mkt stays nil: no bootstrap
	// sync runs and the market sync route answers 503.
	var mkt *market.Market

	e := echo.New()
	e.HideBanner = true
	(&api.Server{Registry: reg, Market: mkt, Logger: sugar, Token: token}).Mount(e)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		sugar.Info("shutdown signal received")
		stop()
	}()

	if err := tk.Start(ctx); err != nil {
		return fmt.Errorf("start tick scheduler: %w", err)
	}
	defer tk.Stop()

	if mkt != nil {
		if err := mkt.Start(ctx, cfg.MarketBootstrapOnStart, cfg.MarketSyncSchedule); err != nil {
			return fmt.Errorf("start market reconciler: %w", err)
		}
		defer mkt.Stop()
	}

	// Reap expired pending requests once a second so every timed-out
	// async call still gets its synthesized failure callback.
	go func() {
		sweep := time.NewTicker(time.Second)
		defer sweep.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-sweep.C:
				brk.Sweep(now)
			}
		}
	}()

	go disp.Run(ctx, adapter)

	go func() {
		if err := e.Start(cfg.AdminListenAddr); err != nil {
			sugar.Warnw("admin http server stopped", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

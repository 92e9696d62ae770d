// Package market reconciles the installed plugin set against an
// external catalog: installing new entries, updating ones with a
// strictly newer version while preserving local config and enabled
// state, and leaving everything else untouched. Version comparison
// follows the same Masterminds/semver usage JsCheckUpdate anchors in
// dice_jsvm.go; periodic re-sync is cron-scheduled the same way
// jsTaskCron is.
package market

import (
	"context"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/yukmakoto/nBot/internal/pkgstore"
	"github.com/yukmakoto/nBot/internal/registry"
)

// CatalogEntry is one plugin advertised by the catalog.
type CatalogEntry struct {
	ID      string
	Version string
	Fetch   func(ctx context.Context) ([]byte, error)
}

// Source is the external catalog collaborator contract; its transport
// (HTTP, git, local directory) is out of scope.
type Source interface {
	FetchCatalog(ctx context.Context) ([]CatalogEntry, error)
}

// Report summarizes the outcome of one Sync call.
type Report struct {
	Installed []string
	Updated   []string
	Skipped   []string
	Failed    map[string]string
}

func newReport() Report {
	return Report{Failed: map[string]string{}}
}

// Market reconciles the registry's installed set against Source.
type Market struct {
	registry *registry.Registry
	store    *pkgstore.Store
	source   Source
	logger   *zap.SugaredLogger

	cron *cron.Cron

	mu           sync.Mutex
	bootstrapped bool
}

// New builds a Market over reg, store and source. Periodic re-sync is
// configured later through Start's schedule argument.
func New(reg *registry.Registry, store *pkgstore.Store, source Source, logger *zap.SugaredLogger) *Market {
	return &Market{registry: reg, store: store, source: source, logger: logger, cron: cron.New()}
}

// Start optionally bootstraps (an unconditional sync on first start) and
// schedules periodic re-sync if schedule is non-empty.
func (m *Market) Start(ctx context.Context, bootstrapOnStart bool, schedule string) error {
	if bootstrapOnStart {
		if _, err := m.Bootstrap(ctx); err != nil {
			m.logger.Warnw("market bootstrap sync failed", "error", err)
		}
	}
	if schedule != "" {
		if _, err := m.cron.AddFunc(schedule, func() {
			if _, err := m.Sync(context.Background(), false); err != nil {
				m.logger.Warnw("scheduled market sync failed", "error", err)
			}
		}); err != nil {
			return err
		}
		m.cron.Start()
	}
	return nil
}

// Stop halts the periodic scheduler, if one is running.
func (m *Market) Stop() {
	m.cron.Stop()
}

// Bootstrap runs Sync exactly once per process lifetime, regardless of
// how many times it is called.
func (m *Market) Bootstrap(ctx context.Context) (Report, error) {
	m.mu.Lock()
	if m.bootstrapped {
		m.mu.Unlock()
		return newReport(), nil
	}
	m.bootstrapped = true
	m.mu.Unlock()
	return m.Sync(ctx, false)
}

// Sync fetches the catalog and installs/updates/skips each entry,
// isolating per-entry failures into the report rather than aborting.
func (m *Market) Sync(ctx context.Context, forceUpdate bool) (Report, error) {
	report := newReport()

	entries, err := m.source.FetchCatalog(ctx)
	if err != nil {
		return report, err
	}

	installed := map[string]pkgstore.Manifest{}
	for _, e := range m.registry.Snapshot() {
		installed[e.Manifest.ID] = e.Manifest
	}

	for _, entry := range entries {
		m.syncOne(ctx, entry, installed, forceUpdate, &report)
	}
	return report, nil
}

func (m *Market) syncOne(ctx context.Context, entry CatalogEntry, installed map[string]pkgstore.Manifest, forceUpdate bool, report *Report) {
	current, exists := installed[entry.ID]
	if exists && !forceUpdate && !isNewer(entry.Version, current.Version) {
		report.Skipped = append(report.Skipped, entry.ID)
		return
	}

	data, err := entry.Fetch(ctx)
	if err != nil {
		report.Failed[entry.ID] = err.Error()
		return
	}

	wasEnabled := exists && m.wasEnabled(entry.ID)
	priorConfig := current.Config

	newManifest, err := m.registry.Install(data)
	if err != nil {
		report.Failed[entry.ID] = err.Error()
		return
	}

	if priorConfig != nil {
		if err := m.registry.UpdateConfig(ctx, newManifest.ID, priorConfig); err != nil {
			m.logger.Warnw("failed to carry forward config across market update", "plugin", entry.ID, "error", err)
		}
	}
	if wasEnabled {
		if err := m.registry.Enable(ctx, newManifest.ID); err != nil {
			report.Failed[entry.ID] = err.Error()
			return
		}
	}

	if exists {
		report.Updated = append(report.Updated, entry.ID)
	} else {
		report.Installed = append(report.Installed, entry.ID)
	}
}

func (m *Market) wasEnabled(id string) bool {
	for _, e := range m.registry.Snapshot() {
		if e.Manifest.ID == id {
			return e.Enabled
		}
	}
	return false
}

// isNewer reports whether candidate is a strictly greater semver than
// current. An unparseable version on either side is treated as not
// newer, so a malformed catalog entry can never force an update.
func isNewer(candidate, current string) bool {
	c, err := semver.NewVersion(candidate)
	if err != nil {
		return false
	}
	cur, err := semver.NewVersion(current)
	if err != nil {
		return false
	}
	return c.GreaterThan(cur)
}

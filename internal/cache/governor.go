// internal/cache/governor.go
// Package cache enforces the size quota and retention window over the
// encrypted object store. Eviction is oldest-first by insertion time; the
// work queue is never touched, so an evicted study's record survives and
// shows up as stale until it is re-downloaded.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/photonic-rad/photonic-agent/internal/event"
	"github.com/photonic-rad/photonic-agent/internal/metrics"
	"github.com/photonic-rad/photonic-agent/internal/model"
	"github.com/photonic-rad/photonic-agent/internal/storage"
)

const (
	quotaSweepInterval = time.Hour
	ttlSweepInterval   = 24 * time.Hour
)

// SettingsSource supplies the current runtime settings. Satisfied by the
// work-queue store.
type SettingsSource interface {
	LoadSettings(ctx context.Context) (*model.Settings, error)
}

// Governor owns quota and TTL enforcement over the object store.
type Governor struct {
	objects  storage.ObjectStore
	settings SettingsSource
	events   event.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// kick requests an out-of-band sweep, sent after every insert.
	kick chan struct{}
}

// NewGovernor creates a cache governor.
func NewGovernor(objects storage.ObjectStore, settings SettingsSource, events event.Publisher, m *metrics.Metrics, logger *slog.Logger) *Governor {
	return &Governor{
		objects:  objects,
		settings: settings,
		events:   events,
		metrics:  m,
		logger:   logger.With(slog.String("component", "cache_governor")),
		kick:     make(chan struct{}, 1),
	}
}

// NotifyInsert requests a sweep after a blob insert. Non-blocking: a sweep
// already pending covers this insert too.
func (g *Governor) NotifyInsert() {
	select {
	case g.kick <- struct{}{}:
	default:
	}
}

// Run drives periodic enforcement until the context is canceled. Quota is
// checked hourly and after every insert; expiry daily.
func (g *Governor) Run(ctx context.Context) {
	quotaTicker := time.NewTicker(quotaSweepInterval)
	defer quotaTicker.Stop()
	ttlTicker := time.NewTicker(ttlSweepInterval)
	defer ttlTicker.Stop()

	// Startup sweep clears anything that expired while the agent was down.
	g.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.kick:
			g.Sweep(ctx)
		case <-quotaTicker.C:
			if _, err := g.EnforceQuota(ctx); err != nil {
				g.logger.Error("quota sweep failed", slog.String("error", err.Error()))
			}
		case <-ttlTicker.C:
			if _, err := g.EnforceTTL(ctx); err != nil {
				g.logger.Error("expiry sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs both enforcement passes, expiry first so quota eviction only
// considers blobs still within the retention window.
func (g *Governor) Sweep(ctx context.Context) {
	if _, err := g.EnforceTTL(ctx); err != nil {
		g.logger.Error("expiry sweep failed", slog.String("error", err.Error()))
	}
	if _, err := g.EnforceQuota(ctx); err != nil {
		g.logger.Error("quota sweep failed", slog.String("error", err.Error()))
	}
}

// EnforceQuota evicts oldest-inserted blobs until the cache fits the
// configured quota. Returns the number of evicted blobs.
func (g *Governor) EnforceQuota(ctx context.Context) (int, error) {
	settings, err := g.settings.LoadSettings(ctx)
	if err != nil {
		return 0, err
	}

	total, err := g.objects.TotalSize(ctx)
	if err != nil {
		return 0, err
	}
	if total <= settings.MaxCacheBytes {
		g.updateGauges(ctx)
		return 0, nil
	}

	blobs, err := g.objects.GetAllByAge(ctx)
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, blob := range blobs {
		if total <= settings.MaxCacheBytes {
			break
		}
		if err := g.evict(ctx, blob.UID, "quota"); err != nil {
			return evicted, err
		}
		total -= blob.Size
		evicted++
	}

	if evicted > 0 {
		g.logger.Info("quota enforcement evicted studies",
			slog.Int("evicted", evicted),
			slog.Int64("cache_bytes", total),
			slog.Int64("quota_bytes", settings.MaxCacheBytes),
		)
	}
	g.updateGauges(ctx)
	return evicted, nil
}

// EnforceTTL removes blobs inserted before the retention cutoff. Returns the
// number of removed blobs.
func (g *Governor) EnforceTTL(ctx context.Context) (int, error) {
	settings, err := g.settings.LoadSettings(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -settings.TTLDays)
	blobs, err := g.objects.GetAllByAge(ctx)
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, blob := range blobs {
		// Age-ordered, so the first blob inside the window ends the pass.
		if !blob.InsertedAt.Before(cutoff) {
			break
		}
		if err := g.evict(ctx, blob.UID, "expired"); err != nil {
			return evicted, err
		}
		evicted++
	}

	if evicted > 0 {
		g.logger.Info("expiry enforcement removed studies",
			slog.Int("evicted", evicted),
			slog.Int("ttl_days", settings.TTLDays),
		)
	}
	g.updateGauges(ctx)
	return evicted, nil
}

func (g *Governor) evict(ctx context.Context, uid, reason string) error {
	if err := g.objects.Delete(ctx, uid); err != nil {
		return err
	}
	g.metrics.EvictionTotal.WithLabelValues(reason).Inc()
	if err := g.events.PublishCacheEvicted(ctx, uid, reason); err != nil {
		g.logger.Warn("failed to publish eviction event",
			slog.String("study_uid", uid),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// updateGauges refreshes the cache size metrics, best effort.
func (g *Governor) updateGauges(ctx context.Context) {
	total, err := g.objects.TotalSize(ctx)
	if err != nil {
		return
	}
	blobs, err := g.objects.GetAll(ctx)
	if err != nil {
		return
	}
	g.metrics.CacheBytes.Set(float64(total))
	g.metrics.CacheBlobs.Set(float64(len(blobs)))
}

package tiered

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run launches the coordinator's two background loops — the snapshot
// timer and the periodic stats self-report (original_source/src/stats/mod.rs,
// supplemented onto this repo as tiered.Stats/the status endpoint) — under
// one errgroup.Group, the same background-coordination pattern
// optakt-flow-dps's mapper/REST/GRPC goroutines use, generalized to
// errgroup so a failure in either loop can propagate a cancellation to
// the other. Both loops exit promptly on ctx cancellation; Run returns
// once both have exited.
func (t *TieredIndex) Run(ctx context.Context, snapshotInterval, reportInterval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	if snapshotInterval > 0 {
		g.Go(func() error {
			t.snapshotLoop(ctx, snapshotInterval)
			return nil
		})
	}
	if reportInterval > 0 {
		g.Go(func() error {
			t.reportLoop(ctx, reportInterval)
			return nil
		})
	}
	return g.Wait()
}

func (t *TieredIndex) snapshotLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := t.SnapshotNow(); err != nil {
			t.log.Warn().Err(err).Msg("periodic snapshot failed, will retry next interval")
		}
	}
}

func (t *TieredIndex) reportLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s := t.Stats()
		t.log.Info().
			Int("indexed_count", s.IndexedCount).
			Int("delta_doc_count", s.DeltaDocCount).
			Int("overlay_deleted", s.OverlayDeleted).
			Int("overlay_upserted", s.OverlayUpserted).
			Int("disk_layer_count", s.DiskLayerCount).
			Str("rebuild_phase", s.RebuildPhase).
			Bool("compaction_active", s.CompactionActive).
			Msg("stats")
	}
}

// Command pathindexd is the long-running coordinator process: it loads
// (or builds) a path index over the configured filesystem roots, keeps
// it current from a filesystem-change stream, and serves it over HTTP
// and a Unix-domain line protocol. It generalizes the teacher's
// one-shot cmd/cindex + cmd/cserver pair (build an index file, then
// serve queries against it) into a single continuously-updated service,
// the same shape optakt-flow-dps's main.go uses for its components:
// parse flags, construct dependencies with fatal-on-error, launch each
// component's loop, then wait for a shutdown signal.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/relnix/pathindex/config"
	"github.com/relnix/pathindex/deltaindex"
	"github.com/relnix/pathindex/pipeline"
	"github.com/relnix/pathindex/startup"
	"github.com/relnix/pathindex/tiered"
)

// shutdownTimeout bounds how long the HTTP and socket servers get to
// drain in-flight connections on a shutdown signal. The final snapshot
// that TieredIndex.Close takes afterwards (spec 5's "attempting one final
// snapshot_now") is not bounded by it.
const shutdownTimeout = 30 * time.Second

// pollInterval is the fixed cadence of the stdlib fallback watcher
// (watcher.go). It is deliberately coarser than a real notify backend;
// operators needing low-latency updates should front pathindexd with a
// real inotify/FSEvents bridge translating into the same ingest channel.
const pollInterval = 2 * time.Second

func main() {
	cfg, err := config.Parse(pflag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("pathindexd: fatal error")
		os.Exit(1)
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	loaded, err := startup.Load(startup.Config{
		StoreDir: cfg.StoreDir,
		WALPath:  filepath.Join(cfg.StoreDir, "wal.log"),
		Roots:    cfg.Roots,
		Ignore:   cfg.IgnorePaths,
		Stat:     osStat,
		Log:      log,
	})
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	crawler := loaded.Crawler
	ti, err := tiered.New(tiered.Config{
		Roots:  loaded.Roots,
		Stat:   osStat,
		Store:  loaded.Store,
		WAL:    loaded.WAL,
		Layers: loaded.Layers,
		Log:    log,
		RebuildFn: func() (*deltaindex.DeltaIndex, error) {
			return crawler.Run(loaded.Roots)
		},
	})
	if err != nil {
		return fmt.Errorf("tiered: %w", err)
	}

	if len(loaded.ReplayEvents) > 0 {
		ti.ApplyEvents(loaded.ReplayEvents)
		log.Info().Int("count", len(loaded.ReplayEvents)).Msg("replayed unsealed WAL records")
	}

	if loaded.Stale && !cfg.NoBuild {
		log.Info().Msg("snapshot considered stale or absent, triggering a full rebuild")
		ti.TriggerRebuild(tiered.ReasonStaleSnapshot)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if !cfg.NoSnapshot {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ti.Run(ctx, cfg.SnapshotInterval(), cfg.ReportInterval()); err != nil {
				log.Warn().Err(err).Msg("coordinator background loops exited with an error")
			}
		}()
	}

	pl := pipeline.New(cfg.EventChannelSize, ti, log,
		pipeline.WithDebounce(cfg.Debounce()),
		pipeline.WithIgnorePrefixes(cfg.StoreDir, cfg.IgnorePaths...),
		pipeline.WithOverflowNotifier(func() {
			ti.TriggerRebuild(tiered.ReasonWatcherOverflow)
		}),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		pl.Run()
	}()

	if !cfg.NoWatch {
		watcher := newPollWatcher(cfg.Roots, append(append([]string(nil), cfg.IgnorePaths...), cfg.StoreDir), pollInterval, osStat, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(ctx, pl.TrySend)
		}()
	}

	httpSrv := newHTTPServer(fmt.Sprintf(":%d", cfg.HTTPPort), ti, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", httpSrv.Addr).Msg("HTTP query surface listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server exited unexpectedly")
		}
	}()

	sockPath := filepath.Join(cfg.StoreDir, "pathindexd.sock")
	os.Remove(sockPath)
	sockSrv, err := newSocketServer(sockPath, ti, log)
	if err != nil {
		return fmt.Errorf("socket server: %w", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("path", sockPath).Msg("Unix-socket query surface listening")
		if err := sockSrv.Serve(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("socket server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	pl.Stop()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = sockSrv.Shutdown(shutdownCtx)

	wg.Wait()

	if err := ti.Close(); err != nil {
		log.Error().Err(err).Msg("final snapshot or cleanup failed")
	}
	return nil
}

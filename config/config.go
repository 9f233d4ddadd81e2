// Package config parses and validates cmd/pathindexd's CLI surface
// (spec 6): the filesystem roots to watch, the on-disk store location,
// the tunables for the event pipeline and the overlay's auto-flush
// thresholds, and the query surface's listen addresses. It follows
// optakt-flow-dps's main.go convention of pflag for parsing plus a
// validator.Validate pass over the assembled struct before anything is
// opened, so a malformed flag value fails fast with a field-level error
// instead of surfacing as a confusing failure deep in startup.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
)

// Config is the fully parsed and validated CLI surface.
type Config struct {
	Roots       []string `validate:"required,min=1,dive,required"`
	IgnorePaths []string

	StoreDir string `validate:"required"`
	NoSnapshot bool
	NoWatch    bool
	NoBuild    bool

	HTTPPort int `validate:"min=0,max=65535"`

	SnapshotIntervalSeconds int `validate:"min=1"`
	ReportIntervalSeconds   int `validate:"min=1"`

	EventChannelSize int `validate:"min=1"`
	DebounceMS       int `validate:"min=0"`

	AutoFlushOverlayPaths int64 `validate:"min=0"`
	AutoFlushOverlayBytes int64 `validate:"min=0"`

	LogLevel string `validate:"oneof=debug info warn error"`
}

// SnapshotInterval and ReportInterval convert the flag-level integer
// seconds into durations the rest of the program consumes.
func (c Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}

func (c Config) ReportInterval() time.Duration {
	return time.Duration(c.ReportIntervalSeconds) * time.Second
}

func (c Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// Defaults mirror spec 6's stated default behaviors.
const (
	DefaultStoreDir                = "pathindex-store"
	DefaultHTTPPort                = 8080
	DefaultSnapshotIntervalSeconds = 30
	DefaultReportIntervalSeconds   = 60
	DefaultEventChannelSize        = 4096
	DefaultDebounceMS              = 100
	DefaultAutoFlushOverlayPaths   = 50_000
	DefaultAutoFlushOverlayBytes   = 64 << 20
)

// Parse registers pathindexd's flags on fs, parses args, and validates
// the result. Passing an explicit *pflag.FlagSet (rather than the
// package-level pflag.CommandLine) keeps this function safe to call more
// than once, e.g. from a test.
func Parse(fs *pflag.FlagSet, args []string) (Config, error) {
	var (
		roots       []string
		ignorePaths []string
		storeDir    string
		noSnapshot  bool
		noWatch     bool
		noBuild     bool
		httpPort    int
		snapshotSec int
		reportSec   int
		chanSize    int
		debounceMS  int
		flushPaths  int64
		flushBytes  int64
		logLevel    string
	)

	fs.StringArrayVarP(&roots, "root", "r", nil, "filesystem root to index (repeatable)")
	fs.StringArrayVar(&ignorePaths, "ignore-path", nil, "path prefix to exclude from indexing and watching (repeatable)")
	fs.StringVarP(&storeDir, "snapshot-path", "s", DefaultStoreDir, "directory for the on-disk segment store, manifest, and WAL")
	fs.BoolVar(&noSnapshot, "no-snapshot", false, "disable periodic snapshotting and the stats report loop (a final snapshot is still taken on shutdown)")
	fs.BoolVar(&noWatch, "no-watch", false, "disable filesystem watching; serve queries against the loaded snapshot only")
	fs.BoolVar(&noBuild, "no-build", false, "skip the initial crawl if no snapshot is found, starting empty")
	fs.IntVar(&httpPort, "http-port", DefaultHTTPPort, "TCP port for the HTTP query surface")
	fs.IntVar(&snapshotSec, "snapshot-interval", DefaultSnapshotIntervalSeconds, "seconds between periodic snapshot flushes")
	fs.IntVar(&reportSec, "report-interval", DefaultReportIntervalSeconds, "seconds between stats self-reports")
	fs.IntVar(&chanSize, "event-channel-size", DefaultEventChannelSize, "capacity of the bounded event ingest channel")
	fs.IntVar(&debounceMS, "debounce-ms", DefaultDebounceMS, "debounce window, in milliseconds, for merging ingest events")
	fs.Int64Var(&flushPaths, "auto-flush-overlay-paths", DefaultAutoFlushOverlayPaths, "overlay path-count threshold that requests a flush")
	fs.Int64Var(&flushBytes, "auto-flush-overlay-bytes", DefaultAutoFlushOverlayBytes, "overlay arena byte-size threshold that requests a flush")
	fs.StringVarP(&logLevel, "log-level", "l", "info", "log output level")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	cfg := Config{
		Roots:                   roots,
		IgnorePaths:             ignorePaths,
		StoreDir:                storeDir,
		NoSnapshot:              noSnapshot,
		NoWatch:                 noWatch,
		NoBuild:                 noBuild,
		HTTPPort:                httpPort,
		SnapshotIntervalSeconds: snapshotSec,
		ReportIntervalSeconds:   reportSec,
		EventChannelSize:        chanSize,
		DebounceMS:              debounceMS,
		AutoFlushOverlayPaths:   flushPaths,
		AutoFlushOverlayBytes:   flushBytes,
		LogLevel:                logLevel,
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

package config

import (
	"testing"

	"github.com/spf13/pflag"
)

func parseArgs(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	return Parse(fs, args)
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := parseArgs(t, "--root", "/data")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.StoreDir != DefaultStoreDir {
		t.Fatalf("StoreDir = %q, want default %q", cfg.StoreDir, DefaultStoreDir)
	}
	if cfg.HTTPPort != DefaultHTTPPort {
		t.Fatalf("HTTPPort = %d, want default %d", cfg.HTTPPort, DefaultHTTPPort)
	}
	if cfg.SnapshotInterval().Seconds() != DefaultSnapshotIntervalSeconds {
		t.Fatalf("SnapshotInterval = %v", cfg.SnapshotInterval())
	}
}

func TestParseCollectsRepeatableFlags(t *testing.T) {
	cfg, err := parseArgs(t,
		"--root", "/a",
		"--root", "/b",
		"--ignore-path", "/a/.git",
		"--ignore-path", "/b/tmp",
	)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Roots) != 2 || cfg.Roots[0] != "/a" || cfg.Roots[1] != "/b" {
		t.Fatalf("Roots = %v", cfg.Roots)
	}
	if len(cfg.IgnorePaths) != 2 {
		t.Fatalf("IgnorePaths = %v", cfg.IgnorePaths)
	}
}

func TestParseRejectsNoRoots(t *testing.T) {
	_, err := parseArgs(t)
	if err == nil {
		t.Fatalf("expected validation error with no --root supplied")
	}
}

func TestParseRejectsBadLogLevel(t *testing.T) {
	_, err := parseArgs(t, "--root", "/data", "--log-level", "verbose")
	if err == nil {
		t.Fatalf("expected validation error for an unrecognized log level")
	}
}

func TestParseRejectsBadPort(t *testing.T) {
	_, err := parseArgs(t, "--root", "/data", "--http-port", "99999")
	if err == nil {
		t.Fatalf("expected validation error for an out-of-range port")
	}
}

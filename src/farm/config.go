package farm

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/please-build/gcfg"
	"github.com/shirou/gopsutil/v3/cpu"
	"gopkg.in/op/go-logging.v1"

	"github.com/please-build/workerfarm/src/wire"
)

var log = logging.MustGetLogger("farm")

// defaultMaxConcurrentCallsPerWorker is the default per-worker concurrency
// cap (§3), overridable by PARCEL_MAX_CONCURRENT_CALLS.
const defaultMaxConcurrentCallsPerWorker = 5

// Config is the farm's immutable-after-construction configuration (§3).
type Config struct {
	MaxConcurrentWorkers        int
	MaxConcurrentCallsPerWorker int
	ForcedKillTime              time.Duration
	UseLocalWorker              bool
	WarmWorkers                 bool
	WorkerPath                  string
	Serializer                  wire.Serializer
}

// DefaultConfig returns a Config with every field defaulted per §3/§6,
// honouring the PARCEL_WORKERS and PARCEL_MAX_CONCURRENT_CALLS environment
// overrides. WorkerPath is left empty; callers must set it.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentWorkers:        defaultMaxConcurrentWorkers(),
		MaxConcurrentCallsPerWorker: envOrDefault("PARCEL_MAX_CONCURRENT_CALLS", defaultMaxConcurrentCallsPerWorker),
		ForcedKillTime:              500 * time.Millisecond,
		UseLocalWorker:              true,
		WarmWorkers:                 true,
		Serializer:                  wire.JSONSerializer{},
	}
}

// defaultMaxConcurrentWorkers is the "CPU counting" concern named as an
// external collaborator in §1: prefer gopsutil's logical core count (it
// accounts for cgroup/container limits on Linux), falling back to
// runtime.NumCPU if gopsutil can't determine it.
func defaultMaxConcurrentWorkers() int {
	if n := os.Getenv("PARCEL_WORKERS"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			return v
		}
		log.Warning("invalid PARCEL_WORKERS value %q, ignoring", n)
	}
	if counts, err := cpu.Counts(true); err == nil && counts > 0 {
		return counts
	}
	return runtime.NumCPU()
}

func envOrDefault(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warning("invalid %s value %q, ignoring", name, v)
	}
	return def
}

// validate checks the configuration invariants from §3/§7.1.
func (c Config) validate() error {
	if c.WorkerPath == "" {
		return fmt.Errorf("please provide a worker path")
	}
	if c.MaxConcurrentCallsPerWorker < 1 {
		return fmt.Errorf("MaxConcurrentCallsPerWorker must be >= 1, got %d", c.MaxConcurrentCallsPerWorker)
	}
	if c.MaxConcurrentWorkers < 0 {
		return fmt.Errorf("MaxConcurrentWorkers must be >= 0, got %d", c.MaxConcurrentWorkers)
	}
	return nil
}

// fileConfig mirrors Config for INI-style loading via gcfg, under a single
// [farm] section. UseLocalWorker/WarmWorkers are *bool rather than bool:
// gcfg only assigns a field when the ini file actually sets it, so a
// pointer is the only way to tell "the file left this out" apart from
// "the file explicitly set this to false".
type fileConfig struct {
	Farm struct {
		MaxConcurrentWorkers        int
		MaxConcurrentCallsPerWorker int
		ForcedKillTime              string
		UseLocalWorker              *bool
		WarmWorkers                 *bool
		WorkerPath                  string
	}
}

// LoadConfigFile reads an INI-style config file (a [farm] section mirroring
// Config's fields) with github.com/please-build/gcfg, layering it over
// base. Zero-valued fields in the file do not override base, so a caller
// can start from DefaultConfig() and only override what the file sets.
func LoadConfigFile(path string, base Config) (Config, error) {
	var fc fileConfig
	if err := gcfg.ReadFileInto(&fc, path); err != nil {
		return base, fmt.Errorf("reading farm config %s: %w", path, err)
	}
	cfg := base
	if fc.Farm.MaxConcurrentWorkers != 0 {
		cfg.MaxConcurrentWorkers = fc.Farm.MaxConcurrentWorkers
	}
	if fc.Farm.MaxConcurrentCallsPerWorker != 0 {
		cfg.MaxConcurrentCallsPerWorker = fc.Farm.MaxConcurrentCallsPerWorker
	}
	if fc.Farm.ForcedKillTime != "" {
		d, err := time.ParseDuration(fc.Farm.ForcedKillTime)
		if err != nil {
			return base, fmt.Errorf("parsing ForcedKillTime %q: %w", fc.Farm.ForcedKillTime, err)
		}
		cfg.ForcedKillTime = d
	}
	if fc.Farm.WorkerPath != "" {
		cfg.WorkerPath = fc.Farm.WorkerPath
	}
	if fc.Farm.UseLocalWorker != nil {
		cfg.UseLocalWorker = *fc.Farm.UseLocalWorker
	}
	if fc.Farm.WarmWorkers != nil {
		cfg.WarmWorkers = *fc.Farm.WarmWorkers
	}
	return cfg, nil
}

// WatchConfigFile watches path for changes and logs a notice when it's
// rewritten. This is informational only: there is no config hot-reload
// here, so the farm's Config stays fixed for its lifetime; an operator is
// expected to restart the host process to pick up changes.
func WatchConfigFile(path string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}
	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Notice("farm config file %s changed; restart to pick up new settings", event.Name)
			}
		}
	}()
	return watcher, nil
}

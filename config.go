package strata

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/strata-db/strata/internal/zlog"
	"github.com/tailscale/hujson"
)

// Config holds every setting the Engine needs to open its on-disk state
// and run its background threads. All keys are JSONC (JSON with
// comments and trailing commas, via hujson) under snake_case names
// matching spec.md §6, plus the ambient additions SPEC_FULL.md §6 adds
// for a complete Go rewrite (mmap threshold, transporter pacing, search
// cache, log level).
type Config struct {
	// BufferDirectory is the root directory under which each
	// environment's Buffer pages, pending transaction backups, and
	// Inventory snapshot live: <buffer_directory>/<env>/.
	BufferDirectory string `json:"buffer_directory"`

	// DatabaseDirectory is the root directory under which each
	// environment's frozen Segments live: <database_directory>/<env>/segments/.
	DatabaseDirectory string `json:"database_directory"`

	// DefaultEnvironment names the environment used by any call that
	// does not specify one explicitly.
	DefaultEnvironment string `json:"default_environment"`

	// BufferPageSize is the fixed size, in bytes, of one Buffer page.
	BufferPageSize int64 `json:"buffer_page_size,omitempty"`

	// MaxUndrainedPages bounds how many Buffer pages may accumulate
	// before writers observe ErrCapacity (SPEC_FULL §4.3 capacity bound).
	MaxUndrainedPages int `json:"max_undrained_pages,omitempty"`

	// EnableSearchCache wires an LRU in front of Engine.Search, keyed on
	// (environment, field, query) and invalidated whenever a Corpus
	// revision lands for that field.
	EnableSearchCache bool `json:"enable_search_cache,omitempty"`

	// SearchCacheSize caps the number of distinct (environment, field,
	// query) entries the search cache retains. Ignored when
	// EnableSearchCache is false.
	SearchCacheSize int `json:"search_cache_size,omitempty"`

	// MaxSearchSubstringLength caps enumerated substring length during
	// indexing; zero means unlimited.
	MaxSearchSubstringLength int `json:"max_search_substring_length,omitempty"`

	// Stopwords lists lowercase tokens the indexer never indexes.
	Stopwords []string `json:"stopwords,omitempty"`

	// DiskReadBufferSize is loaded and merged like every other key, but
	// the Segment read path does not consult it: Chunks of a .seg file
	// larger than MmapThresholdBytes are read through unbuffered
	// Seek/Read calls on a flock'd file.
	DiskReadBufferSize int `json:"disk_read_buffer_size,omitempty"`

	// MmapThresholdBytes is the frozen .seg file size at or below which
	// its Chunks are memory-mapped rather than read through a flock'd file.
	MmapThresholdBytes int64 `json:"mmap_threshold_bytes,omitempty"`

	// TransportInactivityThreshold is the interval between the
	// transporter's drain attempts (1s when zero or negative). The
	// transporter always waits on this ticker; it has no busy-poll mode.
	TransportInactivityThreshold time.Duration `json:"transport_inactivity_threshold,omitempty"`

	// StallWatchdogThreshold is how long a transporter may run a single
	// drain cycle before the watchdog logs a warning (30s when zero or
	// negative). The drain cycle is not interrupted; it runs to completion.
	StallWatchdogThreshold time.Duration `json:"stall_watchdog_threshold,omitempty"`

	// LogLevel selects the Engine's zap level: "debug", "info", "warn",
	// or "error". Empty defaults to "info".
	LogLevel string `json:"log_level,omitempty"`
}

// DefaultConfig returns the configuration a freshly-initialized Engine
// uses when no file overrides a key, mirroring teacher's DefaultConfig.
func DefaultConfig() Config {
	return Config{
		BufferDirectory:              "strata-buffer",
		DatabaseDirectory:            "strata-db",
		DefaultEnvironment:           "default",
		BufferPageSize:               8 << 20,
		MaxUndrainedPages:            64,
		EnableSearchCache:            false,
		SearchCacheSize:              1024,
		MaxSearchSubstringLength:     0,
		DiskReadBufferSize:           64 << 10,
		MmapThresholdBytes:           400 << 20,
		TransportInactivityThreshold: time.Second,
		StallWatchdogThreshold:       30 * time.Second,
		LogLevel:                     string(zlog.LevelInfo),
	}
}

// LoadConfig reads path as JSONC, standardizes it to JSON via hujson, and
// merges the result over DefaultConfig - any key absent from the file
// keeps its default. A missing file is not an error: LoadConfig returns
// DefaultConfig unchanged, matching teacher's "optional project config"
// behavior for an Engine that is happy to run entirely off defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // path is caller-supplied, not attacker-controlled input
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("strata: read config %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: invalid JSONC in %q: %v", ErrInvalidArgument, path, err)
	}

	overlay := Config{}
	if err := json.Unmarshal(standardized, &overlay); err != nil {
		return Config{}, fmt.Errorf("%w: invalid JSON in %q: %v", ErrInvalidArgument, path, err)
	}

	cfg = mergeConfig(cfg, overlay)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// mergeConfig overlays every non-zero field of overlay onto base.
func mergeConfig(base, overlay Config) Config {
	if overlay.BufferDirectory != "" {
		base.BufferDirectory = overlay.BufferDirectory
	}
	if overlay.DatabaseDirectory != "" {
		base.DatabaseDirectory = overlay.DatabaseDirectory
	}
	if overlay.DefaultEnvironment != "" {
		base.DefaultEnvironment = overlay.DefaultEnvironment
	}
	if overlay.BufferPageSize != 0 {
		base.BufferPageSize = overlay.BufferPageSize
	}
	if overlay.MaxUndrainedPages != 0 {
		base.MaxUndrainedPages = overlay.MaxUndrainedPages
	}
	base.EnableSearchCache = base.EnableSearchCache || overlay.EnableSearchCache
	if overlay.SearchCacheSize != 0 {
		base.SearchCacheSize = overlay.SearchCacheSize
	}
	if overlay.MaxSearchSubstringLength != 0 {
		base.MaxSearchSubstringLength = overlay.MaxSearchSubstringLength
	}
	if len(overlay.Stopwords) > 0 {
		base.Stopwords = overlay.Stopwords
	}
	if overlay.DiskReadBufferSize != 0 {
		base.DiskReadBufferSize = overlay.DiskReadBufferSize
	}
	if overlay.MmapThresholdBytes != 0 {
		base.MmapThresholdBytes = overlay.MmapThresholdBytes
	}
	if overlay.TransportInactivityThreshold != 0 {
		base.TransportInactivityThreshold = overlay.TransportInactivityThreshold
	}
	if overlay.StallWatchdogThreshold != 0 {
		base.StallWatchdogThreshold = overlay.StallWatchdogThreshold
	}
	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.BufferDirectory == "" {
		return fmt.Errorf("%w: buffer_directory cannot be empty", ErrInvalidArgument)
	}
	if cfg.DatabaseDirectory == "" {
		return fmt.Errorf("%w: database_directory cannot be empty", ErrInvalidArgument)
	}
	if cfg.DefaultEnvironment == "" {
		return fmt.Errorf("%w: default_environment cannot be empty", ErrInvalidArgument)
	}

	return nil
}

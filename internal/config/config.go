// Package config loads the docstate configuration file.
//
// The file is YAML. Absent fields take defaults, a few environment
// variables override the storage and archive drivers, and the result is
// validated before use. Watch reloads the file when it changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/docstate/internal/blob"
	"github.com/roach88/docstate/internal/state"
	"github.com/roach88/docstate/internal/store"
)

// Environment variables that override file values.
const (
	EnvStorageDriver = "DOCSTATE_STORAGE_DRIVER"
	EnvStorageDSN    = "DOCSTATE_STORAGE_DSN"
	EnvArchiveDriver = "DOCSTATE_ARCHIVE_DRIVER"
)

// DefaultDSN is the SQLite database used when none is configured.
const DefaultDSN = "docstate.db"

// Config is the top-level configuration file.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	Archive ArchiveConfig `yaml:"archive"`
	Metrics MetricsConfig `yaml:"metrics"`
	Schemas []string      `yaml:"schemas"`
}

type EngineConfig struct {
	MaxQueueSize        int           `yaml:"max_queue_size"`
	MaxSnapshotsPerDoc  int           `yaml:"max_snapshots_per_doc"`
	SnapshotInterval    time.Duration `yaml:"snapshot_interval"`
	MinChangesThreshold uint64        `yaml:"min_changes_threshold"`
	BatchWindow         time.Duration `yaml:"batch_window"`
	BatchMaxEvents      int           `yaml:"batch_max_events"`
	Offline             bool          `yaml:"offline"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ArchiveConfig struct {
	Driver    blob.Driver `yaml:"driver"`
	Dir       string      `yaml:"dir"`
	Bucket    string      `yaml:"bucket"`
	Region    string      `yaml:"region"`
	Endpoint  string      `yaml:"endpoint"`
	Prefix    string      `yaml:"prefix"`
	PathStyle bool        `yaml:"path_style"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	d := state.DefaultConfig()
	return &Config{
		Engine: EngineConfig{
			MaxQueueSize:        d.MaxQueueSize,
			MaxSnapshotsPerDoc:  d.MaxSnapshotsPerDoc,
			SnapshotInterval:    d.SnapshotInterval,
			MinChangesThreshold: d.MinChangesThreshold,
			BatchWindow:         d.BatchWindow,
			BatchMaxEvents:      d.BatchMaxEvents,
		},
		Storage: StorageConfig{Driver: store.DriverSQLite3, DSN: DefaultDSN},
		Archive: ArchiveConfig{Driver: blob.DriverNone},
		Metrics: MetricsConfig{Listen: ":9464"},
	}
}

// Load reads path, applies defaults and environment overrides, and
// validates the result. An empty path yields the defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data over cfg. Fields absent from data keep their value.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvStorageDriver); ok && v != "" {
		c.Storage.Driver = v
	}
	if v, ok := lookup(EnvStorageDSN); ok && v != "" {
		c.Storage.DSN = v
	}
	if v, ok := lookup(EnvArchiveDriver); ok && v != "" {
		c.Archive.Driver = blob.Driver(v)
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.MaxQueueSize < 0 {
		errs = append(errs, errors.New("engine.max_queue_size must not be negative"))
	}
	if c.Engine.MaxSnapshotsPerDoc < 0 {
		errs = append(errs, errors.New("engine.max_snapshots_per_doc must not be negative"))
	}
	if c.Engine.SnapshotInterval < 0 {
		errs = append(errs, errors.New("engine.snapshot_interval must not be negative"))
	}
	if c.Engine.BatchWindow < 0 {
		errs = append(errs, errors.New("engine.batch_window must not be negative"))
	}
	if c.Engine.BatchMaxEvents < 0 {
		errs = append(errs, errors.New("engine.batch_max_events must not be negative"))
	}

	if !slices.Contains(store.Drivers, c.Storage.Driver) {
		errs = append(errs, fmt.Errorf("storage.driver %q must be one of %v", c.Storage.Driver, store.Drivers))
	}
	if c.Storage.Driver == store.DriverPgx && c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required for pgx"))
	}

	switch c.Archive.Driver {
	case blob.DriverNone, blob.DriverMemory:
	case blob.DriverFS:
		if c.Archive.Dir == "" {
			errs = append(errs, errors.New("archive.dir is required for fs"))
		}
	case blob.DriverS3:
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket is required for s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.driver %q must be one of none, fs, memory, s3", c.Archive.Driver))
	}
	return errors.Join(errs...)
}

// StateConfig converts the engine section.
func (c *Config) StateConfig() state.Config {
	e := c.Engine
	return state.Config{
		MaxQueueSize:        e.MaxQueueSize,
		MaxSnapshotsPerDoc:  e.MaxSnapshotsPerDoc,
		SnapshotInterval:    e.SnapshotInterval,
		MinChangesThreshold: e.MinChangesThreshold,
		BatchWindow:         e.BatchWindow,
		BatchMaxEvents:      e.BatchMaxEvents,
		Offline:             e.Offline,
	}
}

// BlobConfig converts the archive section.
func (c *Config) BlobConfig() blob.Config {
	a := c.Archive
	return blob.Config{
		Driver:    a.Driver,
		Dir:       a.Dir,
		Bucket:    a.Bucket,
		Region:    a.Region,
		Endpoint:  a.Endpoint,
		PathStyle: a.PathStyle,
	}
}

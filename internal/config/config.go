package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dyluth/stash/internal/endpoint"
	"github.com/dyluth/stash/pkg/record"
	"gopkg.in/yaml.v3"
)

// DefaultDatabase is the database (Mongo) or key namespace (Redis) used when
// none is configured.
const DefaultDatabase = "quantum_clinical_db"

// Default probe timeouts
const (
	DefaultPrimaryTimeout   = 5 * time.Second
	DefaultShadowTimeout    = 3 * time.Second
	DefaultOperationTimeout = 10 * time.Second
)

// StashConfig represents the top-level stash.yml configuration
type StashConfig struct {
	Version     string                       `yaml:"version"`
	Database    string                       `yaml:"database,omitempty"`
	Probe       *ProbeConfig                 `yaml:"probe,omitempty"`
	Endpoints   *endpoint.Config             `yaml:"endpoints,omitempty"`   // Key names only; values come from the environment
	Collections map[string]record.Collection `yaml:"collections,omitempty"` // Overrides merged over the built-in collections
	Log         *LogConfig                   `yaml:"log,omitempty"`
	Health      *HealthConfig                `yaml:"health,omitempty"`
}

// ProbeConfig bounds connection attempts and background operations
type ProbeConfig struct {
	PrimaryTimeout   time.Duration `yaml:"primary_timeout,omitempty"`
	ShadowTimeout    time.Duration `yaml:"shadow_timeout,omitempty"`
	OperationTimeout time.Duration `yaml:"operation_timeout,omitempty"`
}

// LogConfig specifies log level and encoding
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn or error
	Format string `yaml:"format,omitempty"` // json or console
	Path   string `yaml:"path,omitempty"`   // Empty logs to stderr
}

// HealthConfig specifies the health server listen address
type HealthConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// Default returns the configuration used when no stash.yml is given.
func Default() *StashConfig {
	c := &StashConfig{Version: "1.0"}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return c
}

// Validate performs strict validation on the configuration and fills in
// defaults for omitted sections
func (c *StashConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Database == "" {
		c.Database = DefaultDatabase
	}

	if c.Probe == nil {
		c.Probe = &ProbeConfig{}
	}
	if err := c.Probe.validate(); err != nil {
		return err
	}

	if c.Endpoints == nil {
		defaults := endpoint.DefaultConfig()
		c.Endpoints = &defaults
	} else {
		merged := c.Endpoints.WithDefaults()
		c.Endpoints = &merged
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: invalid level: %s (must be 'debug', 'info', 'warn' or 'error')", c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format: invalid format: %s (must be 'console' or 'json')", c.Log.Format)
	}

	if c.Health == nil {
		c.Health = &HealthConfig{}
	}
	if c.Health.Addr == "" {
		c.Health.Addr = ":8080"
	}

	aliasesSeen := make(map[string]string) // alias → collection
	for _, col := range c.Registry().Collections() {
		if col.Alias == "" {
			continue
		}
		if existing, exists := aliasesSeen[col.Alias]; exists {
			return fmt.Errorf("duplicate collection alias '%s' found (collections '%s' and '%s')", col.Alias, existing, col.Name)
		}
		aliasesSeen[col.Alias] = col.Name
	}

	for name, col := range c.Collections {
		if err := validateCollection(name, col); err != nil {
			return err
		}
	}

	return nil
}

func (p *ProbeConfig) validate() error {
	if p.PrimaryTimeout < 0 || p.ShadowTimeout < 0 || p.OperationTimeout < 0 {
		return fmt.Errorf("probe timeouts must be positive")
	}
	if p.PrimaryTimeout == 0 {
		p.PrimaryTimeout = DefaultPrimaryTimeout
	}
	if p.ShadowTimeout == 0 {
		p.ShadowTimeout = DefaultShadowTimeout
	}
	if p.OperationTimeout == 0 {
		p.OperationTimeout = DefaultOperationTimeout
	}
	return nil
}

func validateCollection(name string, col record.Collection) error {
	if name == "" {
		return fmt.Errorf("collection name cannot be empty")
	}
	if col.HistoryLimit < 0 {
		return fmt.Errorf("collection '%s': history_limit must be >= 0, got %d", name, col.HistoryLimit)
	}
	for _, field := range col.BinaryFields {
		if field == "" {
			return fmt.Errorf("collection '%s': binary_fields cannot contain an empty name", name)
		}
	}
	for _, field := range col.SearchFields {
		if field == "" {
			return fmt.Errorf("collection '%s': search_fields cannot contain an empty name", name)
		}
	}
	return nil
}

// Registry returns the built-in collections with the configured overrides
// merged in. Override fields that are set replace the built-in values;
// unknown names add new collections.
func (c *StashConfig) Registry() *record.Registry {
	cols := record.DefaultCollections()
	index := make(map[string]int, len(cols))
	for i, col := range cols {
		index[col.Name] = i
	}

	// Stable order for collections that only exist in the config
	var added []string
	for name := range c.Collections {
		if _, ok := index[name]; !ok {
			added = append(added, name)
		}
	}
	sort.Strings(added)

	for i, col := range cols {
		if override, ok := c.Collections[col.Name]; ok {
			cols[i] = merge(col, override)
		}
	}
	for _, name := range added {
		col := c.Collections[name]
		col.Name = name
		cols = append(cols, col)
	}

	return record.NewRegistry(cols...)
}

func merge(base, override record.Collection) record.Collection {
	if override.Alias != "" {
		base.Alias = override.Alias
	}
	if override.Keyed {
		base.Keyed = true
	}
	if len(override.BinaryFields) > 0 {
		base.BinaryFields = override.BinaryFields
	}
	if override.HistoryLimit > 0 {
		base.HistoryLimit = override.HistoryLimit
	}
	if len(override.SearchFields) > 0 {
		base.SearchFields = override.SearchFields
	}
	return base
}

// Load reads and validates stash.yml from the specified path
func Load(path string) (*StashConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config StashConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

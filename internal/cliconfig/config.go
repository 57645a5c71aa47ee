// Package cliconfig assembles the CLI-side configuration from file,
// environment and flags. Precedence is flags over environment over
// file over defaults; explicitly set flags are never overridden.
package cliconfig

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/JanSpindler/blf2mdf/internal/domain"
	"github.com/JanSpindler/blf2mdf/internal/session"
)

// Config collects everything the CLI needs to start a conversion run.
type Config struct {
	// Files is the ordered list of input log files.
	Files []string

	// Buses is the number of logical buses.
	Buses int

	// Databases holds the database files per bus, indexed by bus.
	Databases [][]string

	// Output is the record stream destination; "-" means stdout.
	Output string

	// WatchDir, when set, converts new log files appearing in the
	// directory instead of exiting after the initial batch.
	WatchDir string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// QueueSize overrides the pipeline channel capacity.
	QueueSize int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Output:   "-",
		LogLevel: "info",
	}
}

// Validate checks the configuration and derives the bus count from the
// database assignments when it was not given explicitly.
func (c *Config) Validate() error {
	if c.Buses == 0 {
		c.Buses = len(c.Databases)
	}
	if c.Buses <= 0 {
		return fmt.Errorf("%w: at least one bus with a database is required", domain.ErrInvalidConfig)
	}
	for len(c.Databases) < c.Buses {
		c.Databases = append(c.Databases, nil)
	}
	if len(c.Databases) > c.Buses {
		return fmt.Errorf("%w: database assigned to bus %d but only %d buses configured",
			domain.ErrInvalidConfig, len(c.Databases), c.Buses)
	}
	if len(c.Files) == 0 && c.WatchDir == "" {
		return fmt.Errorf("%w: no input files and no watch directory", domain.ErrInvalidConfig)
	}
	if c.Output == "" {
		c.Output = "-"
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", domain.ErrInvalidConfig, c.LogLevel)
	}
	return nil
}

// SessionConfig converts the CLI configuration into the immutable
// pipeline configuration.
func (c *Config) SessionConfig(files []string) session.Config {
	return session.Config{
		Files:     files,
		Buses:     c.Buses,
		Databases: c.Databases,
		QueueSize: c.QueueSize,
	}
}

// AddDatabase assigns a database file to a 1-based bus number.
func (c *Config) AddDatabase(bus int, path string) error {
	if bus < 1 {
		return fmt.Errorf("%w: bus numbers start at 1", domain.ErrInvalidConfig)
	}
	for len(c.Databases) < bus {
		c.Databases = append(c.Databases, nil)
	}
	c.Databases[bus-1] = append(c.Databases[bus-1], path)
	return nil
}

// ParseDatabaseFlag splits a "--dbc BUS=PATH" flag value.
func ParseDatabaseFlag(value string) (int, string, error) {
	bus, path, ok := strings.Cut(value, "=")
	if !ok {
		return 0, "", fmt.Errorf("%w: database flag %q is not BUS=PATH", domain.ErrInvalidConfig, value)
	}
	n, err := strconv.Atoi(strings.TrimSpace(bus))
	if err != nil {
		return 0, "", fmt.Errorf("%w: database flag %q has no bus number", domain.ErrInvalidConfig, value)
	}
	return n, strings.TrimSpace(path), nil
}

// configSetter applies values while respecting flags the user set
// explicitly.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrInvalidConfig, flag, err)
	}
	*dst = n
	return nil
}

package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors Config for TOML decoding.
type fileConfig struct {
	Output    string     `toml:"output"`
	WatchDir  string     `toml:"watch_dir"`
	LogLevel  string     `toml:"log_level"`
	QueueSize int        `toml:"queue_size"`
	Buses     int        `toml:"buses"`
	Bus       []busEntry `toml:"bus"`
}

// busEntry assigns database files to one bus.
type busEntry struct {
	Number    int      `toml:"number"`
	Databases []string `toml:"databases"`
}

// LoadFileConfig reads and parses a TOML config file.
func LoadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.blf2mdf/config.toml when the user home
// directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".blf2mdf", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies file values to cfg, respecting flags the user
// set explicitly. Database assignments from the file are used only when
// no --dbc flag was given.
func ApplyFileConfig(cfg *Config, fc fileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("output", fc.Output, &cfg.Output)
	s.setString("watch", fc.WatchDir, &cfg.WatchDir)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setInt("queue-size", fc.QueueSize, &cfg.QueueSize)
	s.setInt("buses", fc.Buses, &cfg.Buses)

	if len(fc.Bus) > 0 && !changed["dbc"] && len(cfg.Databases) == 0 {
		for _, bus := range fc.Bus {
			for _, path := range bus.Databases {
				if err := cfg.AddDatabase(bus.Number, path); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

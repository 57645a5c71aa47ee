package cliconfig

import "os"

// ApplyEnvConfig applies configuration from BLF2MDF_* environment
// variables. It respects flags that have been explicitly set.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("output", os.Getenv("BLF2MDF_OUTPUT"), &cfg.Output)
	s.setString("watch", os.Getenv("BLF2MDF_WATCH_DIR"), &cfg.WatchDir)
	s.setString("log-level", os.Getenv("BLF2MDF_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setIntFromString("queue-size", os.Getenv("BLF2MDF_QUEUE_SIZE"), &cfg.QueueSize); err != nil {
		return err
	}
	return s.setIntFromString("buses", os.Getenv("BLF2MDF_BUSES"), &cfg.Buses)
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/JanSpindler/blf2mdf/internal/cliconfig"
	"github.com/JanSpindler/blf2mdf/internal/domain"
	"github.com/JanSpindler/blf2mdf/internal/session"
	"github.com/JanSpindler/blf2mdf/internal/watch"
	"github.com/JanSpindler/blf2mdf/pkg/log"
)

const longHelp = `Convert Vector binary log files (.blf) into a measurement record stream.

Frames are decoded against one or more DBC files per bus, merged into a
single time-ordered stream and serialized for the measurement-file
writer. Capture channel N maps to bus N; assign databases with
--dbc N=path (repeatable).`

var exampleUsage = strings.TrimSpace(`
  blf2mdf --dbc 1=powertrain.dbc --output run.stream measurement.blf
  blf2mdf --dbc 1=can1.dbc --dbc 2=can2.dbc ride1.blf ride2.blf > run.stream
  blf2mdf --dbc 1=can1.dbc --watch /captures --output /converted
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string
	var dbcFlags []string

	root := &cobra.Command{
		Use:     "blf2mdf [flags] [file.blf ...]",
		Short:   "Convert BLF bus logs into a measurement record stream",
		Long:    longHelp,
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			for _, value := range dbcFlags {
				bus, path, err := cliconfig.ParseDatabaseFlag(value)
				if err != nil {
					return err
				}
				if err := cfg.AddDatabase(bus, path); err != nil {
					return err
				}
			}

			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = cliconfig.DefaultConfigPath()
			}
			if cfgFile != "" && cliconfig.FileExists(cfgFile) {
				fc, err := cliconfig.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}
			if err := cliconfig.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}

			cfg.Files = args
			if err := cfg.Validate(); err != nil {
				return err
			}

			level, err := zerolog.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger := log.NewZerologAdapter(level)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	root.Flags().StringArrayVar(&dbcFlags, "dbc", nil, "assign a database file to a bus as BUS=PATH (repeatable)")
	root.Flags().IntVar(&cfg.Buses, "buses", 0, "number of logical buses (default: highest bus with a database)")
	root.Flags().StringVarP(&cfg.Output, "output", "o", cfg.Output, "record stream destination, - for stdout")
	root.Flags().StringVar(&cfg.WatchDir, "watch", "", "convert new .blf files appearing in this directory")
	root.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	root.Flags().IntVar(&cfg.QueueSize, "queue-size", 0, "pipeline channel capacity")
	root.Flags().StringVar(&cfgPath, "config", "", "config file path (default $HOME/.blf2mdf/config.toml)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// run loads the databases once and converts the initial batch, then
// optionally keeps watching for new files.
func run(ctx context.Context, cfg cliconfig.Config, logger log.Logger) error {
	sess, err := session.New(cfg.SessionConfig(nil), logger)
	if err != nil {
		return err
	}

	if len(cfg.Files) > 0 {
		out, closeOut, err := openOutput(cfg.Output)
		if err != nil {
			return err
		}
		summaries, runErr := sess.Convert(ctx, cfg.Files, out)
		if err := closeOut(); err != nil && runErr == nil {
			runErr = err
		}
		if runErr != nil {
			return runErr
		}
		if n := failedCount(summaries); n > 0 {
			return fmt.Errorf("%d of %d files failed", n, len(summaries))
		}
	}

	if cfg.WatchDir == "" {
		return nil
	}
	watcher := watch.New(cfg.WatchDir, logger)
	err = watcher.Run(ctx, func(path string) {
		out, closeOut, err := openOutput(watchOutputPath(cfg.Output, path))
		if err != nil {
			logger.Error("cannot open output", log.String("file", path), log.Err(err))
			return
		}
		if _, err := sess.Convert(ctx, []string{path}, out); err != nil {
			logger.Error("conversion failed", log.String("file", path), log.Err(err))
		}
		if err := closeOut(); err != nil {
			logger.Error("cannot close output", log.String("file", path), log.Err(err))
		}
	})
	if err != nil && ctx.Err() != nil {
		// Normal shutdown path.
		return nil
	}
	return err
}

// openOutput resolves the output destination; "-" is stdout.
func openOutput(path string) (io.Writer, func() error, error) {
	if path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

// watchOutputPath places the record stream for a watched input file.
// When output is a directory, the stream goes there; otherwise it sits
// next to the input. The extension becomes .stream either way.
func watchOutputPath(output, input string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input)) + ".stream"
	if output != "-" && output != "" {
		if info, err := os.Stat(output); err == nil && info.IsDir() {
			return filepath.Join(output, base)
		}
	}
	return filepath.Join(filepath.Dir(input), base)
}

func failedCount(summaries []domain.FileSummary) int {
	var n int
	for _, sum := range summaries {
		if sum.Failed() {
			n++
		}
	}
	return n
}

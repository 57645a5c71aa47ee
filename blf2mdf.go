// Package blf2mdf converts recorded vehicle-bus traffic into a stream
// of time-ordered, physically scaled measurement records. Binary log
// containers (BLF) are decoded against network database files (DBC) and
// the resulting samples are merged across files and serialized for an
// external measurement-file writer.
//
// Example usage:
//
//	cfg := blf2mdf.Config{
//	    Files:     []string{"measurement.blf"},
//	    Buses:     1,
//	    Databases: [][]string{{"powertrain.dbc"}},
//	}
//	summaries, err := blf2mdf.Run(context.Background(), cfg, os.Stdout, logger)
package blf2mdf

import (
	"context"
	"io"

	"github.com/JanSpindler/blf2mdf/internal/domain"
	"github.com/JanSpindler/blf2mdf/internal/session"
	"github.com/JanSpindler/blf2mdf/pkg/log"
)

// Config describes one conversion run. See session.Config.
type Config = session.Config

// FileSummary accounts for everything read from one input file.
type FileSummary = domain.FileSummary

// Run loads the databases, converts the configured log files and
// writes the record stream to out. Database errors fail before any log
// file is touched; per-file failures are reported in the summaries.
func Run(ctx context.Context, cfg Config, out io.Writer, logger log.Logger) ([]FileSummary, error) {
	s, err := session.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, out)
}

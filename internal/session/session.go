// Package session drives the conversion pipeline: per-file readers and
// decoders feed a timestamp merge whose output is serialized for the
// external measurement-file writer.
//
// Stages are connected by bounded channels, so a slow consumer
// suspends the producers instead of growing buffers without limit.
// The merge is the sole synchronization point; everything upstream
// runs per file.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/JanSpindler/blf2mdf/internal/domain"
	"github.com/JanSpindler/blf2mdf/internal/stream"
	"github.com/JanSpindler/blf2mdf/pkg/blf"
	"github.com/JanSpindler/blf2mdf/pkg/dbc"
	"github.com/JanSpindler/blf2mdf/pkg/decode"
	"github.com/JanSpindler/blf2mdf/pkg/log"
)

// DefaultQueueSize is the capacity of the channels between stages.
const DefaultQueueSize = 256

// Config is the immutable description of one conversion run. It is
// constructed once before the pipeline starts; nothing mutates it
// afterwards.
type Config struct {
	// Files is the ordered list of input log files.
	Files []string

	// Buses is the number of logical buses. Capture channel N feeds
	// bus N; frames on channels beyond this count are not decoded.
	Buses int

	// Databases holds the ordered database files per bus, indexed by
	// bus number.
	Databases [][]string

	// QueueSize overrides the stage channel capacity when positive.
	QueueSize int
}

// Validate checks the configuration for errors. An empty file list is
// allowed; watch mode supplies files one at a time through Convert.
func (c *Config) Validate() error {
	if c.Buses <= 0 {
		return fmt.Errorf("%w: bus count must be positive", domain.ErrInvalidConfig)
	}
	if len(c.Databases) != c.Buses {
		return fmt.Errorf("%w: %d database sets for %d buses", domain.ErrInvalidConfig, len(c.Databases), c.Buses)
	}
	return nil
}

func (c *Config) queueSize() int {
	if c.QueueSize > 0 {
		return c.QueueSize
	}
	return DefaultQueueSize
}

// Session is a configured conversion run with its loaded databases.
// The database index is read-only after New and shared by all workers.
type Session struct {
	cfg    Config
	db     *dbc.Database
	logger log.Logger
}

// New validates the configuration and loads all database files.
// Database syntax or merge errors fail here, before any log file is
// touched.
func New(cfg Config, logger log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db := dbc.NewDatabase(cfg.Buses)
	for bus, paths := range cfg.Databases {
		for _, path := range paths {
			if err := db.Load(bus, path); err != nil {
				return nil, err
			}
		}
		logger.Info("database loaded",
			log.Int("bus", bus),
			log.Int("messages", db.MessageCount(bus)),
		)
	}
	return &Session{cfg: cfg, db: db, logger: logger}, nil
}

// Database exposes the merged message index.
func (s *Session) Database() *dbc.Database {
	return s.db
}

// Run executes the pipeline over the configured files and writes the
// record stream to out.
func (s *Session) Run(ctx context.Context, out io.Writer) ([]domain.FileSummary, error) {
	return s.Convert(ctx, s.cfg.Files, out)
}

// Convert executes the pipeline over the given files. It returns one
// summary per input file; a failed file is reported in its summary
// while the remaining files still convert. The returned error is
// non-nil only for run-fatal conditions: a downstream write failure or
// cancellation.
func (s *Session) Convert(ctx context.Context, files []string, out io.Writer) ([]domain.FileSummary, error) {
	streamer, err := stream.NewStreamer(out)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	summaries := make([]domain.FileSummary, len(files))
	streams := make([]chan domain.SampleGroup, len(files))
	var wg sync.WaitGroup
	for i, path := range files {
		summaries[i].Path = path
		streams[i] = make(chan domain.SampleGroup, s.cfg.queueSize())
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			defer close(streams[i])
			s.readFile(ctx, path, &summaries[i], streams[i])
		}(i, path)
	}

	merged := make(chan domain.SampleGroup, s.cfg.queueSize())
	go func() {
		defer close(merged)
		mergeStreams(ctx, streams, merged, summaries, s.logger)
	}()

	var fatal error
	for group := range merged {
		if fatal != nil {
			// Drain so the merge stage can finish; nothing more is
			// written once the stream has failed.
			continue
		}
		if err := streamer.WriteGroup(group); err != nil {
			fatal = err
			cancel()
		}
	}
	wg.Wait()

	if fatal == nil {
		if err := streamer.Close(); err != nil {
			fatal = err
		}
	} else {
		// Keep whatever was streamed before the failure.
		streamer.Flush()
	}

	s.report(summaries, streamer)
	if fatal != nil {
		return summaries, fatal
	}
	return summaries, ctx.Err()
}

// readFile reads and decodes one log file, sending sample groups in
// file order. Structural failures abort this file only.
func (s *Session) readFile(ctx context.Context, path string, sum *domain.FileSummary, out chan<- domain.SampleGroup) {
	reader, err := blf.Open(path, s.logger)
	if err != nil {
		sum.Err = err
		s.logger.Error("cannot open log file", log.String("file", path), log.Err(err))
		return
	}
	defer func() {
		sum.ErrorFrames = reader.ErrorFrames()
		sum.ObjectsSkipped = reader.ObjectsSkipped()
		reader.Close()
	}()

	for {
		frame, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			sum.Err = err
			s.logger.Error("log file failed", log.String("file", path), log.Err(err))
			return
		}
		sum.FramesRead++

		frame.Bus = frame.Channel
		if frame.Bus >= s.cfg.Buses {
			sum.FramesUnknown++
			continue
		}
		msg, ok := s.db.Lookup(frame.Bus, frame.ID)
		if !ok {
			// Partial database coverage is expected; unknown frames
			// are dropped without an error.
			sum.FramesUnknown++
			continue
		}

		group, decodeErrs := decode.Frame(msg, frame, s.logger)
		for _, derr := range decodeErrs {
			var rangeErr *domain.SignalRangeError
			var muxErr *domain.MultiplexResolutionError
			switch {
			case errors.As(derr, &rangeErr):
				sum.Skip(domain.SkipSignalRange)
			case errors.As(derr, &muxErr):
				sum.Skip(domain.SkipMultiplexResolution)
			}
			s.logger.Debug("sample skipped", log.String("file", path), log.Err(derr))
		}
		if group.Empty() {
			continue
		}
		sum.SamplesDecoded += uint64(len(group.Samples))

		select {
		case out <- group:
		case <-ctx.Done():
			return
		}
	}
}

// report logs the per-file summaries. Every skipped sample is accounted
// for here; nothing is dropped silently.
func (s *Session) report(summaries []domain.FileSummary, streamer *stream.Streamer) {
	for i := range summaries {
		sum := &summaries[i]
		if sum.Failed() {
			s.logger.Error("file failed",
				log.String("file", sum.Path),
				log.Uint64("frames_read", sum.FramesRead),
				log.Err(sum.Err),
			)
			continue
		}
		s.logger.Info("file converted",
			log.String("file", sum.Path),
			log.Uint64("frames_read", sum.FramesRead),
			log.Uint64("frames_unknown", sum.FramesUnknown),
			log.Uint64("error_frames", sum.ErrorFrames),
			log.Uint64("objects_skipped", sum.ObjectsSkipped),
			log.Uint64("samples_decoded", sum.SamplesDecoded),
			log.Uint64("samples_skipped_signal_range", sum.Skipped[domain.SkipSignalRange]),
			log.Uint64("samples_skipped_multiplex", sum.Skipped[domain.SkipMultiplexResolution]),
			log.Uint64("samples_skipped_timestamp_order", sum.Skipped[domain.SkipTimestampOrder]),
		)
	}
	s.logger.Info("stream finished",
		log.Uint64("records", streamer.RecordsWritten()),
		log.Int("signals", streamer.SignalCount()),
	)
}

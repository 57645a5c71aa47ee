package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the public API. Check with errors.Is.
var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("blf2mdf: invalid configuration")

	// ErrStreamClosed is returned when writing to a finished streamer.
	ErrStreamClosed = errors.New("blf2mdf: output stream closed")
)

// IoError wraps a filesystem failure for one input file.
type IoError struct {
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error: %s: %v", e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// FormatError reports a log container whose structure is invalid beyond
// recovery. It fails the affected file only.
type FormatError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error: %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

// DbcParseError reports a database syntax or validation failure.
// It aborts the run before any file is processed.
type DbcParseError struct {
	File    string
	Line    int
	Message string
	Reason  string
}

func (e *DbcParseError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dbc parse error: %s:%d: message %q: %s", e.File, e.Line, e.Message, e.Reason)
	}
	return fmt.Sprintf("dbc parse error: %s:%d: %s", e.File, e.Line, e.Reason)
}

// SignalRangeError reports a signal whose declared bit range does not fit
// the actual payload of one frame instance. Per-sample, non-fatal.
type SignalRangeError struct {
	Signal     string
	FrameID    uint32
	PayloadLen int
}

func (e *SignalRangeError) Error() string {
	return fmt.Sprintf("signal %q of frame 0x%X exceeds %d byte payload", e.Signal, e.FrameID, e.PayloadLen)
}

// MultiplexResolutionError reports that the switch signal of a multiplexed
// message could not be decoded, so dependent signals were skipped.
type MultiplexResolutionError struct {
	Switch  string
	FrameID uint32
}

func (e *MultiplexResolutionError) Error() string {
	return fmt.Sprintf("switch signal %q of frame 0x%X undecodable", e.Switch, e.FrameID)
}

// TimestampOrderError reports a merged sample group dropped because its
// timestamp was not after the last one emitted for the bus.
type TimestampOrderError struct {
	Bus       int
	FrameID   uint32
	Timestamp int64
	Last      int64
}

func (e *TimestampOrderError) Error() string {
	return fmt.Sprintf("bus %d frame 0x%X at %dns not after %dns", e.Bus, e.FrameID, e.Timestamp, e.Last)
}

// StreamWriteError reports a downstream write failure. Fatal to the run.
type StreamWriteError struct {
	Err error
}

func (e *StreamWriteError) Error() string {
	return fmt.Sprintf("stream write error: %v", e.Err)
}

func (e *StreamWriteError) Unwrap() error { return e.Err }

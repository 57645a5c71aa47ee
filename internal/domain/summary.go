package domain

// SkipReason categorizes why a sample or frame was omitted from output.
type SkipReason int

const (
	SkipSignalRange SkipReason = iota
	SkipMultiplexResolution
	SkipTimestampOrder
	skipReasonCount
)

// String returns the summary key for the reason.
func (r SkipReason) String() string {
	switch r {
	case SkipSignalRange:
		return "signal_range"
	case SkipMultiplexResolution:
		return "multiplex_resolution"
	case SkipTimestampOrder:
		return "timestamp_order"
	default:
		return "unknown"
	}
}

// FileSummary accounts for everything read from one input file.
// Every skipped sample shows up in exactly one counter; silent loss
// is not acceptable.
type FileSummary struct {
	// Path is the input file path.
	Path string

	// Err is the structural failure that aborted the file, if any.
	Err error

	// FramesRead counts bus-frame objects parsed from the container.
	FramesRead uint64

	// FramesUnknown counts frames whose ID no database covers.
	FramesUnknown uint64

	// ErrorFrames counts bus error events seen in the container.
	ErrorFrames uint64

	// ObjectsSkipped counts corrupt container objects recovered past.
	ObjectsSkipped uint64

	// SamplesDecoded counts samples successfully emitted.
	SamplesDecoded uint64

	// Skipped counts omitted samples by reason.
	Skipped [skipReasonCount]uint64
}

// Skip records one omitted sample under the given reason.
func (s *FileSummary) Skip(r SkipReason) {
	if r >= 0 && int(r) < len(s.Skipped) {
		s.Skipped[r]++
	}
}

// SkippedTotal returns the number of omitted samples across all reasons.
func (s *FileSummary) SkippedTotal() uint64 {
	var total uint64
	for _, n := range s.Skipped {
		total += n
	}
	return total
}

// Failed reports whether the file was aborted by a structural error.
func (s *FileSummary) Failed() bool {
	return s.Err != nil
}

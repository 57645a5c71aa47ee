package domain

// MaxPayloadLen is the largest payload a bus frame can carry (CAN FD).
const MaxPayloadLen = 64

// RawFrame is a single bus frame lifted out of a log container.
// It is immutable once produced by the reader.
type RawFrame struct {
	// Bus is the logical bus index the frame belongs to (0-based).
	Bus int

	// Channel is the 0-based capture channel the frame was recorded on.
	Channel int

	// ID is the frame identifier with the extended-ID flag stripped.
	ID uint32

	// Extended reports whether the identifier uses the 29-bit space.
	Extended bool

	// Remote reports a remote-transmission request frame.
	Remote bool

	// Rx reports the frame direction (true = received).
	Rx bool

	// Timestamp is the capture time in nanoseconds since measurement start.
	Timestamp int64

	// Data is the frame payload (0 to MaxPayloadLen bytes).
	Data []byte
}

// DecodedSample is one physical observation extracted from a frame.
type DecodedSample struct {
	// Signal is the declared signal name.
	Signal string

	// Value is the scaled physical value (raw*factor + offset).
	Value float64

	// Label is the value-table label for the raw value, if one is mapped.
	Label string

	// HasLabel distinguishes an empty label from an unmapped raw value.
	HasLabel bool
}

// SampleGroup carries all samples decoded from one frame instance.
// Samples appear in signal declaration order and share the frame timestamp.
type SampleGroup struct {
	Bus       int
	FrameID   uint32
	Message   string
	Timestamp int64
	Samples   []DecodedSample
}

// Empty reports whether the group carries no samples.
func (g SampleGroup) Empty() bool {
	return len(g.Samples) == 0
}

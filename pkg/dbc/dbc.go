// Package dbc parses CAN network description files (DBC) and indexes the
// message definitions of several logical buses for frame decoding.
//
// The supported grammar covers message declarations (BO_), signal
// declarations (SG_) including multiplexer markers, and value tables
// (VAL_). Everything else in a DBC file is skipped.
package dbc

import (
	"fmt"

	"github.com/JanSpindler/blf2mdf/internal/domain"
)

// ByteOrder is the bit numbering convention of a signal.
type ByteOrder int

const (
	// BigEndian (Motorola) addresses the most significant bit first.
	BigEndian ByteOrder = iota
	// LittleEndian (Intel) addresses the least significant bit first.
	LittleEndian
)

// MuxRole describes how a signal takes part in multiplexing.
type MuxRole int

const (
	// MuxNone marks a plain signal, always present in the frame.
	MuxNone MuxRole = iota
	// MuxSwitch marks the switch signal selecting the active group.
	MuxSwitch
	// MuxValue marks a signal present only when the switch carries
	// its indicator value.
	MuxValue
)

// Signal is one named bit field within a message payload.
type Signal struct {
	Name      string
	StartBit  int
	Length    int
	ByteOrder ByteOrder
	Signed    bool
	Factor    float64
	Offset    float64
	Min       float64
	Max       float64
	Unit      string

	MuxRole MuxRole
	// MuxIndicator is the switch value this signal is active for.
	// Meaningful only when MuxRole is MuxValue.
	MuxIndicator int64

	// Values maps sign-extended raw integers to labels. Nil when the
	// signal has no value table.
	Values map[int64]string
}

// Multiplexing is the tagged mux variant of a message: a switch signal
// plus the signals keyed by the indicator value they are active for.
type Multiplexing struct {
	Switch      *Signal
	ByIndicator map[int64][]*Signal
}

// Message is one frame definition: identity, payload length and the
// ordered signal layout.
type Message struct {
	ID      uint32
	Name    string
	Length  int
	Signals []*Signal

	// Mux is nil for plain messages.
	Mux *Multiplexing
}

// File is the parsed content of a single database file.
type File struct {
	Name     string
	Messages []*Message
}

// Database is the merged per-bus message index. It is read-only after
// loading and safe to share across decoding workers.
type Database struct {
	buses []map[uint32]*Message
}

// NewDatabase creates an empty index for the given number of buses.
func NewDatabase(busCount int) *Database {
	buses := make([]map[uint32]*Message, busCount)
	for i := range buses {
		buses[i] = make(map[uint32]*Message)
	}
	return &Database{buses: buses}
}

// BusCount returns the number of logical buses.
func (d *Database) BusCount() int {
	return len(d.buses)
}

// Merge adds the messages of a parsed file to a bus. Redefining a frame
// ID already present on the same bus is a configuration error.
func (d *Database) Merge(bus int, f *File) error {
	if bus < 0 || bus >= len(d.buses) {
		return fmt.Errorf("%w: bus %d out of range", domain.ErrInvalidConfig, bus)
	}
	for _, msg := range f.Messages {
		if prev, ok := d.buses[bus][msg.ID]; ok {
			return &domain.DbcParseError{
				File:    f.Name,
				Message: msg.Name,
				Reason:  fmt.Sprintf("frame 0x%X already defined by message %q on bus %d", msg.ID, prev.Name, bus),
			}
		}
		d.buses[bus][msg.ID] = msg
	}
	return nil
}

// Load parses the database file at path and merges it into a bus.
func (d *Database) Load(bus int, path string) error {
	f, err := ParseFile(path)
	if err != nil {
		return err
	}
	return d.Merge(bus, f)
}

// Lookup returns the message definition for a frame on a bus.
func (d *Database) Lookup(bus int, frameID uint32) (*Message, bool) {
	if bus < 0 || bus >= len(d.buses) {
		return nil, false
	}
	msg, ok := d.buses[bus][frameID]
	return msg, ok
}

// MessageCount returns the number of messages indexed for a bus.
func (d *Database) MessageCount(bus int) int {
	if bus < 0 || bus >= len(d.buses) {
		return 0
	}
	return len(d.buses[bus])
}

// SpanEnd returns the highest bit position a signal touches, or -1 when
// the walk falls off the payload. For big-endian signals the start bit
// is the most significant bit and the walk descends within each byte.
func (s *Signal) SpanEnd() int {
	switch s.ByteOrder {
	case LittleEndian:
		return s.StartBit + s.Length - 1
	default:
		pos := s.StartBit
		for i := 1; i < s.Length; i++ {
			if pos%8 == 0 {
				pos += 15
			} else {
				pos--
			}
		}
		return pos
	}
}

// Fits reports whether the signal's bit range lies within a payload of
// byteLen bytes.
func (s *Signal) Fits(byteLen int) bool {
	if s.StartBit < 0 || s.Length <= 0 || s.Length > 64 {
		return false
	}
	limit := byteLen * 8
	if s.StartBit >= limit {
		return false
	}
	end := s.SpanEnd()
	return end >= 0 && end < limit
}

// validate enforces the load-time rules: every signal fits the declared
// message length and multiplexed messages declare exactly one switch.
func (f *File) validate() error {
	for _, msg := range f.Messages {
		var switches int
		var muxed bool
		for _, sig := range msg.Signals {
			if !sig.Fits(msg.Length) {
				return &domain.DbcParseError{
					File:    f.Name,
					Message: msg.Name,
					Reason:  fmt.Sprintf("signal %q exceeds declared length of %d bytes", sig.Name, msg.Length),
				}
			}
			switch sig.MuxRole {
			case MuxSwitch:
				switches++
			case MuxValue:
				muxed = true
			}
		}
		if muxed && switches != 1 {
			return &domain.DbcParseError{
				File:    f.Name,
				Message: msg.Name,
				Reason:  fmt.Sprintf("multiplexed message declares %d switch signals, want exactly 1", switches),
			}
		}
		if switches > 1 {
			return &domain.DbcParseError{
				File:    f.Name,
				Message: msg.Name,
				Reason:  fmt.Sprintf("message declares %d switch signals", switches),
			}
		}
		msg.buildMux()
	}
	return nil
}

// buildMux materializes the tagged mux variant after validation.
func (m *Message) buildMux() {
	var sw *Signal
	for _, sig := range m.Signals {
		if sig.MuxRole == MuxSwitch {
			sw = sig
			break
		}
	}
	if sw == nil {
		m.Mux = nil
		return
	}
	mux := &Multiplexing{Switch: sw, ByIndicator: make(map[int64][]*Signal)}
	for _, sig := range m.Signals {
		if sig.MuxRole == MuxValue {
			mux.ByIndicator[sig.MuxIndicator] = append(mux.ByIndicator[sig.MuxIndicator], sig)
		}
	}
	m.Mux = mux
}

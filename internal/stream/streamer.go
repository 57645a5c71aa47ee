// Package stream serializes decoded sample groups into the length-prefixed
// binary record protocol consumed by the external measurement-file writer.
//
// The stream opens with an 8-byte magic, followed by records framed as a
// little-endian uint32 payload length plus payload. The first payload byte
// is the record type: a signal definition binds an index to a qualified
// signal name; a sample record carries all samples of one frame instance
// referencing those indexes.
package stream

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/JanSpindler/blf2mdf/internal/domain"
)

// Magic identifies the record stream. The version byte is part of it.
const Magic = "BLF2MDF\x01"

// Record types.
const (
	recSignalDef byte = 1
	recSamples   byte = 2
)

type signalKey struct {
	bus     int
	frameID uint32
	name    string
}

// Streamer writes the record stream for one conversion run. It is not
// safe for concurrent use; the session feeds it from a single goroutine.
type Streamer struct {
	w      *bufio.Writer
	index  map[signalKey]uint32
	next   uint32
	buf    bytes.Buffer
	closed bool

	records uint64
}

// NewStreamer writes the stream magic to w and returns a Streamer.
func NewStreamer(w io.Writer) (*Streamer, error) {
	s := &Streamer{
		w:     bufio.NewWriterSize(w, 64*1024),
		index: make(map[signalKey]uint32),
	}
	if _, err := s.w.WriteString(Magic); err != nil {
		return nil, &domain.StreamWriteError{Err: err}
	}
	return s, nil
}

// WriteGroup serializes one sample group. Signals seen for the first
// time get a definition record before the sample record referencing
// them. Empty groups write nothing.
func (s *Streamer) WriteGroup(g domain.SampleGroup) error {
	if s.closed {
		return domain.ErrStreamClosed
	}
	if g.Empty() {
		return nil
	}
	if len(g.Samples) > math.MaxUint16 {
		return &domain.StreamWriteError{Err: fmt.Errorf("sample count %d exceeds record capacity", len(g.Samples))}
	}

	indexes := make([]uint32, len(g.Samples))
	for i, sample := range g.Samples {
		key := signalKey{bus: g.Bus, frameID: g.FrameID, name: sample.Signal}
		idx, ok := s.index[key]
		if !ok {
			idx = s.next
			s.next++
			s.index[key] = idx
			if err := s.writeSignalDef(idx, g, sample.Signal); err != nil {
				return err
			}
		}
		indexes[i] = idx
	}

	s.buf.Reset()
	s.buf.WriteByte(recSamples)
	writeU8(&s.buf, uint8(g.Bus))
	writeU32(&s.buf, g.FrameID)
	writeI64(&s.buf, g.Timestamp)
	writeU16(&s.buf, uint16(len(g.Samples)))
	for i, sample := range g.Samples {
		writeU32(&s.buf, indexes[i])
		writeF64(&s.buf, sample.Value)
		if sample.HasLabel {
			s.buf.WriteByte(1)
			writeString(&s.buf, sample.Label)
		} else {
			s.buf.WriteByte(0)
		}
	}
	return s.writeRecord()
}

// writeSignalDef emits the definition record binding an index to the
// qualified name busN::Message::Signal.
func (s *Streamer) writeSignalDef(idx uint32, g domain.SampleGroup, signal string) error {
	name := fmt.Sprintf("CAN%d::%s::%s", g.Bus+1, g.Message, signal)

	s.buf.Reset()
	s.buf.WriteByte(recSignalDef)
	writeU32(&s.buf, idx)
	writeU8(&s.buf, uint8(g.Bus))
	writeU32(&s.buf, g.FrameID)
	writeString(&s.buf, name)
	return s.writeRecord()
}

// writeRecord frames s.buf as one record. The payload is assembled
// completely before any byte reaches the writer, so a failed write
// never leaves a partial record followed by more data.
func (s *Streamer) writeRecord() error {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(s.buf.Len()))
	if _, err := s.w.Write(prefix[:]); err != nil {
		return s.fail(err)
	}
	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return s.fail(err)
	}
	s.records++
	return nil
}

// Flush drains buffered records to the underlying writer.
func (s *Streamer) Flush() error {
	if s.closed {
		return domain.ErrStreamClosed
	}
	if err := s.w.Flush(); err != nil {
		return s.fail(err)
	}
	return nil
}

// Close flushes and marks the streamer finished.
func (s *Streamer) Close() error {
	if s.closed {
		return nil
	}
	err := s.Flush()
	s.closed = true
	return err
}

// RecordsWritten returns the number of records emitted so far.
func (s *Streamer) RecordsWritten() uint64 {
	return s.records
}

// SignalCount returns the number of distinct signals defined so far.
func (s *Streamer) SignalCount() int {
	return len(s.index)
}

func (s *Streamer) fail(err error) error {
	s.closed = true
	return &domain.StreamWriteError{Err: err}
}

func writeU8(buf *bytes.Buffer, v uint8) {
	buf.WriteByte(v)
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeF64(buf *bytes.Buffer, v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeU16(buf, uint16(len(s)))
	buf.WriteString(s)
}

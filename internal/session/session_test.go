package session

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/JanSpindler/blf2mdf/internal/domain"
)

const testDBC = `VERSION ""

BO_ 256 EngineData: 8 Vector__XXX
 SG_ EngineSpeed : 0|16@1+ (0.25,0) [0|16383.75] "rpm" Vector__XXX
`

// testFrame describes one CAN event for the synthetic log builder.
type testFrame struct {
	channel   uint16
	id        uint32
	timestamp uint64
	data      []byte
}

// writeBLF writes a log file holding the given frames in one
// zlib-compressed log container.
func writeBLF(t *testing.T, path string, frames []testFrame) string {
	t.Helper()

	var inner bytes.Buffer
	for _, f := range frames {
		obj := make([]byte, 16+16+16)
		copy(obj, "LOBJ")
		binary.LittleEndian.PutUint16(obj[4:6], 16)
		binary.LittleEndian.PutUint16(obj[6:8], 1)
		binary.LittleEndian.PutUint32(obj[8:12], uint32(len(obj)))
		binary.LittleEndian.PutUint32(obj[12:16], 1) // CAN message
		binary.LittleEndian.PutUint32(obj[16:20], 2) // nanosecond clock
		binary.LittleEndian.PutUint64(obj[24:32], f.timestamp)
		binary.LittleEndian.PutUint16(obj[32:34], f.channel)
		obj[35] = byte(len(f.data))
		binary.LittleEndian.PutUint32(obj[36:40], f.id)
		copy(obj[40:48], f.data)
		inner.Write(obj)
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	zw.Write(inner.Bytes())
	zw.Close()

	var file bytes.Buffer
	header := make([]byte, 72)
	copy(header, "LOGG")
	binary.LittleEndian.PutUint32(header[4:8], 72)
	file.Write(header)

	container := make([]byte, 16+16+compressed.Len())
	copy(container, "LOBJ")
	binary.LittleEndian.PutUint16(container[4:6], 16)
	binary.LittleEndian.PutUint16(container[6:8], 1)
	binary.LittleEndian.PutUint32(container[8:12], uint32(len(container)))
	binary.LittleEndian.PutUint32(container[12:16], 10) // log container
	binary.LittleEndian.PutUint16(container[16:18], 2)  // zlib
	binary.LittleEndian.PutUint32(container[24:28], uint32(inner.Len()))
	copy(container[32:], compressed.Bytes())
	file.Write(container)
	file.Write(make([]byte, len(container)%4))

	if err := os.WriteFile(path, file.Bytes(), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func writeDBC(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "test.dbc")
	if err := os.WriteFile(path, []byte(testDBC), 0o644); err != nil {
		t.Fatalf("writing dbc: %v", err)
	}
	return path
}

// sampleTimestamps extracts the timestamps of all sample records from a
// serialized stream, in order.
func sampleTimestamps(t *testing.T, data []byte) []int64 {
	t.Helper()
	const magicLen = 8
	if len(data) < magicLen {
		t.Fatalf("stream too short: %X", data)
	}
	data = data[magicLen:]

	var timestamps []int64
	for len(data) > 0 {
		n := binary.LittleEndian.Uint32(data[:4])
		payload := data[4 : 4+n]
		data = data[4+n:]
		if payload[0] == 2 {
			timestamps = append(timestamps, int64(binary.LittleEndian.Uint64(payload[6:14])))
		}
	}
	return timestamps
}

func newTestSession(t *testing.T, dir string) *Session {
	t.Helper()
	s, err := New(Config{
		Buses:     1,
		Databases: [][]string{{writeDBC(t, dir)}},
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return s
}

func TestConvertMergesByTimestamp(t *testing.T) {
	dir := t.TempDir()
	fileA := writeBLF(t, filepath.Join(dir, "a.blf"), []testFrame{
		{channel: 1, id: 0x100, timestamp: 100, data: []byte{0x10, 0x00}},
		{channel: 1, id: 0x100, timestamp: 300, data: []byte{0x20, 0x00}},
	})
	fileB := writeBLF(t, filepath.Join(dir, "b.blf"), []testFrame{
		{channel: 1, id: 0x100, timestamp: 200, data: []byte{0x30, 0x00}},
	})

	s := newTestSession(t, dir)
	var out bytes.Buffer
	summaries, err := s.Convert(context.Background(), []string{fileA, fileB}, &out)
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}

	got := sampleTimestamps(t, out.Bytes())
	want := []int64{100, 200, 300}
	if len(got) != len(want) {
		t.Fatalf("timestamps = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("timestamps = %v, want %v", got, want)
		}
	}

	if summaries[0].FramesRead != 2 || summaries[1].FramesRead != 1 {
		t.Errorf("frames read = %d, %d", summaries[0].FramesRead, summaries[1].FramesRead)
	}
	if summaries[0].SamplesDecoded != 2 || summaries[1].SamplesDecoded != 1 {
		t.Errorf("samples decoded = %d, %d", summaries[0].SamplesDecoded, summaries[1].SamplesDecoded)
	}
}

// TestConvertDropsNonMonotonicGroups feeds a file whose middle frame
// steps backwards in time; the group is dropped and accounted, the
// frames around it stream normally.
func TestConvertDropsNonMonotonicGroups(t *testing.T) {
	dir := t.TempDir()
	fileA := writeBLF(t, filepath.Join(dir, "a.blf"), []testFrame{
		{channel: 1, id: 0x100, timestamp: 100, data: []byte{0x10, 0x00}},
		{channel: 1, id: 0x100, timestamp: 50, data: []byte{0x20, 0x00}},
		{channel: 1, id: 0x100, timestamp: 200, data: []byte{0x30, 0x00}},
	})

	s := newTestSession(t, dir)
	var out bytes.Buffer
	summaries, err := s.Convert(context.Background(), []string{fileA}, &out)
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}

	got := sampleTimestamps(t, out.Bytes())
	want := []int64{100, 200}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("timestamps = %v, want %v", got, want)
	}
	if n := summaries[0].Skipped[domain.SkipTimestampOrder]; n != 1 {
		t.Errorf("timestamp-order skips = %d, want 1", n)
	}
	if summaries[0].SkippedTotal() != 1 {
		t.Errorf("SkippedTotal = %d, want 1", summaries[0].SkippedTotal())
	}
}

const muxDBC = `VERSION ""

BO_ 256 SensorMux: 8 Vector__XXX
 SG_ MuxSelect M : 0|8@1+ (1,0) [0|0] "" Vector__XXX
 SG_ M0 m0 : 8|8@1+ (1,0) [0|0] "" Vector__XXX
 SG_ M1 m1 : 8|8@1+ (1,0) [0|0] "" Vector__XXX
`

// TestConvertMultiplexedEndToEnd runs two files against a multiplexed
// message: the switch value selects which signal each frame yields, the
// backwards-stepping frame is dropped, the rest stream in time order.
func TestConvertMultiplexedEndToEnd(t *testing.T) {
	dir := t.TempDir()
	fileA := writeBLF(t, filepath.Join(dir, "a.blf"), []testFrame{
		{channel: 1, id: 0x100, timestamp: 100, data: []byte{0x00, 0x0A}}, // S=0 -> M0
		{channel: 1, id: 0x100, timestamp: 50, data: []byte{0x00, 0x0B}},  // out of order
	})
	fileB := writeBLF(t, filepath.Join(dir, "b.blf"), []testFrame{
		{channel: 1, id: 0x100, timestamp: 200, data: []byte{0x01, 0x0C}}, // S=1 -> M1
	})

	dbcPath := filepath.Join(dir, "mux.dbc")
	if err := os.WriteFile(dbcPath, []byte(muxDBC), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := New(Config{Buses: 1, Databases: [][]string{{dbcPath}}}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	var out bytes.Buffer
	summaries, err := s.Convert(context.Background(), []string{fileA, fileB}, &out)
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}

	got := sampleTimestamps(t, out.Bytes())
	if len(got) != 2 || got[0] != 100 || got[1] != 200 {
		t.Fatalf("timestamps = %v, want [100 200]", got)
	}

	// The definition dictionary must name MuxSelect, M0 and M1 but
	// never define M1 for the S=0 frame or M0 for the S=1 frame twice.
	var names []string
	data := out.Bytes()[8:]
	for len(data) > 0 {
		n := binary.LittleEndian.Uint32(data[:4])
		payload := data[4 : 4+n]
		data = data[4+n:]
		if payload[0] == 1 {
			nameLen := binary.LittleEndian.Uint16(payload[10:12])
			names = append(names, string(payload[12:12+nameLen]))
		}
	}
	want := []string{
		"CAN1::SensorMux::MuxSelect",
		"CAN1::SensorMux::M0",
		"CAN1::SensorMux::M1",
	}
	if len(names) != len(want) {
		t.Fatalf("definitions = %v, want %v", names, want)
	}
	for i := range names {
		if names[i] != want[i] {
			t.Fatalf("definitions = %v, want %v", names, want)
		}
	}

	// The dropped frame carried two samples (switch + M0).
	if n := summaries[0].Skipped[domain.SkipTimestampOrder]; n != 2 {
		t.Errorf("timestamp-order skips = %d, want 2", n)
	}
	if n := summaries[1].SkippedTotal(); n != 0 {
		t.Errorf("file B skips = %d, want 0", n)
	}
}

func TestConvertIsolatesFailedFile(t *testing.T) {
	dir := t.TempDir()
	good := writeBLF(t, filepath.Join(dir, "good.blf"), []testFrame{
		{channel: 1, id: 0x100, timestamp: 100, data: []byte{0x10, 0x00}},
	})
	bad := filepath.Join(dir, "bad.blf")
	if err := os.WriteFile(bad, []byte("this is not a log file"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := newTestSession(t, dir)
	var out bytes.Buffer
	summaries, err := s.Convert(context.Background(), []string{bad, good}, &out)
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}

	if !summaries[0].Failed() {
		t.Error("bad file not reported as failed")
	}
	var formatErr *domain.FormatError
	if !errors.As(summaries[0].Err, &formatErr) {
		t.Errorf("bad file error = %v, want FormatError", summaries[0].Err)
	}
	if summaries[1].Failed() {
		t.Errorf("good file reported failed: %v", summaries[1].Err)
	}
	if got := sampleTimestamps(t, out.Bytes()); len(got) != 1 || got[0] != 100 {
		t.Errorf("timestamps = %v, want [100]", got)
	}
}

func TestConvertCountsUnknownFrames(t *testing.T) {
	dir := t.TempDir()
	file := writeBLF(t, filepath.Join(dir, "a.blf"), []testFrame{
		{channel: 1, id: 0x999, timestamp: 100, data: []byte{0x01}}, // no definition
		{channel: 5, id: 0x100, timestamp: 200, data: []byte{0x02}}, // beyond bus count
		{channel: 1, id: 0x100, timestamp: 300, data: []byte{0x10, 0x00}},
	})

	s := newTestSession(t, dir)
	var out bytes.Buffer
	summaries, err := s.Convert(context.Background(), []string{file}, &out)
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}

	if summaries[0].FramesRead != 3 {
		t.Errorf("FramesRead = %d, want 3", summaries[0].FramesRead)
	}
	if summaries[0].FramesUnknown != 2 {
		t.Errorf("FramesUnknown = %d, want 2", summaries[0].FramesUnknown)
	}
	if summaries[0].SamplesDecoded != 1 {
		t.Errorf("SamplesDecoded = %d, want 1", summaries[0].SamplesDecoded)
	}
}

func TestConvertScalesValues(t *testing.T) {
	dir := t.TempDir()
	// Raw 0x2710 = 10000, factor 0.25.
	file := writeBLF(t, filepath.Join(dir, "a.blf"), []testFrame{
		{channel: 1, id: 0x100, timestamp: 100, data: []byte{0x10, 0x27}},
	})

	s := newTestSession(t, dir)
	var out bytes.Buffer
	if _, err := s.Convert(context.Background(), []string{file}, &out); err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}

	data := out.Bytes()[8:]
	var value float64
	found := false
	for len(data) > 0 {
		n := binary.LittleEndian.Uint32(data[:4])
		payload := data[4 : 4+n]
		data = data[4+n:]
		if payload[0] == 2 {
			value = math.Float64frombits(binary.LittleEndian.Uint64(payload[20:28]))
			found = true
		}
	}
	if !found {
		t.Fatal("no sample record in stream")
	}
	if value != 2500 {
		t.Errorf("value = %v, want 2500", value)
	}
}

func TestConvertCancelled(t *testing.T) {
	dir := t.TempDir()
	file := writeBLF(t, filepath.Join(dir, "a.blf"), []testFrame{
		{channel: 1, id: 0x100, timestamp: 100, data: []byte{0x10, 0x00}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestSession(t, dir)
	var out bytes.Buffer
	_, err := s.Convert(ctx, []string{file}, &out)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Convert error = %v, want context.Canceled", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "valid", cfg: Config{Buses: 2, Databases: [][]string{{"a.dbc"}, {}}}, ok: true},
		{name: "no files allowed", cfg: Config{Buses: 1, Databases: [][]string{{"a.dbc"}}}, ok: true},
		{name: "zero buses", cfg: Config{Databases: [][]string{}}},
		{name: "database bus mismatch", cfg: Config{Buses: 2, Databases: [][]string{{"a.dbc"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate returned error: %v", err)
			}
			if !tt.ok && !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("Validate error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNewRejectsMissingDatabase(t *testing.T) {
	_, err := New(Config{
		Buses:     1,
		Databases: [][]string{{filepath.Join(t.TempDir(), "missing.dbc")}},
	}, nil)
	var ioErr *domain.IoError
	if !errors.As(err, &ioErr) {
		t.Fatalf("New error = %v, want IoError", err)
	}
}

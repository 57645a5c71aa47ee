// Package blf reads Vector binary logging format (BLF) files and yields
// the bus frames they contain. Only log containers and bus-frame events
// are interpreted; every other object type is skipped for forward
// compatibility.
package blf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"time"

	"github.com/JanSpindler/blf2mdf/internal/domain"
	"github.com/JanSpindler/blf2mdf/pkg/log"
)

// Object types consumed by the reader. The BLF object zoo is much larger;
// unknown types pass through unparsed.
const (
	objCANMessage   = 1
	objLogContainer = 10
	objCANError     = 73
	objCANMessage2  = 86
)

// Log container compression methods.
const (
	compressionNone = 0
	compressionZlib = 2
)

const (
	fileMagic = "LOGG"
	objMagic  = "LOBJ"

	baseHeaderLen      = 16
	containerHeaderLen = 16

	// canMsgExt flags the 29-bit identifier space in the raw frame ID.
	canMsgExt = 0x80000000

	remoteFlag = 0x80
	dirFlag    = 0x01

	// timeTenMics marks object timestamps counted in 10 µs ticks
	// instead of nanoseconds.
	timeTenMics = 0x00000001
)

// Reader produces the RawFrame sequence of one BLF file in file order.
// It is not safe for concurrent use.
type Reader struct {
	path   string
	src    io.Reader
	closer io.Closer
	logger log.Logger

	startTime time.Time

	// tail holds the partial object carried over from the previous
	// log container; objects may span container boundaries.
	tail    []byte
	pending []domain.RawFrame
	offset  int64

	errorFrames    uint64
	objectsSkipped uint64
}

// Open opens the BLF file at path and validates its header.
func Open(path string, logger log.Logger) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.IoError{Path: path, Err: err}
	}
	r, err := NewReader(f, logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.path = path
	r.closer = f
	return r, nil
}

// NewReader validates the file header of src and returns a Reader
// positioned at the first object.
func NewReader(src io.Reader, logger log.Logger) (*Reader, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	r := &Reader{src: src, logger: logger}

	head := make([]byte, 8)
	if _, err := io.ReadFull(src, head); err != nil {
		return nil, r.formatErr(0, "truncated file header")
	}
	if string(head[:4]) != fileMagic {
		return nil, r.formatErr(0, "bad file magic")
	}
	headerSize := binary.LittleEndian.Uint32(head[4:8])
	if headerSize < 8 || headerSize > 1<<16 {
		return nil, r.formatErr(4, "implausible header size")
	}

	rest := make([]byte, headerSize-8)
	if _, err := io.ReadFull(src, rest); err != nil {
		return nil, r.formatErr(8, "truncated file header")
	}
	header := append(head, rest...)
	if len(header) >= 72 {
		r.startTime = systemTime(header[56:72])
	}
	r.offset = int64(headerSize)
	return r, nil
}

// StartTime returns the measurement start time recorded in the file
// header, or the zero time when the header does not carry one.
func (r *Reader) StartTime() time.Time {
	return r.startTime
}

// ErrorFrames returns the number of bus error events seen so far.
func (r *Reader) ErrorFrames() uint64 {
	return r.errorFrames
}

// ObjectsSkipped returns the number of corrupt objects recovered past.
func (r *Reader) ObjectsSkipped() uint64 {
	return r.objectsSkipped
}

// Next returns the next bus frame in file order. It returns io.EOF when
// the file is exhausted and a FormatError when the object structure is
// broken beyond recovery.
func (r *Reader) Next() (domain.RawFrame, error) {
	for {
		if len(r.pending) > 0 {
			frame := r.pending[0]
			r.pending = r.pending[1:]
			return frame, nil
		}
		if err := r.readObject(); err != nil {
			return domain.RawFrame{}, err
		}
	}
}

// Close releases the underlying file, if the Reader owns one.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// readObject consumes one top-level object, filling r.pending when the
// object is a log container holding bus frames.
func (r *Reader) readObject() error {
	header := make([]byte, baseHeaderLen)
	if _, err := io.ReadFull(r.src, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return &domain.IoError{Path: r.path, Err: err}
	}
	if string(header[:4]) != objMagic {
		return r.formatErr(r.offset, "bad object signature")
	}
	objSize := binary.LittleEndian.Uint32(header[8:12])
	objType := binary.LittleEndian.Uint32(header[12:16])
	if objSize < baseHeaderLen {
		return r.formatErr(r.offset, "object size below header size")
	}

	body := make([]byte, objSize-baseHeaderLen)
	if _, err := io.ReadFull(r.src, body); err != nil {
		return r.formatErr(r.offset, "truncated object body")
	}
	// Top-level objects are padded to 4 bytes.
	if pad := objSize % 4; pad != 0 {
		if _, err := io.CopyN(io.Discard, r.src, int64(pad)); err != nil && !errors.Is(err, io.EOF) {
			return r.formatErr(r.offset, "truncated object padding")
		}
	}
	r.offset += int64(objSize) + int64(objSize%4)

	if objType != objLogContainer {
		return nil
	}
	if len(body) < containerHeaderLen {
		r.skipObject("log container header too short", nil)
		return nil
	}

	method := binary.LittleEndian.Uint16(body[0:2])
	payload := body[containerHeaderLen:]
	switch method {
	case compressionNone:
	case compressionZlib:
		inflated, err := inflate(payload)
		if err != nil {
			r.skipObject("log container decompression failed", err)
			return nil
		}
		payload = inflated
	default:
		r.skipObject("unknown compression method", nil)
		return nil
	}

	r.parseContainer(payload)
	return nil
}

// parseContainer walks the concatenated objects inside one decompressed
// log container. A trailing partial object is kept for the next container.
func (r *Reader) parseContainer(data []byte) {
	if len(r.tail) > 0 {
		data = append(r.tail, data...)
		r.tail = nil
	}

	pos := 0
	for pos+baseHeaderLen <= len(data) {
		// Resync on the object magic; corrupt objects are skipped up
		// to the next recoverable boundary.
		if string(data[pos:pos+4]) != objMagic {
			next := bytes.Index(data[pos:], []byte(objMagic))
			if next < 0 {
				r.tail = nil
				return
			}
			r.objectsSkipped++
			r.logger.Warn("resyncing inside log container", log.Int("skipped_bytes", next))
			pos += next
			continue
		}

		headerVersion := binary.LittleEndian.Uint16(data[pos+6 : pos+8])
		objSize := int(binary.LittleEndian.Uint32(data[pos+8 : pos+12]))
		objType := binary.LittleEndian.Uint32(data[pos+12 : pos+16])
		if objSize < baseHeaderLen {
			r.skipObject("object size below header size", nil)
			pos += 4
			continue
		}
		if pos+objSize > len(data) {
			// Object continues in the next container.
			break
		}

		obj := data[pos+baseHeaderLen : pos+objSize]
		pos += objSize

		// Object headers v1 and v2 both carry flags and a 64-bit
		// timestamp in their first 16 bytes.
		if headerVersion != 1 && headerVersion != 2 {
			continue
		}
		if len(obj) < 16 {
			r.skipObject("object too short for timestamp header", nil)
			continue
		}
		flags := binary.LittleEndian.Uint32(obj[0:4])
		ticks := binary.LittleEndian.Uint64(obj[8:16])
		timestamp := int64(ticks)
		if flags == timeTenMics {
			timestamp *= 10_000
		}

		r.parseFrame(objType, obj[16:], timestamp)
	}

	if pos < len(data) {
		r.tail = append([]byte(nil), data[pos:]...)
	} else {
		r.tail = nil
	}
}

// parseFrame converts one bus-frame event into a RawFrame.
func (r *Reader) parseFrame(objType uint32, data []byte, timestamp int64) {
	switch objType {
	case objCANMessage, objCANMessage2:
		// channel u16, flags u8, dlc u8, id u32, data [8]byte
		if len(data) < 16 {
			r.skipObject("bus frame event too short", nil)
			return
		}
		channel := int(binary.LittleEndian.Uint16(data[0:2]))
		flags := data[2]
		dlc := int(data[3])
		id := binary.LittleEndian.Uint32(data[4:8])
		if dlc > 8 {
			dlc = 8
		}
		if channel > 0 {
			channel--
		}
		r.pending = append(r.pending, domain.RawFrame{
			Channel:   channel,
			ID:        id &^ canMsgExt,
			Extended:  id&canMsgExt != 0,
			Remote:    flags&remoteFlag != 0,
			Rx:        flags&dirFlag == 0,
			Timestamp: timestamp,
			Data:      append([]byte(nil), data[8:8+dlc]...),
		})
	case objCANError:
		// Error events carry no decodable payload; counted only.
		r.errorFrames++
	}
}

func (r *Reader) skipObject(reason string, err error) {
	r.objectsSkipped++
	fields := []log.Field{log.String("reason", reason), log.String("file", r.path)}
	if err != nil {
		fields = append(fields, log.Err(err))
	}
	r.logger.Warn("skipping corrupt log object", fields...)
}

func (r *Reader) formatErr(offset int64, reason string) *domain.FormatError {
	return &domain.FormatError{Path: r.path, Offset: offset, Reason: reason}
}

func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// systemTime converts the Windows SYSTEMTIME record in the file header.
func systemTime(b []byte) time.Time {
	year := int(binary.LittleEndian.Uint16(b[0:2]))
	month := time.Month(binary.LittleEndian.Uint16(b[2:4]))
	day := int(binary.LittleEndian.Uint16(b[6:8]))
	hour := int(binary.LittleEndian.Uint16(b[8:10]))
	minute := int(binary.LittleEndian.Uint16(b[10:12]))
	second := int(binary.LittleEndian.Uint16(b[12:14]))
	milli := int(binary.LittleEndian.Uint16(b[14:16]))
	if year == 0 {
		return time.Time{}
	}
	return time.Date(year, month, day, hour, minute, second, milli*int(time.Millisecond), time.UTC)
}

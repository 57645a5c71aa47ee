package dbc

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/JanSpindler/blf2mdf/internal/domain"
)

// extendedIDBit marks 29-bit identifiers in BO_ declarations.
const extendedIDBit = 0x80000000

var (
	messageRe   = regexp.MustCompile(`^BO_\s+(\d+)\s+([\w-]+)\s*:\s*(\d+)\s+`)
	signalRe    = regexp.MustCompile(`^SG_\s+([\w-]+)\s*(M|m\d+)?\s*:\s*(\d+)\|(\d+)@([01])([+-])\s*\(([^,]+),([^)]+)\)\s*\[([^|]*)\|([^\]]*)\]\s*"([^"]*)"`)
	valueDefRe  = regexp.MustCompile(`^VAL_\s+(\d+)\s+([\w-]+)\s+(.*?);?\s*$`)
	valuePairRe = regexp.MustCompile(`(-?\d+)\s+"([^"]*)"`)
)

// ParseFile parses the DBC file at path.
func ParseFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.IoError{Path: path, Err: err}
	}
	defer f.Close()
	return Parse(f, path)
}

// Parse reads a DBC grammar from r. The name is used in error reports.
// Signal declarations attach to the preceding message declaration;
// value tables may appear anywhere after it.
func Parse(r io.Reader, name string) (*File, error) {
	file := &File{Name: name}
	byID := make(map[uint32]*Message)
	var current *Message

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "BO_ "):
			msg, err := parseMessage(line, name, lineNo)
			if err != nil {
				return nil, err
			}
			file.Messages = append(file.Messages, msg)
			byID[msg.ID] = msg
			current = msg
		case strings.HasPrefix(line, "SG_ "):
			if current == nil {
				return nil, &domain.DbcParseError{File: name, Line: lineNo, Reason: "signal declared outside a message"}
			}
			sig, err := parseSignal(line, name, lineNo, current.Name)
			if err != nil {
				return nil, err
			}
			current.Signals = append(current.Signals, sig)
		case strings.HasPrefix(line, "VAL_ "):
			if err := parseValueTable(line, name, lineNo, byID); err != nil {
				return nil, err
			}
		default:
			// Senders, attributes, comments and the rest of the
			// grammar are not needed for decoding.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &domain.IoError{Path: name, Err: err}
	}

	if err := file.validate(); err != nil {
		return nil, err
	}
	return file, nil
}

func parseMessage(line, file string, lineNo int) (*Message, error) {
	m := messageRe.FindStringSubmatch(line)
	if m == nil {
		return nil, &domain.DbcParseError{File: file, Line: lineNo, Reason: "malformed BO_ declaration"}
	}
	rawID, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return nil, &domain.DbcParseError{File: file, Line: lineNo, Reason: "frame identifier out of range"}
	}
	length, err := strconv.Atoi(m[3])
	if err != nil || length < 0 || length > domain.MaxPayloadLen {
		return nil, &domain.DbcParseError{File: file, Line: lineNo, Message: m[2], Reason: "implausible message byte length"}
	}
	return &Message{
		ID:     uint32(rawID) &^ extendedIDBit,
		Name:   m[2],
		Length: length,
	}, nil
}

func parseSignal(line, file string, lineNo int, msgName string) (*Signal, error) {
	m := signalRe.FindStringSubmatch(line)
	if m == nil {
		return nil, &domain.DbcParseError{File: file, Line: lineNo, Message: msgName, Reason: "malformed SG_ declaration"}
	}
	sig := &Signal{Name: m[1], Unit: m[11]}

	switch {
	case m[2] == "":
		sig.MuxRole = MuxNone
	case m[2] == "M":
		sig.MuxRole = MuxSwitch
	default:
		indicator, err := strconv.ParseInt(m[2][1:], 10, 64)
		if err != nil {
			return nil, &domain.DbcParseError{File: file, Line: lineNo, Message: msgName, Reason: "malformed multiplexer indicator"}
		}
		sig.MuxRole = MuxValue
		sig.MuxIndicator = indicator
	}

	var err error
	if sig.StartBit, err = strconv.Atoi(m[3]); err != nil {
		return nil, &domain.DbcParseError{File: file, Line: lineNo, Message: msgName, Reason: "malformed start bit"}
	}
	if sig.Length, err = strconv.Atoi(m[4]); err != nil {
		return nil, &domain.DbcParseError{File: file, Line: lineNo, Message: msgName, Reason: "malformed bit length"}
	}
	if m[5] == "1" {
		sig.ByteOrder = LittleEndian
	} else {
		sig.ByteOrder = BigEndian
	}
	sig.Signed = m[6] == "-"

	if sig.Factor, err = parseFloat(m[7]); err != nil {
		return nil, &domain.DbcParseError{File: file, Line: lineNo, Message: msgName, Reason: "malformed factor"}
	}
	if sig.Offset, err = parseFloat(m[8]); err != nil {
		return nil, &domain.DbcParseError{File: file, Line: lineNo, Message: msgName, Reason: "malformed offset"}
	}
	if sig.Min, err = parseFloat(m[9]); err != nil {
		return nil, &domain.DbcParseError{File: file, Line: lineNo, Message: msgName, Reason: "malformed minimum"}
	}
	if sig.Max, err = parseFloat(m[10]); err != nil {
		return nil, &domain.DbcParseError{File: file, Line: lineNo, Message: msgName, Reason: "malformed maximum"}
	}
	return sig, nil
}

// parseValueTable binds a VAL_ statement to its signal. Bindings for
// messages or signals this file does not declare are ignored; partial
// database coverage is expected.
func parseValueTable(line, file string, lineNo int, byID map[uint32]*Message) error {
	m := valueDefRe.FindStringSubmatch(line)
	if m == nil {
		return &domain.DbcParseError{File: file, Line: lineNo, Reason: "malformed VAL_ declaration"}
	}
	rawID, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return &domain.DbcParseError{File: file, Line: lineNo, Reason: "frame identifier out of range"}
	}
	msg, ok := byID[uint32(rawID)&^extendedIDBit]
	if !ok {
		return nil
	}
	var sig *Signal
	for _, s := range msg.Signals {
		if s.Name == m[2] {
			sig = s
			break
		}
	}
	if sig == nil {
		return nil
	}

	pairs := valuePairRe.FindAllStringSubmatch(m[3], -1)
	if len(pairs) == 0 {
		return nil
	}
	if sig.Values == nil {
		sig.Values = make(map[int64]string, len(pairs))
	}
	for _, p := range pairs {
		raw, err := strconv.ParseInt(p[1], 10, 64)
		if err != nil {
			return &domain.DbcParseError{File: file, Line: lineNo, Message: msg.Name, Reason: "value table entry out of range"}
		}
		sig.Values[raw] = p[2]
	}
	return nil
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

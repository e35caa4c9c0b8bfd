package kernelmaps

import (
	"encoding/binary"
	"fmt"

	"github.com/stackprobe/stackprobe/pkg/registry"
)

// DiagnosticReason is why the in-kernel unwinder emitted a record instead
// of, or in addition to, a stack sample.
type DiagnosticReason uint8

const (
	ReasonUnsupportedRow DiagnosticReason = iota
	ReasonUnknownMapping
	ReasonMissingUnwindTable
	ReasonUserReadFault
)

func (r DiagnosticReason) String() string {
	switch r {
	case ReasonUnsupportedRow:
		return "unsupported_row"
	case ReasonUnknownMapping:
		return "unknown_mapping"
	case ReasonMissingUnwindTable:
		return "missing_unwind_table"
	case ReasonUserReadFault:
		return "user_read_fault"
	default:
		return "unknown"
	}
}

// Diagnostic is one decoded EVENTS record.
type Diagnostic struct {
	PID      uint32
	ObjectID registry.ObjectID
	Reason   DiagnosticReason
}

// diagnosticRecordSize is pid(4) + object_id(4) + reason(1).
const diagnosticRecordSize = 9

// decodeDiagnostics decodes a perf-buffer sample containing zero or more
// length-prefixed diagnostic records (each a uint16 length followed by
// that many payload bytes), per the in-kernel program's EVENTS encoding.
func decodeDiagnostics(buf []byte) ([]Diagnostic, error) {
	var out []Diagnostic
	for len(buf) > 0 {
		if len(buf) < 2 {
			return out, fmt.Errorf("short length prefix: %d bytes left", len(buf))
		}
		n := int(binary.LittleEndian.Uint16(buf))
		buf = buf[2:]
		if len(buf) < n {
			return out, fmt.Errorf("truncated record: want %d bytes, have %d", n, len(buf))
		}
		rec := buf[:n]
		buf = buf[n:]

		if n < diagnosticRecordSize {
			continue
		}
		out = append(out, Diagnostic{
			PID:      binary.LittleEndian.Uint32(rec[0:4]),
			ObjectID: registry.ObjectID(binary.LittleEndian.Uint32(rec[4:8])),
			Reason:   DiagnosticReason(rec[8]),
		})
	}
	return out, nil
}

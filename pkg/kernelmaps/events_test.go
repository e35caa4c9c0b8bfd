package kernelmaps

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeDiagnosticForTest(pid, objectID uint32, reason DiagnosticReason) []byte {
	rec := make([]byte, diagnosticRecordSize)
	binary.LittleEndian.PutUint32(rec[0:], pid)
	binary.LittleEndian.PutUint32(rec[4:], objectID)
	rec[8] = byte(reason)

	out := make([]byte, 2+len(rec))
	binary.LittleEndian.PutUint16(out, uint16(len(rec)))
	copy(out[2:], rec)
	return out
}

func TestDecodeDiagnosticsSingle(t *testing.T) {
	buf := encodeDiagnosticForTest(42, 3, ReasonUnknownMapping)

	recs, err := decodeDiagnostics(buf)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, Diagnostic{PID: 42, ObjectID: 3, Reason: ReasonUnknownMapping}, recs[0])
}

func TestDecodeDiagnosticsMultiple(t *testing.T) {
	buf := append(
		encodeDiagnosticForTest(1, 1, ReasonUserReadFault),
		encodeDiagnosticForTest(2, 5, ReasonMissingUnwindTable)...,
	)

	recs, err := decodeDiagnostics(buf)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ReasonUserReadFault, recs[0].Reason)
	assert.Equal(t, ReasonMissingUnwindTable, recs[1].Reason)
}

func TestDecodeDiagnosticsTruncated(t *testing.T) {
	buf := encodeDiagnosticForTest(1, 1, ReasonUnsupportedRow)
	_, err := decodeDiagnostics(buf[:len(buf)-2])
	assert.Error(t, err)
}

func TestDiagnosticReasonString(t *testing.T) {
	assert.Equal(t, "unsupported_row", ReasonUnsupportedRow.String())
	assert.Equal(t, "unknown", DiagnosticReason(99).String())
}

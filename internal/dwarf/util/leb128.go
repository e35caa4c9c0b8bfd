// Package util provides small decoding helpers shared by the DWARF Call
// Frame Information reader.
package util

import "bytes"

// DecodeULEB128 decodes an unsigned little-endian base-128 integer from buf,
// as defined by the DWARF specification, section 7.6.
func DecodeULEB128(buf *bytes.Buffer) (uint64, uint32) {
	var (
		result uint64
		shift  uint64
		length uint32
	)

	for {
		b, err := buf.ReadByte()
		if err != nil {
			break
		}
		length++

		result |= (uint64(b & 0x7f) << shift)

		if b&0x80 == 0 {
			break
		}
		shift += 7
	}

	return result, length
}

// DecodeSLEB128 decodes a signed little-endian base-128 integer from buf, as
// defined by the DWARF specification, section 7.6.
func DecodeSLEB128(buf *bytes.Buffer) (int64, uint32) {
	var (
		result uint64
		shift  uint64
		length uint32
		b      byte
		err    error
	)

	for {
		b, err = buf.ReadByte()
		if err != nil {
			break
		}
		length++

		result |= (uint64(b & 0x7f) << shift)
		shift += 7

		if b&0x80 == 0 {
			break
		}
	}

	if shift < 64 && (b&0x40) != 0 {
		result |= ^uint64(0) << shift
	}

	return int64(result), length
}

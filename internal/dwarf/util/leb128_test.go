package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeULEB128(t *testing.T) {
	cases := []struct {
		in     []byte
		want   uint64
		length uint32
	}{
		{[]byte{0x00}, 0, 1},
		{[]byte{0x02}, 2, 1},
		{[]byte{0x7f}, 127, 1},
		{[]byte{0x80, 0x01}, 128, 2},
		{[]byte{0xe5, 0x8e, 0x26}, 624485, 3},
	}
	for _, c := range cases {
		got, n := DecodeULEB128(bytes.NewBuffer(c.in))
		assert.Equal(t, c.want, got)
		assert.Equal(t, c.length, n)
	}
}

func TestDecodeSLEB128(t *testing.T) {
	cases := []struct {
		in     []byte
		want   int64
		length uint32
	}{
		{[]byte{0x00}, 0, 1},
		{[]byte{0x02}, 2, 1},
		{[]byte{0x7e}, -2, 1},
		{[]byte{0xff, 0x00}, 127, 2},
		{[]byte{0x81, 0x7f}, -127, 2},
	}
	for _, c := range cases {
		got, n := DecodeSLEB128(bytes.NewBuffer(c.in))
		assert.Equal(t, c.want, got)
		assert.Equal(t, c.length, n)
	}
}

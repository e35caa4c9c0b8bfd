package objectfile

import (
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

var errNoBuildID = errors.New("no build id note found")

// BuildID returns the ELF file's GNU build ID if it carries a
// `.note.gnu.build-id` section, and otherwise a stable fallback derived by
// hashing the `.text` section's bytes; this mirrors the layered approach
// google/pprof's binutils package uses to key its object cache.
func BuildID(ef *elf.File) (string, error) {
	if id, err := gnuBuildID(ef); err == nil {
		return id, nil
	}
	return hashedBuildID(ef)
}

func gnuBuildID(ef *elf.File) (string, error) {
	sec := ef.Section(".note.gnu.build-id")
	if sec == nil {
		return "", errNoBuildID
	}
	data, err := sec.Data()
	if err != nil {
		return "", fmt.Errorf("reading .note.gnu.build-id: %w", err)
	}
	note, err := parseBuildIDNote(data)
	if err != nil {
		return "", err
	}
	return note, nil
}

// parseBuildIDNote walks the ELF note records looking for an
// NT_GNU_BUILD_ID (type 3) note in the "GNU" namespace.
func parseBuildIDNote(data []byte) (string, error) {
	const ntGNUBuildID = 3
	for len(data) >= 12 {
		nameSz := leUint32(data[0:4])
		descSz := leUint32(data[4:8])
		noteType := leUint32(data[8:12])
		data = data[12:]

		nameEnd := align4(int(nameSz))
		if len(data) < nameEnd {
			return "", errors.New("truncated note name")
		}
		name := string(data[:nameSz])
		data = data[nameEnd:]

		descEnd := align4(int(descSz))
		if len(data) < descEnd {
			return "", errors.New("truncated note descriptor")
		}
		desc := data[:descSz]
		data = data[descEnd:]

		if noteType == ntGNUBuildID && name == "GNU\x00" {
			return hex.EncodeToString(desc), nil
		}
	}
	return "", errNoBuildID
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func hashedBuildID(ef *elf.File) (string, error) {
	sec := ef.Section(".text")
	if sec == nil {
		return "", errors.New("no .text section to derive a build id from")
	}
	data, err := sec.Data()
	if err != nil {
		return "", fmt.Errorf("reading .text: %w", err)
	}
	return fmt.Sprintf("xxh-%016x", xxhash.Sum64(data)), nil
}

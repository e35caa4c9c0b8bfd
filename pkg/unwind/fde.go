package unwind

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/stackprobe/stackprobe/internal/dwarf/frame"
	"github.com/stackprobe/stackprobe/pkg/objectfile"
)

var (
	ErrSectionNotFound = errors.New("section not found")
	ErrNoFDEsFound      = errors.New("no FDEs found")
)

func pointerSize(arch elf.Machine) int {
	switch arch {
	case elf.EM_X86_64, elf.EM_AARCH64:
		return 8
	default:
		return 4
	}
}

// ReadFDEs parses either `.eh_frame` (ehFrame == true) or `.debug_frame`
// out of obj's ELF file.
func ReadFDEs(obj *objectfile.ObjectFile, ehFrame bool) (frame.FrameDescriptionEntries, elf.Machine, error) {
	ef := obj.ElfFile
	arch := ef.Machine

	name := ".debug_frame"
	if ehFrame {
		name = ".eh_frame"
	}
	sec := ef.Section(name)
	if sec == nil {
		return nil, arch, ErrSectionNotFound
	}

	data, err := sec.Data()
	if err != nil {
		return nil, arch, fmt.Errorf("reading %s: %w", name, err)
	}

	sectionAddr := uint64(0)
	if ehFrame {
		sectionAddr = sec.Addr
	}

	fdes, err := frame.Parse(data, ef.ByteOrder, 0, pointerSize(arch), sectionAddr, arch)
	if err != nil {
		return nil, arch, fmt.Errorf("parsing %s: %w", name, err)
	}
	if len(fdes) == 0 {
		return nil, arch, ErrNoFDEsFound
	}
	return fdes, arch, nil
}

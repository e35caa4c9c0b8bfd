package frame

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/stackprobe/stackprobe/internal/dwarf/util"
)

// CommonInformationEntry is the per-translation-unit header shared by a run
// of FrameDescriptionEntries: it fixes the code/data alignment factors, the
// DWARF register number that holds the return address, and the CFA program
// every FDE implicitly starts with.
type CommonInformationEntry struct {
	Version               uint8
	Augmentation           string
	CodeAlignmentFactor    uint64
	DataAlignmentFactor    int64
	ReturnAddressRegister  uint64
	InitialInstructions    []byte

	staticBase  uint64
	ptrEncoding byte
}

// DescriptionEntry describes the unwind program for one instruction range
// ([Begin, End)) of a function.
type DescriptionEntry struct {
	CIE          *CommonInformationEntry
	Instructions []byte

	begin uint64
	size  uint64
	order binary.ByteOrder
}

func (fde *DescriptionEntry) Begin() uint64 { return fde.begin }
func (fde *DescriptionEntry) End() uint64   { return fde.begin + fde.size }

// Cover reports whether pc falls within this FDE's instruction range.
func (fde *DescriptionEntry) Cover(pc uint64) bool {
	return pc >= fde.Begin() && pc < fde.End()
}

// FrameDescriptionEntries is a collection of FDEs, kept sorted by Begin()
// so that the object compiler and the debug PrintTable helper can binary
// search it.
type FrameDescriptionEntries []*DescriptionEntry

func (fdes FrameDescriptionEntries) Len() int           { return len(fdes) }
func (fdes FrameDescriptionEntries) Swap(i, j int)       { fdes[i], fdes[j] = fdes[j], fdes[i] }
func (fdes FrameDescriptionEntries) Less(i, j int) bool  { return fdes[i].Begin() < fdes[j].Begin() }

// FDEForPC returns the FDE covering pc, if any. fdes must be sorted.
func (fdes FrameDescriptionEntries) FDEForPC(pc uint64) (*DescriptionEntry, bool) {
	i := sort.Search(len(fdes), func(i int) bool { return fdes[i].Begin() > pc })
	if i == 0 {
		return nil, false
	}
	fde := fdes[i-1]
	if !fde.Cover(pc) {
		return nil, false
	}
	return fde, true
}

const (
	ehPECIEID = uint32(0)
	dfCIEID   = uint32(0xffffffff)
)

// Parse reads every CIE/FDE pair out of data (the raw bytes of an
// `.eh_frame` or `.debug_frame` section) and returns the FDEs, sorted by
// their covered address range. staticBase is added to every FDE's
// initial_location (used when the section was read from a relocatable
// object rather than mapped at its link-time address); ptrSize is the
// target's pointer width in bytes; sectionAddr is the section's own
// virtual address, needed to resolve DW_EH_PE_pcrel-encoded pointers in
// `.eh_frame` (pass 0 for `.debug_frame`, which never uses that encoding).
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, sectionAddr uint64, arch elf.Machine) (FrameDescriptionEntries, error) {
	cies := make(map[uint32]*CommonInformationEntry)
	var fdes FrameDescriptionEntries

	buf := bytes.NewBuffer(data)
	for buf.Len() > 0 {
		entryOffset := uint32(len(data) - buf.Len())

		var length uint32
		if err := binary.Read(buf, order, &length); err != nil {
			return nil, fmt.Errorf("reading entry length: %w", err)
		}
		if length == 0 {
			break // zero-length terminator entry.
		}
		if length == 0xffffffff {
			return nil, fmt.Errorf("64-bit DWARF CFI sections are not supported")
		}
		if int(length) > buf.Len() {
			return nil, fmt.Errorf("entry at offset %d overruns section (length %d, remaining %d)", entryOffset, length, buf.Len())
		}

		entry := bytes.NewBuffer(buf.Next(int(length)))

		var id uint32
		if err := binary.Read(entry, order, &id); err != nil {
			return nil, fmt.Errorf("reading CIE id / CIE pointer at offset %d: %w", entryOffset, err)
		}

		if id == ehPECIEID || id == dfCIEID {
			cie, err := parseCIE(entry, order, ptrSize)
			if err != nil {
				return nil, fmt.Errorf("parsing CIE at offset %d: %w", entryOffset, err)
			}
			cie.staticBase = staticBase
			cies[entryOffset] = cie
			continue
		}

		fde, err := parseFDE(entry, order, id, entryOffset, ptrSize, sectionAddr, staticBase, cies)
		if err != nil {
			return nil, fmt.Errorf("parsing FDE at offset %d: %w", entryOffset, err)
		}
		fde.order = order
		fdes = append(fdes, fde)
	}

	sort.Sort(fdes)
	return fdes, nil
}

func parseCIE(entry *bytes.Buffer, order binary.ByteOrder, ptrSize int) (*CommonInformationEntry, error) {
	version, err := entry.ReadByte()
	if err != nil {
		return nil, err
	}

	augmentation, err := entry.ReadString(0)
	if err != nil {
		return nil, fmt.Errorf("reading augmentation string: %w", err)
	}
	augmentation = strings.TrimSuffix(augmentation, "\x00")

	if version >= 4 {
		// DWARF4 .debug_frame CIEs add address_size and
		// segment_selector_size bytes here (.eh_frame CIEs use version
		// 1 or 3 and never carry them); both are skipped unread.
		entry.Next(2)
	}

	codeAlignmentFactor, _ := util.DecodeULEB128(entry)
	dataAlignmentFactor, _ := util.DecodeSLEB128(entry)

	var returnAddressRegister uint64
	if version == 1 {
		b, err := entry.ReadByte()
		if err != nil {
			return nil, err
		}
		returnAddressRegister = uint64(b)
	} else {
		returnAddressRegister, _ = util.DecodeULEB128(entry)
	}

	var ptrEncoding byte // DW_EH_PE_absptr, the default when there's no 'z' augmentation.
	if strings.HasPrefix(augmentation, "z") {
		augLen, _ := util.DecodeULEB128(entry)
		augData := bytes.NewBuffer(entry.Next(int(augLen)))
		for _, c := range augmentation[1:] {
			switch c {
			case 'L':
				augData.ReadByte()
			case 'R':
				enc, err := augData.ReadByte()
				if err != nil {
					return nil, err
				}
				ptrEncoding = enc
			case 'P':
				// Personality routine encoding byte followed by an
				// encoded pointer; this tool never calls personality
				// routines, so both are read past and discarded, which
				// keeps any following 'L'/'R' bytes aligned.
				enc, err := augData.ReadByte()
				if err != nil {
					return nil, err
				}
				if _, err := readEncodedPointer(augData, order, ptrSize, enc, 0, false); err != nil {
					return nil, fmt.Errorf("reading personality pointer: %w", err)
				}
			case 'S':
				// Signal-frame marker, carries no augmentation data.
			}
		}
	}

	return &CommonInformationEntry{
		Version:               version,
		Augmentation:           augmentation,
		CodeAlignmentFactor:    codeAlignmentFactor,
		DataAlignmentFactor:    dataAlignmentFactor,
		ReturnAddressRegister:  returnAddressRegister,
		InitialInstructions:    entry.Bytes(),
		ptrEncoding:            ptrEncoding,
	}, nil
}

func parseFDE(entry *bytes.Buffer, order binary.ByteOrder, cieField uint32, entryOffset uint32, ptrSize int, sectionAddr, staticBase uint64, cies map[uint32]*CommonInformationEntry) (*DescriptionEntry, error) {
	// In `.eh_frame` the CIE field is a byte offset counting backwards
	// from the field itself; in `.debug_frame` it's an absolute section
	// offset.
	var cieOffset uint32
	if sectionAddr != 0 {
		cieOffset = entryOffset + 4 - cieField
	} else {
		cieOffset = cieField
	}
	cie, ok := cies[cieOffset]
	if !ok {
		return nil, fmt.Errorf("no CIE found at offset %d", cieOffset)
	}

	pcBase := sectionAddr + uint64(entryOffset) + 8 // past length + CIE pointer fields.
	begin, err := readEncodedPointer(entry, order, ptrSize, cie.ptrEncoding, pcBase, true)
	if err != nil {
		return nil, fmt.Errorf("reading initial_location: %w", err)
	}

	size, err := readEncodedPointer(entry, order, ptrSize, cie.ptrEncoding, 0, false)
	if err != nil {
		return nil, fmt.Errorf("reading address_range: %w", err)
	}

	if strings.HasPrefix(cie.Augmentation, "z") {
		augLen, _ := util.DecodeULEB128(entry)
		entry.Next(int(augLen))
	}

	return &DescriptionEntry{
		CIE:          cie,
		Instructions: entry.Bytes(),
		begin:        begin + staticBase,
		size:         size,
	}, nil
}

// readEncodedPointer decodes one DW_EH_PE_*-encoded value. When applyPC is
// false the encoding's application bits (pcrel/datarel/...) are ignored
// because the value being read is a length, not an address.
func readEncodedPointer(buf *bytes.Buffer, order binary.ByteOrder, ptrSize int, encoding byte, pcBase uint64, applyPC bool) (uint64, error) {
	const omit = 0xff
	if encoding == omit {
		return 0, nil
	}

	format := encoding & 0x0f
	application := encoding & 0xf0

	var val uint64
	switch format {
	case 0x00: // DW_EH_PE_absptr
		if ptrSize == 8 {
			var v uint64
			if err := binary.Read(buf, order, &v); err != nil {
				return 0, err
			}
			val = v
		} else {
			var v uint32
			if err := binary.Read(buf, order, &v); err != nil {
				return 0, err
			}
			val = uint64(v)
		}
	case 0x01: // DW_EH_PE_uleb128
		v, _ := util.DecodeULEB128(buf)
		val = v
	case 0x02: // DW_EH_PE_udata2
		var v uint16
		if err := binary.Read(buf, order, &v); err != nil {
			return 0, err
		}
		val = uint64(v)
	case 0x03: // DW_EH_PE_udata4
		var v uint32
		if err := binary.Read(buf, order, &v); err != nil {
			return 0, err
		}
		val = uint64(v)
	case 0x04: // DW_EH_PE_udata8
		var v uint64
		if err := binary.Read(buf, order, &v); err != nil {
			return 0, err
		}
		val = v
	case 0x09: // DW_EH_PE_sleb128
		v, _ := util.DecodeSLEB128(buf)
		val = uint64(v)
	case 0x0a: // DW_EH_PE_sdata2
		var v int16
		if err := binary.Read(buf, order, &v); err != nil {
			return 0, err
		}
		val = uint64(int64(v))
	case 0x0b: // DW_EH_PE_sdata4
		var v int32
		if err := binary.Read(buf, order, &v); err != nil {
			return 0, err
		}
		val = uint64(int64(v))
	case 0x0c: // DW_EH_PE_sdata8
		var v int64
		if err := binary.Read(buf, order, &v); err != nil {
			return 0, err
		}
		val = uint64(v)
	default:
		return 0, fmt.Errorf("unsupported pointer encoding format %#x", format)
	}

	if applyPC && application == 0x10 { // DW_EH_PE_pcrel
		val += pcBase
	}
	return val, nil
}

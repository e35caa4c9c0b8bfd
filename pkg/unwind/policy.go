package unwind

import (
	"debug/buildinfo"
	"debug/elf"

	"github.com/Masterminds/semver/v3"

	"github.com/stackprobe/stackprobe/pkg/objectfile"
)

// Policy selects which source of unwind information an object's CFI
// table should come from, per the per-object UnwindPolicy supplement to
// §4.2: some runtimes' generated code is reliably frame-pointer-based
// even when `.eh_frame`/`.debug_frame` is absent or unreliable for it.
type Policy uint8

const (
	// DwarfOnly compiles the object's CFI from `.eh_frame`/`.debug_frame`
	// and leaves an unwind-capable range unsupported if neither covers it.
	DwarfOnly Policy = iota
	// DwarfOrFp compiles DWARF CFI first and falls back to a synthetic
	// frame-pointer table covering the object's `.text` range if that
	// produced no rows at all.
	DwarfOrFp
	// FpOnly skips DWARF CFI entirely and synthesizes a frame-pointer
	// table, for runtimes known to always preserve rbp as a frame chain.
	FpOnly
)

func (p Policy) String() string {
	switch p {
	case DwarfOnly:
		return "dwarf_only"
	case DwarfOrFp:
		return "dwarf_or_fp"
	case FpOnly:
		return "fp_only"
	default:
		return "unknown"
	}
}

// goFramePointerFloor is the earliest Go toolchain version that compiles
// amd64/arm64 binaries with a maintained frame-pointer chain by default
// (https://go.dev/doc/go1.12 release notes' "Frame pointer" addition
// covered prior releases; this tool treats 1.12 as its minimum supported
// baseline, matching the detector this is adapted from).
var goFramePointerFloor = semver.MustParse("1.12.0")

// DetectPolicy inspects the ELF object at path and picks its UnwindPolicy.
// Binaries built by a Go toolchain new enough to guarantee a frame-pointer
// chain use FpOnly; anything else (non-Go binaries, or a Go binary whose
// version can't be parsed) falls back to DwarfOnly, the conservative
// default this tool used before this policy existed.
func DetectPolicy(path string) Policy {
	bi, err := buildinfo.ReadFile(path)
	if err != nil {
		return DwarfOnly
	}

	v, err := parseGoVersion(bi.GoVersion)
	if err != nil {
		return DwarfOnly
	}
	if v.LessThan(goFramePointerFloor) {
		return DwarfOnly
	}
	return FpOnly
}

// parseGoVersion strips runtime/debug.BuildInfo.GoVersion's "go" prefix
// (e.g. "go1.21.4") down to something semver.NewVersion accepts.
func parseGoVersion(s string) (*semver.Version, error) {
	if len(s) > 1 && s[0] == 'g' && s[1] == 'o' {
		s = s[2:]
	}
	return semver.NewVersion(s)
}

// FramePointerTable synthesizes a single-row unwind table spanning obj's
// `.text` section, describing the classic x86_64 frame-pointer convention:
// CFA = rbp+16, the caller's rbp is saved at CFA-16, and the return
// address is saved at CFA-8. It has no opinion about prologues that
// haven't yet pushed rbp; that imprecision is the tradeoff FpOnly accepts
// in exchange for never depending on CFI the compiler didn't emit.
func FramePointerTable(obj *objectfile.ObjectFile) (Table, error) {
	text := obj.ElfFile.Section(".text")
	if text == nil {
		return nil, ErrNoFDEsFound
	}
	if obj.ElfFile.Machine != elf.EM_X86_64 {
		return Table{{
			PCStart:     text.Addr,
			PCEnd:       text.Addr + text.Size,
			Unsupported: true,
		}}, nil
	}

	return Table{{
		PCStart: text.Addr,
		PCEnd:   text.Addr + text.Size,
		CFA:     CFARule{Register: RegisterRBP, Offset: 16},
		RBP:     RBPRule{Kind: RBPCFAPlus, Offset: -16},
		RA:      RARule{Kind: RACFAPlus, Offset: -8},
	}}, nil
}

// Package objectfile manages the lifetime of the ELF files backing every
// mapped, symbolizable region of a target process.
package objectfile

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/atomic"
)

var elfNewFile = elf.NewFile

// ObjectFile represents one on-disk ELF file that backs one or more
// mappings in the target's address space. It owns the underlying file
// descriptor and hands out *elf.File for section/symbol access.
type ObjectFile struct {
	BuildID string

	Path    string
	File    *os.File
	Size    int64
	Modtime time.Time

	// Opened using elf.NewFile. Closing is done through File.Close.
	ElfFile *elf.File

	closed *atomic.Bool
}

func (o *ObjectFile) IsOpen() bool {
	return o != nil && o.File != nil && !o.closed.Load()
}

// ReOpen reopens the file at o.Path, replacing o.File and o.ElfFile. Used
// after the pool's LRU evicts and later re-requests the same build ID.
func (o *ObjectFile) ReOpen() error {
	f, err := os.Open(o.Path)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", o.Path, err)
	}
	closer := func(err error) error {
		if cErr := f.Close(); cErr != nil {
			err = errors.Join(err, cErr)
		}
		return err
	}

	ok, err := isELF(f)
	if err != nil {
		return closer(fmt.Errorf("failed check whether file is an ELF file %s: %w", o.Path, err))
	}
	if !ok {
		return closer(fmt.Errorf("unrecognized binary format: %s", o.Path))
	}
	ef, err := elfNewFile(f)
	if err != nil {
		return closer(fmt.Errorf("error opening %s: %w", o.Path, err))
	}
	stat, err := f.Stat()
	if err != nil {
		return closer(fmt.Errorf("failed to stat the file: %w", err))
	}
	o.File = f
	o.ElfFile = ef
	o.Size = stat.Size()
	o.Modtime = stat.ModTime()
	o.closed.Store(false)
	return nil
}

func (o *ObjectFile) Rewind() error {
	if err := rewind(o.File); err != nil {
		return fmt.Errorf("failed to seek to the beginning of the file %s: %w", o.Path, err)
	}
	return nil
}

func rewind(f io.ReadSeeker) error {
	_, err := f.Seek(0, io.SeekStart)
	return err
}

func (o *ObjectFile) Close() error {
	if o == nil {
		return nil
	}
	if o.closed.Load() {
		return nil
	}

	var err error
	if o.File != nil {
		err = errors.Join(err, o.File.Close())
	}
	o.closed.Store(true)
	return err
}

// isELF opens a file to check whether its format is ELF, then rewinds it.
func isELF(f *os.File) (_ bool, err error) {
	defer func() {
		if rErr := rewind(f); rErr != nil {
			err = errors.Join(err, rErr)
		}
	}()

	var header [4]byte
	if _, err := f.Read(header[:]); err != nil {
		return false, fmt.Errorf("error reading magic number from %s: %w", f.Name(), err)
	}
	return string(header[:]) == elf.ELFMAG, nil
}

// HasTextSection reports whether the ELF file has a `.text` section; an
// object missing one (e.g. a pure data shared object) carries no unwind
// information worth compiling.
func (o *ObjectFile) HasTextSection() bool {
	return o.ElfFile.Section(".text") != nil
}

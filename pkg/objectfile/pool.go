package objectfile

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/stackprobe/stackprobe/pkg/cache"
)

// Pool keeps a bounded number of ObjectFiles open, keyed by build ID, so
// that the CFI compiler (§4.3) doesn't reopen and reparse the same shared
// object once per mapping.
type Pool struct {
	logger log.Logger
	c      *cache.LRU[string, *ObjectFile]
}

// NewPool returns a pool holding at most size distinct object files.
func NewPool(logger log.Logger, reg prometheus.Registerer, size int) *Pool {
	p := &Pool{logger: log.With(logger, "component", "objectfile_pool")}
	p.c = cache.New[string, *ObjectFile](reg, "objectfile", size, func(_ string, obj *ObjectFile) {
		if err := obj.Close(); err != nil {
			level.Error(p.logger).Log("msg", "failed to close evicted object file", "path", obj.Path, "err", err)
		}
	})
	return p
}

// Open opens the executable or library file at path, or returns the
// already-pooled ObjectFile for the same build ID.
func (p *Pool) Open(path string) (*ObjectFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	return p.NewFile(f)
}

// NewFile adopts an already-open file, closing it if it turns out to
// duplicate a pooled entry.
func (p *Pool) NewFile(f *os.File) (*ObjectFile, error) {
	closer := func(err error) error {
		if cErr := f.Close(); cErr != nil {
			err = errors.Join(err, cErr)
		}
		return err
	}

	filePath := f.Name()
	ok, err := isELF(f)
	if err != nil {
		return nil, closer(fmt.Errorf("failed check whether file is an ELF file %s: %w", filePath, err))
	}
	if !ok {
		return nil, closer(fmt.Errorf("unrecognized binary format: %s", filePath))
	}

	ef, err := elfNewFile(f)
	if err != nil {
		return nil, closer(fmt.Errorf("error opening %s: %w", filePath, err))
	}
	if len(ef.Sections) == 0 {
		return nil, closer(errors.New("ELF does not have any sections"))
	}

	buildID, err := BuildID(ef)
	if err != nil {
		level.Debug(p.logger).Log("msg", "failed to compute build id", "path", filePath, "err", err)
	}
	if rErr := rewind(f); rErr != nil {
		return nil, closer(rErr)
	}

	if obj, ok := p.c.Get(buildID); ok && buildID != "" {
		if err := closer(nil); err != nil {
			return nil, err
		}
		if !obj.IsOpen() {
			if err := obj.ReOpen(); err != nil {
				return nil, fmt.Errorf("reopening pooled object file %s: %w", obj.Path, err)
			}
		}
		return obj, nil
	}

	stat, err := f.Stat()
	if err != nil {
		return nil, closer(fmt.Errorf("failed to stat the file: %w", err))
	}

	obj := &ObjectFile{
		closed:  atomic.NewBool(false),
		BuildID: buildID,
		Path:    filePath,
		File:    f,
		ElfFile: ef,
		Size:    stat.Size(),
		Modtime: stat.ModTime(),
	}
	p.c.Put(buildID, obj)
	return obj, nil
}

// Close closes the pool and every file it still holds open.
func (p *Pool) Close() error {
	p.c.Close()
	return nil
}

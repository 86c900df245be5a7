package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"plugbridge/internal/lifecycle"
)

// Options configures Create.
type Options struct {
	// Name is the file name of the region inside Dir. Generated when empty.
	Name string
	// Dir holds the backing file. Defaults to /dev/shm when present, the
	// system temp dir otherwise.
	Dir    string
	Layout Layout
}

// Region is a mapped bridge region. The creating side owns the backing
// file and removes it on Close.
type Region struct {
	name   string
	dir    string
	layout Layout
	mem    []byte
	owner  bool

	closeOnce sync.Once
	closeErr  error
}

// DefaultDir returns the directory regions are created in by default.
func DefaultDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// NewName returns a fresh region file name.
func NewName() string { return "plugbridge-" + uuid.NewString() }

// Create allocates, maps and initializes a new region.
func Create(opts Options) (*Region, error) {
	if err := opts.Layout.Validate(); err != nil {
		return nil, lifecycle.ErrSharedMemory("create", err)
	}
	if opts.Name == "" {
		opts.Name = NewName()
	}
	if opts.Dir == "" {
		opts.Dir = DefaultDir()
	}
	path := filepath.Join(opts.Dir, opts.Name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, lifecycle.ErrSharedMemory("create", err)
	}
	defer f.Close()
	size := opts.Layout.Size()
	if err := f.Truncate(int64(size)); err != nil {
		_ = os.Remove(path)
		return nil, lifecycle.ErrSharedMemory("truncate", err)
	}
	mem, err := mapFile(f, size)
	if err != nil {
		_ = os.Remove(path)
		return nil, lifecycle.ErrSharedMemory("mmap", err)
	}
	opts.Layout.writeHeader(mem)
	return &Region{name: opts.Name, dir: opts.Dir, layout: opts.Layout, mem: mem, owner: true}, nil
}

// Open maps an existing region created by the other process.
func Open(name, dir string) (*Region, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, lifecycle.ErrSharedMemory("open", fmt.Errorf("invalid region name %q", name))
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, lifecycle.ErrSharedMemory("open", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, lifecycle.ErrSharedMemory("stat", err)
	}
	if fi.Size() < headerSize {
		return nil, lifecycle.ErrSharedMemory("open", fmt.Errorf("%s: %d bytes is smaller than a header", path, fi.Size()))
	}
	mem, err := mapFile(f, int(fi.Size()))
	if err != nil {
		return nil, lifecycle.ErrSharedMemory("mmap", err)
	}
	l, err := readHeader(mem)
	if err != nil {
		_ = unmap(mem)
		return nil, lifecycle.ErrSharedMemory("open", err)
	}
	return &Region{name: name, dir: dir, layout: l, mem: mem}, nil
}

func (r *Region) Name() string      { return r.name }
func (r *Region) Dir() string       { return r.dir }
func (r *Region) Layout() Layout    { return r.layout }
func (r *Region) Path() string      { return filepath.Join(r.dir, r.name) }
func (r *Region) Size() int         { return len(r.mem) }
func (r *Region) Generation() uint64 { return r.layout.Generation }

func (r *Region) requestRing() *ring {
	return newRing(r.mem, reqCtrlOff, r.layout.requestSlots(), r.layout)
}

func (r *Region) resultRing() *ring {
	return newRing(r.mem, resCtrlOff, r.layout.resultSlots(), r.layout)
}

// Close unmaps the region; the owner also removes the backing file. Safe to
// call more than once.
func (r *Region) Close() error {
	r.closeOnce.Do(func() {
		err := unmap(r.mem)
		r.mem = nil
		if r.owner {
			if rmErr := os.Remove(r.Path()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				err = errors.Join(err, rmErr)
			}
		}
		if err != nil {
			r.closeErr = lifecycle.ErrSharedMemory("close", err)
		}
	})
	return r.closeErr
}

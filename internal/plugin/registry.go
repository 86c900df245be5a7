package plugin

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"plugbridge/internal/common/fsutil"
	"plugbridge/internal/lifecycle"
)

const probeHeadSize = 512

// Registry selects a Loader for a plugin path by probing the file.
type Registry struct {
	mu      sync.RWMutex
	loaders []Loader
}

// NewRegistry returns a registry consulting loaders in order.
func NewRegistry(loaders ...Loader) *Registry {
	return &Registry{loaders: loaders}
}

// DefaultRegistry knows the descriptor format and the native ABIs.
func DefaultRegistry() *Registry {
	return NewRegistry(DescriptorLoader{}, VST3Loader(), CLAPLoader(), VST2Loader())
}

// Register appends l; later loaders are consulted last.
func (r *Registry) Register(l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders = append(r.loaders, l)
}

// Detect returns the loader that claims path.
func (r *Registry) Detect(path string) (Loader, error) {
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, lifecycle.ErrLoadFailed(path, err.Error())
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, lifecycle.ErrLoadFailed(path, "plugin not found")
		}
		return nil, lifecycle.ErrLoadFailed(path, err.Error())
	}
	var head []byte
	if !fi.IsDir() {
		if head, err = readHead(path); err != nil {
			return nil, lifecycle.ErrLoadFailed(path, err.Error())
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.loaders {
		if l.Probe(path, head) {
			return l, nil
		}
	}
	return nil, lifecycle.ErrLoadFailed(path, "unsupported plugin format")
}

// Open loads path and checks its channel layout fits setup.Layout.
func (r *Registry) Open(path string, setup Setup) (Instance, error) {
	l, err := r.Detect(path)
	if err != nil {
		return nil, err
	}
	path, _ = fsutil.ExpandHome(path)
	inst, err := l.Load(path, setup)
	if err != nil {
		if lifecycle.KindOf(err) == lifecycle.KindUnknown {
			return nil, lifecycle.ErrLoadFailed(path, err.Error())
		}
		return nil, err
	}
	lanes := inst.AudioIO()
	if lanes.Inputs > setup.Layout.Inputs || lanes.Outputs > setup.Layout.Outputs {
		_ = inst.Close()
		return nil, lifecycle.ErrLoadFailed(path, fmt.Sprintf(
			"plugin needs %d in / %d out, host offers %d / %d",
			lanes.Inputs, lanes.Outputs, setup.Layout.Inputs, setup.Layout.Outputs))
	}
	return inst, nil
}

func readHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, probeHeadSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

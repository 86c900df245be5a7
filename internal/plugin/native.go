package plugin

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"plugbridge/internal/lifecycle"
)

// OpenFunc instantiates a native plugin binary.
type OpenFunc func(path string, setup Setup) (Instance, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]OpenFunc{}
)

// RegisterBackend installs the ABI implementation for a native format.
// Builds that link an ABI host call it from an init function.
func RegisterBackend(format string, open OpenFunc) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[format] = open
}

func backend(format string) (OpenFunc, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	open, ok := backends[format]
	return open, ok
}

// NativeLoader recognizes a native plugin ABI by extension and file magic
// and defers loading to the registered backend.
type NativeLoader struct {
	format     string
	extensions []string
	// sniff reports a match for files without a known extension.
	sniff func(head []byte) bool
}

func (l NativeLoader) Format() string { return l.format }

func (l NativeLoader) Probe(path string, head []byte) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range l.extensions {
		if ext == e {
			return true
		}
	}
	return ext == "" && l.sniff != nil && l.sniff(head)
}

func (l NativeLoader) Load(path string, setup Setup) (Instance, error) {
	open, ok := backend(l.format)
	if !ok {
		return nil, lifecycle.ErrLoadFailed(path, fmt.Sprintf("%s support is not compiled into this build", l.format))
	}
	return open(path, setup)
}

func VST3Loader() NativeLoader {
	return NativeLoader{format: "vst3", extensions: []string{".vst3"}}
}

func CLAPLoader() NativeLoader {
	return NativeLoader{format: "clap", extensions: []string{".clap"}}
}

// VST2Loader also claims extensionless shared objects.
func VST2Loader() NativeLoader {
	return NativeLoader{format: "vst2", extensions: []string{".vst", ".dll", ".so", ".dylib"}, sniff: isSharedObject}
}

var (
	elfMagic   = []byte{0x7f, 'E', 'L', 'F'}
	peMagic    = []byte{'M', 'Z'}
	machoMagic = [][]byte{
		{0xfe, 0xed, 0xfa, 0xce}, {0xce, 0xfa, 0xed, 0xfe},
		{0xfe, 0xed, 0xfa, 0xcf}, {0xcf, 0xfa, 0xed, 0xfe},
		{0xca, 0xfe, 0xba, 0xbe},
	}
)

func isSharedObject(head []byte) bool {
	if bytes.HasPrefix(head, elfMagic) || bytes.HasPrefix(head, peMagic) {
		return true
	}
	for _, m := range machoMagic {
		if bytes.HasPrefix(head, m) {
			return true
		}
	}
	return false
}

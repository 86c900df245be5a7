// Package plugin defines the loadable-plugin capability consumed by the
// plugin server and the registry that picks a format loader for a path.
package plugin

import (
	"plugbridge/pkg/types"
)

// Setup carries the host parameters a plugin is instantiated with.
type Setup struct {
	SampleRate   float64
	MaxBlockSize int
	// MaxEvents bounds the events of each kind per block.
	MaxEvents int
	// Layout is the maximum channel layout the host exchanges.
	Layout types.AudioIO
}

// Instance is a loaded plugin. All methods are called from the plugin
// server; Process runs on the audio loop goroutine and the others on the
// control goroutine, never concurrently with Process.
type Instance interface {
	Metadata() types.PluginMetadata
	AudioIO() types.AudioIO
	Parameters() []types.ParameterInfo
	// Process renders ctx.NumSamples samples into out.Outputs. Event slices
	// in ctx are ordered by offset.
	Process(ctx *types.ProcessContext, out *types.ProcessOutput) error
	SetParameter(id uint32, value float64) error
	GetParameter(id uint32) (float64, error)
	// Latency is the current processing latency in samples.
	Latency() uint32
	Reset()
	Close() error
}

// BlockResizer is implemented by instances that can raise their maximum
// block size after Load.
type BlockResizer interface {
	SetMaxBlockSize(n int) error
}

// Loader opens plugins of one format.
type Loader interface {
	// Format is the short format name reported in metadata (vst3, clap, ...).
	Format() string
	// Probe reports whether path looks like this format. head holds the
	// first bytes of the file and is empty for directories.
	Probe(path string, head []byte) bool
	Load(path string, setup Setup) (Instance, error)
}

// SampleRateSetter is implemented by instances that can be re-prepared at a
// different sample rate without reloading.
type SampleRateSetter interface {
	SetSampleRate(rate float64) error
}

package types

// PluginMetadata describes a loaded plugin as reported by its loader.
type PluginMetadata struct {
	// Stable unique identifier of the plugin.
	// example: com.example.tape-delay
	ID string `json:"id" yaml:"id" toml:"id"`
	// Human-friendly name.
	// example: Tape Delay
	Name    string `json:"name" yaml:"name" toml:"name"`
	Vendor  string `json:"vendor,omitempty" yaml:"vendor" toml:"vendor"`
	Version string `json:"version,omitempty" yaml:"version" toml:"version"`
	// Format of the plugin binary (vst3, clap, vst2, descriptor).
	Format string `json:"format" yaml:"format" toml:"format"`
	// ReceivesMIDI reports whether the plugin consumes MIDI input.
	ReceivesMIDI bool `json:"receives_midi" yaml:"receives_midi" toml:"receives_midi"`
	// LatencySamples is the processing latency reported at load time.
	LatencySamples uint32 `json:"latency_samples" yaml:"latency_samples" toml:"latency_samples"`
}

// AudioIO is the negotiated channel layout of an instance.
type AudioIO struct {
	Inputs  int `json:"inputs" yaml:"inputs" toml:"inputs"`
	Outputs int `json:"outputs" yaml:"outputs" toml:"outputs"`
}

// Channels returns the larger of the input and output counts, which is the
// number of audio lanes a shared-memory slot must hold.
func (a AudioIO) Channels() int {
	if a.Inputs > a.Outputs {
		return a.Inputs
	}
	return a.Outputs
}

// ParameterFlags carries the boolean attributes of a parameter.
type ParameterFlags struct {
	Automatable bool `json:"automatable"`
	ReadOnly    bool `json:"read_only,omitempty"`
	Wrap        bool `json:"wrap,omitempty"`
	IsBypass    bool `json:"is_bypass,omitempty"`
	Hidden      bool `json:"hidden,omitempty"`
}

// ParameterInfo is one entry of a plugin's parameter catalog. The catalog is
// established during the handshake and does not change afterwards.
type ParameterInfo struct {
	ID      uint32  `json:"id"`
	Name    string  `json:"name"`
	Unit    string  `json:"unit,omitempty"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
	// StepCount is 0 for continuous parameters.
	StepCount int            `json:"step_count,omitempty"`
	Flags     ParameterFlags `json:"flags"`
}

// Clamp limits v to the parameter range.
func (p ParameterInfo) Clamp(v float64) float64 {
	if v < p.Min {
		return p.Min
	}
	if v > p.Max {
		return p.Max
	}
	return v
}

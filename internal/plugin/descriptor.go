package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"plugbridge/internal/lifecycle"
)

// DescriptorSuffix marks descriptor plugin files: name.pbplug.{yaml,yml,toml,json}.
const DescriptorSuffix = ".pbplug"

// Descriptor is the on-disk form of a built-in plugin: metadata, channel
// layout and an effect chain rendered with algo-dsp.
type Descriptor struct {
	ID             string `json:"id" yaml:"id" toml:"id"`
	Name           string `json:"name" yaml:"name" toml:"name"`
	Vendor         string `json:"vendor" yaml:"vendor" toml:"vendor"`
	Version        string `json:"version" yaml:"version" toml:"version"`
	Inputs         int    `json:"inputs" yaml:"inputs" toml:"inputs"`
	Outputs        int    `json:"outputs" yaml:"outputs" toml:"outputs"`
	LatencySamples uint32 `json:"latency_samples" yaml:"latency_samples" toml:"latency_samples"`
	// ReceivesMIDI marks the plugin as a MIDI consumer; MidiThru copies
	// incoming MIDI to the output.
	ReceivesMIDI bool         `json:"receives_midi" yaml:"receives_midi" toml:"receives_midi"`
	MidiThru     bool         `json:"midi_thru" yaml:"midi_thru" toml:"midi_thru"`
	Effects      []EffectSpec `json:"effects" yaml:"effects" toml:"effects"`
}

// EffectSpec is one stage of the chain. Params holds initial values keyed
// by parameter name.
type EffectSpec struct {
	Type   string             `json:"type" yaml:"type" toml:"type"`
	Params map[string]float64 `json:"params" yaml:"params" toml:"params"`
}

// LoadDescriptor reads a descriptor file based on its extension.
func LoadDescriptor(path string) (Descriptor, error) {
	var d Descriptor
	b, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &d)
	case ".json":
		err = json.Unmarshal(b, &d)
	case ".toml":
		err = toml.Unmarshal(b, &d)
	default:
		return d, fmt.Errorf("unsupported descriptor extension: %s", ext)
	}
	if err != nil {
		return d, err
	}
	return d, d.validate()
}

func (d *Descriptor) validate() error {
	if d.ID == "" {
		return fmt.Errorf("descriptor: id is required")
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Inputs < 0 || d.Outputs <= 0 {
		return fmt.Errorf("descriptor: need inputs >= 0 and outputs > 0, got %d/%d", d.Inputs, d.Outputs)
	}
	for i, e := range d.Effects {
		if _, ok := effectKinds[e.Type]; !ok {
			return fmt.Errorf("descriptor: effect %d: unknown type %q", i, e.Type)
		}
	}
	return nil
}

// DescriptorLoader hosts descriptor files.
type DescriptorLoader struct{}

func (DescriptorLoader) Format() string { return "descriptor" }

func (DescriptorLoader) Probe(path string, _ []byte) bool {
	base := strings.ToLower(filepath.Base(path))
	ext := filepath.Ext(base)
	switch ext {
	case ".yaml", ".yml", ".json", ".toml":
		return strings.HasSuffix(strings.TrimSuffix(base, ext), DescriptorSuffix)
	}
	return false
}

func (DescriptorLoader) Load(path string, setup Setup) (Instance, error) {
	d, err := LoadDescriptor(path)
	if err != nil {
		return nil, lifecycle.ErrLoadFailed(path, err.Error())
	}
	inst, err := newDescriptorInstance(d, setup)
	if err != nil {
		return nil, lifecycle.ErrLoadFailed(path, err.Error())
	}
	return inst, nil
}

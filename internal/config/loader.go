// Package config loads bridge host settings from a file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"plugbridge/internal/client"
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// File holds the settings a bridge host reads at startup.
// Zero values mean "unspecified" and are replaced by package defaults.
type File struct {
	ServerBinary string  `json:"server_binary" yaml:"server_binary" toml:"server_binary"`
	RegionDir    string  `json:"region_dir" yaml:"region_dir" toml:"region_dir"`
	SampleRate   float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`
	MaxBlockSize int     `json:"max_block_size" yaml:"max_block_size" toml:"max_block_size"`
	MaxChannels  int     `json:"max_channels" yaml:"max_channels" toml:"max_channels"`
	MaxEvents    int     `json:"max_events" yaml:"max_events" toml:"max_events"`
	SlotCount    int     `json:"slot_count" yaml:"slot_count" toml:"slot_count"`
	QueueSize    int     `json:"queue_capacity" yaml:"queue_capacity" toml:"queue_capacity"`

	HandshakeTimeout   Duration `json:"handshake_timeout" yaml:"handshake_timeout" toml:"handshake_timeout"`
	ControlTimeout     Duration `json:"control_timeout" yaml:"control_timeout" toml:"control_timeout"`
	BlockTimeout       Duration `json:"block_timeout" yaml:"block_timeout" toml:"block_timeout"`
	HostDeadline       Duration `json:"host_deadline" yaml:"host_deadline" toml:"host_deadline"`
	BlockHeadroom      float64  `json:"block_headroom" yaml:"block_headroom" toml:"block_headroom"`
	ServerStallTimeout Duration `json:"server_stall_timeout" yaml:"server_stall_timeout" toml:"server_stall_timeout"`
	ShutdownGrace      Duration `json:"shutdown_grace" yaml:"shutdown_grace" toml:"shutdown_grace"`
	PollInterval       Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	SpinIterations     int      `json:"spin_iterations" yaml:"spin_iterations" toml:"spin_iterations"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogJSON  bool   `json:"log_json" yaml:"log_json" toml:"log_json"`
	HTTP     HTTP   `json:"http" yaml:"http" toml:"http"`
}

// HTTP configures the optional status surface.
type HTTP struct {
	Addr        string   `json:"addr" yaml:"addr" toml:"addr"`
	CORSEnabled bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (File, error) {
	var f File
	if path == "" {
		return f, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &f)
	case ".json":
		err = json.Unmarshal(b, &f)
	case ".toml":
		err = toml.Unmarshal(b, &f)
	default:
		return f, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return f, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// BridgeConfig converts the file settings into a client configuration.
// Unset fields stay zero so client defaults apply.
func (f File) BridgeConfig() client.Config {
	return client.Config{
		ServerBinary:       f.ServerBinary,
		RegionDir:          f.RegionDir,
		SampleRate:         f.SampleRate,
		MaxBlockSize:       f.MaxBlockSize,
		MaxChannels:        f.MaxChannels,
		MaxEvents:          f.MaxEvents,
		SlotCount:          f.SlotCount,
		QueueCapacity:      f.QueueSize,
		HandshakeTimeout:   time.Duration(f.HandshakeTimeout),
		ControlTimeout:     time.Duration(f.ControlTimeout),
		BlockTimeout:       time.Duration(f.BlockTimeout),
		HostDeadline:       time.Duration(f.HostDeadline),
		BlockHeadroom:      f.BlockHeadroom,
		ServerStallTimeout: time.Duration(f.ServerStallTimeout),
		ShutdownGrace:      time.Duration(f.ShutdownGrace),
		PollInterval:       time.Duration(f.PollInterval),
		SpinIterations:     f.SpinIterations,
	}
}

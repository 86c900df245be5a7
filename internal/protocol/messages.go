package protocol

import "plugbridge/pkg/types"

// Environment passed by the host to the plugin-server process. The control
// address is its only argument; tunables travel here.
const (
	EnvStallTimeout   = "PLUGBRIDGE_STALL_TIMEOUT"
	EnvSpinIterations = "PLUGBRIDGE_SPIN_ITERATIONS"
	EnvLogLevel       = "PLUGBRIDGE_LOG_LEVEL"
)

// Kind identifies the body type of a control frame.
type Kind uint16

const (
	KindHandshake Kind = iota + 1
	KindHandshakeAck
	KindParameterQuery
	KindParameterInfoList
	KindShutdown
	KindShutdownAck
	KindCrashed
	KindError
	KindMapRegion
	KindRegionMapped
	KindGetParameter
	KindParameterValue
	KindReset
	KindResetAck
	KindSetSampleRate
	KindSampleRateSet
)

var kindNames = map[Kind]string{
	KindHandshake:         "handshake",
	KindHandshakeAck:      "handshake_ack",
	KindParameterQuery:    "parameter_query",
	KindParameterInfoList: "parameter_info_list",
	KindShutdown:          "shutdown",
	KindShutdownAck:       "shutdown_ack",
	KindCrashed:           "crashed",
	KindError:             "error",
	KindMapRegion:         "map_region",
	KindRegionMapped:      "region_mapped",
	KindGetParameter:      "get_parameter",
	KindParameterValue:    "parameter_value",
	KindReset:             "reset",
	KindResetAck:          "reset_ack",
	KindSetSampleRate:     "set_sample_rate",
	KindSampleRateSet:     "sample_rate_set",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Handshake is the first frame sent by the host.
type Handshake struct {
	PluginPath   string  `json:"plugin_path"`
	SampleRate   float64 `json:"sample_rate"`
	MaxBlockSize int     `json:"max_block_size"`
	// MaxEvents bounds the events of each kind per block.
	MaxEvents int `json:"max_events"`
	// ChannelLayout is the maximum channel count the host will exchange.
	ChannelLayout types.AudioIO `json:"channel_layout"`
}

// HandshakeAck answers a successful Handshake.
type HandshakeAck struct {
	Metadata   types.PluginMetadata  `json:"metadata"`
	AudioIO    types.AudioIO         `json:"audio_io"`
	Parameters []types.ParameterInfo `json:"parameters"`
}

// ErrorBody carries a failure across the channel. Kind is a
// lifecycle.Kind name.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// MapRegion asks the server to attach (or re-attach) to a shared-memory region.
type MapRegion struct {
	Name         string `json:"name"`
	Dir          string `json:"dir"`
	SlotCount    int    `json:"slot_count"`
	SlotSize     int    `json:"slot_size"`
	MaxBlockSize int    `json:"max_block_size"`
	Generation   uint64 `json:"generation"`
}

type RegionMapped struct {
	Generation uint64 `json:"generation"`
}

type ParameterInfoList struct {
	Parameters []types.ParameterInfo `json:"parameters"`
}

type GetParameter struct {
	ID uint32 `json:"id"`
}

type ParameterValue struct {
	ID    uint32  `json:"id"`
	Value float64 `json:"value"`
}

// SetSampleRate re-prepares a loaded plugin at a new rate. The reply is
// KindSampleRateSet with the same body.
type SetSampleRate struct {
	SampleRate float64 `json:"sample_rate"`
	// LatencySamples is filled in by the server's reply.
	LatencySamples uint32 `json:"latency_samples,omitempty"`
}

// Crashed is sent by the server, best effort, when plugin code faulted.
type Crashed struct {
	Reason string `json:"reason"`
}

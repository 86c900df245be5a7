package types

// MidiEvent is a short MIDI message placed at a sample offset inside a block.
type MidiEvent struct {
	Offset uint32
	Status byte
	Data1  byte
	Data2  byte
}

// Channel returns the MIDI channel nibble of the status byte.
func (e MidiEvent) Channel() byte { return e.Status & 0x0f }

// ParamChange sets parameter ID to Value at sample Offset.
type ParamChange struct {
	ID     uint32
	Value  float64
	Offset uint32
}

// NoteExpressionType identifies a per-note expression dimension.
type NoteExpressionType uint8

const (
	NoteExprVolume NoteExpressionType = iota
	NoteExprPan
	NoteExprTuning
	NoteExprVibrato
	NoteExprBrightness
)

func (t NoteExpressionType) String() string {
	switch t {
	case NoteExprVolume:
		return "volume"
	case NoteExprPan:
		return "pan"
	case NoteExprTuning:
		return "tuning"
	case NoteExprVibrato:
		return "vibrato"
	case NoteExprBrightness:
		return "brightness"
	default:
		return "unknown"
	}
}

// NoteExpression changes one expression dimension of a sounding note.
type NoteExpression struct {
	Offset uint32
	NoteID int32
	Type   NoteExpressionType
	Value  float64
}

// TransportInfo is the host transport snapshot for one block.
type TransportInfo struct {
	Playing            bool
	Recording          bool
	CycleActive        bool
	Tempo              float64
	TimeSigNumerator   int32
	TimeSigDenominator int32
	// PositionSamples is the project position of the first sample in the block.
	PositionSamples     int64
	PositionQuarters    float64
	BarPositionQuarters float64
	CycleStartQuarters  float64
	CycleEndQuarters    float64
}

// DefaultTransport returns a stopped transport at 120 BPM in 4/4.
func DefaultTransport() TransportInfo {
	return TransportInfo{
		Tempo:              120,
		TimeSigNumerator:   4,
		TimeSigDenominator: 4,
	}
}

// ProcessContext is the input of one audio block. Event slices are ordered
// by ascending Offset and every Offset is below NumSamples.
type ProcessContext struct {
	NumSamples int
	// Inputs holds one slice per input channel, each at least NumSamples long.
	Inputs    [][]float32
	Midi      []MidiEvent
	Params    []ParamChange
	NoteExpr  []NoteExpression
	Transport TransportInfo
}

// ProcessOutput is the result of one audio block.
type ProcessOutput struct {
	Outputs [][]float32
	Midi    []MidiEvent
	Params  []ParamChange
	// LatencySamples is the plugin's current latency; LatencyChanged is set
	// on the block where it differs from the previously reported figure.
	LatencySamples uint32
	LatencyChanged bool
}

// Reset truncates the event slices and clears the latency flag, keeping all
// backing storage.
func (o *ProcessOutput) Reset() {
	o.Midi = o.Midi[:0]
	o.Params = o.Params[:0]
	o.LatencyChanged = false
}

// NewProcessContext preallocates a context able to carry channels lanes of
// maxBlock samples and maxEvents events of each kind.
func NewProcessContext(channels, maxBlock, maxEvents int) *ProcessContext {
	pc := &ProcessContext{
		Inputs:    make([][]float32, channels),
		Midi:      make([]MidiEvent, 0, maxEvents),
		Params:    make([]ParamChange, 0, maxEvents),
		NoteExpr:  make([]NoteExpression, 0, maxEvents),
		Transport: DefaultTransport(),
	}
	for i := range pc.Inputs {
		pc.Inputs[i] = make([]float32, maxBlock)
	}
	return pc
}

// NewProcessOutput is the ProcessOutput counterpart of NewProcessContext.
func NewProcessOutput(channels, maxBlock, maxEvents int) *ProcessOutput {
	out := &ProcessOutput{
		Outputs: make([][]float32, channels),
		Midi:    make([]MidiEvent, 0, maxEvents),
		Params:  make([]ParamChange, 0, maxEvents),
	}
	for i := range out.Outputs {
		out.Outputs[i] = make([]float32, maxBlock)
	}
	return out
}

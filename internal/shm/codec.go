package shm

import (
	"encoding/binary"
	"errors"
	"math"

	"plugbridge/pkg/types"
)

var (
	// ErrSlotOverflow is returned when a block does not fit in a slot.
	ErrSlotOverflow = errors.New("shm: payload exceeds slot size")
	// ErrCorruptPayload is returned when a slot payload cannot be decoded.
	ErrCorruptPayload = errors.New("shm: corrupt payload")
	// ErrShortBuffer is returned when a destination was not preallocated
	// large enough for the decoded block.
	ErrShortBuffer = errors.New("shm: destination buffer too small")
)

const (
	reqHeaderSize = 80
	resHeaderSize = 24
	midiSize      = 8
	paramSize     = 16
	noteExprSize  = 24

	transportPlaying   = 1 << 0
	transportRecording = 1 << 1
	transportCycle     = 1 << 2

	resLatencyChanged = 1 << 0
)

var le = binary.LittleEndian

// PayloadSize returns the slot payload capacity needed for blocks of up to
// maxBlock samples on channels lanes with maxEvents events of each kind.
func PayloadSize(maxBlock, channels, maxEvents int) int {
	audio := channels * maxBlock * 4
	req := reqHeaderSize + audio + maxEvents*(midiSize+paramSize+noteExprSize)
	res := resHeaderSize + audio + maxEvents*(midiSize+paramSize)
	return max(req, res)
}

// EncodeRequest writes pc into dst and returns the number of bytes used.
func EncodeRequest(dst []byte, pc *types.ProcessContext) (int, error) {
	n, ch := pc.NumSamples, len(pc.Inputs)
	need := reqHeaderSize + ch*n*4 + len(pc.Midi)*midiSize + len(pc.Params)*paramSize + len(pc.NoteExpr)*noteExprSize
	if n < 0 || need > len(dst) {
		return 0, ErrSlotOverflow
	}
	for _, in := range pc.Inputs {
		if len(in) < n {
			return 0, ErrShortBuffer
		}
	}
	tr := &pc.Transport
	var flags uint32
	if tr.Playing {
		flags |= transportPlaying
	}
	if tr.Recording {
		flags |= transportRecording
	}
	if tr.CycleActive {
		flags |= transportCycle
	}
	le.PutUint32(dst[0:], uint32(n))
	le.PutUint32(dst[4:], uint32(ch))
	le.PutUint32(dst[8:], uint32(len(pc.Midi)))
	le.PutUint32(dst[12:], uint32(len(pc.Params)))
	le.PutUint32(dst[16:], uint32(len(pc.NoteExpr)))
	le.PutUint32(dst[20:], flags)
	le.PutUint64(dst[24:], math.Float64bits(tr.Tempo))
	le.PutUint32(dst[32:], uint32(tr.TimeSigNumerator))
	le.PutUint32(dst[36:], uint32(tr.TimeSigDenominator))
	le.PutUint64(dst[40:], uint64(tr.PositionSamples))
	le.PutUint64(dst[48:], math.Float64bits(tr.PositionQuarters))
	le.PutUint64(dst[56:], math.Float64bits(tr.BarPositionQuarters))
	le.PutUint64(dst[64:], math.Float64bits(tr.CycleStartQuarters))
	le.PutUint64(dst[72:], math.Float64bits(tr.CycleEndQuarters))

	off := putAudio(dst, reqHeaderSize, pc.Inputs, n)
	off = putMidi(dst, off, pc.Midi)
	off = putParams(dst, off, pc.Params)
	for _, e := range pc.NoteExpr {
		le.PutUint32(dst[off:], e.Offset)
		le.PutUint32(dst[off+4:], uint32(e.NoteID))
		dst[off+8] = byte(e.Type)
		clear(dst[off+9 : off+16])
		le.PutUint64(dst[off+16:], math.Float64bits(e.Value))
		off += noteExprSize
	}
	return off, nil
}

// DecodeRequest fills pc from src. pc must come from
// types.NewProcessContext (or equivalent) so no allocation happens; events
// beyond the capacity of pc's slices are dropped.
func DecodeRequest(src []byte, pc *types.ProcessContext) error {
	if len(src) < reqHeaderSize {
		return ErrCorruptPayload
	}
	n := int(le.Uint32(src[0:]))
	ch := int(le.Uint32(src[4:]))
	nm := int(le.Uint32(src[8:]))
	np := int(le.Uint32(src[12:]))
	nn := int(le.Uint32(src[16:]))
	if !plausible(len(src), n, ch, nm, np, nn) {
		return ErrCorruptPayload
	}
	if reqHeaderSize+ch*n*4+nm*midiSize+np*paramSize+nn*noteExprSize > len(src) {
		return ErrCorruptPayload
	}
	if ch > cap(pc.Inputs) {
		return ErrShortBuffer
	}
	flags := le.Uint32(src[20:])
	pc.NumSamples = n
	pc.Transport = types.TransportInfo{
		Playing:             flags&transportPlaying != 0,
		Recording:           flags&transportRecording != 0,
		CycleActive:         flags&transportCycle != 0,
		Tempo:               math.Float64frombits(le.Uint64(src[24:])),
		TimeSigNumerator:    int32(le.Uint32(src[32:])),
		TimeSigDenominator:  int32(le.Uint32(src[36:])),
		PositionSamples:     int64(le.Uint64(src[40:])),
		PositionQuarters:    math.Float64frombits(le.Uint64(src[48:])),
		BarPositionQuarters: math.Float64frombits(le.Uint64(src[56:])),
		CycleStartQuarters:  math.Float64frombits(le.Uint64(src[64:])),
		CycleEndQuarters:    math.Float64frombits(le.Uint64(src[72:])),
	}
	pc.Inputs = pc.Inputs[:ch]
	off, err := getAudio(src, reqHeaderSize, pc.Inputs, n)
	if err != nil {
		return err
	}
	pc.Midi, off = getMidi(src, off, nm, pc.Midi[:0])
	pc.Params, off = getParams(src, off, np, pc.Params[:0])
	pc.NoteExpr = pc.NoteExpr[:0]
	for i := 0; i < nn; i, off = i+1, off+noteExprSize {
		if len(pc.NoteExpr) == cap(pc.NoteExpr) {
			continue
		}
		pc.NoteExpr = append(pc.NoteExpr, types.NoteExpression{
			Offset: le.Uint32(src[off:]),
			NoteID: int32(le.Uint32(src[off+4:])),
			Type:   types.NoteExpressionType(src[off+8]),
			Value:  math.Float64frombits(le.Uint64(src[off+16:])),
		})
	}
	return nil
}

// EncodeResult writes the first n samples of every output lane of out.
func EncodeResult(dst []byte, out *types.ProcessOutput, n int) (int, error) {
	ch := len(out.Outputs)
	need := resHeaderSize + ch*n*4 + len(out.Midi)*midiSize + len(out.Params)*paramSize
	if n < 0 || need > len(dst) {
		return 0, ErrSlotOverflow
	}
	for _, o := range out.Outputs {
		if len(o) < n {
			return 0, ErrShortBuffer
		}
	}
	var flags uint32
	if out.LatencyChanged {
		flags |= resLatencyChanged
	}
	le.PutUint32(dst[0:], uint32(n))
	le.PutUint32(dst[4:], uint32(ch))
	le.PutUint32(dst[8:], uint32(len(out.Midi)))
	le.PutUint32(dst[12:], uint32(len(out.Params)))
	le.PutUint32(dst[16:], out.LatencySamples)
	le.PutUint32(dst[20:], flags)
	off := putAudio(dst, resHeaderSize, out.Outputs, n)
	off = putMidi(dst, off, out.Midi)
	off = putParams(dst, off, out.Params)
	return off, nil
}

// DecodeResult fills out from src and returns the block length. Lanes and
// events beyond the capacity of out are dropped.
func DecodeResult(src []byte, out *types.ProcessOutput) (int, error) {
	if len(src) < resHeaderSize {
		return 0, ErrCorruptPayload
	}
	n := int(le.Uint32(src[0:]))
	ch := int(le.Uint32(src[4:]))
	nm := int(le.Uint32(src[8:]))
	np := int(le.Uint32(src[12:]))
	if !plausible(len(src), n, ch, nm, np) {
		return 0, ErrCorruptPayload
	}
	if resHeaderSize+ch*n*4+nm*midiSize+np*paramSize > len(src) {
		return 0, ErrCorruptPayload
	}
	out.LatencySamples = le.Uint32(src[16:])
	out.LatencyChanged = le.Uint32(src[20:])&resLatencyChanged != 0
	lanes := min(ch, cap(out.Outputs))
	out.Outputs = out.Outputs[:lanes]
	if _, err := getAudio(src, resHeaderSize, out.Outputs, n); err != nil {
		return 0, err
	}
	off := resHeaderSize + ch*n*4
	out.Midi, off = getMidi(src, off, nm, out.Midi[:0])
	out.Params, _ = getParams(src, off, np, out.Params[:0])
	return n, nil
}

// plausible rejects counts that could overflow the size arithmetic.
func plausible(size int, counts ...int) bool {
	for _, c := range counts {
		if c > size {
			return false
		}
	}
	return true
}

func putAudio(dst []byte, off int, lanes [][]float32, n int) int {
	for _, lane := range lanes {
		for _, s := range lane[:n] {
			le.PutUint32(dst[off:], math.Float32bits(s))
			off += 4
		}
	}
	return off
}

// getAudio decodes len(lanes) lanes of n samples starting at off.
func getAudio(src []byte, off int, lanes [][]float32, n int) (int, error) {
	for c := range lanes {
		if cap(lanes[c]) < n {
			return off, ErrShortBuffer
		}
		lane := lanes[c][:n]
		for i := range lane {
			lane[i] = math.Float32frombits(le.Uint32(src[off:]))
			off += 4
		}
		lanes[c] = lane
	}
	return off, nil
}

func putMidi(dst []byte, off int, events []types.MidiEvent) int {
	for _, e := range events {
		le.PutUint32(dst[off:], e.Offset)
		dst[off+4] = e.Status
		dst[off+5] = e.Data1
		dst[off+6] = e.Data2
		dst[off+7] = 0
		off += midiSize
	}
	return off
}

func getMidi(src []byte, off, count int, into []types.MidiEvent) ([]types.MidiEvent, int) {
	for i := 0; i < count; i, off = i+1, off+midiSize {
		if len(into) == cap(into) {
			continue
		}
		into = append(into, types.MidiEvent{
			Offset: le.Uint32(src[off:]),
			Status: src[off+4],
			Data1:  src[off+5],
			Data2:  src[off+6],
		})
	}
	return into, off
}

func putParams(dst []byte, off int, changes []types.ParamChange) int {
	for _, p := range changes {
		le.PutUint32(dst[off:], p.ID)
		le.PutUint32(dst[off+4:], p.Offset)
		le.PutUint64(dst[off+8:], math.Float64bits(p.Value))
		off += paramSize
	}
	return off
}

func getParams(src []byte, off, count int, into []types.ParamChange) ([]types.ParamChange, int) {
	for i := 0; i < count; i, off = i+1, off+paramSize {
		if len(into) == cap(into) {
			continue
		}
		into = append(into, types.ParamChange{
			ID:     le.Uint32(src[off:]),
			Offset: le.Uint32(src[off+4:]),
			Value:  math.Float64frombits(le.Uint64(src[off+8:])),
		})
	}
	return into, off
}

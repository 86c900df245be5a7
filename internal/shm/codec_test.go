package shm

import (
	"errors"
	"testing"

	"plugbridge/pkg/types"
)

func TestRequestCodec_PreservesEventsAndTransport(t *testing.T) {
	pc := types.NewProcessContext(2, 16, 4)
	pc.NumSamples = 16
	pc.Inputs[1][15] = -0.75
	pc.Midi = append(pc.Midi, types.MidiEvent{Offset: 0, Status: 0x90, Data1: 64, Data2: 1},
		types.MidiEvent{Offset: 9, Status: 0x80, Data1: 64})
	pc.Params = append(pc.Params, types.ParamChange{ID: 3, Value: 0.125, Offset: 4})
	pc.NoteExpr = append(pc.NoteExpr, types.NoteExpression{Offset: 2, NoteID: -1, Type: types.NoteExprPan, Value: 0.9})
	pc.Transport.Playing = true
	pc.Transport.Tempo = 93.5
	pc.Transport.PositionSamples = 1 << 40

	buf := make([]byte, PayloadSize(16, 2, 4))
	n, err := EncodeRequest(buf, pc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := types.NewProcessContext(2, 16, 4)
	if err := DecodeRequest(buf[:n], got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.NumSamples != 16 || got.Inputs[1][15] != -0.75 {
		t.Fatalf("audio mismatch: n=%d sample=%v", got.NumSamples, got.Inputs[1][15])
	}
	if len(got.Midi) != 2 || got.Midi[1].Offset != 9 || got.Params[0] != pc.Params[0] || got.NoteExpr[0] != pc.NoteExpr[0] {
		t.Fatalf("events mismatch: %+v %+v %+v", got.Midi, got.Params, got.NoteExpr)
	}
	if got.Transport != pc.Transport {
		t.Fatalf("transport=%+v want %+v", got.Transport, pc.Transport)
	}
}

func TestRequestCodec_Overflow(t *testing.T) {
	pc := types.NewProcessContext(2, 16, 4)
	pc.NumSamples = 16
	if _, err := EncodeRequest(make([]byte, 64), pc); !errors.Is(err, ErrSlotOverflow) {
		t.Fatalf("want ErrSlotOverflow, got %v", err)
	}
}

func TestDecodeResult_DropsEventsBeyondCapacity(t *testing.T) {
	src := types.NewProcessOutput(1, 8, 8)
	src.Outputs[0] = src.Outputs[0][:8]
	for i := 0; i < 8; i++ {
		src.Midi = append(src.Midi, types.MidiEvent{Offset: uint32(i), Status: 0xB0})
	}
	src.LatencySamples = 128
	src.LatencyChanged = true
	buf := make([]byte, PayloadSize(8, 1, 8))
	n, err := EncodeResult(buf, src, 8)
	if err != nil {
		t.Fatal(err)
	}
	dst := types.NewProcessOutput(1, 8, 3)
	if _, err := DecodeResult(buf[:n], dst); err != nil {
		t.Fatal(err)
	}
	if len(dst.Midi) != 3 || dst.Midi[2].Offset != 2 {
		t.Fatalf("midi=%v", dst.Midi)
	}
	if dst.LatencySamples != 128 || !dst.LatencyChanged {
		t.Fatalf("latency=%d changed=%v", dst.LatencySamples, dst.LatencyChanged)
	}
}

func TestDecode_CorruptPayload(t *testing.T) {
	buf := make([]byte, reqHeaderSize)
	le.PutUint32(buf[0:], 1<<31)
	le.PutUint32(buf[4:], 1<<31)
	if err := DecodeRequest(buf, types.NewProcessContext(1, 1, 1)); !errors.Is(err, ErrCorruptPayload) {
		t.Fatalf("want ErrCorruptPayload, got %v", err)
	}
	if _, err := DecodeResult(buf[:4], types.NewProcessOutput(1, 1, 1)); !errors.Is(err, ErrCorruptPayload) {
		t.Fatalf("want ErrCorruptPayload, got %v", err)
	}
}

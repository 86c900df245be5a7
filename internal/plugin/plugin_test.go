package plugin

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"plugbridge/internal/lifecycle"
	"plugbridge/pkg/types"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func testSetup() Setup {
	return Setup{SampleRate: 48000, MaxBlockSize: 256, MaxEvents: 16, Layout: types.AudioIO{Inputs: 2, Outputs: 2}}
}

const gainYAML = `id: test.gain
name: Test Gain
vendor: plugbridge
inputs: 2
outputs: 2
midi_thru: true
effects:
  - type: gain
    params:
      gain: 0
`

func open(t *testing.T, name, content string) Instance {
	t.Helper()
	p := writeTempFile(t, t.TempDir(), name, content)
	inst, err := DefaultRegistry().Open(p, testSetup())
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return inst
}

func block(n int, fill float32) (*types.ProcessContext, *types.ProcessOutput) {
	pc := types.NewProcessContext(2, 256, 16)
	pc.NumSamples = n
	for c := range pc.Inputs {
		pc.Inputs[c] = pc.Inputs[c][:n]
		for i := range pc.Inputs[c] {
			pc.Inputs[c][i] = fill
		}
	}
	out := types.NewProcessOutput(2, 256, 16)
	for c := range out.Outputs {
		out.Outputs[c] = out.Outputs[c][:n]
	}
	return pc, out
}

func TestRegistry_NotFound(t *testing.T) {
	_, err := DefaultRegistry().Open(filepath.Join(t.TempDir(), "nope.vst3"), testSetup())
	if !lifecycle.IsLoadFailed(err) || !strings.Contains(err.Error(), "plugin not found") {
		t.Fatalf("want load failed/not found, got %v", err)
	}
}

func TestRegistry_UnsupportedFormat(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "readme.txt", "hello")
	_, err := DefaultRegistry().Open(p, testSetup())
	if !lifecycle.IsLoadFailed(err) || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("want unsupported format, got %v", err)
	}
}

func TestRegistry_NativeFormatsWithoutBackend(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "Synth.vst3")
	if err := os.MkdirAll(filepath.Join(bundle, "Contents"), 0o755); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		path   string
		format string
	}{
		{bundle, "vst3"},
		{writeTempFile(t, dir, "x.clap", "bin"), "clap"},
		{writeTempFile(t, dir, "x.dll", "MZ\x90\x00"), "vst2"},
		{writeTempFile(t, dir, "libsynth", "\x7fELF\x02\x01\x01"), "vst2"},
	}
	reg := NewRegistry(VST3Loader(), CLAPLoader(), VST2Loader())
	for _, c := range cases {
		path, format := c.path, c.format
		l, err := reg.Detect(path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if l.Format() != format {
			t.Fatalf("%s: format=%s want %s", path, l.Format(), format)
		}
		_, err = reg.Open(path, testSetup())
		if !lifecycle.IsLoadFailed(err) || !strings.Contains(err.Error(), format) {
			t.Fatalf("%s: want load failed naming %s, got %v", path, format, err)
		}
	}
}

func TestRegistry_BackendAndLayoutCheck(t *testing.T) {
	RegisterBackend("clap", func(path string, setup Setup) (Instance, error) {
		d := Descriptor{ID: "wide", Inputs: 4, Outputs: 4}
		return newDescriptorInstance(d, setup)
	})
	t.Cleanup(func() {
		backendsMu.Lock()
		delete(backends, "clap")
		backendsMu.Unlock()
	})
	p := writeTempFile(t, t.TempDir(), "wide.clap", "bin")
	_, err := DefaultRegistry().Open(p, testSetup())
	if !lifecycle.IsLoadFailed(err) || !strings.Contains(err.Error(), "host offers 2 / 2") {
		t.Fatalf("want layout mismatch, got %v", err)
	}
}

func TestDescriptor_Formats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.pbplug.yaml": gainYAML,
		"b.pbplug.json": `{"id":"j","inputs":1,"outputs":2,"effects":[{"type":"tremolo","params":{"rate":2}}]}`,
		"c.pbplug.toml": "id = \"t\"\ninputs = 0\noutputs = 1\n[[effects]]\ntype = \"delay\"\n[effects.params]\nmix = 0.5\n",
	}
	for name, content := range files {
		p := writeTempFile(t, dir, name, content)
		d, err := LoadDescriptor(p)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if d.ID == "" || len(d.Effects) != 1 {
			t.Fatalf("%s: unexpected descriptor %+v", name, d)
		}
	}
	if _, err := LoadDescriptor(writeTempFile(t, dir, "d.pbplug.yaml", "id: x\noutputs: 1\neffects:\n  - type: flanger\n")); err == nil {
		t.Fatalf("unknown effect type must fail")
	}
	if !(DescriptorLoader{}).Probe("/x/A.PBPLUG.YML", nil) || (DescriptorLoader{}).Probe("/x/config.yaml", nil) {
		t.Fatalf("descriptor probe mismatch")
	}
}

func TestDescriptor_UnknownEffectParameter(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "x.pbplug.yaml", "id: x\noutputs: 1\neffects:\n  - type: gain\n    params:\n      volume: 3\n")
	_, err := DefaultRegistry().Open(p, testSetup())
	if !lifecycle.IsLoadFailed(err) || !strings.Contains(err.Error(), "volume") {
		t.Fatalf("want unknown parameter error, got %v", err)
	}
}

func TestDescriptor_ParameterCatalog(t *testing.T) {
	inst := open(t, "chain.pbplug.yaml", `id: chain
outputs: 2
inputs: 2
effects:
  - type: gain
  - type: gain
  - type: delay
`)
	params := inst.Parameters()
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
		if p.ID != uint32(i) {
			t.Fatalf("param %d has id %d", i, p.ID)
		}
	}
	want := "gain1.gain,gain2.gain,delay.time,delay.feedback,delay.mix,bypass"
	if strings.Join(names, ",") != want {
		t.Fatalf("catalog=%v", names)
	}
	if !params[5].Flags.IsBypass {
		t.Fatalf("bypass flag missing")
	}
	if err := inst.SetParameter(0, 100); err != nil {
		t.Fatal(err)
	}
	if v, _ := inst.GetParameter(0); v != 24 {
		t.Fatalf("value not clamped: %v", v)
	}
	if err := inst.SetParameter(99, 1); err == nil {
		t.Fatalf("unknown id must fail")
	}
	if err := inst.SetParameter(0, math.NaN()); err == nil {
		t.Fatalf("NaN must be rejected")
	}
}

func TestDescriptor_SampleAccurateParameterChange(t *testing.T) {
	inst := open(t, "g.pbplug.yaml", gainYAML)
	pc, out := block(128, 1)
	pc.Params = append(pc.Params, types.ParamChange{ID: 0, Value: -6.0206, Offset: 64})
	if err := inst.Process(pc, out); err != nil {
		t.Fatal(err)
	}
	if out.Outputs[0][63] != 1 {
		t.Fatalf("sample before change=%v want 1", out.Outputs[0][63])
	}
	if got := out.Outputs[1][64]; math.Abs(float64(got)-0.5) > 1e-4 {
		t.Fatalf("sample at change=%v want 0.5", got)
	}
	if v, _ := inst.GetParameter(0); math.Abs(v+6.0206) > 1e-9 {
		t.Fatalf("parameter value=%v", v)
	}
}

func TestDescriptor_MidiThruAndBypass(t *testing.T) {
	inst := open(t, "g.pbplug.yaml", strings.Replace(gainYAML, "gain: 0", "gain: -20", 1))
	pc, out := block(32, 1)
	pc.Midi = append(pc.Midi, types.MidiEvent{Offset: 5, Status: 0x90, Data1: 60, Data2: 90})
	pc.Params = append(pc.Params, types.ParamChange{ID: 1, Value: 1, Offset: 16})
	if err := inst.Process(pc, out); err != nil {
		t.Fatal(err)
	}
	if len(out.Midi) != 1 || out.Midi[0] != pc.Midi[0] {
		t.Fatalf("midi thru=%v", out.Midi)
	}
	if math.Abs(float64(out.Outputs[0][0])-0.1) > 1e-4 || out.Outputs[0][16] != 1 {
		t.Fatalf("bypass at 16 not applied: %v %v", out.Outputs[0][0], out.Outputs[0][16])
	}
}

func TestDescriptor_LatencyEffect(t *testing.T) {
	inst := open(t, "l.pbplug.yaml", "id: l\ninputs: 1\noutputs: 1\nlatency_samples: 10\neffects:\n  - type: latency\n    params:\n      samples: 4\n")
	if inst.Latency() != 14 || inst.Metadata().LatencySamples != 14 {
		t.Fatalf("latency=%d metadata=%d", inst.Latency(), inst.Metadata().LatencySamples)
	}
	pc, out := block(8, 0)
	pc.Inputs[0][0] = 1
	if err := inst.Process(pc, out); err != nil {
		t.Fatal(err)
	}
	if out.Outputs[0][0] != 0 || out.Outputs[0][4] != 1 {
		t.Fatalf("impulse not delayed by 4: %v", out.Outputs[0][:8])
	}
	if err := inst.SetParameter(0, 32); err != nil {
		t.Fatal(err)
	}
	if inst.Latency() != 42 {
		t.Fatalf("latency after change=%d", inst.Latency())
	}
}

func TestDescriptor_PanExpression(t *testing.T) {
	inst := open(t, "g.pbplug.yaml", gainYAML)
	pc, out := block(16, 1)
	pc.NoteExpr = append(pc.NoteExpr, types.NoteExpression{Offset: 8, NoteID: -1, Type: types.NoteExprPan, Value: 0})
	if err := inst.Process(pc, out); err != nil {
		t.Fatal(err)
	}
	if out.Outputs[1][7] != 1 || out.Outputs[1][8] != 0 {
		t.Fatalf("right channel around pan change: %v %v", out.Outputs[1][7], out.Outputs[1][8])
	}
	if math.Abs(float64(out.Outputs[0][8])-math.Sqrt2) > 1e-4 {
		t.Fatalf("left channel hard-left=%v", out.Outputs[0][8])
	}
}

func TestDescriptor_AbortPanics(t *testing.T) {
	inst := open(t, "a.pbplug.yaml", "id: a\noutputs: 1\neffects:\n  - type: abort\n    params:\n      after_blocks: 1\n")
	pc, out := block(8, 0)
	if err := inst.Process(pc, out); err != nil {
		t.Fatalf("first block: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("second block must panic")
		}
	}()
	_ = inst.Process(pc, out)
}

const echoYAML = `id: test.echo
inputs: 2
outputs: 2
effects:
  - type: gain
    params:
      gain: -6.0206
  - type: delay
    params:
      time: 0.001
      feedback: 0
      mix: 1
`

func impulse(t *testing.T, inst Instance) []float32 {
	t.Helper()
	pc, out := block(128, 0)
	pc.Inputs[0][0] = 1
	if err := inst.Process(pc, out); err != nil {
		t.Fatal(err)
	}
	return out.Outputs[0]
}

func peakAt(buf []float32) int {
	at := -1
	var best float32
	for i, s := range buf {
		if s > best {
			best, at = s, i
		}
	}
	return at
}

func TestDescriptor_SetSampleRateRebuildsEffects(t *testing.T) {
	inst := open(t, "e.pbplug.yaml", echoYAML)
	if got := peakAt(impulse(t, inst)); got != 48 {
		t.Fatalf("echo at 48kHz lands on sample %d want 48", got)
	}

	sr, ok := inst.(SampleRateSetter)
	if !ok {
		t.Fatalf("descriptor instance does not accept sample rate changes")
	}
	if err := sr.SetSampleRate(0); err == nil {
		t.Fatalf("zero sample rate accepted")
	}
	if err := sr.SetSampleRate(96000); err != nil {
		t.Fatal(err)
	}
	out := impulse(t, inst)
	if got := peakAt(out); got != 96 {
		t.Fatalf("echo at 96kHz lands on sample %d want 96", got)
	}
	if math.Abs(float64(out[96])-0.5) > 1e-3 {
		t.Fatalf("gain lost across rate change: echo=%v want 0.5", out[96])
	}
	if v, _ := inst.GetParameter(0); math.Abs(v+6.0206) > 1e-9 {
		t.Fatalf("gain parameter=%v after rate change", v)
	}
}

func TestDescriptor_ReportsAppliedParameters(t *testing.T) {
	inst := open(t, "g.pbplug.yaml", gainYAML)
	pc, out := block(64, 1)
	pc.Params = append(pc.Params,
		types.ParamChange{ID: 0, Value: 100, Offset: 8},
		types.ParamChange{ID: 99, Value: 1, Offset: 9},
		types.ParamChange{ID: 1, Value: 1, Offset: 40},
	)
	if err := inst.Process(pc, out); err != nil {
		t.Fatal(err)
	}
	want := []types.ParamChange{{ID: 0, Value: 24, Offset: 8}, {ID: 1, Value: 1, Offset: 40}}
	if len(out.Params) != len(want) {
		t.Fatalf("reported %v want %v", out.Params, want)
	}
	for i := range want {
		if out.Params[i] != want[i] {
			t.Fatalf("reported[%d]=%v want %v", i, out.Params[i], want[i])
		}
	}
}

func TestDescriptor_ReportedParametersRespectCapacity(t *testing.T) {
	inst := open(t, "g.pbplug.yaml", gainYAML)
	pc, out := block(32, 1)
	for i := 0; i < 40; i++ {
		pc.Params = append(pc.Params, types.ParamChange{ID: 0, Value: float64(-i), Offset: uint32(i / 2)})
	}
	if err := inst.Process(pc, out); err != nil {
		t.Fatal(err)
	}
	if len(out.Params) != cap(out.Params) {
		t.Fatalf("reported %d changes, capacity %d", len(out.Params), cap(out.Params))
	}
}

type failingLane struct{ tremoloLane }

func (failingLane) ProcessInPlace(buf []float64) error {
	for i := range buf {
		buf[i] = 9
	}
	return errors.New("modulator rejected buffer")
}

func TestTremolo_FailedLaneIsSilenced(t *testing.T) {
	fx, err := newTremolo(48000, 2)
	if err != nil {
		t.Fatal(err)
	}
	tr := fx.(*tremolo)
	tr.lanes[1] = failingLane{tr.lanes[1]}

	good := []float64{1, 1, 1, 1}
	bad := []float64{1, 1, 1, 1}
	tr.process(0, good)
	tr.process(1, bad)
	for i, s := range bad {
		if s != 0 {
			t.Fatalf("failed lane sample %d=%v want 0", i, s)
		}
	}
	if good[0] == 0 && good[3] == 0 {
		t.Fatalf("healthy lane silenced: %v", good)
	}
}

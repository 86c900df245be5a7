package plugin

import (
	"fmt"
	"math"
	"strconv"

	"plugbridge/pkg/types"
)

type binding struct {
	fx  effect
	idx int
}

// descriptorInstance renders a Descriptor's effect chain. Parameter changes
// and note expressions take effect at their sample offset by splitting the
// block into segments.
type descriptorInstance struct {
	meta     types.PluginMetadata
	io       types.AudioIO
	thru     bool
	fixedLat uint32
	maxBlock int
	kinds    []string

	chain    []effect
	params   []types.ParameterInfo
	values   []float64
	bindings []binding
	bypassID uint32
	bypass   bool

	volume  float64
	pan     float64
	scratch [][]float64
}

func newDescriptorInstance(d Descriptor, setup Setup) (*descriptorInstance, error) {
	if setup.SampleRate <= 0 || setup.MaxBlockSize <= 0 {
		return nil, fmt.Errorf("invalid setup: sample rate %g, max block %d", setup.SampleRate, setup.MaxBlockSize)
	}
	inst := &descriptorInstance{
		meta: types.PluginMetadata{
			ID:             d.ID,
			Name:           d.Name,
			Vendor:         d.Vendor,
			Version:        d.Version,
			Format:         "descriptor",
			ReceivesMIDI:   d.ReceivesMIDI || d.MidiThru,
			LatencySamples: d.LatencySamples,
		},
		io:       types.AudioIO{Inputs: d.Inputs, Outputs: d.Outputs},
		thru:     d.MidiThru,
		fixedLat: d.LatencySamples,
		maxBlock: setup.MaxBlockSize,
		bypassID: math.MaxUint32,
		volume:   1,
		pan:      0.5,
		scratch:  make([][]float64, d.Outputs),
	}
	for c := range inst.scratch {
		inst.scratch[c] = make([]float64, setup.MaxBlockSize)
	}

	counts := map[string]int{}
	for _, t := range d.Effects {
		counts[t.Type]++
	}
	seen := map[string]int{}
	for i, def := range d.Effects {
		fx, err := effectKinds[def.Type](setup.SampleRate, d.Outputs)
		if err != nil {
			return nil, fmt.Errorf("effect %d (%s): %w", i, def.Type, err)
		}
		prefix := def.Type + "."
		if counts[def.Type] > 1 {
			prefix = def.Type + strconv.Itoa(seen[def.Type]+1) + "."
			seen[def.Type]++
		}
		known := map[string]bool{}
		for j, ps := range fx.specs() {
			known[ps.name] = true
			id := uint32(len(inst.params))
			inst.params = append(inst.params, specInfo(id, prefix, ps))
			inst.bindings = append(inst.bindings, binding{fx: fx, idx: j})
			v := ps.def
			if iv, ok := def.Params[ps.name]; ok {
				v = iv
			}
			inst.values = append(inst.values, 0)
			if err := inst.SetParameter(id, v); err != nil {
				return nil, fmt.Errorf("effect %d (%s): %w", i, def.Type, err)
			}
		}
		for name := range def.Params {
			if !known[name] {
				return nil, fmt.Errorf("effect %d (%s): unknown parameter %q", i, def.Type, name)
			}
		}
		inst.chain = append(inst.chain, fx)
		inst.kinds = append(inst.kinds, def.Type)
	}
	inst.bypassID = uint32(len(inst.params))
	inst.params = append(inst.params, types.ParameterInfo{
		ID: inst.bypassID, Name: "bypass", Min: 0, Max: 1, StepCount: 1,
		Flags: types.ParameterFlags{Automatable: true, IsBypass: true},
	})
	inst.values = append(inst.values, 0)
	inst.meta.LatencySamples = inst.Latency()
	return inst, nil
}

func (p *descriptorInstance) Metadata() types.PluginMetadata    { return p.meta }
func (p *descriptorInstance) AudioIO() types.AudioIO            { return p.io }
func (p *descriptorInstance) Parameters() []types.ParameterInfo { return p.params }

func (p *descriptorInstance) SetParameter(id uint32, value float64) error {
	if int(id) >= len(p.params) {
		return fmt.Errorf("unknown parameter %d", id)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("parameter %d: value %v is not finite", id, value)
	}
	v := p.params[id].Clamp(value)
	if id == p.bypassID {
		p.bypass = v >= 0.5
	} else {
		b := p.bindings[id]
		if err := b.fx.set(b.idx, v); err != nil {
			return err
		}
	}
	p.values[id] = v
	return nil
}

func (p *descriptorInstance) GetParameter(id uint32) (float64, error) {
	if int(id) >= len(p.values) {
		return 0, fmt.Errorf("unknown parameter %d", id)
	}
	return p.values[id], nil
}

func (p *descriptorInstance) Latency() uint32 {
	l := p.fixedLat
	for _, fx := range p.chain {
		l += fx.latency()
	}
	return l
}

func (p *descriptorInstance) Reset() {
	for _, fx := range p.chain {
		fx.reset()
	}
	p.volume, p.pan = 1, 0.5
}

func (p *descriptorInstance) Close() error { return nil }

func (p *descriptorInstance) SetMaxBlockSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid max block size %d", n)
	}
	if n > p.maxBlock {
		for c := range p.scratch {
			p.scratch[c] = make([]float64, n)
		}
	}
	p.maxBlock = n
	return nil
}

// SetSampleRate rebuilds every effect at the new rate and carries the
// current parameter values over. Effect state such as delay lines starts
// from silence.
func (p *descriptorInstance) SetSampleRate(rate float64) error {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return fmt.Errorf("invalid sample rate %g", rate)
	}
	chain := make([]effect, len(p.chain))
	for i, kind := range p.kinds {
		fx, err := effectKinds[kind](rate, p.io.Outputs)
		if err != nil {
			return fmt.Errorf("effect %d (%s): %w", i, kind, err)
		}
		chain[i] = fx
	}
	for id, b := range p.bindings {
		for i, old := range p.chain {
			if b.fx != old {
				continue
			}
			if err := chain[i].set(b.idx, p.values[id]); err != nil {
				return fmt.Errorf("effect %d (%s): %w", i, p.kinds[i], err)
			}
			p.bindings[id].fx = chain[i]
			break
		}
	}
	p.chain = chain
	return nil
}

func (p *descriptorInstance) Process(ctx *types.ProcessContext, out *types.ProcessOutput) error {
	n := ctx.NumSamples
	if n > p.maxBlock {
		return fmt.Errorf("block of %d samples exceeds maximum %d", n, p.maxBlock)
	}
	if len(out.Outputs) < p.io.Outputs {
		return fmt.Errorf("%d output lanes, plugin writes %d", len(out.Outputs), p.io.Outputs)
	}
	for _, fx := range p.chain {
		fx.beginBlock()
	}

	params, exprs := ctx.Params, ctx.NoteExpr
	pi, ei := 0, 0
	for pos := 0; pos < n; {
		for pi < len(params) && int(params[pi].Offset) <= pos {
			p.applyParameter(params[pi], out)
			pi++
		}
		for ei < len(exprs) && int(exprs[ei].Offset) <= pos {
			p.applyExpression(exprs[ei])
			ei++
		}
		next := n
		if pi < len(params) && int(params[pi].Offset) < next {
			next = int(params[pi].Offset)
		}
		if ei < len(exprs) && int(exprs[ei].Offset) < next {
			next = int(exprs[ei].Offset)
		}
		p.render(ctx, out, pos, next)
		pos = next
	}
	for ; pi < len(params); pi++ {
		p.applyParameter(params[pi], out)
	}
	for ; ei < len(exprs); ei++ {
		p.applyExpression(exprs[ei])
	}

	if p.thru {
		for _, m := range ctx.Midi {
			if len(out.Midi) == cap(out.Midi) {
				break
			}
			out.Midi = append(out.Midi, m)
		}
	}
	out.LatencySamples = p.Latency()
	return nil
}

// applyParameter sets a host change and echoes the value the plugin settled
// on, after clamping, so the host sees what was actually applied.
func (p *descriptorInstance) applyParameter(pc types.ParamChange, out *types.ProcessOutput) {
	if err := p.SetParameter(pc.ID, pc.Value); err != nil {
		return
	}
	if len(out.Params) < cap(out.Params) {
		out.Params = append(out.Params, types.ParamChange{ID: pc.ID, Value: p.values[pc.ID], Offset: pc.Offset})
	}
}

func (p *descriptorInstance) applyExpression(e types.NoteExpression) {
	switch e.Type {
	case types.NoteExprVolume:
		p.volume = min(max(e.Value, 0), 2)
	case types.NoteExprPan:
		p.pan = min(max(e.Value, 0), 1)
	}
}

// render processes samples [from, to) of every output lane.
func (p *descriptorInstance) render(ctx *types.ProcessContext, out *types.ProcessOutput, from, to int) {
	if from >= to {
		return
	}
	for c := 0; c < p.io.Outputs; c++ {
		buf := p.scratch[c][from:to]
		if p.io.Inputs > 0 && c%p.io.Inputs < len(ctx.Inputs) {
			src := ctx.Inputs[c%p.io.Inputs][from:to]
			for i, s := range src {
				buf[i] = float64(s)
			}
		} else {
			clear(buf)
		}
		if !p.bypass {
			for _, fx := range p.chain {
				fx.process(c, buf)
			}
		}
		g := p.volume * p.panGain(c)
		dst := out.Outputs[c][from:to]
		for i, s := range buf {
			dst[i] = float32(s * g)
		}
	}
}

// panGain is an equal-power balance normalized to unity at center. Only
// stereo outputs are panned.
func (p *descriptorInstance) panGain(c int) float64 {
	if p.io.Outputs != 2 || p.pan == 0.5 {
		return 1
	}
	theta := p.pan * math.Pi / 2
	if c == 0 {
		return math.Cos(theta) * math.Sqrt2
	}
	return math.Sin(theta) * math.Sqrt2
}

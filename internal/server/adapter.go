package server

import (
	"cmp"
	"fmt"
	"runtime/debug"
	"slices"

	"plugbridge/internal/plugin"
	"plugbridge/pkg/types"
)

// PanicError is returned by Adapter.Process when plugin code panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("plugin panic: %v", e.Value) }

// Adapter drives one plugin instance for the audio loop: it normalizes the
// block's events, prepares the output lanes, invokes the plugin behind a
// panic barrier and tracks latency changes.
type Adapter struct {
	inst        plugin.Instance
	io          types.AudioIO
	lastLatency uint32
}

func NewAdapter(inst plugin.Instance) *Adapter {
	return &Adapter{inst: inst, io: inst.AudioIO(), lastLatency: inst.Latency()}
}

func (a *Adapter) Instance() plugin.Instance { return a.inst }

// Process renders ctx into out. Output lanes beyond the plugin's output
// count are not touched; lanes it owns are zeroed before the call.
func (a *Adapter) Process(ctx *types.ProcessContext, out *types.ProcessOutput) error {
	n := ctx.NumSamples
	normalizeEvents(ctx)
	out.Reset()
	if cap(out.Outputs) < a.io.Outputs {
		return fmt.Errorf("output buffer has %d lanes, plugin writes %d", cap(out.Outputs), a.io.Outputs)
	}
	out.Outputs = out.Outputs[:a.io.Outputs]
	for c := range out.Outputs {
		if cap(out.Outputs[c]) < n {
			return fmt.Errorf("output lane %d holds %d samples, block has %d", c, cap(out.Outputs[c]), n)
		}
		out.Outputs[c] = out.Outputs[c][:n]
		clear(out.Outputs[c])
	}
	if err := a.call(ctx, out); err != nil {
		return err
	}
	lat := a.inst.Latency()
	out.LatencySamples = lat
	if lat != a.lastLatency {
		out.LatencyChanged = true
		a.lastLatency = lat
	}
	return nil
}

func (a *Adapter) call(ctx *types.ProcessContext, out *types.ProcessOutput) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return a.inst.Process(ctx, out)
}

// normalizeEvents clamps offsets into the block and restores ascending
// offset order, keeping the relative order of equal offsets.
func normalizeEvents(ctx *types.ProcessContext) {
	last := uint32(0)
	if ctx.NumSamples > 0 {
		last = uint32(ctx.NumSamples - 1)
	}
	sorted := true
	for i := range ctx.Midi {
		ctx.Midi[i].Offset = min(ctx.Midi[i].Offset, last)
		sorted = sorted && (i == 0 || ctx.Midi[i-1].Offset <= ctx.Midi[i].Offset)
	}
	if !sorted {
		slices.SortStableFunc(ctx.Midi, func(x, y types.MidiEvent) int { return cmp.Compare(x.Offset, y.Offset) })
	}
	sorted = true
	for i := range ctx.Params {
		ctx.Params[i].Offset = min(ctx.Params[i].Offset, last)
		sorted = sorted && (i == 0 || ctx.Params[i-1].Offset <= ctx.Params[i].Offset)
	}
	if !sorted {
		slices.SortStableFunc(ctx.Params, func(x, y types.ParamChange) int { return cmp.Compare(x.Offset, y.Offset) })
	}
	sorted = true
	for i := range ctx.NoteExpr {
		ctx.NoteExpr[i].Offset = min(ctx.NoteExpr[i].Offset, last)
		sorted = sorted && (i == 0 || ctx.NoteExpr[i-1].Offset <= ctx.NoteExpr[i].Offset)
	}
	if !sorted {
		slices.SortStableFunc(ctx.NoteExpr, func(x, y types.NoteExpression) int { return cmp.Compare(x.Offset, y.Offset) })
	}
}

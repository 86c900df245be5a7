package client

import (
	"errors"
	"slices"

	"plugbridge/internal/lifecycle"
	"plugbridge/internal/shm"
	"plugbridge/pkg/types"
)

// acquire pins the current region for one block. It returns nil when
// there is none.
func (c *Client) acquire() *rtState {
	for range 2 {
		rt := c.rt.Load()
		if rt == nil {
			return nil
		}
		rt.users.Inc()
		if c.rt.Load() == rt {
			return rt
		}
		rt.users.Dec()
	}
	return nil
}

// Process renders one block of n samples. in and out hold one lane per
// host channel; lanes beyond the plugin's layout are ignored on input and
// zeroed on output. It waits at most BlockHeadroom of the block's duration,
// capped at BlockTimeout, and never allocates. It reports false when the block was rendered as silence.
// Audio thread only.
func (c *Client) Process(in, out [][]float32, n int) bool {
	c.stats.blocks.Inc()
	if n <= 0 {
		return true
	}
	switch c.tracker.Stage() {
	case lifecycle.Ready:
	case lifecycle.Crashed:
		return c.silence(out, n, FaultCrashed)
	default:
		return c.silence(out, n, FaultNotReady)
	}
	rt := c.acquire()
	if rt == nil {
		return c.silence(out, n, FaultNotReady)
	}
	defer rt.users.Dec()
	if n > rt.maxBlock {
		return c.silence(out, n, FaultBlockTooLarge)
	}

	if _, err := rt.ep.DrainStale(); err != nil {
		return c.silence(out, n, FaultCorrupt)
	}
	pc := rt.pc
	pc.NumSamples = n
	for i, lane := range pc.Inputs {
		dst := lane[:n]
		if i < len(in) && len(in[i]) >= n {
			copy(dst, in[i][:n])
		} else {
			clear(dst)
		}
	}
	pc.Midi = clampOffsets(c.midiIn.drainInto(pc.Midi[:0]), n, func(e *types.MidiEvent) *uint32 { return &e.Offset })
	pc.Params = clampOffsets(c.paramIn.drainInto(pc.Params[:0]), n, func(e *types.ParamChange) *uint32 { return &e.Offset })
	pc.NoteExpr = clampOffsets(c.exprIn.drainInto(pc.NoteExpr[:0]), n, func(e *types.NoteExpression) *uint32 { return &e.Offset })
	pc.Transport = *c.transport.load()

	h, err := rt.ep.EnqueueRequest(pc)
	if err != nil {
		if errors.Is(err, shm.ErrBusy) {
			return c.silence(out, n, FaultBusy)
		}
		return c.silence(out, n, FaultTimeout)
	}
	if err := rt.ep.TryDequeueResult(h, c.blockWait(n), rt.out); err != nil {
		if errors.Is(err, shm.ErrCorrupt) {
			return c.silence(out, n, FaultCorrupt)
		}
		return c.silence(out, n, FaultTimeout)
	}

	for i, lane := range out {
		if len(lane) < n {
			continue
		}
		if i < len(rt.out.Outputs) {
			copy(lane[:n], rt.out.Outputs[i][:n])
		} else {
			clear(lane[:n])
		}
	}
	if rt.out.LatencyChanged {
		c.latency.Store(rt.out.LatencySamples)
	}
	for _, e := range rt.out.Midi {
		c.midiOut.push(e)
	}
	for _, p := range rt.out.Params {
		c.paramOut.push(p)
	}
	c.consecutive = 0
	return true
}

// clampOffsets pins offsets into [0, n) and restores ascending order when
// the queue interleaved producers.
func clampOffsets[T any](evs []T, n int, off func(*T) *uint32) []T {
	sorted := true
	var prev uint32
	for i := range evs {
		o := off(&evs[i])
		if *o >= uint32(n) {
			*o = uint32(n - 1)
		}
		if i > 0 && *o < prev {
			sorted = false
		}
		prev = *o
	}
	if !sorted {
		slices.SortStableFunc(evs, func(a, b T) int { return int(*off(&a)) - int(*off(&b)) })
	}
	return evs
}

func (c *Client) silence(out [][]float32, n int, f Fault) bool {
	for _, lane := range out {
		clear(lane[:min(n, len(lane))])
	}
	c.stats.silenced.Inc()
	switch f {
	case FaultBusy:
		c.stats.busy.Inc()
	case FaultTimeout:
		c.stats.timeouts.Inc()
	}
	c.consecutive++
	c.cfg.BusyPolicy(f, c.consecutive)
	return false
}

// QueueMidi schedules events for the next processed block. Offsets past
// the block end are clamped to its last sample. Safe from any goroutine.
func (c *Client) QueueMidi(events ...types.MidiEvent) {
	for _, e := range events {
		c.midiIn.push(e)
	}
}

// SetParameter schedules a parameter change at offset within the next block.
func (c *Client) SetParameter(id uint32, value float64, offset uint32) {
	c.paramIn.push(types.ParamChange{ID: id, Value: value, Offset: offset})
}

// SetNoteExpression schedules a per-note expression change.
func (c *Client) SetNoteExpression(e types.NoteExpression) {
	c.exprIn.push(e)
}

// SetTransport publishes the transport state picked up by the next block.
// Calls must come from a single goroutine.
func (c *Client) SetTransport(t types.TransportInfo) {
	c.transport.store(t)
}

// DrainOutputMidi appends MIDI produced by the plugin to dst, up to its
// capacity.
func (c *Client) DrainOutputMidi(dst []types.MidiEvent) []types.MidiEvent {
	return c.midiOut.drainInto(dst)
}

// DrainOutputParams appends parameter changes reported by the plugin to
// dst, up to its capacity. The queue drops its oldest entries when the host
// falls behind.
func (c *Client) DrainOutputParams(dst []types.ParamChange) []types.ParamChange {
	return c.paramOut.drainInto(dst)
}

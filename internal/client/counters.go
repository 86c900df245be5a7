package client

import (
	"go.uber.org/atomic"

	"plugbridge/pkg/types"
)

// counters are written on the audio thread and read anywhere.
type counters struct {
	blocks    atomic.Uint64
	busy      atomic.Uint64
	timeouts  atomic.Uint64
	silenced  atomic.Uint64
	overflows atomic.Uint64
}

func (c *counters) snapshot(stale uint64) types.InstanceCounters {
	return types.InstanceCounters{
		Blocks:         c.blocks.Load(),
		Busy:           c.busy.Load(),
		Timeouts:       c.timeouts.Load(),
		Silenced:       c.silenced.Load(),
		StaleResults:   stale,
		QueueOverflows: c.overflows.Load(),
	}
}

package client

import (
	"math/bits"

	"go.uber.org/atomic"

	"plugbridge/pkg/types"
)

type cell[T any] struct {
	seq atomic.Uint64
	val T
}

// ring is a bounded lock-free MPMC queue (Vyukov). Push never fails: when
// the queue is full the oldest entry is dropped to make room.
type ring[T any] struct {
	_     [64]byte
	enq   atomic.Uint64
	_     [56]byte
	deq   atomic.Uint64
	_     [56]byte
	mask  uint64
	cells []cell[T]
	drops *atomic.Uint64
}

func newRing[T any](capacity int, drops *atomic.Uint64) *ring[T] {
	if capacity < 2 {
		capacity = 2
	}
	size := uint64(1) << bits.Len64(uint64(capacity-1))
	q := &ring[T]{mask: size - 1, cells: make([]cell[T], size), drops: drops}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

func (q *ring[T]) tryPush(v T) bool {
	pos := q.enq.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch d := int64(seq) - int64(pos); {
		case d == 0:
			if q.enq.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = q.enq.Load()
		case d < 0:
			return false
		default:
			pos = q.enq.Load()
		}
	}
}

func (q *ring[T]) pop() (T, bool) {
	pos := q.deq.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch d := int64(seq) - int64(pos+1); {
		case d == 0:
			if q.deq.CompareAndSwap(pos, pos+1) {
				v := c.val
				c.seq.Store(pos + q.mask + 1)
				return v, true
			}
			pos = q.deq.Load()
		case d < 0:
			var zero T
			return zero, false
		default:
			pos = q.deq.Load()
		}
	}
}

// push enqueues v, evicting the oldest entries while the queue is full.
func (q *ring[T]) push(v T) {
	for !q.tryPush(v) {
		if _, ok := q.pop(); ok && q.drops != nil {
			q.drops.Inc()
		}
	}
}

// drainInto appends queued entries to dst up to its capacity.
func (q *ring[T]) drainInto(dst []T) []T {
	for len(dst) < cap(dst) {
		v, ok := q.pop()
		if !ok {
			break
		}
		dst = append(dst, v)
	}
	return dst
}

const dirty = 1 << 2

// transportBuffer hands the latest transport snapshot from one writer to
// the audio thread without locks or allocation (triple buffering).
type transportBuffer struct {
	bufs   [3]types.TransportInfo
	middle atomic.Uint32
	back   uint32
	front  uint32
}

func newTransportBuffer(t types.TransportInfo) *transportBuffer {
	b := &transportBuffer{bufs: [3]types.TransportInfo{t, t, t}, back: 0, front: 2}
	b.middle.Store(1)
	return b
}

// store publishes t. It must not be called concurrently with itself.
func (b *transportBuffer) store(t types.TransportInfo) {
	b.bufs[b.back] = t
	b.back = b.middle.Swap(b.back|dirty) &^ dirty
}

// load returns the newest published snapshot. Audio thread only.
func (b *transportBuffer) load() *types.TransportInfo {
	if b.middle.Load()&dirty != 0 {
		b.front = b.middle.Swap(b.front) &^ dirty
	}
	return &b.bufs[b.front]
}

package shm

import (
	"sync/atomic"
	"time"
	"unsafe"

	uatomic "go.uber.org/atomic"
)

// ring is one direction of the duplex channel. The producer is the only
// writer of head, slot headers and payloads; the consumer is the only writer
// of tail. Slots become visible in two steps: payload and sequence first,
// then the head cursor.
type ring struct {
	mem      []byte
	ctrl     int
	slots    int
	stride   int
	count    uint64
	slotSize int
}

func newRing(mem []byte, ctrl, slots int, l Layout) *ring {
	return &ring{
		mem:      mem,
		ctrl:     ctrl,
		slots:    slots,
		stride:   l.stride(),
		count:    uint64(l.SlotCount),
		slotSize: l.SlotSize,
	}
}

func (r *ring) u64(off int) *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[off])) }
func (r *ring) u32(off int) *uint32 { return (*uint32)(unsafe.Pointer(&r.mem[off])) }

func (r *ring) head() *uint64     { return r.u64(r.ctrl + ctrlHead) }
func (r *ring) tail() *uint64     { return r.u64(r.ctrl + ctrlTail) }
func (r *ring) dataSeq() *uint32  { return r.u32(r.ctrl + ctrlDataSeq) }
func (r *ring) waiters() *uint32  { return r.u32(r.ctrl + ctrlWaiters) }
func (r *ring) spaceSeq() *uint32 { return r.u32(r.ctrl + ctrlSpaceSeq) }

func (r *ring) slotOff(pos uint64) int { return r.slots + int(pos%r.count)*r.stride }

func (r *ring) payload(off int) []byte {
	p := off + slotHeaderSize
	return r.mem[p : p+r.slotSize : p+r.slotSize]
}

// reserve returns the next free slot for writing, or ok=false when every
// slot is still held by the consumer.
func (r *ring) reserve() (pos uint64, payload []byte, ok bool) {
	h := atomic.LoadUint64(r.head())
	t := atomic.LoadUint64(r.tail())
	if h-t >= r.count {
		return 0, nil, false
	}
	return h, r.payload(r.slotOff(h)), true
}

// commit publishes the slot returned by reserve.
func (r *ring) commit(pos, seq uint64, n int) {
	off := r.slotOff(pos)
	atomic.StoreUint32(r.u32(off+8), uint32(n))
	atomic.StoreUint64(r.u64(off), seq)
	atomic.StoreUint64(r.head(), pos+1)
	atomic.AddUint32(r.dataSeq(), 1)
	if atomic.LoadUint32(r.waiters()) != 0 {
		futexWake(r.dataSeq())
	}
}

// pending returns the number of published, unconsumed slots. ok is false
// when the peer moved its cursor outside [tail, tail+count].
func (r *ring) pending() (n uint64, ok bool) {
	t := atomic.LoadUint64(r.tail())
	n = atomic.LoadUint64(r.head()) - t
	return n, n <= r.count
}

// peek returns the oldest published slot without consuming it. It
// reports ErrCorrupt instead of a slot when the cursors are inconsistent.
func (r *ring) peek() (seq uint64, payload []byte, ok bool, err error) {
	n, valid := r.pending()
	if !valid {
		return 0, nil, false, ErrCorrupt
	}
	if n == 0 {
		return 0, nil, false, nil
	}
	off := r.slotOff(atomic.LoadUint64(r.tail()))
	seq = atomic.LoadUint64(r.u64(off))
	size := int(atomic.LoadUint32(r.u32(off + 8)))
	if size > r.slotSize {
		size = r.slotSize
	}
	return seq, r.payload(off)[:size], true, nil
}

// release hands the slot returned by peek back to the producer.
func (r *ring) release() {
	atomic.StoreUint64(r.tail(), atomic.LoadUint64(r.tail())+1)
	atomic.AddUint32(r.spaceSeq(), 1)
}

func (r *ring) empty() bool {
	return atomic.LoadUint64(r.tail()) == atomic.LoadUint64(r.head())
}

// used is the number of published, unconsumed slots, capped at the
// slot count.
func (r *ring) used() int {
	n, _ := r.pending()
	return int(min(n, r.count))
}

// waitData blocks until the producer commits, d elapses, abort is set
// before an interrupt, or a spurious wakeup occurs. Callers re-check the
// ring afterwards. abort may be nil.
func (r *ring) waitData(d time.Duration, abort *uatomic.Bool) {
	if d <= 0 {
		return
	}
	seq := atomic.LoadUint32(r.dataSeq())
	atomic.AddUint32(r.waiters(), 1)
	if r.empty() && (abort == nil || !abort.Load()) {
		futexWait(r.dataSeq(), seq, d)
	}
	atomic.AddUint32(r.waiters(), ^uint32(0))
}

// interrupt wakes a consumer blocked in waitData without publishing.
func (r *ring) interrupt() {
	atomic.AddUint32(r.dataSeq(), 1)
	futexWake(r.dataSeq())
}

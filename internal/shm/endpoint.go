package shm

import (
	"errors"
	"time"

	"go.uber.org/atomic"

	"plugbridge/pkg/types"
)

var (
	// ErrBusy is returned by EnqueueRequest when no request slot is free.
	ErrBusy = errors.New("shm: no free slot")
	// ErrTimedOut is returned when no matching entry arrived in time.
	ErrTimedOut = errors.New("shm: timed out")
	// ErrInterrupted is returned by NextRequest after Interrupt.
	ErrInterrupted = errors.New("shm: interrupted")
	// ErrCorrupt means the peer left a ring cursor outside the ring bounds.
	// The region cannot be trusted afterwards.
	ErrCorrupt = errors.New("shm: corrupt ring cursor")
)

// DefaultSpinIterations bounds the busy-wait before falling back to a
// kernel wait.
const DefaultSpinIterations = 256

// SlotHandle identifies an in-flight request.
type SlotHandle struct {
	Seq uint64
}

// ClientEndpoint is the host side of a region: producer of requests and
// consumer of results. It must be driven from a single goroutine.
type ClientEndpoint struct {
	region  *Region
	req     *ring
	res     *ring
	nextSeq uint64
	spin    int
	stale   atomic.Uint64
}

// NewClientEndpoint binds to r. spin <= 0 selects DefaultSpinIterations.
func NewClientEndpoint(r *Region, spin int) *ClientEndpoint {
	if spin <= 0 {
		spin = DefaultSpinIterations
	}
	return &ClientEndpoint{region: r, req: r.requestRing(), res: r.resultRing(), spin: spin}
}

func (e *ClientEndpoint) Region() *Region { return e.region }

// Stale returns how many results were discarded for not matching the
// request they were polled for.
func (e *ClientEndpoint) Stale() uint64 { return e.stale.Load() }

// EnqueueRequest encodes pc into the next request slot. It never blocks;
// ErrBusy means every slot is still owned by the server.
func (e *ClientEndpoint) EnqueueRequest(pc *types.ProcessContext) (SlotHandle, error) {
	pos, payload, ok := e.req.reserve()
	if !ok {
		return SlotHandle{}, ErrBusy
	}
	n, err := EncodeRequest(payload, pc)
	if err != nil {
		return SlotHandle{}, err
	}
	e.nextSeq++
	e.req.commit(pos, e.nextSeq, n)
	return SlotHandle{Seq: e.nextSeq}, nil
}

// TryDequeueResult waits up to timeout for the result of h and decodes it
// into out. Older results found on the way are discarded, at most one
// ring's worth per call. ErrCorrupt means the server broke the ring.
func (e *ClientEndpoint) TryDequeueResult(h SlotHandle, timeout time.Duration, out *types.ProcessOutput) error {
	deadline := time.Now().Add(timeout)
	spins := 0
	discarded := uint64(0)
	for {
		seq, payload, ok, err := e.res.peek()
		if err != nil {
			return err
		}
		if ok {
			if seq == h.Seq {
				_, err := DecodeResult(payload, out)
				e.res.release()
				return err
			}
			e.res.release()
			e.stale.Inc()
			discarded++
			if discarded >= e.res.count || !time.Now().Before(deadline) {
				return ErrTimedOut
			}
			continue
		}
		if spins < e.spin {
			spins++
			continue
		}
		left := time.Until(deadline)
		if left <= 0 {
			return ErrTimedOut
		}
		e.res.waitData(left, nil)
	}
}

// DrainStale discards the results already published, at most one ring's
// worth. It returns the number of results dropped, or ErrCorrupt when the
// result cursors are inconsistent.
func (e *ClientEndpoint) DrainStale() (int, error) {
	n := 0
	for uint64(n) < e.res.count {
		_, _, ok, err := e.res.peek()
		if err != nil {
			e.stale.Add(uint64(n))
			return n, err
		}
		if !ok {
			break
		}
		e.res.release()
		n++
	}
	if n > 0 {
		e.stale.Add(uint64(n))
	}
	return n, nil
}

// InFlight is the number of requests the server has not consumed yet.
func (e *ClientEndpoint) InFlight() int { return e.req.used() }

// ServerEndpoint is the plugin-process side of a region: consumer of
// requests and producer of results.
type ServerEndpoint struct {
	region *Region
	req    *ring
	res    *ring
	spin   int
	intr   atomic.Bool
}

func NewServerEndpoint(r *Region, spin int) *ServerEndpoint {
	if spin <= 0 {
		spin = DefaultSpinIterations
	}
	return &ServerEndpoint{region: r, req: r.requestRing(), res: r.resultRing(), spin: spin}
}

func (e *ServerEndpoint) Region() *Region { return e.region }

// NextRequest waits up to timeout for a request, decodes it into pc and
// frees its slot. It returns the request sequence.
func (e *ServerEndpoint) NextRequest(timeout time.Duration, pc *types.ProcessContext) (uint64, error) {
	deadline := time.Now().Add(timeout)
	spins := 0
	for {
		seq, payload, ok, err := e.req.peek()
		if err != nil {
			return 0, err
		}
		if ok {
			err := DecodeRequest(payload, pc)
			e.req.release()
			return seq, err
		}
		if spins < e.spin {
			spins++
			continue
		}
		left := time.Until(deadline)
		if left <= 0 {
			return 0, ErrTimedOut
		}
		e.req.waitData(left, &e.intr)
		if e.intr.CompareAndSwap(true, false) {
			return 0, ErrInterrupted
		}
	}
}

// PublishResult writes the first n samples of out as the result of seq.
// ErrBusy means the host has not drained earlier results; the result is dropped.
func (e *ServerEndpoint) PublishResult(seq uint64, out *types.ProcessOutput, n int) error {
	pos, payload, ok := e.res.reserve()
	if !ok {
		return ErrBusy
	}
	size, err := EncodeResult(payload, out, n)
	if err != nil {
		return err
	}
	e.res.commit(pos, seq, size)
	return nil
}

// Interrupt makes a NextRequest call blocked in a kernel wait return
// ErrInterrupted.
func (e *ServerEndpoint) Interrupt() {
	e.intr.Store(true)
	e.req.interrupt()
}

// Package shm implements the shared-memory data path between the host and
// the isolated plugin process: a mapped region holding two single-producer
// single-consumer slot rings (requests host->server, results server->host)
// and an allocation-free codec for the per-block payloads.
package shm

import (
	"encoding/binary"
	"fmt"
)

const (
	// Magic identifies a bridge region ("PBSH").
	Magic uint32 = 0x50425348
	// LayoutVersion is bumped whenever the byte layout below changes.
	LayoutVersion uint32 = 1

	MinSlots     = 1
	MaxSlots     = 16
	DefaultSlots = 2
	maxSlotSize  = 64 << 20

	cacheLine  = 64
	headerSize = cacheLine

	// Ring control block: producer cursor and data notify word on one cache
	// line, consumer cursor and space notify word on the next.
	ctrlHead     = 0
	ctrlDataSeq  = 8
	ctrlWaiters  = 12
	ctrlTail     = cacheLine
	ctrlSpaceSeq = cacheLine + 8
	ctrlSize     = 2 * cacheLine

	reqCtrlOff = headerSize
	resCtrlOff = reqCtrlOff + ctrlSize
	slotsOff   = resCtrlOff + ctrlSize

	// Slot header: {sequence u64, payload_len u32, pad u32}.
	slotHeaderSize = 16
)

// Header field offsets.
const (
	hdrMagic      = 0
	hdrVersion    = 4
	hdrSlotCount  = 8
	hdrSlotSize   = 16
	hdrGeneration = 24
)

// Layout is the geometry of a region.
type Layout struct {
	SlotCount int
	// SlotSize is the payload capacity of one slot in bytes.
	SlotSize   int
	Generation uint64
}

func (l Layout) Validate() error {
	if l.SlotCount < MinSlots || l.SlotCount > MaxSlots {
		return fmt.Errorf("slot count %d outside [%d, %d]", l.SlotCount, MinSlots, MaxSlots)
	}
	if l.SlotSize <= 0 || l.SlotSize > maxSlotSize {
		return fmt.Errorf("slot size %d outside (0, %d]", l.SlotSize, maxSlotSize)
	}
	return nil
}

// stride is the distance between consecutive slots, cache-line aligned.
func (l Layout) stride() int {
	return alignUp(slotHeaderSize+l.SlotSize, cacheLine)
}

func (l Layout) requestSlots() int { return slotsOff }

func (l Layout) resultSlots() int { return slotsOff + l.SlotCount*l.stride() }

// Size is the total number of bytes the region occupies.
func (l Layout) Size() int { return slotsOff + 2*l.SlotCount*l.stride() }

func (l Layout) writeHeader(mem []byte) {
	le := binary.LittleEndian
	le.PutUint32(mem[hdrMagic:], Magic)
	le.PutUint32(mem[hdrVersion:], LayoutVersion)
	le.PutUint32(mem[hdrSlotCount:], uint32(l.SlotCount))
	le.PutUint64(mem[hdrSlotSize:], uint64(l.SlotSize))
	le.PutUint64(mem[hdrGeneration:], l.Generation)
}

// readHeader decodes and checks the header of a mapped region of length
// len(mem).
func readHeader(mem []byte) (Layout, error) {
	if len(mem) < headerSize {
		return Layout{}, fmt.Errorf("region too small: %d bytes", len(mem))
	}
	le := binary.LittleEndian
	if m := le.Uint32(mem[hdrMagic:]); m != Magic {
		return Layout{}, fmt.Errorf("bad magic %#x", m)
	}
	if v := le.Uint32(mem[hdrVersion:]); v != LayoutVersion {
		return Layout{}, fmt.Errorf("layout version %d, want %d", v, LayoutVersion)
	}
	l := Layout{
		SlotCount:  int(le.Uint32(mem[hdrSlotCount:])),
		SlotSize:   int(le.Uint64(mem[hdrSlotSize:])),
		Generation: le.Uint64(mem[hdrGeneration:]),
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	if l.Size() > len(mem) {
		return Layout{}, fmt.Errorf("region is %d bytes, layout needs %d", len(mem), l.Size())
	}
	return l, nil
}

func alignUp(n, a int) int { return (n + a - 1) &^ (a - 1) }

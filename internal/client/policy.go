package client

// Fault is why a block was rendered as silence.
type Fault uint8

const (
	FaultBusy Fault = iota + 1
	FaultTimeout
	FaultCrashed
	FaultNotReady
	FaultBlockTooLarge
	// FaultCorrupt means the server left the shared region inconsistent.
	FaultCorrupt
)

func (f Fault) String() string {
	switch f {
	case FaultBusy:
		return "busy"
	case FaultTimeout:
		return "timeout"
	case FaultCrashed:
		return "crashed"
	case FaultNotReady:
		return "not_ready"
	case FaultBlockTooLarge:
		return "block_too_large"
	case FaultCorrupt:
		return "corrupt_region"
	}
	return "unknown"
}

// BusyPolicy is told about every silenced block together with the number
// of consecutive silenced blocks so far. It runs on the audio thread and
// must not block, allocate or lock.
type BusyPolicy func(f Fault, consecutive uint64)

// Silence is the default policy: keep rendering silence.
func Silence(Fault, uint64) {}

// EscalateAfter calls fn once whenever a run of silenced blocks reaches n.
func EscalateAfter(n uint64, fn func(Fault)) BusyPolicy {
	return func(f Fault, consecutive uint64) {
		if consecutive == n {
			fn(f)
		}
	}
}

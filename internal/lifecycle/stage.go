package lifecycle

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// Stage is the load stage of one bridged instance.
type Stage uint32

const (
	Idle Stage = iota
	Spawning
	Connecting
	Loading
	Ready
	Failed
	Crashed
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case Spawning:
		return "spawning"
	case Connecting:
		return "connecting"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Crashed:
		return "crashed"
	default:
		return fmt.Sprintf("stage(%d)", uint32(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s Stage) Terminal() bool { return s == Failed || s == Crashed }

// ChangeFunc observes a committed transition. reason is nil unless to is
// Failed or Crashed.
type ChangeFunc func(from, to Stage, reason error)

// Tracker holds the stage of one instance. Stage may be read from any
// goroutine, including the audio thread; transitions serialize on a mutex
// and only ever happen on control goroutines.
type Tracker struct {
	stage    atomic.Uint32
	mu       sync.Mutex
	reason   error
	onChange ChangeFunc
}

// NewTracker returns a tracker in Idle. onChange may be nil.
func NewTracker(onChange ChangeFunc) *Tracker {
	return &Tracker{onChange: onChange}
}

// Stage returns the current stage without locking.
func (t *Tracker) Stage() Stage { return Stage(t.stage.Load()) }

// Reason returns the error that moved the tracker to Failed or Crashed.
func (t *Tracker) Reason() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Advance moves to the next stage of the load sequence. Only the immediate
// successor of the current stage is accepted.
func (t *Tracker) Advance(to Stage) error {
	t.mu.Lock()
	from := t.Stage()
	if from.Terminal() || to != from+1 || to > Ready {
		t.mu.Unlock()
		return fmt.Errorf("lifecycle: invalid transition %s -> %s", from, to)
	}
	t.stage.Store(uint32(to))
	t.mu.Unlock()
	t.notify(from, to, nil)
	return nil
}

// Fail moves a not-yet-Ready instance to Failed. It reports false when the
// instance is already Ready or terminal.
func (t *Tracker) Fail(reason error) bool {
	t.mu.Lock()
	from := t.Stage()
	if from >= Ready {
		t.mu.Unlock()
		return false
	}
	t.reason = reason
	t.stage.Store(uint32(Failed))
	t.mu.Unlock()
	t.notify(from, Failed, reason)
	return true
}

// Crash records an unexpected process exit. A Ready instance becomes
// Crashed; an instance still loading becomes Failed with a ProcessCrashed
// reason. The resulting stage is returned; terminal stages are left as is.
func (t *Tracker) Crash(detail string) Stage {
	reason := ErrProcessCrashed(detail)
	t.mu.Lock()
	from := t.Stage()
	var to Stage
	switch {
	case from.Terminal():
		t.mu.Unlock()
		return from
	case from == Ready:
		to = Crashed
	default:
		to = Failed
	}
	t.reason = reason
	t.stage.Store(uint32(to))
	t.mu.Unlock()
	t.notify(from, to, reason)
	return to
}

func (t *Tracker) notify(from, to Stage, reason error) {
	if t.onChange != nil {
		t.onChange(from, to, reason)
	}
}

package plugin

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/cwbudde/algo-dsp/dsp/effects"

	"plugbridge/pkg/types"
)

// ExitCodeEffect is the status the "exit" effect terminates with.
const ExitCodeEffect = 70

type paramSpec struct {
	name  string
	unit  string
	min   float64
	max   float64
	def   float64
	steps int
}

// effect is one stage of a descriptor chain. process is called per channel
// and per segment; beginBlock once per block before any segment.
type effect interface {
	specs() []paramSpec
	set(idx int, v float64) error
	beginBlock()
	process(ch int, buf []float64)
	latency() uint32
	reset()
}

type effectFactory func(sampleRate float64, channels int) (effect, error)

var effectKinds = map[string]effectFactory{
	"gain":       newGain,
	"delay":      newDelay,
	"distortion": newDistortion,
	"tremolo":    newTremolo,
	"latency":    newLatency,
	"sleep":      newSleep,
	"abort":      newAbort,
	"exit":       newExit,
}

// gain

type gain struct{ linear float64 }

func newGain(float64, int) (effect, error) { return &gain{linear: 1}, nil }

func (g *gain) specs() []paramSpec {
	return []paramSpec{{name: "gain", unit: "dB", min: -60, max: 24, def: 0}}
}

func (g *gain) set(_ int, db float64) error {
	g.linear = math.Pow(10, db/20)
	return nil
}

func (g *gain) beginBlock() {}

func (g *gain) process(_ int, buf []float64) {
	for i := range buf {
		buf[i] *= g.linear
	}
}

func (g *gain) latency() uint32 { return 0 }
func (g *gain) reset()          {}

// delay

type delay struct{ lanes []*effects.Delay }

func newDelay(sampleRate float64, channels int) (effect, error) {
	d := &delay{lanes: make([]*effects.Delay, channels)}
	for c := range d.lanes {
		l, err := effects.NewDelay(sampleRate)
		if err != nil {
			return nil, err
		}
		d.lanes[c] = l
	}
	return d, nil
}

func (d *delay) specs() []paramSpec {
	return []paramSpec{
		{name: "time", unit: "s", min: 0.001, max: 2, def: 0.25},
		{name: "feedback", min: 0, max: 0.99, def: 0.35},
		{name: "mix", min: 0, max: 1, def: 0.25},
	}
}

func (d *delay) set(idx int, v float64) error {
	for _, l := range d.lanes {
		var err error
		switch idx {
		case 0:
			err = l.SetTime(v)
		case 1:
			err = l.SetFeedback(v)
		case 2:
			err = l.SetMix(v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *delay) beginBlock()                   {}
func (d *delay) process(ch int, buf []float64) { d.lanes[ch].ProcessInPlace(buf) }
func (d *delay) latency() uint32               { return 0 }

func (d *delay) reset() {
	for _, l := range d.lanes {
		l.Reset()
	}
}

// distortion

type distortion struct{ lanes []*effects.Distortion }

func newDistortion(sampleRate float64, channels int) (effect, error) {
	d := &distortion{lanes: make([]*effects.Distortion, channels)}
	for c := range d.lanes {
		l, err := effects.NewDistortion(sampleRate, effects.WithDistortionMode(effects.DistortionModeTanh))
		if err != nil {
			return nil, err
		}
		d.lanes[c] = l
	}
	return d, nil
}

func (d *distortion) specs() []paramSpec {
	return []paramSpec{
		{name: "drive", min: 0.01, max: 20, def: 1},
		{name: "mix", min: 0, max: 1, def: 1},
	}
}

func (d *distortion) set(idx int, v float64) error {
	for _, l := range d.lanes {
		var err error
		if idx == 0 {
			err = l.SetDrive(v)
		} else {
			err = l.SetMix(v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *distortion) beginBlock()                   {}
func (d *distortion) process(ch int, buf []float64) { d.lanes[ch].ProcessInPlace(buf) }
func (d *distortion) latency() uint32               { return 0 }

func (d *distortion) reset() {
	for _, l := range d.lanes {
		l.Reset()
	}
}

// tremolo

type tremoloLane interface {
	SetRateHz(hz float64) error
	SetDepth(depth float64) error
	SetMix(mix float64) error
	ProcessInPlace(buf []float64) error
	Reset()
}

type tremolo struct{ lanes []tremoloLane }

func newTremolo(sampleRate float64, channels int) (effect, error) {
	t := &tremolo{lanes: make([]tremoloLane, channels)}
	for c := range t.lanes {
		l, err := effects.NewTremolo(sampleRate)
		if err != nil {
			return nil, err
		}
		t.lanes[c] = l
	}
	return t, nil
}

func (t *tremolo) specs() []paramSpec {
	return []paramSpec{
		{name: "rate", unit: "Hz", min: 0.1, max: 20, def: 4},
		{name: "depth", min: 0, max: 1, def: 0.6},
		{name: "mix", min: 0, max: 1, def: 1},
	}
}

func (t *tremolo) set(idx int, v float64) error {
	for _, l := range t.lanes {
		var err error
		switch idx {
		case 0:
			err = l.SetRateHz(v)
		case 1:
			err = l.SetDepth(v)
		case 2:
			err = l.SetMix(v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *tremolo) beginBlock()     {}
func (t *tremolo) latency() uint32 { return 0 }

// process leaves the lane silent if the modulator rejects the buffer;
// its partial output is not trustworthy.
func (t *tremolo) process(ch int, buf []float64) {
	if err := t.lanes[ch].ProcessInPlace(buf); err != nil {
		clear(buf)
	}
}

func (t *tremolo) reset() {
	for _, l := range t.lanes {
		l.Reset()
	}
}

// latency delays the signal by a whole number of samples and reports it.

const maxLatencySamples = 16384

type latencyLine struct {
	samples int
	lines   [][]float64
	pos     []int
}

func newLatency(_ float64, channels int) (effect, error) {
	l := &latencyLine{lines: make([][]float64, channels), pos: make([]int, channels)}
	for c := range l.lines {
		l.lines[c] = make([]float64, maxLatencySamples+1)
	}
	return l, nil
}

func (l *latencyLine) specs() []paramSpec {
	return []paramSpec{{name: "samples", unit: "smp", min: 0, max: maxLatencySamples, def: 0, steps: maxLatencySamples}}
}

func (l *latencyLine) set(_ int, v float64) error {
	l.samples = int(math.Round(v))
	return nil
}

func (l *latencyLine) beginBlock() {}

func (l *latencyLine) process(ch int, buf []float64) {
	if l.samples == 0 {
		return
	}
	line, size := l.lines[ch], len(l.lines[ch])
	p := l.pos[ch]
	for i, s := range buf {
		read := p - l.samples
		if read < 0 {
			read += size
		}
		line[p] = s
		buf[i] = line[read]
		if p++; p == size {
			p = 0
		}
	}
	l.pos[ch] = p
}

func (l *latencyLine) latency() uint32 { return uint32(l.samples) }

func (l *latencyLine) reset() {
	for c := range l.lines {
		clear(l.lines[c])
		l.pos[c] = 0
	}
}

// sleep stalls every block; used to exercise host-side timeouts.

type sleep struct{ d time.Duration }

func newSleep(float64, int) (effect, error) { return &sleep{}, nil }

func (s *sleep) specs() []paramSpec {
	return []paramSpec{{name: "ms", unit: "ms", min: 0, max: 5000, def: 0}}
}

func (s *sleep) set(_ int, v float64) error {
	s.d = time.Duration(v * float64(time.Millisecond))
	return nil
}

func (s *sleep) beginBlock() {
	if s.d > 0 {
		time.Sleep(s.d)
	}
}

func (s *sleep) process(int, []float64) {}
func (s *sleep) latency() uint32        { return 0 }
func (s *sleep) reset()                 {}

// abort panics inside plugin code after a number of blocks.

type abort struct {
	after  int
	blocks int
}

func newAbort(float64, int) (effect, error) { return &abort{}, nil }

func (a *abort) specs() []paramSpec {
	return []paramSpec{{name: "after_blocks", min: 0, max: 1e6, def: 0, steps: 1e6}}
}

func (a *abort) set(_ int, v float64) error {
	a.after = int(v)
	return nil
}

func (a *abort) beginBlock() {
	a.blocks++
	if a.blocks > a.after {
		panic(fmt.Sprintf("abort effect triggered at block %d", a.blocks))
	}
}

func (a *abort) process(int, []float64) {}
func (a *abort) latency() uint32        { return 0 }
func (a *abort) reset()                 { a.blocks = 0 }

// exit terminates the process without notice after a number of blocks.

type exit struct{ abort }

func newExit(float64, int) (effect, error) { return &exit{}, nil }

func (e *exit) beginBlock() {
	e.blocks++
	if e.blocks > e.after {
		os.Exit(ExitCodeEffect)
	}
}

func specInfo(id uint32, prefix string, s paramSpec) types.ParameterInfo {
	return types.ParameterInfo{
		ID:        id,
		Name:      prefix + s.name,
		Unit:      s.unit,
		Min:       s.min,
		Max:       s.max,
		Default:   s.def,
		StepCount: s.steps,
		Flags:     types.ParameterFlags{Automatable: true},
	}
}

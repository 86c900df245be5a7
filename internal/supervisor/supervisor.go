package supervisor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"plugbridge/internal/lifecycle"
)

const DefaultPollInterval = 100 * time.Millisecond

// Config tunes a Supervisor.
type Config struct {
	InstanceID   string
	PollInterval time.Duration
	Logger       *zerolog.Logger
	Publisher    EventPublisher
}

// Supervisor watches one child on a ticker and moves the instance's stage
// to Crashed (or Failed while loading) when the child goes away without
// being asked to.
type Supervisor struct {
	proc    *Process
	tracker *lifecycle.Tracker
	id      string
	poll    time.Duration
	log     zerolog.Logger
	pub     EventPublisher

	expected atomic.Bool
	crashes  atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func New(proc *Process, tracker *lifecycle.Tracker, cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Supervisor{
		proc:    proc,
		tracker: tracker,
		id:      cfg.InstanceID,
		poll:    cfg.PollInterval,
		log:     logger.With().Str("component", "supervisor").Str("instance", cfg.InstanceID).Logger(),
		pub:     OrNoop(cfg.Publisher),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins liveness polling. Calling it again has no effect.
func (s *Supervisor) Start() {
	s.startOnce.Do(func() { go s.run() })
}

// Stop ends polling and waits for the poller to return. Safe to call
// without Start and more than once.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	started := true
	s.startOnce.Do(func() { started = false; close(s.done) })
	if started {
		<-s.done
	}
}

// ExpectExit marks the coming exit as requested, so it is not reported as
// a crash.
func (s *Supervisor) ExpectExit() { s.expected.Store(true) }

// Crashes is the number of crash reports this supervisor committed.
func (s *Supervisor) Crashes() uint64 { return s.crashes.Load() }

// ReportCrash records a failure noticed outside the exit poll: a lost
// control connection or an unsolicited Crashed frame. It is ignored once
// the exit was expected.
func (s *Supervisor) ReportCrash(source, reason string) {
	if s.expected.Load() {
		return
	}
	s.commit(source, reason)
}

func (s *Supervisor) run() {
	defer close(s.done)
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if !s.proc.Exited() {
				continue
			}
			if s.expected.Load() {
				s.log.Info().Str("event", "exit").Int("pid", s.proc.PID()).Int("code", s.proc.ExitCode()).Msg("plugin server exited")
				s.pub.Publish(Event{Name: "exit", InstanceID: s.id, Fields: map[string]any{"pid": s.proc.PID(), "code": s.proc.ExitCode()}})
				return
			}
			s.commit("exit", s.proc.Describe())
			return
		}
	}
}

func (s *Supervisor) commit(source, reason string) {
	from := s.tracker.Stage()
	to := s.tracker.Crash(reason)
	if from.Terminal() {
		return
	}
	s.crashes.Inc()
	s.log.Error().Str("event", "crashed").Str("source", source).Int("pid", s.proc.PID()).
		Str("from", from.String()).Str("to", to.String()).Str("reason", reason).Msg("plugin server lost")
	s.pub.Publish(Event{Name: "crashed", InstanceID: s.id, Fields: map[string]any{
		"pid":    s.proc.PID(),
		"source": source,
		"stage":  to.String(),
		"reason": reason,
	}})
}

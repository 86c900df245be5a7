// Package supervisor spawns the isolated plugin-server process and watches
// its liveness off the audio path.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"plugbridge/internal/common/fsutil"
	"plugbridge/internal/lifecycle"
)

const (
	// StderrTailSize is how much of the child's stderr is kept for diagnostics.
	StderrTailSize       = 4096
	DefaultShutdownGrace = 2 * time.Second
)

// SpawnConfig describes the child to start.
type SpawnConfig struct {
	// Binary is the plugin-server executable: a path, or a bare name looked
	// up next to the running executable and then on PATH.
	Binary string
	// Address is passed as the only argument.
	Address    string
	InstanceID string
	// Env is appended to the inherited environment.
	Env []string
	// Stderr, when set, also receives the child's stderr.
	Stderr    io.Writer
	Logger    *zerolog.Logger
	Publisher EventPublisher
}

// Process is a running (or exited) plugin-server child.
type Process struct {
	cmd  *exec.Cmd
	pid  int
	id   string
	tail *tailBuffer
	log  zerolog.Logger
	pub  EventPublisher

	done    chan struct{}
	exitErr error

	termOnce sync.Once
	termErr  error
}

// Spawn starts the child. A failure to start is a ConnectionFailed error
// and is never retried.
func Spawn(cfg SpawnConfig) (*Process, error) {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	pub := OrNoop(cfg.Publisher)
	bin, err := fsutil.FindExecutable(cfg.Binary)
	if err != nil {
		pub.Publish(Event{Name: "spawn_failed", InstanceID: cfg.InstanceID, Fields: map[string]any{"error": err.Error()}})
		return nil, lifecycle.ErrConnectionFailed("spawn", err)
	}

	cmd := exec.Command(bin, cfg.Address)
	cmd.Env = append(os.Environ(), cfg.Env...)
	isolate(cmd)
	tail := newTailBuffer(StderrTailSize)
	cmd.Stderr = tail
	if cfg.Stderr != nil {
		cmd.Stderr = io.MultiWriter(tail, cfg.Stderr)
	}
	if err := cmd.Start(); err != nil {
		pub.Publish(Event{Name: "spawn_failed", InstanceID: cfg.InstanceID, Fields: map[string]any{"error": err.Error()}})
		return nil, lifecycle.ErrConnectionFailed("spawn", fmt.Errorf("start %s: %w", bin, err))
	}

	p := &Process{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		id:   cfg.InstanceID,
		tail: tail,
		log:  logger.With().Str("component", "supervisor").Str("instance", cfg.InstanceID).Logger(),
		pub:  pub,
		done: make(chan struct{}),
	}
	go func() {
		p.exitErr = cmd.Wait()
		close(p.done)
	}()
	p.log.Info().Str("event", "spawn_start").Int("pid", p.pid).Str("bin", bin).Str("addr", cfg.Address).Msg("plugin server started")
	pub.Publish(Event{Name: "spawn_start", InstanceID: cfg.InstanceID, Fields: map[string]any{"pid": p.pid, "addr": cfg.Address}})
	return p, nil
}

func (p *Process) PID() int { return p.pid }

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports, without blocking, whether the child is gone.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr is the result of waiting for the child. Only valid after Done.
func (p *Process) ExitErr() error {
	<-p.done
	return p.exitErr
}

// ExitCode is the child's exit status, or -1 while it runs or when it was
// killed by a signal.
func (p *Process) ExitCode() int {
	if !p.Exited() || p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// StderrTail returns the last StderrTailSize bytes the child wrote to stderr.
func (p *Process) StderrTail() string { return p.tail.String() }

// Describe summarizes how the child ended, for crash reasons.
func (p *Process) Describe() string {
	if !p.Exited() {
		return fmt.Sprintf("pid %d still running", p.pid)
	}
	var s string
	var ee *exec.ExitError
	switch err := p.exitErr; {
	case err == nil:
		s = fmt.Sprintf("pid %d exited cleanly", p.pid)
	case errors.As(err, &ee):
		s = fmt.Sprintf("pid %d %s", p.pid, ee.ProcessState.String())
	default:
		s = fmt.Sprintf("pid %d: %v", p.pid, err)
	}
	if t := p.StderrTail(); t != "" {
		s += "; stderr tail: " + t
	}
	return s
}

// Terminate asks the child to exit with SIGTERM and kills it if it is still
// alive after grace. It returns once the child is reaped. Safe to call more
// than once.
func (p *Process) Terminate(grace time.Duration) error {
	p.termOnce.Do(func() {
		if p.Exited() {
			return
		}
		if grace <= 0 {
			grace = DefaultShutdownGrace
		}
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
		case <-time.After(grace):
			p.log.Warn().Str("event", "kill").Int("pid", p.pid).Dur("grace", grace).Msg("plugin server ignored SIGTERM")
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.termErr = lifecycle.ErrIpc("kill", err)
			}
			<-p.done
		}
		p.log.Info().Str("event", "spawn_stop").Int("pid", p.pid).Int("code", p.ExitCode()).Msg("plugin server stopped")
		p.pub.Publish(Event{Name: "spawn_stop", InstanceID: p.id, Fields: map[string]any{"pid": p.pid}})
	})
	return p.termErr
}

// Kill ends the child immediately without waiting.
func (p *Process) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer { return &tailBuffer{limit: limit} }

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

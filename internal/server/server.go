// Package server implements the plugin-server process: it accepts a single
// host connection, loads the requested plugin and renders the blocks the
// host publishes through the shared-memory region.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"plugbridge/internal/lifecycle"
	"plugbridge/internal/plugin"
	"plugbridge/internal/protocol"
	"plugbridge/internal/shm"
	"plugbridge/pkg/types"
)

const (
	DefaultStallTimeout  = 250 * time.Millisecond
	DefaultAcceptTimeout = 10 * time.Second
	DefaultMaxEvents     = 256
	// ExitCodeFault is the exit status after plugin code faulted.
	ExitCodeFault = 3
)

// Config configures a Server. Zero values select the package defaults.
type Config struct {
	// Address is the unix socket path the host dials.
	Address string
	// StallTimeout caps one wait for the next request; the audio loop
	// re-checks for shutdown and remaps in between.
	StallTimeout   time.Duration
	AcceptTimeout  time.Duration
	SpinIterations int
	Registry       *plugin.Registry
	Logger         *zerolog.Logger
	// Terminate ends the process after a plugin fault. Defaults to os.Exit.
	Terminate func(code int)
}

func (c Config) withDefaults() Config {
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = DefaultAcceptTimeout
	}
	if c.Registry == nil {
		c.Registry = plugin.DefaultRegistry()
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Terminate == nil {
		c.Terminate = os.Exit
	}
	return c
}

// Stats are the audio loop counters.
type Stats struct {
	Blocks  uint64
	Stalls  uint64
	Dropped uint64
}

type remap struct {
	ep       *shm.ServerEndpoint
	maxBlock int
}

// Server hosts one plugin instance for one host connection.
type Server struct {
	cfg  Config
	log  zerolog.Logger
	conn *protocol.Conn
	g    *errgroup.Group

	// instMu serializes control-path calls into the instance with Process.
	instMu    sync.Mutex
	inst      plugin.Instance
	adapter   *Adapter
	setup     plugin.Setup
	path      string
	closeOnce sync.Once

	ep       atomic.Pointer[shm.ServerEndpoint]
	remaps   chan remap
	remapped chan error
	stop     atomic.Bool
	loopDone chan struct{}

	blocks  atomic.Uint64
	stalls  atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "server").Logger(),
		remaps:   make(chan remap, 1),
		remapped: make(chan error, 1),
	}
}

func (s *Server) Stats() Stats {
	return Stats{Blocks: s.blocks.Load(), Stalls: s.stalls.Load(), Dropped: s.dropped.Load()}
}

// Run listens on the configured address, serves exactly one host
// connection and returns once the host shut the server down or went away.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Address == "" {
		return lifecycle.ErrConnectionFailed("listen", errors.New("empty control address"))
	}
	_ = os.Remove(s.cfg.Address)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", s.cfg.Address)
	if err != nil {
		return lifecycle.ErrConnectionFailed("listen", err)
	}
	s.log.Info().Str("event", "listen").Str("addr", s.cfg.Address).Int("pid", os.Getpid()).Msg("waiting for host")
	nc, err := acceptOne(ctx, ln, s.cfg.AcceptTimeout)
	_ = ln.Close()
	if err != nil {
		return err
	}
	return s.Serve(ctx, protocol.NewConn(nc))
}

func acceptOne(ctx context.Context, ln net.Listener, d time.Duration) (net.Conn, error) {
	type accepted struct {
		c   net.Conn
		err error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		ch <- accepted{c, err}
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case a := <-ch:
		if a.err != nil {
			return nil, lifecycle.ErrConnectionFailed("accept", a.err)
		}
		return a.c, nil
	case <-t.C:
		_ = ln.Close()
		return nil, lifecycle.ErrTimeout("accept", d)
	case <-ctx.Done():
		_ = ln.Close()
		return nil, ctx.Err()
	}
}

// Serve runs the control loop on conn and, once a region is mapped, the
// audio loop. It returns nil after Shutdown or a host disconnect.
func (s *Server) Serve(ctx context.Context, conn *protocol.Conn) error {
	s.conn = conn
	g, gctx := errgroup.WithContext(ctx)
	s.g = g
	stopClose := context.AfterFunc(gctx, func() { _ = conn.Close() })
	defer stopClose()
	g.Go(func() error { return s.control(gctx) })
	err := g.Wait()
	_ = conn.Close()
	if ep := s.ep.Load(); ep != nil {
		_ = ep.Region().Close()
	}
	s.closeInstance()
	st := s.Stats()
	s.log.Info().Str("event", "exit").Uint64("blocks", st.Blocks).Uint64("stalls", st.Stalls).
		Uint64("dropped", st.Dropped).Err(err).Msg("server done")
	return err
}

func (s *Server) control(ctx context.Context) error {
	for {
		f, err := s.conn.Recv()
		if err != nil {
			s.stopAudio()
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				s.log.Info().Str("event", "disconnect").Msg("control connection closed")
				return nil
			}
			return err
		}
		done, err := s.handle(f)
		if err != nil || done {
			s.stopAudio()
			return err
		}
	}
}

// handle answers one control frame. Failures the host should see are sent
// as Error frames; only a broken connection ends the loop with an error.
func (s *Server) handle(f protocol.Frame) (bool, error) {
	switch f.Kind {
	case protocol.KindHandshake:
		var h protocol.Handshake
		if err := f.Decode(&h); err != nil {
			return false, s.conn.SendError(err)
		}
		return false, s.onHandshake(h)
	case protocol.KindMapRegion:
		var m protocol.MapRegion
		if err := f.Decode(&m); err != nil {
			return false, s.conn.SendError(err)
		}
		return false, s.onMapRegion(m)
	case protocol.KindParameterQuery:
		if s.inst == nil {
			return false, s.notLoaded(f.Kind)
		}
		return false, s.conn.Send(protocol.KindParameterInfoList, protocol.ParameterInfoList{Parameters: s.inst.Parameters()})
	case protocol.KindGetParameter:
		if s.inst == nil {
			return false, s.notLoaded(f.Kind)
		}
		var q protocol.GetParameter
		if err := f.Decode(&q); err != nil {
			return false, s.conn.SendError(err)
		}
		s.instMu.Lock()
		v, err := s.inst.GetParameter(q.ID)
		s.instMu.Unlock()
		if err != nil {
			return false, s.conn.SendError(lifecycle.ErrProtocol(err.Error()))
		}
		return false, s.conn.Send(protocol.KindParameterValue, protocol.ParameterValue{ID: q.ID, Value: v})
	case protocol.KindReset:
		if s.inst == nil {
			return false, s.notLoaded(f.Kind)
		}
		s.instMu.Lock()
		s.inst.Reset()
		s.instMu.Unlock()
		return false, s.conn.Send(protocol.KindResetAck, nil)
	case protocol.KindSetSampleRate:
		if s.inst == nil {
			return false, s.notLoaded(f.Kind)
		}
		var r protocol.SetSampleRate
		if err := f.Decode(&r); err != nil {
			return false, s.conn.SendError(err)
		}
		return false, s.onSetSampleRate(r.SampleRate)
	case protocol.KindShutdown:
		s.log.Info().Str("event", "shutdown").Msg("shutdown requested")
		s.stopAudio()
		s.closeInstance()
		return true, s.conn.Send(protocol.KindShutdownAck, nil)
	default:
		return false, s.conn.SendError(lifecycle.ErrProtocol(fmt.Sprintf("unexpected %s frame", f.Kind)))
	}
}

func (s *Server) notLoaded(k protocol.Kind) error {
	return s.conn.SendError(lifecycle.ErrProtocol(fmt.Sprintf("%s before handshake", k)))
}

func (s *Server) onHandshake(h protocol.Handshake) error {
	if s.inst != nil {
		return s.conn.SendError(lifecycle.ErrProtocol("plugin already loaded"))
	}
	if h.SampleRate <= 0 || h.MaxBlockSize <= 0 {
		return s.conn.SendError(lifecycle.ErrProtocol(fmt.Sprintf(
			"invalid handshake: sample rate %g, max block %d", h.SampleRate, h.MaxBlockSize)))
	}
	if h.MaxEvents <= 0 {
		h.MaxEvents = DefaultMaxEvents
	}
	setup := plugin.Setup{
		SampleRate:   h.SampleRate,
		MaxBlockSize: h.MaxBlockSize,
		MaxEvents:    h.MaxEvents,
		Layout:       h.ChannelLayout,
	}
	start := time.Now()
	inst, err := s.load(h.PluginPath, setup)
	if err != nil {
		s.log.Warn().Str("event", "load_failed").Str("path", h.PluginPath).Err(err).Msg("plugin load failed")
		return s.conn.SendError(err)
	}
	s.inst, s.adapter, s.setup, s.path = inst, NewAdapter(inst), setup, h.PluginPath
	meta := inst.Metadata()
	s.log.Info().Str("event", "loaded").Str("path", h.PluginPath).Str("plugin", meta.ID).
		Str("format", meta.Format).Dur("took", time.Since(start)).Msg("plugin loaded")
	return s.conn.Send(protocol.KindHandshakeAck, protocol.HandshakeAck{
		Metadata:   meta,
		AudioIO:    inst.AudioIO(),
		Parameters: inst.Parameters(),
	})
}

func (s *Server) onSetSampleRate(rate float64) error {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return s.conn.SendError(lifecycle.ErrProtocol(fmt.Sprintf("invalid sample rate %g", rate)))
	}
	sr, ok := s.inst.(plugin.SampleRateSetter)
	if !ok {
		return s.conn.SendError(lifecycle.ErrProtocol("plugin cannot change its sample rate"))
	}
	s.instMu.Lock()
	err := sr.SetSampleRate(rate)
	if err == nil {
		s.setup.SampleRate = rate
	}
	latency := s.inst.Latency()
	s.instMu.Unlock()
	if err != nil {
		return s.conn.SendError(lifecycle.ErrProtocol(fmt.Sprintf("set sample rate %g: %v", rate, err)))
	}
	s.log.Info().Str("event", "sample_rate").Float64("sample_rate", rate).Msg("sample rate changed")
	return s.conn.Send(protocol.KindSampleRateSet, protocol.SetSampleRate{SampleRate: rate, LatencySamples: latency})
}

// load opens path, turning a panic in plugin code into a load failure.
func (s *Server) load(path string, setup plugin.Setup) (inst plugin.Instance, err error) {
	defer func() {
		if v := recover(); v != nil {
			inst, err = nil, lifecycle.ErrLoadFailed(path, fmt.Sprintf("plugin panicked during load: %v", v))
		}
	}()
	return s.cfg.Registry.Open(path, setup)
}

func (s *Server) onMapRegion(m protocol.MapRegion) error {
	if s.inst == nil {
		return s.notLoaded(protocol.KindMapRegion)
	}
	if m.MaxBlockSize <= 0 {
		return s.conn.SendError(lifecycle.ErrProtocol(fmt.Sprintf("invalid max block size %d", m.MaxBlockSize)))
	}
	r, err := shm.Open(m.Name, m.Dir)
	if err != nil {
		return s.conn.SendError(err)
	}
	lanes := s.adapter.io
	need := shm.PayloadSize(m.MaxBlockSize, max(lanes.Inputs, lanes.Outputs), s.setup.MaxEvents)
	switch {
	case r.Generation() != m.Generation:
		err = lifecycle.ErrSharedMemory("map", fmt.Errorf("region generation %d, expected %d", r.Generation(), m.Generation))
	case r.Layout().SlotSize < need:
		err = lifecycle.ErrSharedMemory("map", fmt.Errorf("slot size %d below the %d bytes a block needs", r.Layout().SlotSize, need))
	case m.MaxBlockSize > s.setup.MaxBlockSize:
		err = s.growBlock(m.MaxBlockSize)
	}
	if err != nil {
		_ = r.Close()
		return s.conn.SendError(err)
	}

	ep := shm.NewServerEndpoint(r, s.cfg.SpinIterations)
	if old := s.ep.Load(); old == nil {
		s.ep.Store(ep)
		s.startAudio(m.MaxBlockSize)
	} else {
		s.remaps <- remap{ep: ep, maxBlock: m.MaxBlockSize}
		old.Interrupt()
		select {
		case err = <-s.remapped:
		case <-s.loopDone:
			err = lifecycle.ErrProcessCrashed("audio loop stopped")
		}
		if err != nil {
			return s.conn.SendError(err)
		}
	}
	s.log.Info().Str("event", "region_mapped").Str("region", m.Name).Uint64("generation", m.Generation).
		Int("slots", r.Layout().SlotCount).Int("max_block", m.MaxBlockSize).Msg("region mapped")
	return s.conn.Send(protocol.KindRegionMapped, protocol.RegionMapped{Generation: m.Generation})
}

func (s *Server) growBlock(n int) error {
	br, ok := s.inst.(plugin.BlockResizer)
	if !ok {
		return lifecycle.ErrLoadFailed(s.path, fmt.Sprintf("plugin cannot raise its maximum block size to %d", n))
	}
	s.instMu.Lock()
	err := br.SetMaxBlockSize(n)
	s.instMu.Unlock()
	if err != nil {
		return lifecycle.ErrLoadFailed(s.path, err.Error())
	}
	s.setup.MaxBlockSize = n
	return nil
}

func (s *Server) startAudio(maxBlock int) {
	s.loopDone = make(chan struct{})
	s.g.Go(func() error { return s.audioLoop(maxBlock) })
}

func (s *Server) stopAudio() {
	if s.loopDone == nil {
		return
	}
	s.stop.Store(true)
	if ep := s.ep.Load(); ep != nil {
		ep.Interrupt()
	}
	<-s.loopDone
}

func (s *Server) closeInstance() {
	s.closeOnce.Do(func() {
		if s.inst == nil {
			return
		}
		s.instMu.Lock()
		defer s.instMu.Unlock()
		if err := s.inst.Close(); err != nil {
			s.log.Warn().Err(err).Msg("plugin close failed")
		}
	})
}

// audioLoop renders blocks until stopped. It owns the request context and
// output buffers; the control goroutine only swaps endpoints through remaps.
func (s *Server) audioLoop(maxBlock int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.loopDone)

	lanes := s.adapter.io
	pc := types.NewProcessContext(s.setup.Layout.Inputs, maxBlock, s.setup.MaxEvents)
	out := types.NewProcessOutput(lanes.Outputs, maxBlock, s.setup.MaxEvents)
	ep := s.ep.Load()
	stalled := 0
	for !s.stop.Load() {
		select {
		case r := <-s.remaps:
			old := ep
			ep = r.ep
			s.ep.Store(ep)
			if r.maxBlock > maxBlock {
				maxBlock = r.maxBlock
				pc = types.NewProcessContext(s.setup.Layout.Inputs, maxBlock, s.setup.MaxEvents)
				out = types.NewProcessOutput(lanes.Outputs, maxBlock, s.setup.MaxEvents)
			}
			s.remapped <- old.Region().Close()
		default:
		}

		seq, err := ep.NextRequest(s.cfg.StallTimeout, pc)
		switch {
		case errors.Is(err, shm.ErrTimedOut):
			stalled++
			s.stalls.Inc()
			if stalled == 1 || stalled%40 == 0 {
				s.log.Debug().Str("event", "stall").Int("consecutive", stalled).Msg("no request within stall timeout")
			}
			continue
		case errors.Is(err, shm.ErrInterrupted):
			continue
		case errors.Is(err, shm.ErrCorrupt):
			s.log.Error().Str("event", "corrupt_region").Err(err).Msg("request ring is inconsistent")
			return lifecycle.ErrSharedMemory("next request", err)
		case err != nil:
			s.dropped.Inc()
			s.log.Warn().Str("event", "bad_request").Uint64("seq", seq).Err(err).Msg("dropping undecodable request")
			continue
		}
		stalled = 0

		s.instMu.Lock()
		err = s.adapter.Process(pc, out)
		s.instMu.Unlock()
		if err != nil {
			var pe *PanicError
			if errors.As(err, &pe) {
				return s.fault(pe)
			}
			s.log.Warn().Str("event", "process_error").Uint64("seq", seq).Err(err).Msg("block rendered as silence")
			silence(out, pc.NumSamples)
		}
		if err := ep.PublishResult(seq, out, pc.NumSamples); err != nil {
			s.dropped.Inc()
			s.log.Debug().Str("event", "result_dropped").Uint64("seq", seq).Err(err).Msg("result ring full")
		}
		s.blocks.Inc()
	}
	return nil
}

// fault reports a plugin panic to the host and ends the process.
func (s *Server) fault(pe *PanicError) error {
	reason := fmt.Sprint(pe.Value)
	s.log.Error().Str("event", "plugin_fault").Str("reason", reason).Str("stack", string(pe.Stack)).Msg("plugin faulted")
	if err := s.conn.Send(protocol.KindCrashed, protocol.Crashed{Reason: reason}); err != nil {
		s.log.Warn().Err(err).Msg("crash notice not delivered")
	}
	s.cfg.Terminate(ExitCodeFault)
	return pe
}

func silence(out *types.ProcessOutput, n int) {
	out.Reset()
	for c := range out.Outputs {
		out.Outputs[c] = out.Outputs[c][:n]
		clear(out.Outputs[c])
	}
}

// Package client is the host side of the bridge. Load spawns the isolated
// plugin server, performs the handshake and maps the shared-memory region;
// the returned Client exposes the real-time façade used by the audio graph.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"plugbridge/internal/lifecycle"
	"plugbridge/internal/protocol"
	"plugbridge/internal/shm"
	"plugbridge/internal/supervisor"
	"plugbridge/pkg/types"
)

// rtState is everything the audio thread touches for one region
// generation. It is swapped as a whole by Resize and Shutdown.
type rtState struct {
	region   *shm.Region
	ep       *shm.ClientEndpoint
	pc       *types.ProcessContext
	out      *types.ProcessOutput
	maxBlock int
	users    atomic.Int32
}

// Client is one bridged plugin instance.
type Client struct {
	cfg  Config
	id   string
	path string
	log  zerolog.Logger
	pub  supervisor.EventPublisher

	tracker *lifecycle.Tracker
	proc    *supervisor.Process
	sup     *supervisor.Supervisor
	conn    *protocol.Conn

	// ctlMu allows one outstanding control request at a time.
	ctlMu      sync.Mutex
	replies    chan protocol.Frame
	readerDone chan struct{}
	closing    atomic.Bool

	mu     sync.RWMutex
	meta   types.PluginMetadata
	lanes  types.AudioIO
	params []types.ParameterInfo
	gen    uint64

	rt        atomic.Pointer[rtState]
	latency   atomic.Uint32
	staleBase atomic.Uint64
	rate      atomic.Float64

	midiIn    *ring[types.MidiEvent]
	paramIn   *ring[types.ParamChange]
	exprIn    *ring[types.NoteExpression]
	midiOut   *ring[types.MidiEvent]
	paramOut  *ring[types.ParamChange]
	transport *transportBuffer

	stats counters
	// consecutive silenced blocks; audio thread only.
	consecutive uint64

	shutdownOnce sync.Once
	shutdownErr  error
}

// Load brings up a bridged instance of the plugin at pluginPath. It returns
// once the instance is Ready; on failure everything started so far is torn
// down and the error carries the failing stage's kind.
func Load(ctx context.Context, pluginPath string, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("client config: %w", err)
	}
	if cfg.Address == "" {
		cfg.Address = newAddress()
	}
	c := newClient(pluginPath, cfg)
	if err := c.load(ctx); err != nil {
		c.tracker.Fail(err)
		_ = c.teardown()
		return nil, err
	}
	return c, nil
}

func newClient(path string, cfg Config) *Client {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	c := &Client{
		cfg:       cfg,
		id:        uuid.NewString(),
		path:      path,
		pub:       supervisor.OrNoop(cfg.Publisher),
		replies:   make(chan protocol.Frame, 1),
		transport: newTransportBuffer(types.DefaultTransport()),
	}
	c.log = logger.With().Str("component", "client").Str("instance", c.id).Logger()
	c.midiIn = newRing[types.MidiEvent](cfg.QueueCapacity, &c.stats.overflows)
	c.paramIn = newRing[types.ParamChange](cfg.QueueCapacity, &c.stats.overflows)
	c.exprIn = newRing[types.NoteExpression](cfg.QueueCapacity, &c.stats.overflows)
	c.midiOut = newRing[types.MidiEvent](cfg.QueueCapacity, &c.stats.overflows)
	c.paramOut = newRing[types.ParamChange](cfg.QueueCapacity, &c.stats.overflows)
	c.rate.Store(cfg.SampleRate)
	c.tracker = lifecycle.NewTracker(c.onStage)
	return c
}

func (c *Client) onStage(from, to lifecycle.Stage, reason error) {
	ev := c.log.Info()
	if reason != nil {
		ev = c.log.Warn().Err(reason)
	}
	ev.Str("event", "stage").Str("from", from.String()).Str("to", to.String()).Msg("stage change")
	fields := map[string]any{"from": from.String(), "to": to.String(), "path": c.path}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	c.pub.Publish(supervisor.Event{Name: "stage", InstanceID: c.id, Fields: fields})
}

func (c *Client) load(ctx context.Context) error {
	start := time.Now()
	if err := c.advance(lifecycle.Spawning); err != nil {
		return err
	}
	proc, err := supervisor.Spawn(supervisor.SpawnConfig{
		Binary:     c.cfg.ServerBinary,
		Address:    c.cfg.Address,
		InstanceID: c.id,
		Env:        c.serverEnv(),
		Stderr:     c.cfg.ServerStderr,
		Logger:     c.cfg.Logger,
		Publisher:  c.pub,
	})
	if err != nil {
		return err
	}
	c.proc = proc
	c.sup = supervisor.New(proc, c.tracker, supervisor.Config{
		InstanceID:   c.id,
		PollInterval: c.cfg.PollInterval,
		Logger:       c.cfg.Logger,
		Publisher:    c.pub,
	})
	c.sup.Start()

	if err := c.advance(lifecycle.Connecting); err != nil {
		return err
	}
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if c.conn, err = c.dial(hctx); err != nil {
		return c.failure(err)
	}

	if err := c.bringUp(hctx); err != nil {
		return err
	}
	took := time.Since(start)
	c.log.Info().Str("event", "ready").Str("path", c.path).Str("plugin", c.meta.ID).Int("pid", proc.PID()).
		Dur("took", took).Msg("plugin bridged")
	c.pub.Publish(supervisor.Event{Name: "ready", InstanceID: c.id, Fields: map[string]any{
		"path": c.path, "plugin": c.meta.ID, "pid": proc.PID(), "took": took,
	}})
	return nil
}

// bringUp loads the plugin over an established control connection and
// maps the first region.
func (c *Client) bringUp(ctx context.Context) error {
	if err := c.advance(lifecycle.Loading); err != nil {
		return err
	}
	if err := c.handshake(ctx); err != nil {
		return c.failure(err)
	}
	rt, err := c.mapRegion(ctx, c.cfg.MaxBlockSize, 1)
	if err != nil {
		return c.failure(err)
	}
	c.gen = 1
	c.rt.Store(rt)
	c.readerDone = make(chan struct{})
	go c.readLoop()
	return c.advance(lifecycle.Ready)
}

// advance moves the tracker on, surfacing the supervisor's verdict when
// the server died in between.
func (c *Client) advance(to lifecycle.Stage) error {
	if err := c.tracker.Advance(to); err != nil {
		if r := c.tracker.Reason(); r != nil {
			return r
		}
		return err
	}
	return nil
}

// failure prefers the supervisor's crash report over the secondary IPC
// error it caused.
func (c *Client) failure(err error) error {
	if (lifecycle.IsIpc(err) || lifecycle.IsTimeout(err)) && c.proc != nil {
		select {
		case <-c.proc.Done():
			return lifecycle.ErrProcessCrashed(c.proc.Describe())
		case <-time.After(c.cfg.PollInterval):
		}
	}
	return err
}

func (c *Client) serverEnv() []string {
	env := []string{
		protocol.EnvStallTimeout + "=" + c.cfg.ServerStallTimeout.String(),
		fmt.Sprintf("%s=%d", protocol.EnvSpinIterations, c.cfg.SpinIterations),
	}
	if c.cfg.Logger != nil {
		env = append(env, protocol.EnvLogLevel+"="+c.cfg.Logger.GetLevel().String())
	}
	return append(env, c.cfg.ServerEnv...)
}

// dial connects to the server's control socket, retrying with exponential
// backoff until ctx expires or the server exits.
func (c *Client) dial(ctx context.Context) (*protocol.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()

	var conn *protocol.Conn
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		if c.proc.Exited() {
			return backoff.Permanent(lifecycle.ErrConnectionFailed("dial",
				fmt.Errorf("server exited before accepting: %s", c.proc.Describe())))
		}
		cn, err := protocol.Dial(ctx, c.cfg.Address)
		if err != nil {
			return err
		}
		conn = cn
		return nil
	}, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		c.log.Debug().Str("event", "connected").Int("attempts", attempts).Msg("control channel up")
		return conn, nil
	case lifecycle.KindOf(err) != lifecycle.KindUnknown:
		return nil, err
	case errors.Is(err, context.DeadlineExceeded):
		return nil, lifecycle.ErrTimeout("connect", c.cfg.HandshakeTimeout)
	default:
		return nil, lifecycle.ErrConnectionFailed("dial", err)
	}
}

func (c *Client) handshake(ctx context.Context) error {
	hs := protocol.Handshake{
		PluginPath:    c.path,
		SampleRate:    c.cfg.SampleRate,
		MaxBlockSize:  c.cfg.MaxBlockSize,
		MaxEvents:     c.cfg.MaxEvents,
		ChannelLayout: types.AudioIO{Inputs: c.cfg.MaxChannels, Outputs: c.cfg.MaxChannels},
	}
	var ack protocol.HandshakeAck
	if err := c.call(ctx, "handshake", protocol.KindHandshake, hs, protocol.KindHandshakeAck, &ack); err != nil {
		return err
	}
	c.mu.Lock()
	c.meta, c.lanes, c.params = ack.Metadata, ack.AudioIO, ack.Parameters
	c.mu.Unlock()
	c.latency.Store(ack.Metadata.LatencySamples)
	return nil
}

// mapRegion creates a region for blocks of up to maxBlock samples and has
// the server attach to it.
func (c *Client) mapRegion(ctx context.Context, maxBlock int, gen uint64) (*rtState, error) {
	c.mu.RLock()
	lanes := c.lanes
	c.mu.RUnlock()
	r, err := shm.Create(shm.Options{Dir: c.cfg.RegionDir, Layout: shm.Layout{
		SlotCount:  c.cfg.SlotCount,
		SlotSize:   shm.PayloadSize(maxBlock, max(lanes.Inputs, lanes.Outputs), c.cfg.MaxEvents),
		Generation: gen,
	}})
	if err != nil {
		return nil, err
	}
	msg := protocol.MapRegion{
		Name:         r.Name(),
		Dir:          r.Dir(),
		SlotCount:    r.Layout().SlotCount,
		SlotSize:     r.Layout().SlotSize,
		MaxBlockSize: maxBlock,
		Generation:   gen,
	}
	var ack protocol.RegionMapped
	if err := c.call(ctx, "map_region", protocol.KindMapRegion, msg, protocol.KindRegionMapped, &ack); err != nil {
		_ = r.Close()
		return nil, err
	}
	if ack.Generation != gen {
		_ = r.Close()
		return nil, lifecycle.ErrProtocol(fmt.Sprintf("server mapped generation %d, want %d", ack.Generation, gen))
	}
	return &rtState{
		region:   r,
		ep:       shm.NewClientEndpoint(r, c.cfg.SpinIterations),
		pc:       types.NewProcessContext(lanes.Inputs, maxBlock, c.cfg.MaxEvents),
		out:      types.NewProcessOutput(lanes.Outputs, maxBlock, c.cfg.MaxEvents),
		maxBlock: maxBlock,
	}, nil
}

// readLoop owns the receive side of the control channel once the instance
// is up: replies go to the pending call, crash notices and a lost
// connection go to the supervisor.
func (c *Client) readLoop() {
	defer close(c.readerDone)
	for {
		f, err := c.conn.Recv()
		if err != nil {
			if !c.closing.Load() {
				c.reportCrash("control", "control connection lost: "+err.Error())
			}
			return
		}
		if f.Kind == protocol.KindCrashed {
			var cr protocol.Crashed
			_ = f.Decode(&cr)
			c.reportCrash("server", cr.Reason)
			continue
		}
		select {
		case c.replies <- f:
		default:
			c.log.Warn().Str("event", "unexpected_frame").Str("kind", f.Kind.String()).Msg("dropping unsolicited control frame")
		}
	}
}

func (c *Client) reportCrash(source, reason string) {
	if c.sup != nil {
		c.sup.ReportCrash(source, reason)
		return
	}
	c.tracker.Crash(source + ": " + reason)
}

func remaining(ctx context.Context, def time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return max(time.Until(dl), time.Millisecond)
	}
	return def
}

// call sends one control request and waits for its reply.
func (c *Client) call(ctx context.Context, op string, kind protocol.Kind, body any, want protocol.Kind, v any) error {
	c.ctlMu.Lock()
	defer c.ctlMu.Unlock()
	d := remaining(ctx, c.cfg.ControlTimeout)
	if c.readerDone == nil {
		if err := c.conn.Send(kind, body); err != nil {
			return err
		}
		return c.conn.Expect(op, want, d, v)
	}

	for drained := false; !drained; {
		select {
		case <-c.replies:
		default:
			drained = true
		}
	}
	if err := c.conn.Send(kind, body); err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case f := <-c.replies:
		if err := f.Err(); err != nil {
			return err
		}
		if f.Kind != want {
			return lifecycle.ErrProtocol(fmt.Sprintf("%s: got %s, want %s", op, f.Kind, want))
		}
		if v == nil {
			return nil
		}
		return f.Decode(v)
	case <-c.readerDone:
		return lifecycle.ErrIpc(op, io.ErrUnexpectedEOF)
	case <-t.C:
		return lifecycle.ErrTimeout(op, d)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ready guards control operations.
func (c *Client) ready(op string) error {
	if c.closing.Load() {
		return lifecycle.ErrIpc(op, net.ErrClosed)
	}
	switch st := c.tracker.Stage(); st {
	case lifecycle.Ready:
		return nil
	case lifecycle.Crashed, lifecycle.Failed:
		return c.tracker.Reason()
	default:
		return lifecycle.ErrProtocol(fmt.Sprintf("%s while %s", op, st))
	}
}

func (c *Client) control(ctx context.Context, op string, kind protocol.Kind, body any, want protocol.Kind, v any) error {
	if err := c.ready(op); err != nil {
		return err
	}
	return c.call(ctx, op, kind, body, want, v)
}

// QueryParameters re-reads the parameter catalog from the plugin.
func (c *Client) QueryParameters(ctx context.Context) ([]types.ParameterInfo, error) {
	var list protocol.ParameterInfoList
	if err := c.control(ctx, "parameter_query", protocol.KindParameterQuery, nil, protocol.KindParameterInfoList, &list); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.params = list.Parameters
	c.mu.Unlock()
	return slices.Clone(list.Parameters), nil
}

// GetParameter reads the plugin's current value of parameter id.
func (c *Client) GetParameter(ctx context.Context, id uint32) (float64, error) {
	var pv protocol.ParameterValue
	if err := c.control(ctx, "get_parameter", protocol.KindGetParameter, protocol.GetParameter{ID: id}, protocol.KindParameterValue, &pv); err != nil {
		return 0, err
	}
	return pv.Value, nil
}

// Reset clears the plugin's internal state (delay lines, envelopes).
func (c *Client) Reset(ctx context.Context) error {
	return c.control(ctx, "reset", protocol.KindReset, nil, protocol.KindResetAck, nil)
}

// Resize rebuilds the shared-memory region for blocks of up to maxBlock
// samples. Blocks processed while the swap is in progress are silent.
func (c *Client) Resize(ctx context.Context, maxBlock int) error {
	if maxBlock <= 0 {
		return fmt.Errorf("invalid max block size %d", maxBlock)
	}
	if err := c.ready("resize"); err != nil {
		return err
	}
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	rt, err := c.mapRegion(ctx, maxBlock, gen)
	if err != nil {
		return err
	}
	c.retire(c.rt.Swap(rt))
	c.log.Info().Str("event", "resize").Int("max_block", maxBlock).Uint64("generation", gen).Msg("region rebuilt")
	return nil
}

// SetSampleRate re-prepares the plugin at rate. Blocks keep flowing; the
// ones rendered while the server rebuilds its state may be late and come
// back silent.
func (c *Client) SetSampleRate(ctx context.Context, rate float64) error {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return fmt.Errorf("invalid sample rate %g", rate)
	}
	var ack protocol.SetSampleRate
	err := c.control(ctx, "set_sample_rate", protocol.KindSetSampleRate, protocol.SetSampleRate{SampleRate: rate}, protocol.KindSampleRateSet, &ack)
	if err != nil {
		return err
	}
	c.rate.Store(rate)
	c.latency.Store(ack.LatencySamples)
	c.log.Info().Str("event", "sample_rate").Float64("sample_rate", rate).Msg("sample rate changed")
	return nil
}

// SampleRate is the rate the plugin is currently prepared for.
func (c *Client) SampleRate() float64 { return c.rate.Load() }

// blockWait bounds the wait for a block of n samples: a fraction of its
// real-time duration, never more than BlockTimeout.
func (c *Client) blockWait(n int) time.Duration {
	d := time.Duration(c.cfg.BlockHeadroom * float64(n) / c.rate.Load() * float64(time.Second))
	return min(d, c.cfg.BlockTimeout)
}

// retire waits until the audio thread no longer uses rt, then unmaps it.
func (c *Client) retire(rt *rtState) {
	if rt == nil {
		return
	}
	for rt.users.Load() != 0 {
		time.Sleep(50 * time.Microsecond)
	}
	c.staleBase.Add(rt.ep.Stale())
	if err := rt.region.Close(); err != nil {
		c.log.Warn().Err(err).Msg("region close failed")
	}
}

// Shutdown stops the server: Shutdown frame, bounded wait for its
// acknowledgement and exit, then a forced kill. The region is unmapped only
// once the process is gone. Calling it again returns the first result.
func (c *Client) Shutdown() error {
	c.shutdownOnce.Do(func() {
		var ackErr error
		if c.ready("shutdown") == nil && (c.proc == nil || !c.proc.Exited()) {
			if c.sup != nil {
				c.sup.ExpectExit()
			}
			c.closing.Store(true)
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownGrace)
			ackErr = c.call(ctx, "shutdown", protocol.KindShutdown, nil, protocol.KindShutdownAck, nil)
			cancel()
		}
		if ackErr != nil {
			c.log.Warn().Str("event", "shutdown").Err(ackErr).Msg("no shutdown acknowledgement, terminating")
		}
		c.shutdownErr = c.teardown()
		c.pub.Publish(supervisor.Event{Name: "shutdown", InstanceID: c.id, Fields: map[string]any{"path": c.path}})
	})
	return c.shutdownErr
}

func (c *Client) teardown() error {
	c.closing.Store(true)
	var err error
	if c.sup != nil {
		c.sup.ExpectExit()
	}
	if c.proc != nil {
		err = c.proc.Terminate(c.cfg.ShutdownGrace)
	}
	if c.sup != nil {
		c.sup.Stop()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.readerDone != nil {
		<-c.readerDone
	}
	c.retire(c.rt.Swap(nil))
	if c.proc != nil {
		_ = os.Remove(c.cfg.Address)
	}
	return err
}

func (c *Client) ID() string   { return c.id }
func (c *Client) Path() string { return c.path }

func (c *Client) PID() int {
	if c.proc == nil {
		return 0
	}
	return c.proc.PID()
}

func (c *Client) Stage() lifecycle.Stage { return c.tracker.Stage() }

// Closed reports whether Shutdown has begun. A closed instance stays in its
// last stage but no longer renders.
func (c *Client) Closed() bool { return c.closing.Load() }

// IsCrashed reports whether the server died after the instance was Ready.
func (c *Client) IsCrashed() bool { return c.tracker.Stage() == lifecycle.Crashed }

// Latency is the plugin's latency in samples as last reported.
func (c *Client) Latency() uint32 { return c.latency.Load() }

func (c *Client) Metadata() types.PluginMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.meta
	m.LatencySamples = c.latency.Load()
	return m
}

func (c *Client) AudioIO() types.AudioIO {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lanes
}

func (c *Client) Parameters() []types.ParameterInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.params)
}

func (c *Client) Counters() types.InstanceCounters {
	stale := c.staleBase.Load()
	if rt := c.rt.Load(); rt != nil {
		stale += rt.ep.Stale()
	}
	return c.stats.snapshot(stale)
}

// Status summarizes the instance for the status surface.
func (c *Client) Status() types.InstanceStatus {
	st := types.InstanceStatus{
		ID:       c.id,
		Path:     c.path,
		Stage:    c.Stage().String(),
		Closed:   c.closing.Load(),
		PID:      c.PID(),
		Latency:  c.Latency(),
		Counters: c.Counters(),
	}
	if r := c.tracker.Reason(); r != nil {
		st.Reason = r.Error()
	}
	if c.Stage() >= lifecycle.Ready {
		m := c.Metadata()
		st.Plugin = &m
	}
	return st
}

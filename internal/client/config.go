package client

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"plugbridge/internal/shm"
	"plugbridge/internal/supervisor"
)

// Defaults applied when the corresponding Config fields are unset.
const (
	DefaultServerBinary       = "plugin-server"
	DefaultSampleRate         = 48000
	DefaultMaxBlockSize       = 1024
	DefaultMaxChannels        = 8
	DefaultMaxEvents          = 256
	DefaultQueueCapacity      = 1024
	DefaultHandshakeTimeout   = 5 * time.Second
	DefaultControlTimeout     = 2 * time.Second
	DefaultBlockTimeout       = 2 * time.Millisecond
	DefaultBlockHeadroom      = 0.5
	DefaultServerStallTimeout = 250 * time.Millisecond
	DefaultShutdownGrace      = supervisor.DefaultShutdownGrace
	DefaultPollInterval       = supervisor.DefaultPollInterval
)

// Config holds every tunable of a bridged instance.
type Config struct {
	// ServerBinary is the plugin-server executable (path or bare name).
	ServerBinary string
	// Address is the control socket path. Generated in the temp dir when empty.
	Address string
	// RegionDir holds the shared-memory backing file; see shm.DefaultDir.
	RegionDir string

	SampleRate   float64
	MaxBlockSize int
	// MaxChannels bounds the inputs and outputs exchanged per block.
	MaxChannels int
	// MaxEvents bounds the MIDI events, parameter changes and note
	// expressions of each kind per block.
	MaxEvents int
	SlotCount int
	// QueueCapacity is the size of each façade event queue, rounded up to a
	// power of two.
	QueueCapacity int

	HandshakeTimeout time.Duration
	ControlTimeout   time.Duration
	// BlockTimeout bounds the wait for one block's result on the audio
	// thread. It must stay below HostDeadline when that is set.
	BlockTimeout       time.Duration
	// BlockHeadroom is the fraction of a block's duration the audio thread
	// may spend waiting for its result; the wait is the smaller of this and
	// BlockTimeout. Must be in (0, 1).
	BlockHeadroom      float64
	HostDeadline       time.Duration
	ServerStallTimeout time.Duration
	ShutdownGrace      time.Duration
	PollInterval       time.Duration
	SpinIterations     int

	BusyPolicy BusyPolicy
	Logger     *zerolog.Logger
	Publisher  supervisor.EventPublisher
	// ServerEnv is appended to the server's environment; ServerStderr also
	// receives its stderr.
	ServerEnv    []string
	ServerStderr io.Writer
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config { return Config{}.withDefaults() }

func (c Config) withDefaults() Config {
	if c.ServerBinary == "" {
		c.ServerBinary = DefaultServerBinary
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.MaxBlockSize <= 0 {
		c.MaxBlockSize = DefaultMaxBlockSize
	}
	if c.MaxChannels <= 0 {
		c.MaxChannels = DefaultMaxChannels
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = DefaultMaxEvents
	}
	if c.SlotCount <= 0 {
		c.SlotCount = shm.DefaultSlots
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = DefaultControlTimeout
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = DefaultBlockTimeout
	}
	if c.BlockHeadroom == 0 {
		c.BlockHeadroom = DefaultBlockHeadroom
	}
	if c.ServerStallTimeout <= 0 {
		c.ServerStallTimeout = DefaultServerStallTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SpinIterations <= 0 {
		c.SpinIterations = shm.DefaultSpinIterations
	}
	if c.BusyPolicy == nil {
		c.BusyPolicy = Silence
	}
	return c
}

func (c Config) validate() error {
	if c.SlotCount < shm.MinSlots || c.SlotCount > shm.MaxSlots {
		return fmt.Errorf("slot count %d outside [%d, %d]", c.SlotCount, shm.MinSlots, shm.MaxSlots)
	}
	if c.BlockHeadroom <= 0 || c.BlockHeadroom >= 1 {
		return fmt.Errorf("block headroom %g outside (0, 1)", c.BlockHeadroom)
	}
	if c.HostDeadline > 0 && c.BlockTimeout >= c.HostDeadline {
		return fmt.Errorf("block timeout %s must be below the host deadline %s", c.BlockTimeout, c.HostDeadline)
	}
	return nil
}

// newAddress returns a fresh control socket path.
func newAddress() string {
	return filepath.Join(os.TempDir(), "plugbridge-"+uuid.NewString()+".sock")
}

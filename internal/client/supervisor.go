// ABOUTME: Client supervisor: lifecycle state machine and task ownership
// ABOUTME: Coordinates capture, transmit, receive, and render-drain tasks
package client

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/h4r1z1b4mx/AudSync/internal/buffer"
	"github.com/h4r1z1b4mx/AudSync/internal/device"
	"github.com/h4r1z1b4mx/AudSync/internal/dsp"
	"github.com/h4r1z1b4mx/AudSync/internal/jitter"
	"github.com/h4r1z1b4mx/AudSync/internal/recorder"
	"github.com/h4r1z1b4mx/AudSync/internal/sessionlog"
	"github.com/h4r1z1b4mx/AudSync/pkg/audio"
	"github.com/h4r1z1b4mx/AudSync/pkg/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// State is the supervisor lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateActive:
		return "Active"
	case StateStopping:
		return "Stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a client.
type Options struct {
	Audio          protocol.AudioConfig
	InputDevice    int
	OutputDevice   int
	DSPEnabled     bool
	Jitter         jitter.Config // zero value means derive from Audio
	ConnectTimeout time.Duration
	ConnectRetries int
	SendQueueSize  int
	Adapter        device.Adapter
	ClientID       string
}

// DefaultSendQueueSize bounds the capture-to-transmit channel.
const DefaultSendQueueSize = 32

// Stats is a snapshot of the client's counters for the status command.
type Stats struct {
	State          State
	PacketsSent    uint64
	PacketsDropped uint64
	BytesSent      uint64
	BytesReceived  uint64
	Warnings       uint64
	Jitter         jitter.Stats
	RingUnderruns  uint64
	RingOverruns   uint64
	HeartbeatRTTMs float64
	Volume         float32
	Muted          bool
}

// Supervisor owns the client's connection, buffers, device streams, and
// every spawned task. All public methods are safe for concurrent use.
type Supervisor struct {
	opts Options
	log  *logrus.Entry

	mu    sync.Mutex
	state atomic.Int32
	conn  net.Conn

	jitter *jitter.Buffer
	ring   *buffer.Ring
	chain  *dsp.Chain

	captureStream device.Stream
	renderStream  device.Stream

	sendQ chan []byte

	// connection-scoped tasks
	connGroup  *errgroup.Group
	connCancel context.CancelFunc

	// audio-scoped tasks (render drain)
	audioGroup  *errgroup.Group
	audioCancel context.CancelFunc

	Recorder   *recorder.Recorder
	SessionLog *sessionlog.Logger

	sequence       atomic.Uint32
	packetsSent    atomic.Uint64
	packetsDropped atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	warnings       atomic.Uint64

	lastHeartbeat atomic.Uint64 // timestamp of the most recent outgoing heartbeat
	rttBits       atomic.Uint64 // EMA of heartbeat round trip, float64 bits

	volumeBits atomic.Uint32
	muted      atomic.Bool

	fatalOnce *sync.Once
}

// New creates an idle supervisor.
func New(opts Options) (*Supervisor, error) {
	if err := opts.Audio.Validate(); err != nil {
		return nil, err
	}
	if opts.Adapter == nil {
		opts.Adapter = device.NewMalgoAdapter()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ConnectRetries < 0 {
		opts.ConnectRetries = 0
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = DefaultSendQueueSize
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.New().String()
	}
	if opts.Jitter.PacketIntervalMs == 0 {
		opts.Jitter = jitter.DefaultConfig(audio.PacketIntervalMs(opts.Audio), opts.Audio.FramesPerBuffer)
	}

	s := &Supervisor{
		opts:       opts,
		log:        logrus.WithField("component", "client"),
		chain:      dsp.NewChain(int(opts.Audio.SampleRate), opts.DSPEnabled),
		Recorder:   recorder.New(),
		SessionLog: sessionlog.New(),
	}
	s.state.Store(int32(StateIdle))
	s.SetVolume(1.0)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// SetVolume sets output gain in [0, 1].
func (s *Supervisor) SetVolume(v float32) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	s.volumeBits.Store(math.Float32bits(v))
}

// Volume returns the output gain.
func (s *Supervisor) Volume() float32 {
	return math.Float32frombits(s.volumeBits.Load())
}

// SetMuted toggles output mute.
func (s *Supervisor) SetMuted(m bool) { s.muted.Store(m) }

// Muted reports output mute.
func (s *Supervisor) Muted() bool { return s.muted.Load() }

// Connect dials the server, sends the handshake, and spawns the network
// tasks. Idle → Connecting → Connected.
func (s *Supervisor) Connect(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateIdle {
		return fmt.Errorf("client: connect from state %s", s.State())
	}
	s.state.Store(int32(StateConnecting))

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	var conn net.Conn
	var err error
	for attempt := 0; attempt <= s.opts.ConnectRetries; attempt++ {
		conn, err = net.DialTimeout("tcp", addr, s.opts.ConnectTimeout)
		if err == nil {
			break
		}
		s.log.Warnf("connect attempt %d to %s failed: %v", attempt+1, addr, err)
	}
	if err != nil {
		s.state.Store(int32(StateIdle))
		return fmt.Errorf("client: connect %s: %w", addr, err)
	}
	s.conn = conn

	// Identity, then stream format. The server replies to neither.
	hello := protocol.NewWithPayload(protocol.TypeConnect, []byte(s.opts.ClientID))
	if _, err := hello.WriteTo(conn); err != nil {
		conn.Close()
		s.conn = nil
		s.state.Store(int32(StateIdle))
		return fmt.Errorf("client: send identity: %w", err)
	}
	if _, err := protocol.NewClientConfig(s.opts.Audio).WriteTo(conn); err != nil {
		conn.Close()
		s.conn = nil
		s.state.Store(int32(StateIdle))
		return fmt.Errorf("client: send config: %w", err)
	}

	s.jitter = jitter.New(s.opts.Jitter, s.opts.Audio.Channels)
	ringSamples := int(s.opts.Audio.SampleRate) * int(s.opts.Audio.Channels) / 2
	s.ring = buffer.NewRing(ringSamples)
	s.sendQ = make(chan []byte, s.opts.SendQueueSize)

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	s.connGroup = group
	s.connCancel = cancel
	s.fatalOnce = &sync.Once{}

	conn2, jit, sendQ := s.conn, s.jitter, s.sendQ
	group.Go(func() error { return s.receiveLoop(ctx, conn2, jit) })
	group.Go(func() error { return s.transmitLoop(ctx, conn2, sendQ) })
	group.Go(func() error { return s.heartbeatLoop(ctx) })

	s.state.Store(int32(StateConnected))
	s.log.Infof("connected to %s as %s", addr, s.opts.ClientID)
	s.SessionLog.LogEvent("connected to %s", addr)
	return nil
}

// StartAudio opens the device streams, resets the jitter buffer, announces
// readiness, and spawns the render-drain task. Connected → Active.
func (s *Supervisor) StartAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateConnected {
		return fmt.Errorf("client: start audio from state %s", s.State())
	}

	s.jitter.Clear()
	s.ring.Clear()
	s.chain.Reset()

	in, err := s.opts.Adapter.OpenInput(s.opts.InputDevice, s.opts.Audio, s.captureCallback)
	if err != nil {
		return fmt.Errorf("client: open input: %w", err)
	}
	out, err := s.opts.Adapter.OpenOutput(s.opts.OutputDevice, s.opts.Audio, s.renderCallback)
	if err != nil {
		in.Close()
		return fmt.Errorf("client: open output: %w", err)
	}
	if err := in.Start(); err != nil {
		in.Close()
		out.Close()
		return fmt.Errorf("client: start input: %w", err)
	}
	if err := out.Start(); err != nil {
		in.Stop()
		in.Close()
		out.Close()
		return fmt.Errorf("client: start output: %w", err)
	}
	s.captureStream = in
	s.renderStream = out

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	s.audioGroup = group
	s.audioCancel = cancel
	group.Go(func() error { return s.renderDrainLoop(ctx) })

	s.enqueueFrame(protocol.New(protocol.TypeClientReady).Marshal())

	s.state.Store(int32(StateActive))
	s.log.Info("audio started")
	s.SessionLog.LogEvent("audio started")
	return nil
}

// StopAudio halts streams and the drain task and clears the ring buffer.
// Active → Connected.
func (s *Supervisor) StopAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopAudioLocked()
}

func (s *Supervisor) stopAudioLocked() error {
	if s.State() != StateActive {
		return fmt.Errorf("client: stop audio from state %s", s.State())
	}

	if s.captureStream != nil {
		s.captureStream.Stop()
		s.captureStream.Close()
		s.captureStream = nil
	}
	if s.renderStream != nil {
		s.renderStream.Stop()
		s.renderStream.Close()
		s.renderStream = nil
	}

	if s.audioCancel != nil {
		s.audioCancel()
		s.audioGroup.Wait()
		s.audioCancel = nil
		s.audioGroup = nil
	}

	s.ring.Clear()
	s.jitter.Clear()

	s.state.Store(int32(StateConnected))
	s.log.Info("audio stopped")
	s.SessionLog.LogEvent("audio stopped")
	return nil
}

// Disconnect tears the session down and returns to Idle. Safe from any state.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked()
}

func (s *Supervisor) disconnectLocked() {
	if s.State() == StateIdle {
		return
	}
	s.state.Store(int32(StateStopping))

	if s.captureStream != nil || s.renderStream != nil {
		if s.captureStream != nil {
			s.captureStream.Stop()
			s.captureStream.Close()
			s.captureStream = nil
		}
		if s.renderStream != nil {
			s.renderStream.Stop()
			s.renderStream.Close()
			s.renderStream = nil
		}
		if s.audioCancel != nil {
			s.audioCancel()
			s.audioGroup.Wait()
			s.audioCancel = nil
			s.audioGroup = nil
		}
	}

	if s.conn != nil {
		// Best effort; the peer may already be gone.
		protocol.New(protocol.TypeDisconnect).WriteTo(s.conn)
	}

	if s.connCancel != nil {
		s.connCancel()
	}
	if s.conn != nil {
		// Closing the socket unblocks the receive task's blocking read.
		s.conn.Close()
	}
	if s.connGroup != nil {
		s.connGroup.Wait()
		s.connGroup = nil
		s.connCancel = nil
	}
	s.conn = nil

	if s.Recorder.IsRecording() {
		s.Recorder.Stop()
	}

	s.state.Store(int32(StateIdle))
	s.log.Info("disconnected")
	s.SessionLog.LogEvent("disconnected")
}

// fatal forces a shutdown from a task that hit an unrecoverable I/O error.
func (s *Supervisor) fatal(err error) {
	once := s.fatalOnce
	if once == nil {
		return
	}
	once.Do(func() {
		s.log.Warnf("fatal: %v", err)
		go s.Disconnect()
	})
}

// Stats snapshots the counters.
func (s *Supervisor) Stats() Stats {
	st := Stats{
		State:          s.State(),
		PacketsSent:    s.packetsSent.Load(),
		PacketsDropped: s.packetsDropped.Load(),
		BytesSent:      s.bytesSent.Load(),
		BytesReceived:  s.bytesReceived.Load(),
		Warnings:       s.warnings.Load(),
		HeartbeatRTTMs: math.Float64frombits(s.rttBits.Load()),
		Volume:         s.Volume(),
		Muted:          s.Muted(),
	}
	s.mu.Lock()
	if s.jitter != nil {
		st.Jitter = s.jitter.Stats()
	}
	if s.ring != nil {
		st.RingUnderruns = s.ring.Underruns()
		st.RingOverruns = s.ring.Overruns()
	}
	s.mu.Unlock()
	return st
}

// Config returns the negotiated audio config.
func (s *Supervisor) Config() protocol.AudioConfig { return s.opts.Audio }

// DSP returns the render DSP chain.
func (s *Supervisor) DSP() *dsp.Chain { return s.chain }

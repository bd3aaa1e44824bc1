// ABOUTME: Supervisor tests: state machine, handshake, pipeline, shutdown
// ABOUTME: Fake device adapter and a raw loopback endpoint stand in for hardware
package client

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/h4r1z1b4mx/AudSync/internal/buffer"
	"github.com/h4r1z1b4mx/AudSync/internal/device"
	"github.com/h4r1z1b4mx/AudSync/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRing builds a pre-filled ring for callback tests.
func newTestRing(samples []float32) *buffer.Ring {
	r := buffer.NewRing(len(samples) * 2)
	r.Write(samples)
	return r
}

// fakeStream records start/stop calls.
type fakeStream struct {
	mu      sync.Mutex
	started bool
	closed  bool
}

func (s *fakeStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeAdapter hands the callbacks back to the test instead of a sound card.
type fakeAdapter struct {
	mu        sync.Mutex
	captureFn device.CaptureFunc
	renderFn  device.RenderFunc
	inStream  *fakeStream
	outStream *fakeStream
}

func (a *fakeAdapter) InputDevices() ([]device.Info, error) {
	return []device.Info{{ID: 0, Name: "fake-mic", MaxChannels: 2, DefaultSampleRate: 48000}}, nil
}

func (a *fakeAdapter) OutputDevices() ([]device.Info, error) {
	return []device.Info{{ID: 0, Name: "fake-speaker", MaxChannels: 2, DefaultSampleRate: 48000}}, nil
}

func (a *fakeAdapter) OpenInput(_ int, _ protocol.AudioConfig, fn device.CaptureFunc) (device.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.captureFn = fn
	a.inStream = &fakeStream{}
	return a.inStream, nil
}

func (a *fakeAdapter) OpenOutput(_ int, _ protocol.AudioConfig, fn device.RenderFunc) (device.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.renderFn = fn
	a.outStream = &fakeStream{}
	return a.outStream, nil
}

func (a *fakeAdapter) capture(samples []float32) {
	a.mu.Lock()
	fn := a.captureFn
	a.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

// testEndpoint is a minimal relay stand-in: one accepted connection whose
// frames are collected for inspection.
type testEndpoint struct {
	t        *testing.T
	listener net.Listener

	mu    sync.Mutex
	conn  net.Conn
	msgs  []*protocol.Message
	types map[protocol.MessageType]int
}

func newTestEndpoint(t *testing.T) *testEndpoint {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	e := &testEndpoint{t: t, listener: ln, types: map[protocol.MessageType]int{}}
	go e.acceptLoop()
	t.Cleanup(func() {
		ln.Close()
		e.mu.Lock()
		if e.conn != nil {
			e.conn.Close()
		}
		e.mu.Unlock()
	})
	return e
}

func (e *testEndpoint) acceptLoop() {
	conn, err := e.listener.Accept()
	if err != nil {
		return
	}
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}
		e.mu.Lock()
		e.msgs = append(e.msgs, msg)
		e.types[msg.Header.Type]++
		e.mu.Unlock()
	}
}

func (e *testEndpoint) port() int {
	return e.listener.Addr().(*net.TCPAddr).Port
}

func (e *testEndpoint) count(typ protocol.MessageType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.types[typ]
}

func (e *testEndpoint) audioSequences() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var seqs []uint32
	for _, m := range e.msgs {
		if m.Header.Type == protocol.TypeAudioData {
			seqs = append(seqs, m.Header.Sequence)
		}
	}
	return seqs
}

// write pushes a frame from the "server" to the client, waiting briefly for
// the accept to land. Best effort: safe to call from helper goroutines.
func (e *testEndpoint) write(m *protocol.Message) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn != nil {
			conn.Write(m.Marshal())
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testOptions(adapter device.Adapter) Options {
	return Options{
		Audio:          protocol.AudioConfig{SampleRate: 48000, Channels: 1, FramesPerBuffer: 256},
		InputDevice:    device.UseDefault,
		OutputDevice:   device.UseDefault,
		Adapter:        adapter,
		ConnectTimeout: 2 * time.Second,
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Options{Audio: protocol.AudioConfig{SampleRate: 123, Channels: 1, FramesPerBuffer: 256}})
	assert.Error(t, err)
}

func TestConnectSendsHandshake(t *testing.T) {
	e := newTestEndpoint(t)
	sup, err := New(testOptions(&fakeAdapter{}))
	require.NoError(t, err)

	require.NoError(t, sup.Connect("127.0.0.1", e.port()))
	defer sup.Disconnect()

	assert.Equal(t, StateConnected, sup.State())
	require.Eventually(t, func() bool {
		return e.count(protocol.TypeConnect) == 1 && e.count(protocol.TypeClientConfig) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectRefusedFailsToIdle(t *testing.T) {
	sup, err := New(testOptions(&fakeAdapter{}))
	require.NoError(t, err)

	// Grab a port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	assert.Error(t, sup.Connect("127.0.0.1", port))
	assert.Equal(t, StateIdle, sup.State())
}

func TestStartStopAudioLifecycle(t *testing.T) {
	e := newTestEndpoint(t)
	adapter := &fakeAdapter{}
	sup, err := New(testOptions(adapter))
	require.NoError(t, err)

	require.NoError(t, sup.Connect("127.0.0.1", e.port()))
	defer sup.Disconnect()

	// stop_audio is only legal from Active.
	require.Error(t, sup.StopAudio())

	require.NoError(t, sup.StartAudio())
	assert.Equal(t, StateActive, sup.State())
	assert.True(t, adapter.inStream.started)
	assert.True(t, adapter.outStream.started)

	require.Eventually(t, func() bool {
		return e.count(protocol.TypeClientReady) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Double start is rejected.
	require.Error(t, sup.StartAudio())

	require.NoError(t, sup.StopAudio())
	assert.Equal(t, StateConnected, sup.State())
	assert.True(t, adapter.inStream.closed)
	assert.True(t, adapter.outStream.closed)
}

func TestCaptureAssignsMonotonicSequences(t *testing.T) {
	e := newTestEndpoint(t)
	adapter := &fakeAdapter{}
	sup, err := New(testOptions(adapter))
	require.NoError(t, err)

	require.NoError(t, sup.Connect("127.0.0.1", e.port()))
	defer sup.Disconnect()
	require.NoError(t, sup.StartAudio())

	frame := make([]float32, 256)
	for i := 0; i < 5; i++ {
		adapter.capture(frame)
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(e.audioSequences()) == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, e.audioSequences())
}

func TestReceivePathFeedsJitterAndPlaysOut(t *testing.T) {
	e := newTestEndpoint(t)
	adapter := &fakeAdapter{}
	sup, err := New(testOptions(adapter))
	require.NoError(t, err)

	require.NoError(t, sup.Connect("127.0.0.1", e.port()))
	defer sup.Disconnect()
	require.NoError(t, sup.StartAudio())

	samples := make([]float32, 256)
	for i := range samples {
		samples[i] = 0.25
	}
	go func() {
		for seq := uint32(0); seq < 40; seq++ {
			e.write(protocol.NewAudioData(seq, uint64(seq)*5, samples))
			time.Sleep(3 * time.Millisecond)
		}
	}()

	require.Eventually(t, func() bool {
		st := sup.Stats()
		return st.Jitter.Received >= 30 && st.Jitter.Played > 0
	}, 5*time.Second, 20*time.Millisecond)

	// Rendered audio reaches the output callback via the ring.
	out := make([]float32, 256)
	require.Eventually(t, func() bool {
		sup.renderCallback(out)
		for _, v := range out {
			if v != 0 {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEnqueueFrameDropsOldestWhenFull(t *testing.T) {
	sup, err := New(testOptions(&fakeAdapter{}))
	require.NoError(t, err)
	sup.sendQ = make(chan []byte, 2)

	sup.enqueueFrame([]byte{1})
	sup.enqueueFrame([]byte{2})
	sup.enqueueFrame([]byte{3})

	assert.Equal(t, uint64(1), sup.packetsDropped.Load())
	assert.Equal(t, []byte{2}, <-sup.sendQ)
	assert.Equal(t, []byte{3}, <-sup.sendQ)
}

func TestServerCloseDrivesClientToIdle(t *testing.T) {
	e := newTestEndpoint(t)
	sup, err := New(testOptions(&fakeAdapter{}))
	require.NoError(t, err)

	require.NoError(t, sup.Connect("127.0.0.1", e.port()))

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.conn != nil
	}, 2*time.Second, 10*time.Millisecond)

	e.mu.Lock()
	e.conn.Close()
	e.mu.Unlock()

	require.Eventually(t, func() bool {
		return sup.State() == StateIdle
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDisconnectJoinsTasksAndReturnsToIdle(t *testing.T) {
	e := newTestEndpoint(t)
	adapter := &fakeAdapter{}
	sup, err := New(testOptions(adapter))
	require.NoError(t, err)

	require.NoError(t, sup.Connect("127.0.0.1", e.port()))
	require.NoError(t, sup.StartAudio())

	done := make(chan struct{})
	go func() {
		sup.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect did not join tasks")
	}
	assert.Equal(t, StateIdle, sup.State())

	// Idempotent.
	sup.Disconnect()
	assert.Equal(t, StateIdle, sup.State())
}

func TestVolumeAndMuteAppliedInRenderCallback(t *testing.T) {
	sup, err := New(testOptions(&fakeAdapter{}))
	require.NoError(t, err)

	// Hand-wire a ring so the callback has a source.
	sup.ring = newTestRing([]float32{0.5, 0.5, 0.5, 0.5})

	out := make([]float32, 4)
	sup.SetVolume(0.5)
	sup.renderCallback(out)
	assert.InDelta(t, 0.25, out[0], 1e-6)

	sup.ring = newTestRing([]float32{0.5, 0.5})
	sup.SetMuted(true)
	out = make([]float32, 2)
	sup.renderCallback(out)
	assert.Equal(t, []float32{0, 0}, out)
}

// ABOUTME: Relay integration tests over loopback TCP
// ABOUTME: Fan-out gating, readiness, heartbeat echo, framing violations
package server

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/h4r1z1b4mx/AudSync/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient speaks the wire protocol against a running relay.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func startServer(t *testing.T, queueSize int) *Server {
	t.Helper()
	s := New(Config{Port: 0, QueueSize: queueSize})
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func dialClient(t *testing.T, s *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(m *protocol.Message) {
	c.t.Helper()
	_, err := c.conn.Write(m.Marshal())
	require.NoError(c.t, err)
}

func (c *testClient) sendHandshake(cfg protocol.AudioConfig, ready bool) {
	c.send(protocol.NewClientConfig(cfg))
	if ready {
		c.send(protocol.New(protocol.TypeClientReady))
	}
}

func (c *testClient) read(timeout time.Duration) (*protocol.Message, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	return protocol.ReadMessage(c.conn)
}

func (c *testClient) readAudio(n int, timeout time.Duration) []*protocol.Message {
	msgs := make([]*protocol.Message, 0, n)
	deadline := time.Now().Add(timeout)
	for len(msgs) < n && time.Now().Before(deadline) {
		m, err := c.read(time.Until(deadline))
		if err != nil {
			break
		}
		if m.Header.Type == protocol.TypeAudioData {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

func testCfg() protocol.AudioConfig {
	return protocol.AudioConfig{SampleRate: 48000, Channels: 2, FramesPerBuffer: 256}
}

func audioFrame(seq uint32, payloadSamples int) *protocol.Message {
	samples := make([]float32, payloadSamples)
	for i := range samples {
		samples[i] = float32(seq)
	}
	return protocol.NewAudioData(seq, uint64(seq)*5, samples)
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.Stats().Clients) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func waitReady(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		ready := 0
		for _, c := range s.Stats().Clients {
			if c.Ready {
				ready++
			}
		}
		return ready == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFanOutToReadyPeersOnly(t *testing.T) {
	s := startServer(t, 0)

	a := dialClient(t, s)
	b := dialClient(t, s)
	c := dialClient(t, s)

	a.sendHandshake(testCfg(), true)
	b.sendHandshake(testCfg(), true)
	c.sendHandshake(testCfg(), false) // never ready
	waitClients(t, s, 3)
	waitReady(t, s, 2)

	const count = 20
	sent := make([]*protocol.Message, count)
	for i := 0; i < count; i++ {
		sent[i] = audioFrame(uint32(i), 64)
		a.send(sent[i])
	}

	got := b.readAudio(count, 2*time.Second)
	require.Len(t, got, count)
	for i, m := range got {
		// Byte-identical forwarding: same sequence, timestamp, payload.
		assert.Equal(t, sent[i].Marshal(), m.Marshal(), "frame %d", i)
	}

	// The non-ready client and the sender itself receive nothing.
	_, err := c.read(200 * time.Millisecond)
	assert.Error(t, err)
	_, err = a.read(200 * time.Millisecond)
	assert.Error(t, err)
}

func TestHeartbeatEchoedToSenderOnly(t *testing.T) {
	s := startServer(t, 0)

	a := dialClient(t, s)
	b := dialClient(t, s)
	a.sendHandshake(testCfg(), true)
	b.sendHandshake(testCfg(), true)
	waitReady(t, s, 2)

	hb := protocol.New(protocol.TypeHeartbeat)
	hb.Header.Timestamp = 987654
	a.send(hb)

	echo, err := a.read(time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeHeartbeat, echo.Header.Type)
	assert.Equal(t, uint64(987654), echo.Header.Timestamp)

	_, err = b.read(200 * time.Millisecond)
	assert.Error(t, err)
}

func TestOversizeFrameClosesOnlyThatClient(t *testing.T) {
	s := startServer(t, 0)

	evil := dialClient(t, s)
	good := dialClient(t, s)
	innocent := dialClient(t, s)
	good.sendHandshake(testCfg(), true)
	innocent.sendHandshake(testCfg(), true)
	waitClients(t, s, 3)
	waitReady(t, s, 2)

	// Header declaring a 2^31-byte frame.
	var hdr [protocol.HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], protocol.Magic)
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(protocol.TypeAudioData))
	binary.LittleEndian.PutUint32(hdr[8:12], 1<<31)
	_, err := evil.conn.Write(hdr[:])
	require.NoError(t, err)

	// The offending connection is closed within one message cycle.
	evil.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = evil.conn.Read(buf)
	assert.Error(t, err)
	waitClients(t, s, 2)

	// Other clients keep streaming.
	good.send(audioFrame(0, 16))
	m, err := innocent.read(time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAudioData, m.Header.Type)
}

func TestBadMagicClosesClient(t *testing.T) {
	s := startServer(t, 0)
	c := dialClient(t, s)
	waitClients(t, s, 1)

	_, err := c.conn.Write(make([]byte, protocol.HeaderSize))
	require.NoError(t, err)
	waitClients(t, s, 0)
}

func TestDisconnectRemovesClient(t *testing.T) {
	s := startServer(t, 0)
	c := dialClient(t, s)
	c.sendHandshake(testCfg(), true)
	waitClients(t, s, 1)

	c.send(protocol.New(protocol.TypeDisconnect))
	waitClients(t, s, 0)
}

func TestConfigUpdatesRecord(t *testing.T) {
	s := startServer(t, 0)
	c := dialClient(t, s)
	cfg := protocol.AudioConfig{SampleRate: 96000, Channels: 2, FramesPerBuffer: 512}
	c.sendHandshake(cfg, false)

	require.Eventually(t, func() bool {
		clients := s.Stats().Clients
		return len(clients) == 1 && clients[0].Config == cfg
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayGatePausesFanOut(t *testing.T) {
	s := startServer(t, 0)

	a := dialClient(t, s)
	b := dialClient(t, s)
	a.sendHandshake(testCfg(), true)
	b.sendHandshake(testCfg(), true)
	waitReady(t, s, 2)

	s.SetRelaying(false)
	a.send(audioFrame(0, 16))
	_, err := b.read(200 * time.Millisecond)
	assert.Error(t, err)

	s.SetRelaying(true)
	a.send(audioFrame(1, 16))
	m, err := b.read(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), m.Header.Sequence)
}

func TestSlowRecipientDoesNotStallOthers(t *testing.T) {
	if testing.Short() {
		t.Skip("floods loopback sockets")
	}

	s := startServer(t, DefaultQueueSize)

	a := dialClient(t, s)
	b := dialClient(t, s)
	slow := dialClient(t, s)
	a.sendHandshake(testCfg(), true)
	b.sendHandshake(testCfg(), true)
	slow.sendHandshake(testCfg(), true)
	waitReady(t, s, 3)

	const count = 2000
	done := make(chan []*protocol.Message, 1)
	go func() {
		done <- b.readAudio(count, 20*time.Second)
	}()

	// 4 KB frames; the stalled recipient's socket fills, its bounded queue
	// overflows, and drops are counted without slowing anyone else. The queue
	// size applies to every recipient, so it must leave the reading client
	// room to keep up with the flood.
	for i := 0; i < count; i++ {
		a.send(audioFrame(uint32(i), 1024))
	}

	got := <-done
	require.Len(t, got, count)
	for i, m := range got {
		assert.Equal(t, uint32(i), m.Header.Sequence)
	}

	var slowDrops uint64
	for _, c := range s.Stats().Clients {
		slowDrops += c.Dropped
	}
	assert.Greater(t, slowDrops, uint64(0))
}

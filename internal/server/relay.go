// ABOUTME: TCP relay server: accepts clients and fans audio out to ready peers
// ABOUTME: Per-client reader/writer tasks with bounded outgoing queues
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/h4r1z1b4mx/AudSync/internal/sessionlog"
	"github.com/h4r1z1b4mx/AudSync/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Config holds relay settings.
type Config struct {
	Port      int
	QueueSize int // per-recipient outgoing queue, in frames
}

// DefaultQueueSize bounds how many frames a slow recipient may fall behind.
const DefaultQueueSize = 64

// Server is the broadcast relay. It owns the listener and the client table;
// per-client tasks borrow the table under the mutex.
type Server struct {
	cfg Config
	log *logrus.Entry

	listener net.Listener

	mu      sync.Mutex
	clients map[string]*clientRecord
	nextID  uint64

	relaying atomic.Bool

	forwarded atomic.Uint64
	dropped   atomic.Uint64

	sessionLog *sessionlog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// clientRecord tracks one connected client.
type clientRecord struct {
	id     string
	conn   net.Conn
	ready  atomic.Bool
	outQ   chan []byte
	done   chan struct{}
	closed sync.Once

	mu     sync.Mutex
	config protocol.AudioConfig

	dropped  atomic.Uint64
	received atomic.Uint64
}

func (c *clientRecord) close() {
	c.closed.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// tryEnqueue queues frame bytes without blocking; a full queue drops the
// frame and counts it against this recipient.
func (c *clientRecord) tryEnqueue(frame []byte) bool {
	select {
	case c.outQ <- frame:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// ClientStatus is a table snapshot row for status output and diagnostics.
type ClientStatus struct {
	ID       string               `json:"id"`
	Remote   string               `json:"remote"`
	Ready    bool                 `json:"ready"`
	Config   protocol.AudioConfig `json:"config"`
	Received uint64               `json:"received"`
	Dropped  uint64               `json:"dropped"`
}

// Stats is a relay-wide snapshot.
type Stats struct {
	Clients   []ClientStatus `json:"clients"`
	Forwarded uint64         `json:"forwarded"`
	Dropped   uint64         `json:"dropped"`
	Relaying  bool           `json:"relaying"`
}

// New creates a relay server.
func New(cfg Config) *Server {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	s := &Server{
		cfg:        cfg,
		log:        logrus.WithField("component", "server"),
		clients:    make(map[string]*clientRecord),
		sessionLog: sessionlog.New(),
		done:       make(chan struct{}),
	}
	s.relaying.Store(true)
	return s
}

// SessionLog exposes the server's session logger for the REPL.
func (s *Server) SessionLog() *sessionlog.Logger { return s.sessionLog }

// Start binds the listener and spawns the accept loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("server: bind port %d: %w", s.cfg.Port, err)
	}
	s.listener = ln
	s.log.Infof("listening on %s", ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every client, then joins all tasks.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		records := make([]*clientRecord, 0, len(s.clients))
		for _, rec := range s.clients {
			records = append(records, rec)
		}
		s.mu.Unlock()
		for _, rec := range records {
			rec.close()
		}
	})
	s.wg.Wait()
	s.sessionLog.Stop()
	s.log.Info("server stopped")
}

// SetRelaying gates fan-out; clients stay connected while paused.
func (s *Server) SetRelaying(on bool) { s.relaying.Store(on) }

// Relaying reports the fan-out gate.
func (s *Server) Relaying() bool { return s.relaying.Load() }

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Warnf("accept: %v", err)
			return
		}
		s.addClient(conn)
	}
}

// addClient registers a record and spawns its reader and writer tasks.
func (s *Server) addClient(conn net.Conn) {
	s.mu.Lock()
	s.nextID++
	rec := &clientRecord{
		id:   fmt.Sprintf("client_%d", s.nextID),
		conn: conn,
		outQ: make(chan []byte, s.cfg.QueueSize),
		done: make(chan struct{}),
		config: protocol.AudioConfig{
			SampleRate:      44100,
			Channels:        1,
			FramesPerBuffer: 256,
		},
	}
	s.clients[rec.id] = rec
	s.mu.Unlock()

	s.log.WithField("client", rec.id).Infof("connected from %s", conn.RemoteAddr())
	s.sessionLog.LogEvent("client %s connected from %s", rec.id, conn.RemoteAddr())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.clientWriter(rec)
	}()
	go func() {
		defer s.wg.Done()
		s.clientReader(rec)
	}()
}

// removeClient drops the record from the table and closes the socket.
func (s *Server) removeClient(rec *clientRecord) {
	s.mu.Lock()
	_, present := s.clients[rec.id]
	delete(s.clients, rec.id)
	s.mu.Unlock()

	rec.close()
	if present {
		s.log.WithField("client", rec.id).Info("disconnected")
		s.sessionLog.LogEvent("client %s disconnected (received=%d dropped=%d)",
			rec.id, rec.received.Load(), rec.dropped.Load())
	}
}

// clientWriter drains the record's outgoing queue onto its socket. A write
// error removes the client; other recipients are unaffected.
func (s *Server) clientWriter(rec *clientRecord) {
	for {
		select {
		case frame := <-rec.outQ:
			if _, err := rec.conn.Write(frame); err != nil {
				select {
				case <-rec.done:
				default:
					s.log.WithField("client", rec.id).Warnf("write: %v", err)
				}
				s.removeClient(rec)
				return
			}
		case <-rec.done:
			return
		}
	}
}

// clientReader reads framed messages and dispatches them until the client
// disconnects or breaks framing.
func (s *Server) clientReader(rec *clientRecord) {
	defer s.removeClient(rec)

	for {
		msg, err := protocol.ReadMessage(rec.conn)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrDisconnected):
			case errors.Is(err, protocol.ErrBadMagic),
				errors.Is(err, protocol.ErrOversize),
				errors.Is(err, protocol.ErrShortFrame):
				s.log.WithField("client", rec.id).Warnf("framing violation, closing: %v", err)
			default:
				select {
				case <-rec.done:
				default:
					s.log.WithField("client", rec.id).Warnf("read: %v", err)
				}
			}
			return
		}

		switch msg.Header.Type {
		case protocol.TypeAudioData:
			rec.received.Add(1)
			s.broadcast(rec, msg)

		case protocol.TypeClientConfig:
			cfg, err := protocol.ParseAudioConfig(msg.Payload)
			if err != nil {
				s.log.WithField("client", rec.id).Warnf("bad config: %v", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				s.log.WithField("client", rec.id).Warnf("rejected config: %v", err)
				continue
			}
			rec.mu.Lock()
			rec.config = cfg
			rec.mu.Unlock()
			s.log.WithField("client", rec.id).Infof("config: %d Hz, %d ch, %d frames",
				cfg.SampleRate, cfg.Channels, cfg.FramesPerBuffer)

		case protocol.TypeClientReady:
			rec.ready.Store(true)
			s.log.WithField("client", rec.id).Info("ready")

		case protocol.TypeHeartbeat:
			// Echo to the sender only; the reply reuses the sender's frame so
			// its timestamp survives for round-trip measurement.
			rec.tryEnqueue(msg.Marshal())

		case protocol.TypeConnect:
			s.log.WithField("client", rec.id).Infof("identity: %s", string(msg.Payload))
			s.sessionLog.LogEvent("client %s identity %s", rec.id, string(msg.Payload))

		case protocol.TypeDisconnect:
			s.log.WithField("client", rec.id).Info("disconnect requested")
			return

		default:
			s.log.WithField("client", rec.id).Debugf("ignoring %s", msg.Header.Type)
		}
	}
}

// broadcast forwards an audio frame to every other ready client. The
// recipient snapshot is taken under the table lock and the writes happen
// outside it, through each recipient's bounded queue.
func (s *Server) broadcast(from *clientRecord, msg *protocol.Message) {
	if !s.relaying.Load() {
		return
	}

	s.mu.Lock()
	recipients := make([]*clientRecord, 0, len(s.clients))
	for _, rec := range s.clients {
		if rec != from && rec.ready.Load() {
			recipients = append(recipients, rec)
		}
	}
	s.mu.Unlock()

	if len(recipients) == 0 {
		return
	}

	// Marshal reproduces the sender's exact frame bytes: same sequence, same
	// timestamp, byte-identical payload.
	frame := msg.Marshal()
	for _, rec := range recipients {
		if rec.tryEnqueue(frame) {
			s.forwarded.Add(1)
		} else {
			s.dropped.Add(1)
		}
	}
}

// Stats snapshots the relay state.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Forwarded: s.forwarded.Load(),
		Dropped:   s.dropped.Load(),
		Relaying:  s.relaying.Load(),
	}
	for _, rec := range s.clients {
		rec.mu.Lock()
		cfg := rec.config
		rec.mu.Unlock()
		st.Clients = append(st.Clients, ClientStatus{
			ID:       rec.id,
			Remote:   rec.conn.RemoteAddr().String(),
			Ready:    rec.ready.Load(),
			Config:   cfg,
			Received: rec.received.Load(),
			Dropped:  rec.dropped.Load(),
		})
	}
	return st
}

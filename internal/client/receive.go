// ABOUTME: Receive path: framed socket reads dispatched into the jitter buffer
// ABOUTME: Heartbeat echoes become RTT samples; framing errors end the session
package client

import (
	"context"
	"errors"
	"math"
	"net"
	"time"

	"github.com/h4r1z1b4mx/AudSync/internal/jitter"
	"github.com/h4r1z1b4mx/AudSync/pkg/protocol"
)

// newHeartbeat stamps an outgoing heartbeat and remembers its timestamp so
// the echo can be told apart from a peer-initiated heartbeat.
func (s *Supervisor) newHeartbeat() *protocol.Message {
	hb := protocol.New(protocol.TypeHeartbeat)
	hb.Header.Timestamp = protocol.Now()
	s.lastHeartbeat.Store(hb.Header.Timestamp)
	return hb
}

// receiveLoop reads framed messages until the socket closes or framing
// breaks. It owns all inbound dispatch.
func (s *Supervisor) receiveLoop(ctx context.Context, conn net.Conn, jit *jitter.Buffer) error {
	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, protocol.ErrDisconnected) {
				s.log.Info("server closed the connection")
			} else {
				// On a byte stream a bad header means the offset is corrupt;
				// resynchronizing is guesswork, so the session ends.
				s.log.Warnf("receive: %v", err)
			}
			s.fatal(err)
			return err
		}

		s.bytesReceived.Add(uint64(protocol.HeaderSize + len(msg.Payload)))

		switch msg.Header.Type {
		case protocol.TypeAudioData:
			samples, err := msg.Samples()
			if err != nil {
				s.warnings.Add(1)
				continue
			}
			jit.Insert(&jitter.Packet{
				Sequence:    msg.Header.Sequence,
				Timestamp:   msg.Header.Timestamp,
				ArrivalTime: time.Now(),
				Samples:     samples,
				SampleRate:  s.opts.Audio.SampleRate,
				Channels:    s.opts.Audio.Channels,
				Valid:       true,
			})

		case protocol.TypeHeartbeat:
			if msg.Header.Timestamp == s.lastHeartbeat.Load() {
				// Echo of our own heartbeat: fold the round trip into the EMA.
				rtt := float64(protocol.Now() - msg.Header.Timestamp)
				prev := math.Float64frombits(s.rttBits.Load())
				if prev == 0 {
					prev = rtt
				}
				s.rttBits.Store(math.Float64bits(0.9*prev + 0.1*rtt))
			} else {
				// Peer-initiated heartbeat: reply on the transmit path.
				s.enqueueFrame(msg.Marshal())
			}

		case protocol.TypeDisconnect:
			s.log.Info("server requested disconnect")
			s.fatal(protocol.ErrDisconnected)
			return nil

		default:
			s.warnings.Add(1)
		}
	}
}

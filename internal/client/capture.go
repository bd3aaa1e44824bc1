// ABOUTME: Capture path: input callback framing and bounded transmit enqueue
// ABOUTME: The callback never blocks on the socket; backpressure drops oldest
package client

import (
	"github.com/h4r1z1b4mx/AudSync/pkg/protocol"
)

// captureCallback runs on the input device's real-time thread. It frames the
// samples as AudioData and hands the bytes to the transmit task through the
// bounded queue.
func (s *Supervisor) captureCallback(samples []float32) {
	if s.State() != StateActive {
		return
	}

	seq := s.sequence.Add(1) - 1
	msg := protocol.NewAudioData(seq, protocol.Now(), samples)
	frame := msg.Marshal()

	s.enqueueFrame(frame)

	if s.SessionLog.IsLogging() {
		s.SessionLog.LogPacket(msg.Header.Timestamp, len(frame))
	}
}

// enqueueFrame queues frame bytes for the transmit task. When the queue is
// full the oldest queued frame is dropped so fresh audio wins.
func (s *Supervisor) enqueueFrame(frame []byte) {
	q := s.sendQ
	if q == nil {
		return
	}

	select {
	case q <- frame:
		return
	default:
	}

	// Full: evict the oldest entry and retry once.
	select {
	case <-q:
		s.packetsDropped.Add(1)
	default:
	}
	select {
	case q <- frame:
	default:
		s.packetsDropped.Add(1)
	}
}

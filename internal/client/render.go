// ABOUTME: Render path: jitter drain through the DSP chain into the SPSC ring
// ABOUTME: Output callback reads the ring wait-free with volume and soft-clip
package client

import (
	"context"
	"time"

	"github.com/h4r1z1b4mx/AudSync/internal/dsp"
	"github.com/h4r1z1b4mx/AudSync/pkg/audio"
)

// renderDrainLoop pulls packets from the jitter buffer at packet cadence,
// runs the optional DSP chain, and feeds the ring buffer the output callback
// reads from. It also drives the jitter buffer's periodic adaptation.
func (s *Supervisor) renderDrainLoop(ctx context.Context) error {
	interval := audio.PacketInterval(s.opts.Audio)
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	adapt := time.NewTicker(time.Second)
	defer adapt.Stop()

	jit, ring := s.jitter, s.ring

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-adapt.C:
			jit.Adapt()

		case <-ticker.C:
			pkt := jit.Drain()
			if pkt == nil {
				continue
			}

			s.chain.Process(pkt.Samples)
			ring.Write(pkt.Samples)

			if s.Recorder.IsRecording() {
				s.Recorder.WriteFloats(pkt.Samples)
			}
			if s.SessionLog.IsLogging() && pkt.Valid {
				s.SessionLog.LogAudioStats(len(pkt.Samples)*4,
					s.opts.Audio.SampleRate, s.opts.Audio.Channels, "render")
			}
		}
	}
}

// renderCallback runs on the output device's real-time thread. It reads the
// ring wait-free, zero-padding on underflow, and applies volume, mute, and
// the soft-clip limiter as a single pass.
func (s *Supervisor) renderCallback(out []float32) {
	ring := s.ring
	if ring == nil {
		for i := range out {
			out[i] = 0
		}
		return
	}

	ring.Read(out)

	gain := s.Volume()
	if s.Muted() {
		gain = 0
	}
	for i, v := range out {
		out[i] = dsp.SoftClip(v * gain)
	}
}

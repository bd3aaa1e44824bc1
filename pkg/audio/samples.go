// ABOUTME: Sample format primitives shared by the streaming pipeline
// ABOUTME: Float32 wire samples, int16 conversion with dither, packet timing math
package audio

import (
	"encoding/binary"
	"math"
	"math/rand"
	"time"

	"github.com/h4r1z1b4mx/AudSync/pkg/protocol"
)

// BytesToFloat32 decodes little-endian interleaved float samples.
func BytesToFloat32(data []byte) []float32 {
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples
}

// Float32ToBytes encodes interleaved float samples little-endian.
func Float32ToBytes(samples []float32) []byte {
	data := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(s))
	}
	return data
}

// Float32ToInt16 converts float samples to 16-bit PCM with triangular dither
// and tanh saturation above full scale.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1.0 || s < -1.0 {
			s = float32(math.Tanh(float64(s)))
		}
		s += dither()
		v := math.Round(float64(s) * 32767.0)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// dither returns triangular noise in ±0.5/32768.
func dither() float32 {
	const lsb = 0.5 / 32768.0
	return float32((rand.Float64() - rand.Float64()) * lsb)
}

// Int16ToFloat32 converts 16-bit PCM samples to float.
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// PacketInterval is the nominal time between two capture frames.
func PacketInterval(cfg protocol.AudioConfig) time.Duration {
	if cfg.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(cfg.FramesPerBuffer) / float64(cfg.SampleRate) * float64(time.Second))
}

// PacketIntervalMs is PacketInterval in fractional milliseconds.
func PacketIntervalMs(cfg protocol.AudioConfig) float64 {
	if cfg.SampleRate <= 0 {
		return 0
	}
	return float64(cfg.FramesPerBuffer) / float64(cfg.SampleRate) * 1000.0
}

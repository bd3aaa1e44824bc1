// ABOUTME: Audio device adapter interface and enumeration types
// ABOUTME: Host callbacks feed the capture and render paths without blocking
package device

import (
	"time"

	"github.com/h4r1z1b4mx/AudSync/pkg/protocol"
)

// Info describes an enumerable audio device.
type Info struct {
	ID                int
	Name              string
	MaxChannels       int
	DefaultSampleRate float64
	DefaultLatency    time.Duration
	IsDefault         bool
}

// CaptureFunc receives one interleaved float frame from the input callback.
// It runs on the host's real-time thread: it must not allocate or block.
type CaptureFunc func(samples []float32)

// RenderFunc fills one interleaved float frame for the output callback.
// Same real-time rules as CaptureFunc.
type RenderFunc func(out []float32)

// Stream is a started capture or render stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Adapter opens device streams in the host audio API.
type Adapter interface {
	InputDevices() ([]Info, error)
	OutputDevices() ([]Info, error)
	OpenInput(deviceID int, cfg protocol.AudioConfig, fn CaptureFunc) (Stream, error)
	OpenOutput(deviceID int, cfg protocol.AudioConfig, fn RenderFunc) (Stream, error)
}

// UseDefault selects the host's default device in OpenInput/OpenOutput.
const UseDefault = -1

// ABOUTME: AudioConfig payload codec for ClientConfig messages
// ABOUTME: 12-byte little-endian sample_rate/channels/frames_per_buffer triple
package protocol

import (
	"encoding/binary"
	"fmt"
)

// AudioConfigSize is the wire size of an AudioConfig payload.
const AudioConfigSize = 12

// AudioConfig declares a client's stream format.
type AudioConfig struct {
	SampleRate      int32
	Channels        int32
	FramesPerBuffer int32
}

var validSampleRates = map[int32]bool{
	8000: true, 16000: true, 22050: true, 44100: true,
	48000: true, 88200: true, 96000: true,
}

var validFrameCounts = map[int32]bool{
	32: true, 64: true, 128: true, 256: true, 512: true, 1024: true,
}

// Validate checks the config against the accepted value sets.
func (c AudioConfig) Validate() error {
	if !validSampleRates[c.SampleRate] {
		return fmt.Errorf("protocol: unsupported sample rate %d", c.SampleRate)
	}
	if c.Channels < 1 || c.Channels > 8 {
		return fmt.Errorf("protocol: channels %d out of range [1,8]", c.Channels)
	}
	if !validFrameCounts[c.FramesPerBuffer] {
		return fmt.Errorf("protocol: unsupported frames per buffer %d", c.FramesPerBuffer)
	}
	return nil
}

// Marshal encodes the config as a ClientConfig payload.
func (c AudioConfig) Marshal() []byte {
	buf := make([]byte, AudioConfigSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(c.SampleRate))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(c.Channels))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(c.FramesPerBuffer))
	return buf
}

// ParseAudioConfig decodes a ClientConfig payload.
func ParseAudioConfig(payload []byte) (AudioConfig, error) {
	if len(payload) < AudioConfigSize {
		return AudioConfig{}, fmt.Errorf("protocol: config payload too short: %d bytes", len(payload))
	}
	return AudioConfig{
		SampleRate:      int32(binary.LittleEndian.Uint32(payload[0:4])),
		Channels:        int32(binary.LittleEndian.Uint32(payload[4:8])),
		FramesPerBuffer: int32(binary.LittleEndian.Uint32(payload[8:12])),
	}, nil
}

// NewClientConfig builds a ClientConfig message carrying the config.
func NewClientConfig(c AudioConfig) *Message {
	return NewWithPayload(TypeClientConfig, c.Marshal())
}

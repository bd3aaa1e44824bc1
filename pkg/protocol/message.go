// ABOUTME: AudSync wire protocol framing and message codec
// ABOUTME: 24-byte little-endian header with magic, type, length, sequence, timestamp
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// MessageType identifies a framed message on the wire.
type MessageType uint16

const (
	TypeAudioData    MessageType = 1
	TypeHeartbeat    MessageType = 2
	TypeClientConfig MessageType = 3
	TypeDisconnect   MessageType = 4
	TypeConnect      MessageType = 5
	TypeClientReady  MessageType = 6
)

const (
	// Magic is the frame validation constant ("AUDS", little-endian).
	Magic uint32 = 0x41554453

	// HeaderSize is the fixed wire header length in bytes.
	HeaderSize = 24

	// MaxMessageSize caps the total frame length including the header.
	MaxMessageSize = 65536

	// SampleSize is the wire size of one audio sample (32-bit float).
	SampleSize = 4
)

// Decode failures are typed so callers can pick a recovery path with errors.Is.
var (
	ErrBadMagic     = errors.New("protocol: bad magic")
	ErrShortFrame   = errors.New("protocol: frame length below header size")
	ErrOversize     = errors.New("protocol: frame exceeds maximum size")
	ErrDisconnected = errors.New("protocol: peer disconnected")
	ErrPayloadSize  = errors.New("protocol: audio payload not a multiple of sample size")
)

// Header is the fixed 24-byte message header.
type Header struct {
	Magic     uint32
	Type      MessageType
	Reserved  uint16
	Length    uint32 // total frame size including the header
	Sequence  uint32 // monotonic per sender for audio, zero for control
	Timestamp uint64 // sender milliseconds since an arbitrary epoch
}

// Message is a decoded frame: header plus owned payload bytes.
type Message struct {
	Header  Header
	Payload []byte
}

// New builds a control message of the given type with an empty payload.
func New(t MessageType) *Message {
	return &Message{
		Header: Header{
			Magic:  Magic,
			Type:   t,
			Length: HeaderSize,
		},
	}
}

// NewWithPayload builds a message carrying the given payload bytes.
func NewWithPayload(t MessageType, payload []byte) *Message {
	m := New(t)
	m.Payload = payload
	m.Header.Length = uint32(HeaderSize + len(payload))
	return m
}

// NewAudioData builds an AudioData message from interleaved float samples.
func NewAudioData(sequence uint32, timestamp uint64, samples []float32) *Message {
	payload := make([]byte, len(samples)*SampleSize)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(payload[i*SampleSize:], math.Float32bits(s))
	}
	m := NewWithPayload(TypeAudioData, payload)
	m.Header.Sequence = sequence
	m.Header.Timestamp = timestamp
	return m
}

// Samples decodes an AudioData payload back to interleaved float samples.
func (m *Message) Samples() ([]float32, error) {
	if len(m.Payload)%SampleSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadSize, len(m.Payload))
	}
	samples := make([]float32, len(m.Payload)/SampleSize)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(m.Payload[i*SampleSize:]))
	}
	return samples, nil
}

// Marshal serializes the message to its exact wire representation.
func (m *Message) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], m.Header.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(m.Header.Type))
	binary.LittleEndian.PutUint16(buf[6:8], m.Header.Reserved)
	binary.LittleEndian.PutUint32(buf[8:12], m.Header.Length)
	binary.LittleEndian.PutUint32(buf[12:16], m.Header.Sequence)
	binary.LittleEndian.PutUint64(buf[16:24], m.Header.Timestamp)
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

// WriteTo writes the framed message to w.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.Marshal())
	return int64(n), err
}

// ReadMessage reads and validates one framed message from r.
//
// A short read on the header maps to ErrDisconnected (the peer closed the
// stream at a frame boundary or mid-header). Invalid magic and length bounds
// fail before any payload is read so the caller can drop the connection.
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	m := &Message{
		Header: Header{
			Magic:     binary.LittleEndian.Uint32(hdr[0:4]),
			Type:      MessageType(binary.LittleEndian.Uint16(hdr[4:6])),
			Reserved:  binary.LittleEndian.Uint16(hdr[6:8]),
			Length:    binary.LittleEndian.Uint32(hdr[8:12]),
			Sequence:  binary.LittleEndian.Uint32(hdr[12:16]),
			Timestamp: binary.LittleEndian.Uint64(hdr[16:24]),
		},
	}

	if m.Header.Magic != Magic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, m.Header.Magic)
	}
	if m.Header.Length < HeaderSize {
		return nil, fmt.Errorf("%w: %d", ErrShortFrame, m.Header.Length)
	}
	if m.Header.Length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d", ErrOversize, m.Header.Length)
	}

	payloadLen := int(m.Header.Length) - HeaderSize
	if payloadLen > 0 {
		m.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: truncated payload", ErrDisconnected)
			}
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}

	return m, nil
}

// Now returns the sender-side wire timestamp in milliseconds.
func Now() uint64 {
	return uint64(time.Now().UnixMilli())
}

// String names the message type for logs.
func (t MessageType) String() string {
	switch t {
	case TypeAudioData:
		return "AudioData"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeClientConfig:
		return "ClientConfig"
	case TypeDisconnect:
		return "Disconnect"
	case TypeConnect:
		return "Connect"
	case TypeClientReady:
		return "ClientReady"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(t))
	}
}

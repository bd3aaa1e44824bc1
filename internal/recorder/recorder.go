// ABOUTME: WAV session recorder writing 16-bit PCM with dithered conversion
// ABOUTME: Canonical 44-byte header, sizes patched on stop
package recorder

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/h4r1z1b4mx/AudSync/pkg/audio"
	"github.com/sirupsen/logrus"
)

const headerSize = 44

// Recorder writes rendered audio to a WAV file. Safe for concurrent use.
type Recorder struct {
	mu         sync.Mutex
	file       *os.File
	recording  bool
	dataSize   uint32
	sampleRate int32
	channels   int32
	log        *logrus.Entry
}

// New creates an idle recorder.
func New() *Recorder {
	return &Recorder{log: logrus.WithField("component", "recorder")}
}

// DefaultPath builds recordings/<prefix>_<YYYYmmdd_HHMMSS>.wav.
func DefaultPath(prefix string, now time.Time) string {
	return filepath.Join("recordings", fmt.Sprintf("%s_%s.wav", prefix, now.Format("20060102_150405")))
}

// Start opens path (creating parent directories) and writes the header.
func (r *Recorder) Start(path string, sampleRate, channels int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("recorder: already recording")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("recorder: create directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recorder: open output: %w", err)
	}

	r.file = f
	r.recording = true
	r.dataSize = 0
	r.sampleRate = sampleRate
	r.channels = channels

	if err := r.writeHeader(); err != nil {
		f.Close()
		r.file = nil
		r.recording = false
		return err
	}

	r.log.Infof("recording to %s (%d Hz, %d ch)", path, sampleRate, channels)
	return nil
}

// Stop patches the RIFF sizes and closes the file.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return
	}
	r.finalize()
	r.file.Close()
	r.file = nil
	r.recording = false
	r.log.Info("recording stopped")
}

// IsRecording reports whether a file is open.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// WriteSamples converts raw little-endian float payload bytes to 16-bit PCM
// and appends them. No-op when not recording.
func (r *Recorder) WriteSamples(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording || r.file == nil {
		return
	}

	pcm := audio.Float32ToInt16(audio.BytesToFloat32(data))
	buf := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}

	if _, err := r.file.Write(buf); err != nil {
		r.log.Warnf("write failed: %v", err)
		return
	}
	r.dataSize += uint32(len(buf))
}

// WriteFloats is WriteSamples for already-decoded samples.
func (r *Recorder) WriteFloats(samples []float32) {
	r.WriteSamples(audio.Float32ToBytes(samples))
}

// writeHeader emits the canonical 44-byte PCM header with zero sizes.
func (r *Recorder) writeHeader() error {
	var h [headerSize]byte
	copy(h[0:4], "RIFF")
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)        // fmt chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)         // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(r.channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(r.sampleRate))
	byteRate := uint32(r.sampleRate) * uint32(r.channels) * 2
	binary.LittleEndian.PutUint32(h[28:32], byteRate)
	binary.LittleEndian.PutUint16(h[32:34], uint16(r.channels)*2) // block align
	binary.LittleEndian.PutUint16(h[34:36], 16)                   // bits per sample
	copy(h[36:40], "data")

	if _, err := r.file.Write(h[:]); err != nil {
		return fmt.Errorf("recorder: write header: %w", err)
	}
	return nil
}

// finalize patches the RIFF and data chunk sizes in place.
func (r *Recorder) finalize() {
	var sz [4]byte
	binary.LittleEndian.PutUint32(sz[:], 36+r.dataSize)
	r.file.WriteAt(sz[:], 4)
	binary.LittleEndian.PutUint32(sz[:], r.dataSize)
	r.file.WriteAt(sz[:], 40)
}

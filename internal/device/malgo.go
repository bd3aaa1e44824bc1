// ABOUTME: Malgo/miniaudio implementation of the device adapter
// ABOUTME: Refcounted process-wide context, capture and playback streams
package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/h4r1z1b4mx/AudSync/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// The miniaudio context is process-wide. The first open acquires it and the
// last close releases it.
var (
	ctxMu     sync.Mutex
	ctxRef    int
	sharedCtx *malgo.AllocatedContext
)

func acquireContext() (*malgo.AllocatedContext, error) {
	ctxMu.Lock()
	defer ctxMu.Unlock()

	if sharedCtx == nil {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return nil, fmt.Errorf("init malgo context: %w", err)
		}
		sharedCtx = ctx
	}
	ctxRef++
	return sharedCtx, nil
}

func releaseContext() {
	ctxMu.Lock()
	defer ctxMu.Unlock()

	ctxRef--
	if ctxRef > 0 || sharedCtx == nil {
		return
	}
	if err := sharedCtx.Uninit(); err != nil {
		logrus.WithField("component", "device").Warnf("malgo context uninit: %v", err)
	}
	sharedCtx.Free()
	sharedCtx = nil
}

// MalgoAdapter implements Adapter on miniaudio.
type MalgoAdapter struct {
	log *logrus.Entry
}

// NewMalgoAdapter creates the adapter.
func NewMalgoAdapter() *MalgoAdapter {
	return &MalgoAdapter{log: logrus.WithField("component", "device")}
}

// InputDevices enumerates capture devices.
func (a *MalgoAdapter) InputDevices() ([]Info, error) {
	return a.enumerate(malgo.Capture)
}

// OutputDevices enumerates playback devices.
func (a *MalgoAdapter) OutputDevices() ([]Info, error) {
	return a.enumerate(malgo.Playback)
}

func (a *MalgoAdapter) enumerate(kind malgo.DeviceType) ([]Info, error) {
	ctx, err := acquireContext()
	if err != nil {
		return nil, err
	}
	defer releaseContext()

	devices, err := ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	infos := make([]Info, 0, len(devices))
	for i, d := range devices {
		full, err := ctx.DeviceInfo(kind, d.ID, malgo.Shared)
		info := Info{
			ID:        i,
			Name:      d.Name(),
			IsDefault: d.IsDefault != 0,
		}
		if err == nil {
			info.MaxChannels = int(full.MaxChannels)
			if full.MaxSampleRate > 0 {
				info.DefaultSampleRate = float64(full.MaxSampleRate)
			}
		}
		if info.MaxChannels == 0 {
			info.MaxChannels = 2
		}
		if info.DefaultSampleRate == 0 {
			info.DefaultSampleRate = 48000
		}
		info.DefaultLatency = 10 * time.Millisecond
		infos = append(infos, info)
	}
	return infos, nil
}

// deviceIDFor resolves an enumeration index to a malgo device ID pointer.
// UseDefault returns nil, which selects the host default.
func (a *MalgoAdapter) deviceIDFor(ctx *malgo.AllocatedContext, kind malgo.DeviceType, deviceID int) (*malgo.DeviceID, error) {
	if deviceID == UseDefault {
		return nil, nil
	}
	devices, err := ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	if deviceID < 0 || deviceID >= len(devices) {
		return nil, fmt.Errorf("device id %d out of range (%d devices)", deviceID, len(devices))
	}
	id := devices[deviceID].ID
	return &id, nil
}

// malgoStream wraps a started malgo device.
type malgoStream struct {
	device  *malgo.Device
	mu      sync.Mutex
	started bool
	closed  bool
}

func (s *malgoStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if s.started {
		return nil
	}
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("start device: %w", err)
	}
	s.started = true
	return nil
}

func (s *malgoStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return nil
	}
	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("stop device: %w", err)
	}
	s.started = false
	return nil
}

func (s *malgoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.device.Uninit()
	s.closed = true
	s.started = false
	releaseContext()
	return nil
}

// OpenInput opens a capture stream delivering float frames to fn.
func (a *MalgoAdapter) OpenInput(deviceID int, cfg protocol.AudioConfig, fn CaptureFunc) (Stream, error) {
	ctx, err := acquireContext()
	if err != nil {
		return nil, err
	}

	id, err := a.deviceIDFor(ctx, malgo.Capture, deviceID)
	if err != nil {
		releaseContext()
		return nil, err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(cfg.FramesPerBuffer)
	deviceConfig.Alsa.NoMMap = 1
	if id != nil {
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	// Reused across callbacks so the RT thread never allocates.
	frame := make([]float32, int(cfg.FramesPerBuffer)*int(cfg.Channels))

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * int(cfg.Channels)
			if n > len(frame) {
				n = len(frame)
			}
			decodeF32(input, frame[:n])
			fn(frame[:n])
		},
	}

	dev, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		releaseContext()
		return nil, fmt.Errorf("init capture device: %w", err)
	}

	a.log.Infof("capture device opened: %d Hz, %d ch, %d frames",
		cfg.SampleRate, cfg.Channels, cfg.FramesPerBuffer)
	return &malgoStream{device: dev}, nil
}

// OpenOutput opens a playback stream pulling float frames from fn.
func (a *MalgoAdapter) OpenOutput(deviceID int, cfg protocol.AudioConfig, fn RenderFunc) (Stream, error) {
	ctx, err := acquireContext()
	if err != nil {
		return nil, err
	}

	id, err := a.deviceIDFor(ctx, malgo.Playback, deviceID)
	if err != nil {
		releaseContext()
		return nil, err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(cfg.FramesPerBuffer)
	deviceConfig.Alsa.NoMMap = 1
	if id != nil {
		deviceConfig.Playback.DeviceID = id.Pointer()
	}

	frame := make([]float32, int(cfg.FramesPerBuffer)*int(cfg.Channels))

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			n := int(frameCount) * int(cfg.Channels)
			if n > len(frame) {
				n = len(frame)
			}
			fn(frame[:n])
			encodeF32(output, frame[:n])
		},
	}

	dev, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		releaseContext()
		return nil, fmt.Errorf("init playback device: %w", err)
	}

	a.log.Infof("playback device opened: %d Hz, %d ch, %d frames",
		cfg.SampleRate, cfg.Channels, cfg.FramesPerBuffer)
	return &malgoStream{device: dev}, nil
}

// decodeF32 reads little-endian float32 device bytes into samples.
func decodeF32(data []byte, samples []float32) {
	for i := range samples {
		if i*4+4 > len(data) {
			samples[i] = 0
			continue
		}
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
}

// encodeF32 writes samples as little-endian float32 device bytes.
func encodeF32(data []byte, samples []float32) {
	for i, s := range samples {
		if i*4+4 > len(data) {
			return
		}
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(s))
	}
}

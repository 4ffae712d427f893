package audio

import (
	"errors"
	"fmt"
)

const (
	SampleRate      = 44100
	Channels        = 1
	BitsPerSample   = 16
	FramesPerBuffer = 1024
	WAVHeaderSize   = 44

	bytesPerFrame = Channels * BitsPerSample / 8
)

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate      uint32
	Channels        uint32
	FramesPerBuffer uint32
}

// DefaultCaptureConfig is mono S16LE at 44.1 kHz in 1024-frame buffers.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:      SampleRate,
		Channels:        Channels,
		FramesPerBuffer: FramesPerBuffer,
	}
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

var ErrDeviceNotFound = errors.New("capture device not found")

// FindDevice returns the device with the given name.
func FindDevice(ctx Context, name string) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

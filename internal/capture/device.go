package capture

import (
	"sync"
)

// Device is a capture source that delivers frames of 16-bit samples. Open
// claims the device, Start begins frame delivery, Stop pauses it, Close
// releases the device. Implementations must tolerate Stop and Close being
// called more than once.
type Device interface {
	Open(sampleRate, channels int) error
	Start(onFrame func(samples []int16)) error
	Stop() error
	Close() error
}

// PipeDevice is an in-process Device fed by calling Push. It backs sources
// that deliver audio from elsewhere in the program, such as a decoded network
// stream or a test fixture.
type PipeDevice struct {
	mu         sync.Mutex
	open       bool
	onFrame    func([]int16)
	sampleRate int
	channels   int
}

// NewPipeDevice returns an unopened pipe device.
func NewPipeDevice() *PipeDevice {
	return &PipeDevice{}
}

func (d *PipeDevice) Open(sampleRate, channels int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return ErrDeviceBusy
	}
	d.open = true
	d.sampleRate = sampleRate
	d.channels = channels
	return nil
}

func (d *PipeDevice) Start(onFrame func(samples []int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrDeviceUnavailable
	}
	d.onFrame = onFrame
	return nil
}

func (d *PipeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFrame = nil
	return nil
}

// Close releases the device. It may be opened again afterwards.
func (d *PipeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.onFrame = nil
	return nil
}

// Push delivers one frame of samples to the consumer. Frames pushed while the
// device is stopped are discarded.
func (d *PipeDevice) Push(samples []int16) error {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return ErrDeviceUnavailable
	}
	cb := d.onFrame
	d.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
	return nil
}

// SampleRate reports the rate the device was opened with.
func (d *PipeDevice) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sampleRate
}

// Channels reports the channel count the device was opened with.
func (d *PipeDevice) Channels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels
}

package capture

import (
	"math"
	"sync"
	"time"
)

// ToneDevice is a Device that synthesizes a sine tone in real time. It stands
// in for a physical input on hosts without one and drives soak tests of the
// streaming path.
type ToneDevice struct {
	Frequency float64       // Hz, default 440
	Amplitude float64       // 0..1, default 0.4
	Frame     time.Duration // frame cadence, default 20ms

	mu         sync.Mutex
	open       bool
	running    bool
	stop       chan struct{}
	done       chan struct{}
	sampleRate int
	channels   int
	phase      float64
}

// NewToneDevice returns a tone source with default pitch and level.
func NewToneDevice() *ToneDevice {
	return &ToneDevice{Frequency: 440, Amplitude: 0.4, Frame: 20 * time.Millisecond}
}

func (d *ToneDevice) Open(sampleRate, channels int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return ErrDeviceBusy
	}
	if sampleRate <= 0 || channels <= 0 {
		return ErrDeviceUnavailable
	}
	d.open = true
	d.sampleRate = sampleRate
	d.channels = channels
	return nil
}

func (d *ToneDevice) Start(onFrame func(samples []int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrDeviceUnavailable
	}
	if d.running {
		return nil
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.generate(onFrame, d.stop, d.done)
	return nil
}

func (d *ToneDevice) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	stop, done := d.stop, d.done
	d.mu.Unlock()

	close(stop)
	<-done
	return nil
}

func (d *ToneDevice) Close() error {
	d.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func (d *ToneDevice) generate(onFrame func([]int16), stop, done chan struct{}) {
	defer close(done)

	frame := d.Frame
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	samplesPerFrame := int(int64(d.sampleRate) * int64(frame) / int64(time.Second))
	if samplesPerFrame <= 0 {
		samplesPerFrame = 1
	}
	step := 2 * math.Pi * d.Frequency / float64(d.sampleRate)
	amp := d.Amplitude * 32767

	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			buf := make([]int16, samplesPerFrame*d.channels)
			for i := 0; i < samplesPerFrame; i++ {
				v := int16(amp * math.Sin(d.phase))
				d.phase += step
				if d.phase > 2*math.Pi {
					d.phase -= 2 * math.Pi
				}
				for ch := 0; ch < d.channels; ch++ {
					buf[i*d.channels+ch] = v
				}
			}
			onFrame(buf)
		}
	}
}

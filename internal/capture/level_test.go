package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRMS(t *testing.T) {
	assert.Equal(t, 0.0, RMS(nil))
	assert.Equal(t, 0.0, RMS([]int16{0, 0, 0}))

	// Full-scale square wave has RMS of ~1.
	full := RMS([]int16{32767, -32767, 32767, -32767})
	assert.InDelta(t, 1.0, full, 0.001)

	half := RMS([]int16{16384, -16384})
	assert.InDelta(t, 0.5, half, 0.001)
}

func TestMeter_SmoothsAndClamps(t *testing.T) {
	m := NewMeter(2)
	assert.Equal(t, 0.0, m.Level())

	m.Push([]int16{32767, -32767})
	level := m.Level()
	assert.Greater(t, level, 0.9)
	assert.LessOrEqual(t, level, 1.0)

	// A silent frame pulls the smoothed level down but not to zero.
	m.Push([]int16{0, 0})
	level = m.Level()
	assert.Greater(t, level, 0.0)
	assert.Less(t, level, 0.6)

	m.Reset()
	assert.Equal(t, 0.0, m.Level())
}

func TestPCMRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345}
	data := EncodePCM(samples)
	assert.Equal(t, len(samples)*2, len(data))
	assert.Equal(t, samples, DecodePCM(data))
}

func TestToneDevice_GeneratesFrames(t *testing.T) {
	d := NewToneDevice()
	d.Frame = 5 * time.Millisecond

	assert.NoError(t, d.Open(16000, 1))
	assert.Error(t, d.Open(16000, 1))

	frames := make(chan []int16, 16)
	assert.NoError(t, d.Start(func(samples []int16) {
		select {
		case frames <- samples:
		default:
		}
	}))

	var got []int16
	select {
	case got = <-frames:
	case <-time.After(2 * time.Second):
		require.Fail(t, "no frame generated")
	}
	assert.Equal(t, 80, len(got)) // 5ms at 16kHz

	nonZero := false
	for _, s := range got {
		if s != 0 {
			nonZero = true
			break
		}
	}
	assert.True(t, nonZero)

	assert.NoError(t, d.Stop())
	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close())
}

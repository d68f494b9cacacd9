package capture

import "encoding/binary"

// EncodePCM packs 16-bit samples as little-endian bytes, the layout carried
// on the voice stream and accepted by the upload endpoint.
func EncodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM unpacks little-endian 16-bit PCM bytes into samples. A trailing
// odd byte is ignored.
func DecodePCM(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

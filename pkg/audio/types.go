package audio

import (
	"encoding/binary"
	"time"
)

// FrameType is a bitmask describing what a [Frame] carries. A frame may carry
// audio and an out-of-band event at the same time.
type FrameType uint8

const (
	// FrameNone marks an empty frame (comfort noise gap, lost packet).
	FrameNone FrameType = 0

	// FrameAudio marks a frame whose Data holds linear PCM samples.
	FrameAudio FrameType = 1 << 0

	// FrameEvent marks a frame carrying a named telephony event (e.g. DTMF).
	FrameEvent FrameType = 1 << 1
)

// Has reports whether all bits of flag are set in t.
func (t FrameType) Has(flag FrameType) bool {
	return t&flag == flag
}

// DefaultFrameDuration is the frame time base: one frame is delivered by the
// media layer every DefaultFrameDuration.
const DefaultFrameDuration = 10 * time.Millisecond

// Frame is the unit of media handed from the media layer to an engine
// channel. Frames arrive at a fixed cadence, one per frame time base.
type Frame struct {
	// Type says whether Data holds audio, an event, or nothing.
	Type FrameType

	// Data is 16-bit signed little-endian mono PCM. The sample rate is fixed
	// per stream and agreed when the channel is created.
	Data []byte
}

// Samples decodes Data into int16 samples. A trailing odd byte is ignored.
func (f Frame) Samples() []int16 {
	return BytesToSamples(f.Data)
}

// FrameSize returns the number of PCM bytes in one frame of the given
// duration at sampleRate.
func FrameSize(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate)*int64(d)/int64(time.Second)) * 2
}

// BytesToSamples converts 16-bit little-endian PCM into int16 samples.
func BytesToSamples(pcm []byte) []int16 {
	n := len(pcm) / 2
	samples := make([]int16, n)
	for i := range n {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes converts int16 samples into 16-bit little-endian PCM.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

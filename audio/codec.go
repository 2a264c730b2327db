package audio

import (
	"encoding/binary"
	"math"

	"github.com/zaf/g711"
)

// Wire format is mu-law, 8 kHz, mono: 160 bytes per 20 ms frame.
const (
	SampleRate = 8000
	FrameBytes = 160
	// ChunkBytes is the coalesced unit forwarded to the speech backend,
	// matching its expected buffering (20 frames, 400 ms).
	ChunkBytes = 20 * FrameBytes
)

// DecodeUlaw expands mu-law bytes into 16-bit signed samples.
func DecodeUlaw(ulaw []byte) []int16 {
	lpcm := g711.DecodeUlaw(ulaw)
	samples := make([]int16, len(lpcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(lpcm[2*i:]))
	}
	return samples
}

// EncodeUlaw compresses 16-bit signed samples to mu-law bytes.
func EncodeUlaw(samples []int16) []byte {
	lpcm := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(lpcm[2*i:], uint16(s))
	}
	return g711.EncodeUlaw(lpcm)
}

// RMS returns the root-mean-square amplitude of the samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ActivityDetector flags sustained caller speech. It is the default
// barge-in predicate: energy must stay above Threshold for MinFrames
// consecutive frames before Sample reports activity.
type ActivityDetector struct {
	Threshold float64
	MinFrames int

	run int
}

func NewActivityDetector(threshold float64, minFrames int) *ActivityDetector {
	return &ActivityDetector{Threshold: threshold, MinFrames: minFrames}
}

// Sample feeds one inbound mu-law frame and reports whether the sustained
// threshold has been crossed.
func (d *ActivityDetector) Sample(ulaw []byte) bool {
	if RMS(DecodeUlaw(ulaw)) >= d.Threshold {
		d.run++
	} else {
		d.run = 0
	}
	return d.run >= d.MinFrames
}

// Reset clears the consecutive-frame run, e.g. after a barge-in fired.
func (d *ActivityDetector) Reset() {
	d.run = 0
}

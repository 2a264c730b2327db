package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// PCMToWAV wraps raw 16-bit mono 8000 Hz PCM in a WAV container.
func PCMToWAV(pcmData []byte) []byte {
	var buf bytes.Buffer

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcmData)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))         // chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))          // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1))          // mono
	binary.Write(&buf, binary.LittleEndian, uint32(SampleRate)) // sample rate
	binary.Write(&buf, binary.LittleEndian, uint32(SampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))  // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16)) // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcmData)))
	buf.Write(pcmData)

	return buf.Bytes()
}

// Capture is a bounded per-session buffer of inbound mu-law audio, owned by
// one call and released at teardown. When the bound is exceeded the oldest
// audio is dropped so a long call can never grow the buffer without limit.
type Capture struct {
	mu       sync.Mutex
	maxBytes int
	buf      []byte
	dropped  int
}

func NewCapture(maxBytes int) *Capture {
	return &Capture{maxBytes: maxBytes}
}

func (c *Capture) Append(ulaw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = append(c.buf, ulaw...)
	if over := len(c.buf) - c.maxBytes; over > 0 {
		c.buf = c.buf[over:]
		c.dropped += over
	}
}

func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

func (c *Capture) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// WAV decodes the captured mu-law audio and returns it as a WAV file.
func (c *Capture) WAV() []byte {
	c.mu.Lock()
	ulaw := make([]byte, len(c.buf))
	copy(ulaw, c.buf)
	c.mu.Unlock()

	samples := DecodeUlaw(ulaw)
	pcm := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(s))
	}
	return PCMToWAV(pcm)
}

// WriteFile flushes the capture as a WAV file.
func (c *Capture) WriteFile(path string) error {
	if err := os.WriteFile(path, c.WAV(), 0o644); err != nil {
		return fmt.Errorf("error writing capture %s: %v", path, err)
	}
	return nil
}

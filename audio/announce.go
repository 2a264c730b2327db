package audio

import (
	"fmt"
	"os"
	"path/filepath"
)

// mu-law silence byte
const ulawSilence = 0xFF

// LoadAnnouncement reads a raw mu-law clip from the sounds directory and
// splits it into wire frames, padding the final frame with silence. Used for
// the spoken fallback played when the speech backend fails mid-call.
func LoadAnnouncement(soundsDir, filename string) ([][]byte, error) {
	clip, err := os.ReadFile(filepath.Join(soundsDir, filename))
	if err != nil {
		return nil, fmt.Errorf("error opening announcement %s: %v", filename, err)
	}
	return SplitFrames(clip), nil
}

// SplitFrames chops mu-law audio into FrameBytes-sized frames, padding the
// last one with silence so every frame is a full frame interval.
func SplitFrames(ulaw []byte) [][]byte {
	if len(ulaw) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(ulaw)+FrameBytes-1)/FrameBytes)
	for off := 0; off < len(ulaw); off += FrameBytes {
		frame := make([]byte, FrameBytes)
		n := copy(frame, ulaw[off:])
		for i := n; i < FrameBytes; i++ {
			frame[i] = ulawSilence
		}
		frames = append(frames, frame)
	}
	return frames
}

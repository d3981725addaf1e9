// Package audio holds the 16-bit PCM plumbing shared by the ingestion path and
// the recognizers: sample conversion, frame timing and rate normalisation.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// TargetSampleRate is the rate required by both the VAD classifiers and
	// the recognizers.
	TargetSampleRate = 16000

	// BytesPerSample for signed 16-bit little-endian mono PCM.
	BytesPerSample = 2
)

// ErrMalformedFrame is returned when a PCM payload is not a whole number of
// 16-bit samples.
var ErrMalformedFrame = errors.New("audio: frame is not a whole number of 16-bit samples")

// CheckAligned reports ErrMalformedFrame for odd-length payloads.
func CheckAligned(pcm []byte) error {
	if len(pcm)%BytesPerSample != 0 {
		return fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(pcm))
	}
	return nil
}

// FrameDuration derives the playback duration of a mono PCM payload.
func FrameDuration(nbytes, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := int64(nbytes / BytesPerSample)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesFor returns the payload size of d worth of mono PCM at sampleRate.
func BytesFor(d time.Duration, sampleRate int) int {
	samples := int64(d) * int64(sampleRate) / int64(time.Second)
	return int(samples) * BytesPerSample
}

// BytesToInt16 decodes little-endian PCM into samples. A trailing odd byte is
// ignored; callers validate alignment first.
func BytesToInt16(pcm []byte) []int16 {
	n := len(pcm) / BytesPerSample
	samples := make([]int16, n)
	for i := range n {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// Int16ToBytes encodes samples as little-endian PCM.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCMToFloat32 converts 16-bit PCM to float32 amplitudes in [-1, 1].
func PCMToFloat32(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// Float32ToInt16 is the inverse of PCMToFloat32, clamping to the int16 range.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32768.0
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// Concat joins frames into one contiguous payload.
func Concat(frames [][]byte) []byte {
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

// Split cuts pcm into consecutive frames of frameBytes. The last frame may be
// shorter when pcm is not an exact multiple.
func Split(pcm []byte, frameBytes int) [][]byte {
	if frameBytes <= 0 || len(pcm) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(pcm)+frameBytes-1)/frameBytes)
	for start := 0; start < len(pcm); start += frameBytes {
		end := min(start+frameBytes, len(pcm))
		frames = append(frames, pcm[start:end])
	}
	return frames
}

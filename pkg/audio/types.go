// Package audio holds the PCM plumbing shared by the local microphone mode:
// frame and format types, format conversion, and decoding of synthesized
// speech into playable PCM.
//
// All PCM in this package is signed 16-bit little-endian, interleaved when
// there is more than one channel.
package audio

import (
	"fmt"
	"time"
)

// bytesPerSample is the width of one int16 sample.
const bytesPerSample = 2

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether f describes a usable stream.
func (f Format) Valid() bool { return f.SampleRate > 0 && f.Channels > 0 }

// FrameSize is the number of bytes of one sample across all channels.
func (f Format) FrameSize() int { return f.Channels * bytesPerSample }

// BytesPerSecond is the data rate of the stream.
func (f Format) BytesPerSecond() int { return f.SampleRate * f.FrameSize() }

// Duration returns how long n bytes of PCM in this format play for.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Frame is a chunk of PCM audio.
type Frame struct {
	// Data is int16 little-endian PCM.
	Data []byte

	// SampleRate in Hz (16000 for the recognizer, 24000 for the speaker).
	SampleRate int

	// Channels: 1 for the microphone, 1 or 2 for decoded speech.
	Channels int

	// Timestamp marks the frame's offset from the stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns how long the frame plays for.
func (f Frame) Duration() time.Duration { return f.Format().Duration(len(f.Data)) }

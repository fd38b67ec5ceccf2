package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// FormatConverter converts frames to a target format. It logs once on the
// first format mismatch and once on the first misaligned frame.
// Create one per stream; it is not meant to be shared across goroutines.
type FormatConverter struct {
	Target Format

	// Logger receives the one-time warnings. Nil means slog.Default().
	Logger *slog.Logger

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Convert returns frame in the target format. A frame already in the target
// format is returned unchanged. Misaligned frames come back empty.
// Resampling happens before channel conversion.
func (c *FormatConverter) Convert(frame Frame) Frame {
	src := frame.Format()
	if !src.Valid() || len(frame.Data)%src.FrameSize() != 0 {
		c.warnedCorrupt.Do(func() {
			c.logger().Warn("audio: misaligned PCM frame dropped",
				"bytes", len(frame.Data), "format", src.String())
		})
		return Frame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if src == c.Target {
		return frame
	}

	c.warnedMismatch.Do(func() {
		c.logger().Info("audio: converting stream", "from", src.String(), "to", c.Target.String())
	})

	pcm := Resample16(frame.Data, src.Channels, src.SampleRate, c.Target.SampleRate)
	switch {
	case src.Channels == c.Target.Channels:
	case src.Channels == 1:
		pcm = Upmix(pcm, c.Target.Channels)
	case c.Target.Channels == 1:
		pcm = Downmix(pcm, src.Channels)
	default:
		pcm = Upmix(Downmix(pcm, src.Channels), c.Target.Channels)
	}

	return Frame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(v))
}

// Upmix copies every mono sample into each of channels outputs.
func Upmix(mono []byte, channels int) []byte {
	if channels <= 1 {
		return mono
	}
	n := len(mono) / bytesPerSample
	out := make([]byte, n*channels*bytesPerSample)
	for i := range n {
		s := sampleAt(mono, i)
		for ch := range channels {
			putSample(out, i*channels+ch, s)
		}
	}
	return out
}

// Downmix averages the channels of every frame into one mono sample.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (channels * bytesPerSample)
	out := make([]byte, frames*bytesPerSample)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(sampleAt(pcm, i*channels+ch))
		}
		putSample(out, i, int16(sum/int32(channels)))
	}
	return out
}

// Resample16 converts interleaved int16 PCM from srcRate to dstRate with
// linear interpolation per channel. Equal rates return the input.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (channels * bytesPerSample)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*bytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

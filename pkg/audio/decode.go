package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// ErrNoAudio is returned by [Decode] for an empty payload.
var ErrNoAudio = errors.New("audio: empty payload")

// mp3Channels is fixed: go-mp3 always decodes to interleaved stereo.
const mp3Channels = 2

// Decode turns a synthesized utterance into PCM. MP3 payloads are decoded;
// PCM payloads must carry their sample rate and channel count.
func Decode(a tts.Audio) (Frame, error) {
	if a.Empty() {
		return Frame{}, ErrNoAudio
	}
	switch a.Format {
	case tts.FormatMP3:
		dec, err := mp3.NewDecoder(bytes.NewReader(a.Data))
		if err != nil {
			return Frame{}, fmt.Errorf("audio: mp3 header: %w", err)
		}
		pcm, err := io.ReadAll(dec)
		if err != nil {
			return Frame{}, fmt.Errorf("audio: mp3 decode: %w", err)
		}
		return Frame{Data: pcm, SampleRate: dec.SampleRate(), Channels: mp3Channels}, nil

	case tts.FormatPCM:
		f := Format{SampleRate: a.SampleRate, Channels: a.Channels}
		if !f.Valid() {
			return Frame{}, fmt.Errorf("audio: pcm payload without format (%s)", f)
		}
		if len(a.Data)%f.FrameSize() != 0 {
			return Frame{}, fmt.Errorf("audio: pcm payload of %d bytes is not aligned to %s", len(a.Data), f)
		}
		return Frame{Data: a.Data, SampleRate: f.SampleRate, Channels: f.Channels}, nil

	default:
		return Frame{}, fmt.Errorf("audio: unsupported format %q", a.Format)
	}
}

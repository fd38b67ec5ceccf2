package audio_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFormat(t *testing.T) {
	f := audio.Format{SampleRate: 16000, Channels: 1}
	if f.BytesPerSecond() != 32000 {
		t.Errorf("BytesPerSecond = %d", f.BytesPerSecond())
	}
	if d := f.Duration(3200); d != 100*time.Millisecond {
		t.Errorf("Duration(3200) = %v", d)
	}
	if f.String() != "16000Hz mono" {
		t.Errorf("String = %q", f.String())
	}
	if s := (audio.Format{SampleRate: 48000, Channels: 6}).String(); s != "48000Hz 6ch" {
		t.Errorf("String = %q", s)
	}
	if (audio.Format{}).Valid() {
		t.Error("zero format should be invalid")
	}
	if (audio.Format{}).Duration(100) != 0 {
		t.Error("zero format should have zero duration")
	}
}

func TestUpmix(t *testing.T) {
	got := bytesToSamples(audio.Upmix(samplesToBytes([]int16{100, -200, 300}), 2))
	equalSamples(t, got, []int16{100, 100, -200, -200, 300, 300})
}

func TestDownmix(t *testing.T) {
	got := bytesToSamples(audio.Downmix(samplesToBytes([]int16{100, 200, -100, -200}), 2))
	equalSamples(t, got, []int16{150, -150})
}

func TestDownmix_NoOverflow(t *testing.T) {
	got := bytesToSamples(audio.Downmix(samplesToBytes([]int16{32767, 32767, -32768, -32768}), 2))
	equalSamples(t, got, []int16{32767, -32768})
}

func TestResample16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	if out := audio.Resample16(pcm, 1, 16000, 16000); len(out) != len(pcm) {
		t.Fatalf("length = %d, want %d", len(out), len(pcm))
	}
}

func TestResample16_Upsample(t *testing.T) {
	// 8 kHz → 16 kHz doubles the sample count and interpolates midpoints.
	got := bytesToSamples(audio.Resample16(samplesToBytes([]int16{0, 100, 200, 300}), 1, 8000, 16000))
	equalSamples(t, got, []int16{0, 50, 100, 150, 200, 250, 300, 300})
}

func TestResample16_Downsample(t *testing.T) {
	got := bytesToSamples(audio.Resample16(samplesToBytes([]int16{0, 10, 20, 30, 40, 50}), 1, 48000, 16000))
	equalSamples(t, got, []int16{0, 30})
}

func TestResample16_StereoKeepsChannelsApart(t *testing.T) {
	// L ramps up, R stays constant.
	in := samplesToBytes([]int16{0, 1000, 100, 1000})
	got := bytesToSamples(audio.Resample16(in, 2, 8000, 16000))
	equalSamples(t, got, []int16{0, 1000, 50, 1000, 100, 1000, 100, 1000})
}

func TestResample16_InvalidRates(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3})
	if out := audio.Resample16(pcm, 1, 0, 16000); len(out) != len(pcm) {
		t.Error("zero source rate should return the input")
	}
	if out := audio.Resample16(pcm, 1, 16000, -1); len(out) != len(pcm) {
		t.Error("negative target rate should return the input")
	}
}

func TestFormatConverter_Passthrough(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	in := audio.Frame{Data: samplesToBytes([]int16{1, 2}), SampleRate: 16000, Channels: 1, Timestamp: time.Second}
	out := conv.Convert(in)
	if &out.Data[0] != &in.Data[0] {
		t.Error("matching format should not copy")
	}
	if out.Timestamp != time.Second {
		t.Errorf("Timestamp = %v", out.Timestamp)
	}
}

func TestFormatConverter_DecodedSpeechToSpeaker(t *testing.T) {
	// 12 kHz stereo → 24 kHz mono.
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 24000, Channels: 1}}
	in := audio.Frame{
		Data:       samplesToBytes([]int16{100, 300, 200, 400}),
		SampleRate: 12000,
		Channels:   2,
	}
	out := conv.Convert(in)
	if out.SampleRate != 24000 || out.Channels != 1 {
		t.Fatalf("format = %s", out.Format())
	}
	equalSamples(t, bytesToSamples(out.Data), []int16{200, 250, 300, 300})
}

func TestFormatConverter_MonoToStereo(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 2}}
	out := conv.Convert(audio.Frame{Data: samplesToBytes([]int16{7, 8}), SampleRate: 16000, Channels: 1})
	equalSamples(t, bytesToSamples(out.Data), []int16{7, 7, 8, 8})
}

func TestFormatConverter_MisalignedFrameDropped(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	out := conv.Convert(audio.Frame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if len(out.Data) != 0 {
		t.Errorf("misaligned frame should come back empty, got %d bytes", len(out.Data))
	}
	out = conv.Convert(audio.Frame{Data: []byte{1, 2}, SampleRate: 16000, Channels: 2})
	if len(out.Data) != 0 {
		t.Error("half a stereo frame should be dropped")
	}
}

func TestDecode_PCM(t *testing.T) {
	data := samplesToBytes([]int16{1, 2, 3, 4})
	f, err := audio.Decode(tts.Audio{Data: data, Format: tts.FormatPCM, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	if f.SampleRate != 16000 || f.Channels != 1 || len(f.Data) != len(data) {
		t.Errorf("frame = %+v", f.Format())
	}
	if f.Duration() != 250*time.Microsecond {
		t.Errorf("Duration = %v", f.Duration())
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   tts.Audio
	}{
		{"pcm without format", tts.Audio{Data: []byte{1, 2}, Format: tts.FormatPCM}},
		{"pcm misaligned", tts.Audio{Data: []byte{1, 2, 3}, Format: tts.FormatPCM, SampleRate: 16000, Channels: 1}},
		{"unknown format", tts.Audio{Data: []byte{1, 2}, Format: "ogg"}},
		{"mp3 garbage", tts.Audio{Data: []byte("definitely not an mp3 stream"), Format: tts.FormatMP3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := audio.Decode(tt.in); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := audio.Decode(tts.Audio{Format: tts.FormatMP3}); !errors.Is(err, audio.ErrNoAudio) {
		t.Errorf("empty payload error = %v, want ErrNoAudio", err)
	}
}

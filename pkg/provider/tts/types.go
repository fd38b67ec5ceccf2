package tts

// Format identifies how Audio.Data is encoded.
type Format string

const (
	// FormatMP3 is an MPEG-1 layer III stream (possibly several concatenated).
	FormatMP3 Format = "mp3"

	// FormatPCM is signed 16-bit little-endian interleaved PCM.
	FormatPCM Format = "pcm"
)

// Audio is one synthesized utterance.
type Audio struct {
	// Data is the encoded audio. Empty when nothing was synthesized.
	Data []byte

	// Format is the encoding of Data.
	Format Format

	// SampleRate is in Hz. Zero for self-describing formats such as mp3.
	SampleRate int

	// Channels is the channel count. Zero for self-describing formats.
	Channels int
}

// Empty reports whether the payload carries no audio.
func (a Audio) Empty() bool { return len(a.Data) == 0 }

// VoiceProfile describes a TTS voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is a BCP-47 tag or provider language code (e.g. "en").
	Language string

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}

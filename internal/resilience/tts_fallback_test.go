package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voicerelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voicerelay/pkg/provider/tts/mock"
)

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("quota exceeded")}
	secondary := &ttsmock.Provider{
		SynthesizeAudio: tts.Audio{Data: []byte("mp3"), Format: tts.FormatMP3},
	}

	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("gtts", secondary)

	audio, err := fb.Synthesize(context.Background(), "hello", tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(audio.Data) != "mp3" || audio.Format != tts.FormatMP3 {
		t.Fatalf("audio = %+v, want secondary's mp3", audio)
	}
	if got := primary.Texts(); len(got) != 1 {
		t.Fatalf("primary called %d times, want 1", len(got))
	}
	if got := secondary.Texts(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("secondary texts = %v, want [hello]", got)
	}
}

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeAudio: tts.Audio{Data: []byte("a")}}
	secondary := &ttsmock.Provider{SynthesizeAudio: tts.Audio{Data: []byte("b")}}

	fb := NewTTSFallback(primary, "gtts", FallbackConfig{})
	fb.AddFallback("elevenlabs", secondary)

	audio, err := fb.Synthesize(context.Background(), "hi", tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(audio.Data) != "a" {
		t.Fatalf("audio = %q, want primary's", audio.Data)
	}
	if len(secondary.Texts()) != 0 {
		t.Fatal("secondary should not be called when primary succeeds")
	}
}

func TestTTSFallback_Synthesize_AllFail(t *testing.T) {
	fb := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errTest}, "a", FallbackConfig{})
	fb.AddFallback("b", &ttsmock.Provider{SynthesizeErr: errTest})

	_, err := fb.Synthesize(context.Background(), "hi", tts.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	primary := &ttsmock.Provider{ListVoicesErr: errors.New("unauthorized")}
	secondary := &ttsmock.Provider{
		ListVoicesResult: []tts.VoiceProfile{{ID: "en", Name: "English"}},
	}

	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{})
	fb.AddFallback("gtts", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "en" {
		t.Fatalf("voices = %+v, want [en]", voices)
	}
}

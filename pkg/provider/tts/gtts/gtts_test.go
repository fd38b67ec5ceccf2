package gtts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

func TestSplitText(t *testing.T) {
	long := strings.Repeat("word ", 100) // 500 chars
	tests := []struct {
		name   string
		text   string
		max    int
		chunks int
	}{
		{"empty", "", 200, 0},
		{"whitespace only", "   \n\t", 200, 0},
		{"short", "Hello world", 200, 1},
		{"exact", strings.Repeat("a", 200), 200, 1},
		{"long sentence", long, 200, 3},
		{"overlong word", strings.Repeat("x", 450), 200, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitText(tt.text, tt.max)
			if len(got) != tt.chunks {
				t.Fatalf("expected %d chunks, got %d: %q", tt.chunks, len(got), got)
			}
			for i, c := range got {
				if n := utf8.RuneCountInString(c); n > tt.max || n == 0 {
					t.Errorf("chunk %d has length %d", i, n)
				}
			}
		})
	}
}

func TestSplitText_PreservesWords(t *testing.T) {
	text := strings.Repeat("hello there ", 40)
	got := splitText(text, 50)
	if joined := strings.Join(got, " "); joined != strings.TrimSpace(text) {
		t.Errorf("rejoined chunks differ from normalised input:\n%q\n%q", joined, strings.TrimSpace(text))
	}
}

func TestSynthesize_ConcatenatesChunks(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mu.Lock()
		queries = append(queries, q.Get("q"))
		mu.Unlock()
		if q.Get("client") != "tw-ob" || q.Get("ie") != "UTF-8" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if q.Get("tl") != "de" {
			t.Errorf("expected tl=de, got %q", q.Get("tl"))
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("mp3-" + q.Get("idx") + ";"))
	}))
	defer srv.Close()

	p := New(WithEndpoint(srv.URL), WithLanguage("en"))
	text := strings.Repeat("guten tag ", 30) // 300 chars
	audio, err := p.Synthesize(context.Background(), text, tts.VoiceProfile{Language: "de"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if audio.Format != tts.FormatMP3 {
		t.Errorf("expected mp3, got %q", audio.Format)
	}
	if string(audio.Data) != "mp3-0;mp3-1;" {
		t.Errorf("unexpected payload %q", audio.Data)
	}
	if len(queries) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(queries))
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p := New(WithEndpoint("http://127.0.0.1:0"))
	if _, err := p.Synthesize(context.Background(), "  ", tts.VoiceProfile{}); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestSynthesize_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := New(WithEndpoint(srv.URL))
	_, err := p.Synthesize(context.Background(), "Hello", tts.VoiceProfile{})
	if err == nil {
		t.Fatal("expected error on 429")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestListVoices(t *testing.T) {
	p := New(WithLanguage("fr"))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].Language != "fr" || voices[0].Provider != "gtts" {
		t.Errorf("unexpected voices: %+v", voices)
	}
}

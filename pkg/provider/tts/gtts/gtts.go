// Package gtts provides a TTS provider backed by the Google Translate speech
// endpoint. It needs no credentials and returns mp3 audio.
//
// Long texts are split into chunks of at most [MaxChunkLen] characters on word
// boundaries. Each chunk is fetched separately and the mp3 segments are
// concatenated, which decoders and browsers play back as one stream.
package gtts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

const (
	defaultEndpoint = "https://translate.google.com/translate_tts"
	defaultLanguage = "en"
	defaultTimeout  = 15 * time.Second
	userAgent       = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	// MaxChunkLen is the longest text (in characters) sent in one request.
	MaxChunkLen = 200
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithLanguage sets the default language code (e.g. "en", "de").
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithEndpoint overrides the speech endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider using Google Translate TTS.
type Provider struct {
	endpoint   string
	language   string
	httpClient *http.Client
}

// New creates a Provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		endpoint:   defaultEndpoint,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Synthesize implements tts.Provider. voice.Language, when set, overrides the
// provider language.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Audio, error) {
	chunks := splitText(text, MaxChunkLen)
	if len(chunks) == 0 {
		return tts.Audio{}, errors.New("gtts: no text to speak")
	}
	lang := p.language
	if voice.Language != "" {
		lang = voice.Language
	}

	var out []byte
	for i, chunk := range chunks {
		data, err := p.fetch(ctx, chunk, lang, i, len(chunks))
		if err != nil {
			return tts.Audio{}, err
		}
		out = append(out, data...)
	}
	return tts.Audio{Data: out, Format: tts.FormatMP3}, nil
}

func (p *Provider) fetch(ctx context.Context, chunk, lang string, idx, total int) ([]byte, error) {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("client", "tw-ob")
	q.Set("tl", lang)
	q.Set("q", chunk)
	q.Set("total", strconv.Itoa(total))
	q.Set("idx", strconv.Itoa(idx))
	q.Set("textlen", strconv.Itoa(utf8.RuneCountInString(chunk)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("gtts: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", "https://translate.google.com/")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gtts: request chunk %d/%d: %w", idx+1, total, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("gtts: chunk %d/%d: unexpected status %d: %s", idx+1, total, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gtts: read chunk %d/%d: %w", idx+1, total, err)
	}
	return data, nil
}

// ListVoices implements tts.Provider. The endpoint has one voice per language;
// only the configured language is reported.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	return []tts.VoiceProfile{{
		ID:       p.language,
		Name:     "Google Translate (" + p.language + ")",
		Provider: "gtts",
		Language: p.language,
	}}, nil
}

// splitText breaks text into chunks of at most max runes, preferring word
// boundaries. Words longer than max are hard-split.
func splitText(text string, max int) []string {
	words := strings.FieldsFunc(text, unicode.IsSpace)
	var chunks []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, w := range words {
		wl := utf8.RuneCountInString(w)
		for wl > max {
			flush()
			r := []rune(w)
			chunks = append(chunks, string(r[:max]))
			w = string(r[max:])
			wl -= max
		}
		if curLen > 0 && curLen+1+wl > max {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(w)
		curLen += wl
	}
	flush()
	return chunks
}

var _ tts.Provider = (*Provider)(nil)

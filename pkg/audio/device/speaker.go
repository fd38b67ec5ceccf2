package device

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// DefaultSpeakerBuffer is the oto output buffer length.
const DefaultSpeakerBuffer = 100 * time.Millisecond

// pollInterval is how often Play checks whether playback has finished.
const pollInterval = 10 * time.Millisecond

// Speaker plays synthesized speech on the default output device. Replies are
// played one at a time in call order.
//
// oto allows a single context per process, so create one Speaker and share
// it.
type Speaker struct {
	otx    *oto.Context
	format audio.Format
	log    *slog.Logger

	// mu serialises playback and guards conv.
	mu   sync.Mutex
	conv audio.FormatConverter
}

// NewSpeaker opens the default output device in format and waits until it is
// ready.
func NewSpeaker(format audio.Format, log *slog.Logger) (*Speaker, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("device: invalid speaker format %s", format)
	}
	if log == nil {
		log = slog.Default()
	}
	otx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   DefaultSpeakerBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("device: open speaker: %w", err)
	}
	<-ready
	log.Info("speaker ready", "format", format.String())
	return &Speaker{
		otx:    otx,
		format: format,
		log:    log,
		conv:   audio.FormatConverter{Target: format, Logger: log},
	}, nil
}

// Format returns the output format.
func (s *Speaker) Format() audio.Format { return s.format }

// Play decodes a and blocks until it has been played or ctx is done.
func (s *Speaker) Play(ctx context.Context, a tts.Audio) error {
	frame, err := audio.Decode(a)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	frame = s.conv.Convert(frame)
	if len(frame.Data) == 0 {
		return nil
	}

	p := s.otx.NewPlayer(bytes.NewReader(frame.Data))
	defer p.Close()
	p.Play()
	s.log.Debug("playing reply", "duration", frame.Duration().Round(time.Millisecond))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for p.IsPlaying() {
		select {
		case <-ctx.Done():
			p.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return p.Err()
}

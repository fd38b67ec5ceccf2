package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicerelay/internal/app"
	"github.com/MrWong99/voicerelay/internal/turn"
	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/audio/device"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

func newMicCmd(opts *rootOptions) *cobra.Command {
	var textOnly bool
	cmd := &cobra.Command{
		Use:   "mic",
		Short: "Talk to the assistant through the local microphone and speaker",
		Long: `Capture the default microphone, stream it to the recognizer and play
every reply on the default speaker. Replies are also printed as "AI: <text>".

The session ends after two silent periods (the first one prompts a check-in),
on Ctrl+C, or when the recognizer or the microphone goes away.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))
			return runMic(ctx, cmd.OutOrStdout(), rt, textOnly)
		},
	}
	cmd.Flags().BoolVar(&textOnly, "text-only", false, "print replies without playing them")
	return cmd
}

func runMic(ctx context.Context, out io.Writer, rt *runtime, textOnly bool) error {
	cfg := rt.cfg
	application, err := app.New(ctx, cfg, rt.providers, rt.appOptions()...)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}
	defer func() {
		if err := application.Shutdown(context.WithoutCancel(ctx)); err != nil {
			rt.log.Warn("shutdown", "err", err)
		}
	}()

	var speaker player
	if !textOnly {
		sp, err := device.NewSpeaker(audio.Format{SampleRate: cfg.Audio.OutputSampleRate, Channels: 1}, rt.log)
		if err != nil {
			rt.log.Warn("speaker unavailable, replies are printed only", "err", err)
		} else {
			speaker = sp
		}
	}

	capture := device.NewCapture(
		audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels},
		device.WithCaptureLogger(rt.log),
	)
	sink := newConsoleSink(out, speaker, rt.log)

	sess, err := application.Sessions().Start(ctx, app.StartRequest{
		Kind:              app.KindMicrophone,
		Sink:              sink,
		Capture:           capture,
		RequireRecognizer: true,
	})
	if err != nil {
		return err
	}

	go pumpAudio(ctx, capture.Chunks(), sess, rt.log)

	fmt.Fprintln(out, "Listening. Speak into your microphone, Ctrl+C to stop.")
	<-sess.Done()

	reason := sink.reason()
	rt.log.Info("microphone session ended", "reason", reason)
	if reason == turn.ReasonRecognizerClosed || reason == turn.ReasonCaptureStopped {
		return fmt.Errorf("session ended: %s", reason)
	}
	return nil
}

// pumpAudio forwards captured PCM to the session until either side ends.
func pumpAudio(ctx context.Context, chunks <-chan []byte, sess *turn.Session, log *slog.Logger) {
	for chunk := range chunks {
		if err := sess.SendAudio(ctx, chunk); err != nil {
			if !errors.Is(err, turn.ErrSessionClosed) && !errors.Is(err, context.Canceled) {
				log.Warn("forward microphone audio", "err", err)
			}
			return
		}
	}
}

// player plays synthesized speech.
type player interface {
	Play(ctx context.Context, a tts.Audio) error
}

// consoleSink prints replies and notices as "AI: <text>" and plays reply
// audio when a player is present.
type consoleSink struct {
	out    io.Writer
	player player
	log    *slog.Logger

	mu     sync.Mutex
	closed string
}

func newConsoleSink(out io.Writer, p player, log *slog.Logger) *consoleSink {
	return &consoleSink{out: out, player: p, log: log}
}

func (s *consoleSink) print(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.out, "AI: %s\n", text)
	return err
}

// Reply prints the answer and plays its audio. Playback problems are logged;
// the conversation goes on.
func (s *consoleSink) Reply(ctx context.Context, r turn.Reply) error {
	if err := s.print(r.Text); err != nil {
		return err
	}
	if s.player == nil || r.Audio.Empty() {
		return nil
	}
	if err := s.player.Play(ctx, r.Audio); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("play reply", "err", err)
	}
	return nil
}

func (s *consoleSink) Notice(_ context.Context, text string) error {
	return s.print(text)
}

func (s *consoleSink) Closed(_ context.Context, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = reason
}

func (s *consoleSink) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio and emits
// Transcript values in the order the service produced them, plus any
// recognition errors on a separate channel.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SendAudio after the session has been closed.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session. Zero values fall back to the provider defaults.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (16000 for the microphone path).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	Language string

	// Encoding names the raw audio encoding, e.g. "linear16".
	Encoding string

	// Punctuate asks the service to insert punctuation and capitalisation.
	Punctuate bool

	// Endpointing is how much trailing silence the service waits for before
	// flagging a result as speech-final. Zero leaves the service default.
	Endpointing time.Duration

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider. Calling
	// SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Results emits interim and final transcripts in arrival order. The channel
	// is closed when the session ends.
	Results() <-chan Transcript

	// Errors emits recognition failures. At most one error is delivered before
	// the session ends; the channel is closed when the session ends.
	Errors() <-chan error

	// Close signals the service that no more audio follows and releases the
	// connection. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The caller owns
	// the returned SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

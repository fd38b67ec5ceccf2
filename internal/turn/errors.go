package turn

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by [Session] operations after the session has
// reached [StateClosed].
var ErrSessionClosed = errors.New("turn: session is closed")

// ServiceError reports a failure of an external API: the speech recognizer,
// the chat-completion service, or the speech synthesizer.
type ServiceError struct {
	// Service names the failing collaborator: "stt", "llm" or "tts".
	Service string

	// Err is the underlying provider error.
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s service: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// TransportError reports that the client channel went away or could not be
// written to. It ends the session.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConfigurationError reports a missing credential or an unusable setting.
// Startup aborts before any session begins when one is returned.
type ConfigurationError struct {
	// Field is the dotted config path, e.g. "providers.llm.api_key".
	Field string

	// Reason says what is wrong with it.
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

package stt

import "time"

// Transcript is one recognition result. Both interim and final results use
// this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal reports that the service will not revise this segment again.
	IsFinal bool

	// SpeechFinal reports that the service detected the end of an utterance
	// (endpointing fired) after this segment.
	SpeechFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero.
	Confidence float64

	// Words contains per-word detail when available.
	Words []WordDetail
}

// Final reports whether the transcript is authoritative, either because the
// segment is final or because the utterance ended with it.
func (t Transcript) Final() bool {
	return t.IsFinal || t.SpeechFinal
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost represents a keyword to boost in STT recognition.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

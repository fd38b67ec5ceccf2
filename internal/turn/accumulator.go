package turn

import "strings"

// Accumulator holds the text parts of the utterance currently being spoken.
// It is owned by a single session loop and is not safe for concurrent use.
type Accumulator struct {
	parts []string
}

// Add appends one recognized part.
func (a *Accumulator) Add(text string) {
	a.parts = append(a.parts, text)
}

// Full returns all parts joined by a single space, or "" when empty.
func (a *Accumulator) Full() string {
	return strings.Join(a.parts, " ")
}

// Reset clears the accumulated parts.
func (a *Accumulator) Reset() {
	a.parts = a.parts[:0]
}

// Len returns the number of parts added since the last reset.
func (a *Accumulator) Len() int { return len(a.parts) }

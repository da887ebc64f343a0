package dialogue

import "strings"

// History is the trimmed record of completed turns the controller
// keeps for prompting the LLM, generalized from
// internal/agent/session.go's slice-of-turns-trimmed-to-N shape.
type History struct {
	turns     []Turn
	maxLength int
}

// NewHistory returns an empty History capped at maxLength turns.
func NewHistory(maxLength int) *History {
	if maxLength <= 0 {
		maxLength = 1
	}
	return &History{maxLength: maxLength}
}

// Append adds a completed turn, trimming the oldest entry if the
// history has grown past its cap.
func (h *History) Append(t Turn) {
	h.turns = append(h.turns, t)
	if len(h.turns) > h.maxLength {
		h.turns = h.turns[len(h.turns)-h.maxLength:]
	}
}

// Turns returns a copy of the current history, oldest first.
func (h *History) Turns() []Turn {
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Last returns the most recent n turns (fewer if history is shorter),
// for the context window the LLM prompt is built from.
func (h *History) Last(n int) []Turn {
	if n <= 0 || n > len(h.turns) {
		n = len(h.turns)
	}
	return append([]Turn(nil), h.turns[len(h.turns)-n:]...)
}

// Snapshot renders the last n turns plus the current draft text as
// one string, used to detect whether a new ASR partial has diverged
// from the prompt a running generation was started against.
func Snapshot(history []Turn, draftText string) string {
	var b strings.Builder
	for _, t := range history {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	b.WriteString("user: ")
	b.WriteString(draftText)
	return b.String()
}

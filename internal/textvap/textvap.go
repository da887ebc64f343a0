// Package textvap implements the Text-VAP Adapter: a rate-limited,
// single-in-flight LLM call per ASR partial that produces a structured
// backchannel reaction, parsed with a strict label-prefix convention
// and silently dropped on any parse failure.
package textvap

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/leo-huovi/remdis/internal/llm"
)

// Reaction is the structured result of one Text-VAP call, carrying the
// same fields the Dialogue Controller forwards as a BACKCHANNEL IU
// payload.
type Reaction struct {
	Intensity  int // 1..9
	Expression string
	Action     string
	Concept    string
}

// Caller is the subset of *llm.Client Adapter depends on.
type Caller interface {
	Generate(ctx context.Context, messages []llm.Message) (string, error)
}

// Adapter rate-limits calls to at most one in flight: a React call
// that arrives while a previous one is still running returns
// (nil, nil) immediately rather than queuing, matching
// original_source/modules/text_vap.py's single-worker reaction loop.
type Adapter struct {
	client       Caller
	systemPrompt string
	inFlight     atomic.Bool
}

// NewAdapter returns an Adapter backed by client.
func NewAdapter(client Caller, systemPrompt string) *Adapter {
	return &Adapter{client: client, systemPrompt: systemPrompt}
}

// React issues one structured-reaction call for the current partial
// user utterance text. It returns (nil, nil) both when another call is
// already in flight and when the model's response fails to parse —
// both are silent-drop conditions, not errors.
func (a *Adapter) React(ctx context.Context, partial string) (*Reaction, error) {
	if !a.inFlight.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer a.inFlight.Store(false)

	messages := []llm.Message{
		{Role: "system", Content: a.systemPrompt},
		{Role: "user", Content: partial},
	}
	text, err := a.client.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("textvap.React: %w", err)
	}

	reaction, ok := parseReaction(text)
	if !ok {
		return nil, nil
	}
	return reaction, nil
}

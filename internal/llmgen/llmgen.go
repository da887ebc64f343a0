// Package llmgen is the LLM Streaming Adapter: it wraps a raw
// token-streaming client with a first-token timeout and cooperative
// cancellation, so the Dialogue Controller can abandon a speculative
// generation the instant the user's utterance diverges.
package llmgen

import (
	"context"
	"time"

	"github.com/leo-huovi/remdis/internal/errs"
	"github.com/leo-huovi/remdis/internal/llm"
)

// Streamer is the subset of *llm.Client's surface Generator depends
// on; tests substitute a fake that doesn't hit the network.
type Streamer interface {
	Stream(ctx context.Context, messages []llm.Message) (<-chan string, <-chan error)
}

// Generator streams LLM completions with a bounded wait for the first
// token. Grounded on original_source/modules/llm.py's ResponseGenerator,
// adapted here to emit raw tokens only — chunking into TEXT IUs on
// punctuation boundaries is the Dialogue Controller's job, per the
// component split in SPEC_FULL.md §4.
type Generator struct {
	client            Streamer
	systemPrompt      string
	firstTokenTimeout time.Duration
}

// NewGenerator returns a Generator backed by client.
func NewGenerator(client Streamer, systemPrompt string, firstTokenTimeout time.Duration) *Generator {
	return &Generator{client: client, systemPrompt: systemPrompt, firstTokenTimeout: firstTokenTimeout}
}

// Generate starts one streaming completion for the given history plus
// a final user prompt. The returned token channel is closed when the
// stream ends normally, when ctx is cancelled (cooperative cancel —
// the caller cancels ctx to abandon this generation), or when the
// first-token timeout elapses with nothing yet received. errc carries
// at most one error and is closed once the generation ends, so a
// receive after a clean end yields nil.
func (g *Generator) Generate(ctx context.Context, history []llm.Message, prompt string) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)

	genCtx, cancel := context.WithCancel(ctx)

	messages := make([]llm.Message, 0, len(history)+2)
	if g.systemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: g.systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	tokens, streamErrc := g.client.Stream(genCtx, messages)

	go func() {
		defer close(errc)
		defer close(out)
		defer cancel()

		timer := time.NewTimer(g.firstTokenTimeout)
		defer timer.Stop()
		first := true

		for {
			select {
			case tok, ok := <-tokens:
				if !ok {
					// The streamer sends any error before closing its
					// token channel and never sends on a clean end.
					select {
					case err := <-streamErrc:
						if err != nil {
							errc <- err
						}
					default:
					}
					return
				}
				if first {
					timer.Stop()
					first = false
				}
				select {
				case out <- tok:
				case <-ctx.Done():
					return
				}
			case <-timer.C:
				if first {
					cancel()
					errc <- errs.New(errs.KindUpstreamTimeout, "llmgen.Generate", nil)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errc
}

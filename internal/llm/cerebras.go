// Package llm is the raw streaming chat-completions client the LLM
// Streaming Adapter and the Text-VAP Adapter are both built on.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/leo-huovi/remdis/internal/errs"
)

// Client is a Cerebras-compatible chat-completions client built on a
// plain net/http client, since Cerebras ships no official Go SDK.
type Client struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	Endpoint   string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
	Delta        chatMessage `json:"delta"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
}

// NewClient returns a Client for Cerebras' OpenAI-compatible endpoint.
func NewClient(apiKey, model string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		Endpoint:   "https://api.cerebras.ai/v1/chat/completions",
	}
}

// Message is one turn of conversation history passed to Generate/Stream.
type Message struct {
	Role    string
	Content string
}

// Generate issues a single non-streaming completion, used by the
// Text-VAP Adapter which needs one blocking structured-response call.
func (c *Client) Generate(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.do(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", errs.New(errs.KindUpstreamFailure, "llm.Generate", err)
	}
	if len(cr.Choices) == 0 {
		return "", errs.New(errs.KindUpstreamFailure, "llm.Generate", fmt.Errorf("empty choices"))
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

// Stream issues a streaming completion and emits one string per token
// delta on the returned channel, in the order the upstream produced
// them (no reordering or merging). The channel is closed when the
// stream ends or ctx is cancelled; a non-nil error on errc means the
// stream ended abnormally.
func (c *Client) Stream(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(tokens)

		resp, err := c.do(ctx, messages, true)
		if err != nil {
			errc <- err
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}
			if payload == "" {
				continue
			}

			var chunk chatCompletionsResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue // malformed SSE frame; skip rather than abort the stream
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case tokens <- delta:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- errs.New(errs.KindUpstreamFailure, "llm.Stream", err)
		}
	}()

	return tokens, errc
}

func (c *Client) do(ctx context.Context, messages []Message, stream bool) (*http.Response, error) {
	if c.APIKey == "" {
		return nil, errs.New(errs.KindConfigInvalid, "llm", fmt.Errorf("api key missing"))
	}

	chatMessages := make([]chatMessage, len(messages))
	for i, m := range messages {
		chatMessages[i] = chatMessage{Role: m.Role, Content: m.Content}
	}

	reqBody, err := json.Marshal(chatCompletionsRequest{Model: c.Model, Messages: chatMessages, Stream: stream})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errs.New(errs.KindUpstreamFailure, "llm.do", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errs.New(errs.KindUpstreamFailure, "llm.do", fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b)))
	}
	return resp, nil
}

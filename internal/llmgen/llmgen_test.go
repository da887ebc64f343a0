package llmgen

import (
	"context"
	"testing"
	"time"

	"github.com/leo-huovi/remdis/internal/errs"
	"github.com/leo-huovi/remdis/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStreamer struct {
	tokens   []string
	delay    time.Duration
	err      error
	gotClose chan struct{}
}

func (f *fakeStreamer) Stream(ctx context.Context, messages []llm.Message) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return
			}
		}
		for _, tok := range f.tokens {
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
		if f.err != nil {
			errc <- f.err
		}
		if f.gotClose != nil {
			close(f.gotClose)
		}
	}()
	return out, errc
}

func TestGenerateEmitsTokensInOrder(t *testing.T) {
	g := NewGenerator(&fakeStreamer{tokens: []string{"a", "b", "c"}}, "sys", time.Second)
	tokens, errc := g.Generate(context.Background(), nil, "hi")

	var got []string
	for tok := range tokens {
		got = append(got, tok)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Nil(t, <-errc)
}

func TestGenerateFirstTokenTimeout(t *testing.T) {
	g := NewGenerator(&fakeStreamer{tokens: []string{"late"}, delay: time.Second}, "sys", 20*time.Millisecond)
	tokens, errc := g.Generate(context.Background(), nil, "hi")

	for range tokens {
		t.Fatal("expected no tokens before first-token timeout")
	}
	err := <-errc
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindUpstreamTimeout))
}

func TestGenerateCooperativeCancel(t *testing.T) {
	closed := make(chan struct{})
	g := NewGenerator(&fakeStreamer{tokens: []string{"a", "b", "c"}, delay: 10 * time.Millisecond, gotClose: closed}, "sys", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	tokens, _ := g.Generate(ctx, nil, "hi")
	cancel()

	for range tokens {
		// drain; channel must close promptly after cancel
	}
}

package dialogue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/iu"
	"github.com/leo-huovi/remdis/internal/llm"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBus is a minimal bus.Bus fake that records every Publish
// call instead of actually delivering to subscribers, so controller
// tests can assert on emitted IUs without a real dispatch loop.
type recordingBus struct {
	mu        sync.Mutex
	published []published
}

type published struct {
	topic bus.Topic
	msg   iu.IU
}

func (b *recordingBus) Publish(ctx context.Context, topic bus.Topic, msg iu.IU) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{topic: topic, msg: msg})
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, topic bus.Topic) (<-chan iu.IU, error) {
	ch := make(chan iu.IU)
	close(ch)
	return ch, nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) onTopic(topic bus.Topic) []iu.IU {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []iu.IU
	for _, p := range b.published {
		if p.topic == topic {
			out = append(out, p.msg)
		}
	}
	return out
}

type fakeGen struct {
	tokens []string
	err    error
	delay  time.Duration
}

func (g *fakeGen) Generate(ctx context.Context, history []llm.Message, prompt string) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		for _, tok := range g.tokens {
			if g.delay > 0 {
				select {
				case <-time.After(g.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
		if g.err != nil {
			errc <- g.err
		}
	}()
	return out, errc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func defaultConfig() Config {
	return Config{
		Threshold:               0.8,
		HistoryLength:           10,
		MaxMessageNumInContext:  10,
		SplitPattern:            `[,.?!]`,
		Backchannels:            []string{"Mm-hmm.", "I see."},
		MaxVerbalBackchannelNum: 2,
	}
}

// echoTTS simulates a TTS adapter: it watches b's published TEXT
// chunks and, upon seeing the chain's COMMIT, feeds the matching
// TTS_AUDIO COMMIT back into the controller, exactly as the real
// tts package does when a synthesis stream finishes cleanly.
func echoTTS(t *testing.T, ctx context.Context, b *recordingBus, c *Controller) {
	t.Helper()
	waitFor(t, time.Second, func() bool {
		for _, msg := range b.onTopic(TopicText) {
			if msg.UpdateType == iu.Commit {
				tip := iu.IU{ID: msg.PreviousID, DataType: iu.Text}
				ttsCommit := iu.NewCommit("tts", tip, nil)
				_ = c.OnIU(ctx, TopicTTSAudio, ttsCommit)
				return true
			}
		}
		return false
	})
}

func TestSimpleTurnEndToEnd(t *testing.T) {
	b := &recordingBus{}
	gen := &fakeGen{tokens: []string{"Hello", ",", " world", "."}}
	c := New(b, gen, defaultConfig(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, c.OnIU(ctx, TopicASRCommit, iu.New("asr", iu.AsrCommit, []byte("hi there"), nil)))

	waitFor(t, time.Second, func() bool { return c.State() == Speaking })
	echoTTS(t, ctx, b, c)
	waitFor(t, time.Second, func() bool { return c.State() == Idle })

	chunks := b.onTopic(TopicText)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, iu.Commit, chunks[len(chunks)-1].UpdateType)

	history := c.history.Turns()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
}

func TestBargeInRevokesActiveChain(t *testing.T) {
	b := &recordingBus{}
	gen := &fakeGen{tokens: []string{"Hello", ",", " wo", "rld", " this", " is", " a", " long", " reply", "."}, delay: 15 * time.Millisecond}
	c := New(b, gen, defaultConfig(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, c.OnIU(ctx, TopicASRCommit, iu.New("asr", iu.AsrCommit, []byte("hi"), nil)))
	waitFor(t, time.Second, func() bool { return c.State() == Speaking })

	require.NoError(t, c.OnIU(ctx, TopicASRPartial, iu.New("asr", iu.AsrToken, []byte("wait stop"), map[string]any{"stability": 0.9})))
	waitFor(t, time.Second, func() bool { return c.State() == Listening })

	revoked := false
	for _, msg := range b.onTopic(TopicText) {
		if msg.UpdateType == iu.Revoke {
			revoked = true
		}
	}
	assert.True(t, revoked, "barge-in should have published a REVOKE on the in-flight chain")
}

func TestLowStabilityPartialDoesNotBargeInDuringSpeaking(t *testing.T) {
	b := &recordingBus{}
	gen := &fakeGen{tokens: []string{"Hello", ",", " wo", "rld", " this", " is", " a", " long", " reply", "."}, delay: 15 * time.Millisecond}
	c := New(b, gen, defaultConfig(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, c.OnIU(ctx, TopicASRCommit, iu.New("asr", iu.AsrCommit, []byte("hi"), nil)))
	waitFor(t, time.Second, func() bool { return c.State() == Speaking })

	require.NoError(t, c.OnIU(ctx, TopicASRPartial, iu.New("asr", iu.AsrToken, []byte("uh"), map[string]any{"stability": 0.3})))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, Speaking, c.State(), "a low-stability partial must not barge in while SPEAKING")
}

func TestDivergentRevisionRestartsGeneration(t *testing.T) {
	b := &recordingBus{}
	gen := &fakeGen{tokens: []string{"foo", "."}, delay: 30 * time.Millisecond}
	c := New(b, gen, defaultConfig(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, c.OnIU(ctx, TopicASRPartial, iu.New("asr", iu.AsrToken, []byte("hello"), nil)))
	waitFor(t, time.Second, func() bool { return c.GenerationID() != "" })
	firstGenID := c.GenerationID()

	// "hello" -> "help" is a revision of the same word, not a one-token
	// extension, so it must diverge and restart.
	require.NoError(t, c.OnIU(ctx, TopicASRPartial, iu.New("asr", iu.AsrToken, []byte("help"), nil)))
	waitFor(t, time.Second, func() bool { return c.GenerationID() != firstGenID })
}

func TestLLMFailureRevokesAndReturnsToListening(t *testing.T) {
	b := &recordingBus{}
	gen := &fakeGen{tokens: []string{"Hel", "lo,"}, err: assertErr{}}
	c := New(b, gen, defaultConfig(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, c.OnIU(ctx, TopicASRPartial, iu.New("asr", iu.AsrToken, []byte("hi"), nil)))
	waitFor(t, time.Second, func() bool { return c.State() == Listening && len(b.onTopic(TopicText)) > 0 })

	revoked := false
	for _, msg := range b.onTopic(TopicText) {
		if msg.UpdateType == iu.Revoke {
			revoked = true
		}
	}
	assert.True(t, revoked)
}

type assertErr struct{}

func (assertErr) Error() string { return "upstream exploded" }

func TestBackchannelForwardsStateWithoutInterruptingSpeech(t *testing.T) {
	b := &recordingBus{}
	gen := &fakeGen{tokens: []string{"Long", " reply", "."}, delay: 20 * time.Millisecond}
	c := New(b, gen, defaultConfig(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, c.OnIU(ctx, TopicASRCommit, iu.New("asr", iu.AsrCommit, []byte("tell me a story"), nil)))
	waitFor(t, time.Second, func() bool { return c.State() == Speaking })

	payload := []byte(`{"Intensity":7,"Expression":"curious","Action":"nod","Concept":"story"}`)
	require.NoError(t, c.OnIU(ctx, TopicBCSuggest, iu.New("textvap", iu.Backchannel, payload, nil)))

	// While SPEAKING, state stays SPEAKING (no verbal backchannel
	// preempts the main response), but the expression/action/concept
	// are still forwarded as a SYSTEM_STATE IU.
	assert.Equal(t, Speaking, c.State())
	found := false
	for _, msg := range b.onTopic(TopicSystemState) {
		if string(msg.Payload) != "" {
			found = true
		}
	}
	assert.True(t, found, "expected at least one system.state IU")
}

func TestTimeoutPromptInvokesGenerationAndReturnsToIdle(t *testing.T) {
	b := &recordingBus{}
	gen := &fakeGen{tokens: []string{"Are", " you", " still there?"}}
	c := New(b, gen, defaultConfig(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, c.OnIU(ctx, TopicIntent, iu.New("intention", iu.Intent, []byte("the user has gone quiet, check in"), nil)))
	assert.Equal(t, TimeoutPrompt, c.State())

	waitFor(t, time.Second, func() bool { return c.State() == Speaking })

	// The timeout prompt went through a real generation, not the
	// prompt template text spoken verbatim.
	for _, msg := range b.onTopic(TopicText) {
		assert.NotContains(t, string(msg.Payload), "the user has gone quiet")
	}

	echoTTS(t, ctx, b, c)
	waitFor(t, time.Second, func() bool { return c.State() == Idle })

	history := c.history.Last(10)
	require.Len(t, history, 1)
	assert.Equal(t, "assistant", history[0].Role)
	assert.Equal(t, "Are you still there?", history[0].Text)
}

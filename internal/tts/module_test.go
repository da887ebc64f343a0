package tts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/iu"
	"github.com/rs/zerolog"
)

type recordingBus struct {
	mu        sync.Mutex
	published []iu.IU
}

func (b *recordingBus) Publish(ctx context.Context, topic bus.Topic, msg iu.IU) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, topic bus.Topic) (<-chan iu.IU, error) {
	ch := make(chan iu.IU)
	close(ch)
	return ch, nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) snapshot() []iu.IU {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]iu.IU, len(b.published))
	copy(out, b.published)
	return out
}

// fakeSynth plays back a canned set of PCM frames per call to Stream,
// optionally blocking until ctx is cancelled to simulate an
// in-progress utterance a barge-in must interrupt.
type fakeSynth struct {
	frames [][]byte
	err    error
	block  bool
}

func (f *fakeSynth) Stream(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errc)
		for _, fr := range f.frames {
			select {
			case pcmCh <- fr:
			case <-ctx.Done():
				return
			}
		}
		if f.block {
			<-ctx.Done()
			return
		}
		if f.err != nil {
			errc <- f.err
		}
	}()
	return pcmCh, errc
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

func TestModuleSynthesizesChunksInOrderAndCommits(t *testing.T) {
	b := &recordingBus{}
	m := NewModule(b, &fakeSynth{frames: [][]byte{[]byte("pcm1")}}, zerolog.Nop())
	ctx := context.Background()

	root := iu.New("dialogue", iu.Text, []byte("hello,"), nil)
	if err := m.OnIU(ctx, InTopic, root); err != nil {
		t.Fatalf("OnIU root: %v", err)
	}
	second := iu.NewRevision("dialogue", root, []byte(" world."), nil)
	if err := m.OnIU(ctx, InTopic, second); err != nil {
		t.Fatalf("OnIU second chunk: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(b.snapshot()) >= 2 })

	commit := iu.NewCommit("dialogue", second, nil)
	if err := m.OnIU(ctx, InTopic, commit); err != nil {
		t.Fatalf("OnIU commit: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		for _, msg := range b.snapshot() {
			if msg.UpdateType == iu.Commit {
				return true
			}
		}
		return false
	})

	var sawCommit bool
	for _, msg := range b.snapshot() {
		if msg.UpdateType == iu.Commit {
			sawCommit = true
			if msg.PreviousID != second.ID {
				t.Fatalf("expected commit to reference the last text chunk %s, got %s", second.ID, msg.PreviousID)
			}
		}
	}
	if !sawCommit {
		t.Fatal("expected a COMMIT on tts.audio once dialogue.text committed")
	}
}

func TestModuleBargeInRevokesWithinOneFrame(t *testing.T) {
	b := &recordingBus{}
	m := NewModule(b, &fakeSynth{block: true}, zerolog.Nop())
	ctx := context.Background()

	root := iu.New("dialogue", iu.Text, []byte("a long reply"), nil)
	if err := m.OnIU(ctx, InTopic, root); err != nil {
		t.Fatalf("OnIU root: %v", err)
	}

	revoke := iu.NewRevoke("dialogue", root)
	if err := m.OnIU(ctx, InTopic, revoke); err != nil {
		t.Fatalf("OnIU revoke: %v", err)
	}

	waitFor(t, 200*time.Millisecond, func() bool {
		for _, msg := range b.snapshot() {
			if msg.UpdateType == iu.Revoke {
				return true
			}
		}
		return false
	})
}

func TestModuleIgnoresCommitForUnrelatedChain(t *testing.T) {
	b := &recordingBus{}
	m := NewModule(b, &fakeSynth{}, zerolog.Nop())
	ctx := context.Background()

	root := iu.New("dialogue", iu.Text, []byte("hi"), nil)
	if err := m.OnIU(ctx, InTopic, root); err != nil {
		t.Fatalf("OnIU root: %v", err)
	}

	stale := iu.New("dialogue", iu.Text, []byte("unrelated"), nil)
	commit := iu.NewCommit("dialogue", stale, nil)
	if err := m.OnIU(ctx, InTopic, commit); err != nil {
		t.Fatalf("OnIU stale commit: %v", err)
	}

	for _, msg := range b.snapshot() {
		if msg.UpdateType == iu.Commit {
			t.Fatal("did not expect a commit for an unrelated chain")
		}
	}
}

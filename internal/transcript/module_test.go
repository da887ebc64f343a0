package transcript

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
	published map[bus.Topic][]iu.IU
}

func newRecordingBus() *recordingBus {
	return &recordingBus{published: make(map[bus.Topic][]iu.IU)}
}

func (b *recordingBus) Publish(ctx context.Context, topic bus.Topic, msg iu.IU) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[topic] = append(b.published[topic], msg)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, topic bus.Topic) (<-chan iu.IU, error) {
	ch := make(chan iu.IU)
	close(ch)
	return ch, nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) snapshot(topic bus.Topic) []iu.IU {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]iu.IU, len(b.published[topic]))
	copy(out, b.published[topic])
	return out
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

// newTestModule builds a Module around a Client that never Connects,
// exercising only publishToken/publishCommit via their channels
// directly, since Connect requires a live network dial.
func newTestModule() (*Module, *recordingBus, *Client) {
	log := zerolog.Nop()
	client := NewClient("key", Config{}, log)
	b := newRecordingBus()
	m := NewModule(b, client, log)
	return m, b, client
}

func TestModulePublishesTokenChainThenCommit(t *testing.T) {
	m, b, client := newTestModule()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.pumpPartials(ctx)
	go m.pumpFinalize(ctx)

	client.transcripts <- Partial{Text: "hello", Stability: 0.2}
	client.transcripts <- Partial{Text: "hello there", Stability: 0.8}

	waitFor(t, time.Second, func() bool { return len(b.snapshot(PartialTopic)) >= 2 })

	partials := b.snapshot(PartialTopic)
	if !partials[0].IsRoot() {
		t.Fatalf("expected first partial to be a chain root")
	}
	if partials[1].PreviousID != partials[0].ID {
		t.Fatalf("expected second partial to extend the first, got PreviousID=%s want=%s", partials[1].PreviousID, partials[0].ID)
	}
	if got := partials[0].Metadata["stability"].(float64); got != 0.2 {
		t.Fatalf("expected first partial stability 0.2, got %v", got)
	}
	if got := partials[1].Metadata["stability"].(float64); got != 0.8 {
		t.Fatalf("expected second partial stability 0.8, got %v", got)
	}

	client.finalizeCh <- "hello there"

	waitFor(t, time.Second, func() bool { return len(b.snapshot(CommitTopic)) >= 1 })

	commits := b.snapshot(CommitTopic)
	if commits[0].PreviousID != partials[1].ID {
		t.Fatalf("expected commit to reference the last partial token %s, got %s", partials[1].ID, commits[0].PreviousID)
	}
	if string(commits[0].Payload) != "hello there" {
		t.Fatalf("expected commit payload to carry the finalized delta, got %q", commits[0].Payload)
	}
}

func TestModuleForwardsMicAudioToClient(t *testing.T) {
	m, _, client := newTestModule()
	client.mu.Lock()
	client.connected = true
	client.mu.Unlock()

	pcm := make([]byte, 320)
	msg := iu.New("webrtcio", iu.Audio, pcm, nil)
	if err := m.OnIU(context.Background(), InTopic, msg); err != nil {
		t.Fatalf("OnIU: %v", err)
	}

	select {
	case got := <-client.audioData:
		if len(got) != len(pcm) {
			t.Fatalf("expected %d bytes forwarded, got %d", len(pcm), len(got))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for audio to reach the client")
	}
}

func TestModuleIgnoresNonAddOnAudioIn(t *testing.T) {
	m, _, client := newTestModule()
	client.mu.Lock()
	client.connected = true
	client.mu.Unlock()

	root := iu.New("webrtcio", iu.Audio, []byte{0, 0}, nil)
	revoke := iu.NewRevoke("webrtcio", root)
	if err := m.OnIU(context.Background(), InTopic, revoke); err != nil {
		t.Fatalf("OnIU: %v", err)
	}

	select {
	case <-client.audioData:
		t.Fatal("did not expect a REVOKE to reach the client's audio queue")
	case <-time.After(20 * time.Millisecond):
	}
}

package tts

import (
	"context"
	"strings"
	"sync"

	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/iu"
	"github.com/rs/zerolog"
)

// InTopic carries the Dialogue Controller's TEXT chunks; OutTopic
// carries the synthesized audio and the chain's completion signal.
const (
	InTopic  bus.Topic = "dialogue.text"
	OutTopic bus.Topic = "tts.audio"
)

// Module is the TTS Adapter as a runtime.Module. It synthesizes each
// TEXT chunk in order, forwards PCM as it arrives from the backend,
// and terminates the chain with a COMMIT or REVOKE whose PreviousID
// points at the dialogue.text chunk the Dialogue Controller is
// waiting on — the cross-topic handshake it uses to learn that
// speech has finished (or was cut short).
type Module struct {
	b        bus.Bus
	synth    Synthesizer
	producer string
	log      zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	textTip  string // last dialogue.text chunk ID seen for the active chain
	chunks   chan string
	draining chan struct{}
	audioTip string // tip of our own tts.audio chain, "" if none started
}

// NewModule returns a Module that synthesizes through synth and
// publishes through b.
func NewModule(b bus.Bus, synth Synthesizer, log zerolog.Logger) *Module {
	return &Module{b: b, synth: synth, producer: "tts", log: log}
}

func (m *Module) Name() string { return m.producer }

func (m *Module) Topics() (in []bus.Topic, out []bus.Topic) {
	return []bus.Topic{InTopic}, []bus.Topic{OutTopic}
}

func (m *Module) OnStart(ctx context.Context) error    { return nil }
func (m *Module) OnShutdown(ctx context.Context) error { return nil }

func (m *Module) OnIU(ctx context.Context, topic bus.Topic, msg iu.IU) error {
	switch msg.UpdateType {
	case iu.Add:
		return m.onChunk(ctx, msg)
	case iu.Commit:
		return m.onCommit(ctx, msg)
	case iu.Revoke:
		return m.onRevoke(ctx, msg)
	}
	return nil
}

func (m *Module) onChunk(ctx context.Context, msg iu.IU) error {
	text := strings.TrimSpace(string(msg.Payload))

	m.mu.Lock()
	if m.chunks == nil {
		m.chunks = make(chan string, 64)
		m.draining = make(chan struct{})
		genCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		go m.drain(genCtx, m.chunks, m.draining)
	}
	m.textTip = msg.ID
	ch := m.chunks
	m.mu.Unlock()

	if text == "" {
		return nil
	}
	select {
	case ch <- text:
	case <-ctx.Done():
	}
	return nil
}

// drain synthesizes queued chunks strictly in order, publishing PCM as
// it streams in so later chunks never jump ahead of earlier audio.
func (m *Module) drain(ctx context.Context, chunks <-chan string, done chan struct{}) {
	defer close(done)
	for {
		select {
		case text, ok := <-chunks:
			if !ok {
				return
			}
			m.synthesizeOne(ctx, text)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Module) synthesizeOne(ctx context.Context, text string) {
	pcmCh, errc := m.synth.Stream(ctx, text)
	for pcm := range pcmCh {
		m.mu.Lock()
		var frame iu.IU
		if m.audioTip == "" {
			frame = iu.New(m.producer, iu.TtsAudio, pcm, nil)
		} else {
			prev := iu.IU{ID: m.audioTip, DataType: iu.TtsAudio}
			frame = iu.NewRevision(m.producer, prev, pcm, nil)
		}
		m.audioTip = frame.ID
		m.mu.Unlock()

		if err := m.b.Publish(ctx, OutTopic, frame); err != nil {
			return
		}
	}
	if err := <-errc; err != nil {
		m.log.Error().Err(err).Msg("tts backend failed mid-utterance")
	}
}

func (m *Module) onCommit(ctx context.Context, msg iu.IU) error {
	m.mu.Lock()
	if m.textTip == "" || msg.PreviousID != m.textTip {
		m.mu.Unlock()
		return nil
	}
	chunks, done := m.chunks, m.draining
	m.chunks = nil
	m.mu.Unlock()

	if chunks != nil {
		close(chunks)
		<-done
	}

	m.finish(ctx, msg.PreviousID, false)
	return nil
}

func (m *Module) onRevoke(ctx context.Context, msg iu.IU) error {
	m.mu.Lock()
	if m.textTip == "" || msg.PreviousID != m.textTip {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	m.chunks = nil
	m.mu.Unlock()

	// A barge-in must stop audio within one frame; cancelling here
	// unblocks synthesizeOne's PCM loop at the backend's next read.
	if cancel != nil {
		cancel()
	}

	m.finish(ctx, msg.PreviousID, true)
	return nil
}

func (m *Module) finish(ctx context.Context, textTipID string, revoked bool) {
	m.mu.Lock()
	m.textTip = ""
	m.audioTip = ""
	m.cancel = nil
	m.mu.Unlock()

	tip := iu.IU{ID: textTipID, DataType: iu.Text}
	if revoked {
		_ = m.b.Publish(ctx, OutTopic, iu.NewRevoke(m.producer, tip))
		return
	}
	_ = m.b.Publish(ctx, OutTopic, iu.NewCommit(m.producer, tip, nil))
}

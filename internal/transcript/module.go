package transcript

import (
	"context"
	"sync"

	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/iu"
	"github.com/rs/zerolog"
)

// InTopic carries raw mic PCM16 frames; PartialTopic carries the
// running ASR_TOKEN chain, CommitTopic the finalized ASR_COMMIT.
const (
	InTopic      bus.Topic = "audio.in"
	PartialTopic bus.Topic = "asr.partial"
	CommitTopic  bus.Topic = "asr.commit"
)

// Module is the ASR Adapter as a runtime.Module: it feeds mic PCM to
// a Client and republishes its partial/final transcripts as IUs.
type Module struct {
	b        bus.Bus
	client   *Client
	producer string
	log      zerolog.Logger

	mu       sync.Mutex
	last     iu.IU
	hasChain bool
}

// NewModule returns a Module backed by client, publishing through b.
func NewModule(b bus.Bus, client *Client, log zerolog.Logger) *Module {
	return &Module{b: b, client: client, producer: "asr", log: log}
}

func (m *Module) Name() string { return m.producer }

func (m *Module) Topics() (in []bus.Topic, out []bus.Topic) {
	return []bus.Topic{InTopic}, []bus.Topic{PartialTopic, CommitTopic}
}

// OnStart connects the client and starts the two goroutines that pump
// its Partials/Finalize channels onto the bus.
func (m *Module) OnStart(ctx context.Context) error {
	if err := m.client.Connect(); err != nil {
		return err
	}
	go m.pumpPartials(ctx)
	go m.pumpFinalize(ctx)
	return nil
}

func (m *Module) OnShutdown(ctx context.Context) error {
	return m.client.Close()
}

// OnIU forwards raw mic PCM to the backend; nothing else arrives on
// this module's single input topic.
func (m *Module) OnIU(ctx context.Context, topic bus.Topic, msg iu.IU) error {
	if msg.UpdateType != iu.Add {
		return nil
	}
	return m.client.SendPCM16KLE(msg.Payload)
}

func (m *Module) pumpPartials(ctx context.Context) {
	for {
		select {
		case p, ok := <-m.client.Partials():
			if !ok {
				return
			}
			m.publishToken(ctx, p)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Module) publishToken(ctx context.Context, p Partial) {
	metadata := map[string]any{"stability": p.Stability}

	m.mu.Lock()
	var out iu.IU
	if !m.hasChain {
		out = iu.New(m.producer, iu.AsrToken, []byte(p.Text), metadata)
		m.hasChain = true
	} else {
		out = iu.NewRevision(m.producer, m.last, []byte(p.Text), metadata)
	}
	m.last = out
	m.mu.Unlock()

	if err := m.b.Publish(ctx, PartialTopic, out); err != nil {
		m.log.Error().Err(err).Msg("publish asr partial failed")
	}
}

func (m *Module) pumpFinalize(ctx context.Context) {
	for {
		select {
		case delta, ok := <-m.client.Finalize():
			if !ok {
				return
			}
			m.publishCommit(ctx, delta)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Module) publishCommit(ctx context.Context, delta string) {
	m.mu.Lock()
	tip := m.last
	hadChain := m.hasChain
	m.hasChain = false
	m.last = iu.IU{}
	m.mu.Unlock()

	if !hadChain {
		tip = iu.New(m.producer, iu.AsrToken, nil, nil)
	}
	commit := iu.NewCommit(m.producer, tip, []byte(delta))
	if err := m.b.Publish(ctx, CommitTopic, commit); err != nil {
		m.log.Error().Err(err).Msg("publish asr commit failed")
	}
}

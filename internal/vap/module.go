package vap

import (
	"context"
	"encoding/binary"

	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/iu"
)

// InTopic carries raw mic PCM16 frames; OutTopic carries the
// continuous turn-taking probability stream.
const (
	InTopic  bus.Topic = "audio.in"
	OutTopic bus.Topic = "vap.prob"
)

// Module is the Audio-VAP Adapter as a runtime.Module.
type Module struct {
	b        bus.Bus
	det      *Detector
	producer string
	last     iu.IU
	hasChain bool
}

// NewModule returns a Module backed by det, publishing through b.
func NewModule(b bus.Bus, det *Detector) *Module {
	return &Module{b: b, det: det, producer: "vap"}
}

func (m *Module) Name() string { return m.producer }

func (m *Module) Topics() (in []bus.Topic, out []bus.Topic) {
	return []bus.Topic{InTopic}, []bus.Topic{OutTopic}
}

func (m *Module) OnStart(ctx context.Context) error  { return nil }
func (m *Module) OnShutdown(ctx context.Context) error { return nil }

func (m *Module) OnIU(ctx context.Context, topic bus.Topic, msg iu.IU) error {
	if len(msg.Payload)%2 != 0 {
		return nil
	}
	pcm := make([]int16, len(msg.Payload)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(msg.Payload[i*2 : i*2+2]))
	}

	prob, ok := m.det.FeedPCM16(pcm)
	if !ok {
		return nil
	}

	var out iu.IU
	if !m.hasChain {
		out = iu.New(m.producer, iu.Vap, nil, map[string]any{"probability": prob})
		m.hasChain = true
	} else {
		out = iu.NewRevision(m.producer, m.last, nil, map[string]any{"probability": prob})
	}
	m.last = out
	return m.b.Publish(ctx, OutTopic, out)
}

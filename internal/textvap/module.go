package textvap

import (
	"context"
	"encoding/json"

	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/iu"
)

// InTopic is the ASR partial stream the module reacts to.
const InTopic bus.Topic = "asr.partial"

// OutTopic is where parsed reactions are published as BACKCHANNEL IUs.
const OutTopic bus.Topic = "bc.suggest"

// Module wraps an Adapter as a runtime.Module, publishing a
// BACKCHANNEL IU for every successfully parsed reaction.
type Module struct {
	adapter  *Adapter
	b        bus.Bus
	producer string
}

// NewModule returns a Module backed by adapter, publishing through b.
func NewModule(b bus.Bus, adapter *Adapter) *Module {
	return &Module{adapter: adapter, b: b, producer: "textvap"}
}

func (m *Module) Name() string { return m.producer }

func (m *Module) Topics() (in []bus.Topic, out []bus.Topic) {
	return []bus.Topic{InTopic}, []bus.Topic{OutTopic}
}

func (m *Module) OnStart(ctx context.Context) error  { return nil }
func (m *Module) OnShutdown(ctx context.Context) error { return nil }

func (m *Module) OnIU(ctx context.Context, topic bus.Topic, msg iu.IU) error {
	reaction, err := m.adapter.React(ctx, string(msg.Payload))
	if err != nil || reaction == nil {
		return err
	}

	payload, err := json.Marshal(reaction)
	if err != nil {
		return err
	}
	out := iu.New(m.producer, iu.Backchannel, payload, nil)
	return m.b.Publish(ctx, OutTopic, out)
}

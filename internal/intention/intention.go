// Package intention implements the Timeout/Intention watchdog: it
// tracks inactivity across the ASR/TTS/VAP topics and publishes an
// INTENT IU once the user has gone quiet for too long, backing off
// after repeated unanswered prompts.
package intention

import (
	"context"
	"time"

	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/iu"
)

// Module watches for silence and raises INTENT IUs. Grounded on
// internal/transcript/assemblyai.go's silenceTimer/finalizeDueToSilence
// stop-and-reset pattern and original_source/modules/text_vap.py's
// timeout_monitor.
type Module struct {
	b              bus.Bus
	producer       string
	topic          bus.Topic
	maxSilence     time.Duration
	maxTimeoutNum  int
	blockTime      time.Duration
	promptTemplate string

	activity chan struct{}
}

// Config carries the Timeout/Intention module's tunables.
type Config struct {
	MaxSilenceTime time.Duration
	MaxTimeoutNum  int
	BlockTime      time.Duration
	PromptTemplate string
}

// WatchTopics lists the bus topics whose traffic counts as activity
// and resets the silence timer.
var WatchTopics = []bus.Topic{"asr.partial", "asr.commit", "tts.audio", "vap.prob"}

// OutTopic is where Module publishes INTENT IUs.
const OutTopic bus.Topic = "intent.timeout"

// New returns a Module that will publish through b.
func New(b bus.Bus, cfg Config) *Module {
	return &Module{
		b:              b,
		producer:       "intention",
		topic:          OutTopic,
		maxSilence:     cfg.MaxSilenceTime,
		maxTimeoutNum:  cfg.MaxTimeoutNum,
		blockTime:      cfg.BlockTime,
		promptTemplate: cfg.PromptTemplate,
		activity:       make(chan struct{}, 1),
	}
}

func (m *Module) Name() string { return m.producer }

func (m *Module) Topics() (in []bus.Topic, out []bus.Topic) {
	return WatchTopics, []bus.Topic{m.topic}
}

func (m *Module) OnStart(ctx context.Context) error {
	go m.watch(ctx)
	return nil
}

// OnIU resets the silence timer; the IU's content doesn't matter,
// only its arrival does.
func (m *Module) OnIU(ctx context.Context, topic bus.Topic, msg iu.IU) error {
	select {
	case m.activity <- struct{}{}:
	default:
	}
	return nil
}

func (m *Module) OnShutdown(ctx context.Context) error { return nil }

func (m *Module) watch(ctx context.Context) {
	timer := time.NewTimer(m.maxSilence)
	defer timer.Stop()

	consecutive := 0
	for {
		select {
		case <-m.activity:
			consecutive = 0
			timer.Reset(m.maxSilence)
		case <-timer.C:
			consecutive++
			payload := []byte(m.promptTemplate)
			intentIU := iu.New(m.producer, iu.Intent, payload, map[string]any{"consecutive": consecutive})
			_ = m.b.Publish(ctx, m.topic, intentIU)

			if consecutive >= m.maxTimeoutNum {
				timer.Reset(m.blockTime)
				consecutive = 0
			} else {
				timer.Reset(m.maxSilence)
			}
		case <-ctx.Done():
			return
		}
	}
}

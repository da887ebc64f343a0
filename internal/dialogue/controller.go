package dialogue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/iu"
	"github.com/leo-huovi/remdis/internal/llm"
	"github.com/rs/zerolog"
)

// Bus topics the controller speaks.
const (
	TopicASRPartial  bus.Topic = "asr.partial"
	TopicASRCommit   bus.Topic = "asr.commit"
	TopicVAP         bus.Topic = "vap.prob"
	TopicIntent      bus.Topic = "intent.timeout"
	TopicBCSuggest   bus.Topic = "bc.suggest"
	TopicTTSAudio    bus.Topic = "tts.audio"
	TopicText        bus.Topic = "dialogue.text"
	TopicSystemState bus.Topic = "system.state"
)

// bargeInStabilityThreshold gates SPEAKING -> LISTENING transitions: an
// ASR partial below this confidence is noise, not a turn-claim.
const bargeInStabilityThreshold = 0.5

// Generator is the subset of *llmgen.Generator the controller depends
// on, kept as an interface so tests can substitute a fake.
type Generator interface {
	Generate(ctx context.Context, history []llm.Message, prompt string) (<-chan string, <-chan error)
}

// Config carries the Dialogue Controller's tunables.
type Config struct {
	Threshold                 float64
	HistoryLength             int
	MaxMessageNumInContext    int
	ResponseGenerationTimeout time.Duration
	SplitPattern              string
	Backchannels              []string
	MaxVerbalBackchannelNum   int
}

type completionKind int

const (
	completionNone completionKind = iota
	completionMainResponse
	completionTimeoutPrompt
	completionBackchannel
)

// Controller is the turn-taking state machine. It implements
// runtime.Module: register it on a runtime.Host with TopicASRPartial,
// TopicASRCommit, TopicVAP, TopicIntent, TopicBCSuggest, and
// TopicTTSAudio as its input topics.
//
// Generalized from internal/agent/session.go's single linear
// STT→LLM→TTS pipeline into an explicit state machine per
// original_source/modules/dialogue.py's state_management loop.
type Controller struct {
	b        bus.Bus
	gen      Generator
	cfg      Config
	producer string
	log      zerolog.Logger

	mu                     sync.Mutex
	state                  State
	history                *History
	draft                  Draft
	awaitingResponse       bool
	pendingAssistantText   string
	activeCompletion       completionKind
	activeChainTipID       string
	preBackchannelState    State
	verbalBackchannelCount int
}

// New returns an idle Controller.
func New(b bus.Bus, gen Generator, cfg Config, log zerolog.Logger) *Controller {
	return &Controller{
		b:        b,
		gen:      gen,
		cfg:      cfg,
		producer: "dialogue",
		log:      log,
		state:    Idle,
		history:  NewHistory(cfg.HistoryLength),
	}
}

func (c *Controller) Name() string { return c.producer }

func (c *Controller) Topics() (in []bus.Topic, out []bus.Topic) {
	return []bus.Topic{TopicASRPartial, TopicASRCommit, TopicVAP, TopicIntent, TopicBCSuggest, TopicTTSAudio},
		[]bus.Topic{TopicText, TopicSystemState}
}

func (c *Controller) OnStart(ctx context.Context) error  { return nil }
func (c *Controller) OnShutdown(ctx context.Context) error { return nil }

// State reports the controller's current state, for tests and for an
// avatar bridge that wants to poll rather than subscribe.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GenerationID reports the in-flight (or most recently started)
// generation's ID, for tests asserting a restart occurred.
func (c *Controller) GenerationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft.GenerationID
}

func (c *Controller) OnIU(ctx context.Context, topic bus.Topic, msg iu.IU) error {
	switch topic {
	case TopicASRPartial:
		return c.onASRPartial(ctx, msg)
	case TopicASRCommit:
		return c.onASRCommit(ctx, msg)
	case TopicVAP:
		return c.onVAPProb(ctx, msg)
	case TopicIntent:
		return c.onIntentTimeout(ctx, msg)
	case TopicBCSuggest:
		return c.onBackchannelSuggest(ctx, msg)
	case TopicTTSAudio:
		return c.onTTSAudio(ctx, msg)
	}
	return nil
}

// --- ASR partial: speculative generation + barge-in -----------------

func (c *Controller) onASRPartial(ctx context.Context, msg iu.IU) error {
	text := string(msg.Payload)
	stability, _ := msg.Metadata["stability"].(float64)

	c.mu.Lock()
	priorHistory := c.history.Last(c.cfg.MaxMessageNumInContext)
	newSnapshot := Snapshot(priorHistory, text)
	c.draft.Text = text

	switch c.state {
	case Idle:
		c.state = Listening
		c.mu.Unlock()
		c.publishSystemState(ctx, "listening")
		c.restartGeneration(ctx, priorHistory, text, newSnapshot, completionMainResponse)
		return nil

	case Listening, Thinking, TimeoutPrompt:
		diverged := c.draft.GenerationID == "" || Diverges(c.draft.PromptSnapshot, newSnapshot)
		if c.state != Listening {
			c.state = Listening
		}
		c.mu.Unlock()
		if diverged {
			c.restartGeneration(ctx, priorHistory, text, newSnapshot, completionMainResponse)
		}
		return nil

	case Speaking:
		// Barge-in: the user is talking while the system is speaking.
		// A low-stability partial is noise, not a real turn-claim — ignore it.
		if stability < bargeInStabilityThreshold {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		c.bargeIn(ctx)
		c.mu.Lock()
		c.state = Listening
		c.mu.Unlock()
		c.publishSystemState(ctx, "listening")
		c.restartGeneration(ctx, priorHistory, text, newSnapshot, completionMainResponse)
		return nil

	case Backchannel:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) onVAPProb(ctx context.Context, msg iu.IU) error {
	prob, _ := msg.Metadata["probability"].(float64)

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if prob < c.cfg.Threshold {
		return nil
	}

	switch state {
	case Listening:
		c.mu.Lock()
		c.state = Thinking
		priorHistory := c.history.Last(c.cfg.MaxMessageNumInContext)
		text := c.draft.Text
		snapshot := Snapshot(priorHistory, text)
		needNewGen := c.draft.GenerationID == "" || Diverges(c.draft.PromptSnapshot, snapshot)
		c.mu.Unlock()
		c.publishSystemState(ctx, "thinking")
		if needNewGen {
			c.restartGeneration(ctx, priorHistory, text, snapshot, completionMainResponse)
		}
	case Speaking:
		c.bargeIn(ctx)
		c.mu.Lock()
		c.state = Listening
		c.mu.Unlock()
		c.publishSystemState(ctx, "listening")
	}
	return nil
}

// --- ASR commit: finalize the user's turn ---------------------------

func (c *Controller) onASRCommit(ctx context.Context, msg iu.IU) error {
	c.mu.Lock()
	finalText := c.draft.Text
	if len(msg.Payload) > 0 {
		finalText = string(msg.Payload)
	}
	priorHistory := c.history.Last(c.cfg.MaxMessageNumInContext)
	snapshot := Snapshot(priorHistory, finalText)
	needNewGen := c.draft.GenerationID == "" || Diverges(c.draft.PromptSnapshot, snapshot)

	c.history.Append(Turn{Role: "user", Text: finalText, StartedAt: msg.Timestamp, EndedAt: time.Now()})
	c.awaitingResponse = true
	// The user's turn just finalized; a fresh turn starts, so the
	// per-turn verbal backchannel budget (spec §4.4) starts over.
	c.verbalBackchannelCount = 0
	if c.state != Speaking {
		c.state = Thinking
	}
	c.mu.Unlock()

	c.publishSystemState(ctx, "thinking")
	if needNewGen {
		c.restartGeneration(ctx, priorHistory, finalText, snapshot, completionMainResponse)
	}
	return nil
}

// --- Timeout/Intention: system-initiated prompt ----------------------

// onIntentTimeout fires when the user has gone quiet too long. Per
// original_source/modules/dialogue.py:216's SYSTEM_TAKE_TURN handling
// while idle, the controller actually invokes the LLM — with the
// INTENT prompt template as the turn's prompt — rather than speaking
// the template text itself.
func (c *Controller) onIntentTimeout(ctx context.Context, msg iu.IU) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return nil
	}
	c.state = TimeoutPrompt
	priorHistory := c.history.Last(c.cfg.MaxMessageNumInContext)
	c.mu.Unlock()

	prompt := string(msg.Payload)
	snapshot := Snapshot(priorHistory, prompt)

	c.publishSystemState(ctx, "timeout_prompt")
	c.restartGeneration(ctx, priorHistory, prompt, snapshot, completionTimeoutPrompt)
	return nil
}

// --- Backchannel: expression/action/concept forwarding ---------------

func (c *Controller) onBackchannelSuggest(ctx context.Context, msg iu.IU) error {
	var reaction struct {
		Intensity  int    `json:"Intensity"`
		Expression string `json:"Expression"`
		Action     string `json:"Action"`
		Concept    string `json:"Concept"`
	}
	if err := json.Unmarshal(msg.Payload, &reaction); err != nil {
		return nil
	}

	statePayload, _ := json.Marshal(map[string]any{
		"expression": reaction.Expression,
		"action":     reaction.Action,
		"concept":    reaction.Concept,
	})
	_ = c.b.Publish(ctx, TopicSystemState, iu.New(c.producer, iu.SystemState, statePayload, nil))

	const verbalIntensityThreshold = 5
	if reaction.Intensity < verbalIntensityThreshold {
		return nil
	}

	c.mu.Lock()
	if c.state == Speaking || len(c.cfg.Backchannels) == 0 {
		c.mu.Unlock()
		return nil
	}
	if c.verbalBackchannelCount >= c.cfg.MaxVerbalBackchannelNum {
		c.mu.Unlock()
		return nil
	}
	c.verbalBackchannelCount++
	phrase := c.cfg.Backchannels[c.verbalBackchannelCount%len(c.cfg.Backchannels)]
	c.preBackchannelState = c.state
	c.state = Backchannel
	c.mu.Unlock()

	c.publishCannedChain(ctx, phrase, completionBackchannel)
	return nil
}

// --- TTS completion/failure signal -----------------------------------

func (c *Controller) onTTSAudio(ctx context.Context, msg iu.IU) error {
	if msg.UpdateType != iu.Commit && msg.UpdateType != iu.Revoke {
		return nil
	}

	c.mu.Lock()
	if c.activeCompletion == completionNone || msg.PreviousID != c.activeChainTipID {
		c.mu.Unlock()
		return nil
	}
	kind := c.activeCompletion
	assistantText := c.pendingAssistantText
	prevState := c.preBackchannelState
	premature := msg.UpdateType == iu.Revoke

	c.activeCompletion = completionNone
	c.activeChainTipID = ""
	c.pendingAssistantText = ""

	switch kind {
	case completionMainResponse, completionTimeoutPrompt:
		if !premature && strings.TrimSpace(assistantText) != "" {
			c.history.Append(Turn{Role: "assistant", Text: assistantText, StartedAt: msg.Timestamp, EndedAt: msg.Timestamp})
		}
		c.state = Idle
		c.awaitingResponse = false
		c.draft.Reset()
	case completionBackchannel:
		c.state = prevState
	}
	next := c.state
	c.mu.Unlock()

	c.publishSystemState(ctx, string(next))
	return nil
}

// --- Generation lifecycle ---------------------------------------------

func (c *Controller) restartGeneration(ctx context.Context, priorHistory []Turn, userText, snapshot string, kind completionKind) {
	c.cancelActiveGeneration(ctx)

	abortCtx, abort := context.WithCancel(ctx)
	genCtx := abortCtx
	cancel := abort
	if c.cfg.ResponseGenerationTimeout > 0 {
		var deadlineCancel context.CancelFunc
		genCtx, deadlineCancel = context.WithTimeout(abortCtx, c.cfg.ResponseGenerationTimeout)
		cancel = func() { deadlineCancel(); abort() }
	}

	c.mu.Lock()
	c.draft.PromptSnapshot = snapshot
	c.draft.GenerationID = newGenerationID()
	c.draft.ChainRootID = ""
	c.draft.LastChunkID = ""
	c.draft.ChunksFlushed = 0
	c.draft.Cancel = cancel
	c.mu.Unlock()

	history := make([]llm.Message, 0, len(priorHistory))
	for _, t := range priorHistory {
		history = append(history, llm.Message{Role: t.Role, Content: t.Text})
	}

	go c.runGeneration(genCtx, history, userText, kind)
}

func (c *Controller) cancelActiveGeneration(ctx context.Context) {
	c.mu.Lock()
	cancel := c.draft.Cancel
	tipID := c.draft.LastChunkID
	hadChain := c.draft.ChainRootID != ""
	c.draft.Reset()
	c.activeCompletion = completionNone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if hadChain {
		tip := iu.IU{ID: tipID, DataType: iu.Text}
		_ = c.b.Publish(ctx, TopicText, iu.NewRevoke(c.producer, tip))
	}
}

func (c *Controller) bargeIn(ctx context.Context) {
	c.cancelActiveGeneration(ctx)
}

func (c *Controller) runGeneration(ctx context.Context, history []llm.Message, userText string, kind completionKind) {
	chunker, err := NewChunker(c.cfg.SplitPattern)
	if err != nil {
		chunker, _ = NewChunker(`[,.?!]`)
	}

	tokens, errc := c.gen.Generate(ctx, history, userText)
	var assembled strings.Builder

	for tok := range tokens {
		assembled.WriteString(tok)
		if chunk, ok := chunker.Feed(tok); ok {
			c.publishChunk(ctx, chunk, kind)
		}
	}

	select {
	case err := <-errc:
		if err != nil {
			c.onGenerationFailed(ctx, err)
			return
		}
	default:
	}

	if rem, ok := chunker.Flush(); ok {
		c.publishChunk(ctx, rem, kind)
	}
	c.finalizeGeneration(ctx, assembled.String())
}

func (c *Controller) publishChunk(ctx context.Context, text string, kind completionKind) {
	c.mu.Lock()
	var chunkIU iu.IU
	if c.draft.ChainRootID == "" {
		chunkIU = iu.New(c.producer, iu.Text, []byte(text), nil)
		c.draft.ChainRootID = chunkIU.ID
	} else {
		prev := iu.IU{ID: c.draft.LastChunkID, DataType: iu.Text}
		chunkIU = iu.NewRevision(c.producer, prev, []byte(text), nil)
	}
	c.draft.LastChunkID = chunkIU.ID
	firstChunk := c.draft.ChunksFlushed == 0
	c.draft.ChunksFlushed++
	c.mu.Unlock()

	_ = c.b.Publish(ctx, TopicText, chunkIU)

	if firstChunk {
		c.mu.Lock()
		c.state = Speaking
		c.activeCompletion = kind
		c.activeChainTipID = chunkIU.ID
		c.mu.Unlock()
		c.publishSystemState(ctx, "speaking")
	} else {
		c.mu.Lock()
		c.activeChainTipID = chunkIU.ID
		c.mu.Unlock()
	}
}

func (c *Controller) finalizeGeneration(ctx context.Context, fullText string) {
	c.mu.Lock()
	if c.draft.ChainRootID == "" {
		// Nothing was ever flushed (empty response); drop back to
		// listening/idle without committing an empty chain.
		c.draft.Reset()
		if c.awaitingResponse {
			c.state = Idle
			c.awaitingResponse = false
		} else {
			c.state = Listening
		}
		c.mu.Unlock()
		return
	}
	tipID := c.draft.LastChunkID
	c.pendingAssistantText = fullText
	c.mu.Unlock()

	tip := iu.IU{ID: tipID, DataType: iu.Text}
	_ = c.b.Publish(ctx, TopicText, iu.NewCommit(c.producer, tip, nil))
}

func (c *Controller) onGenerationFailed(ctx context.Context, err error) {
	c.log.Error().Err(err).Msg("generation failed mid-stream")

	c.mu.Lock()
	hadChain := c.draft.ChainRootID != ""
	tipID := c.draft.LastChunkID
	wasAwaiting := c.awaitingResponse
	c.draft.Reset()
	c.activeCompletion = completionNone
	if wasAwaiting {
		c.state = Idle
		c.awaitingResponse = false
	} else {
		c.state = Listening
	}
	c.mu.Unlock()

	if hadChain {
		tip := iu.IU{ID: tipID, DataType: iu.Text}
		_ = c.b.Publish(ctx, TopicText, iu.NewRevoke(c.producer, tip))
	}
}

// --- Canned (non-LLM) chains: verbal backchannels ---------------------

func (c *Controller) publishCannedChain(ctx context.Context, text string, kind completionKind) {
	if strings.TrimSpace(text) == "" {
		return
	}
	root := iu.New(c.producer, iu.Text, []byte(text), nil)
	_ = c.b.Publish(ctx, TopicText, root)
	commit := iu.NewCommit(c.producer, root, nil)
	_ = c.b.Publish(ctx, TopicText, commit)

	c.mu.Lock()
	c.activeCompletion = kind
	c.activeChainTipID = root.ID
	c.mu.Unlock()
}

func (c *Controller) publishSystemState(ctx context.Context, state string) {
	payload, _ := json.Marshal(map[string]any{"state": state})
	_ = c.b.Publish(ctx, TopicSystemState, iu.New(c.producer, iu.SystemState, payload, nil))
}

func newGenerationID() string {
	return uuid.NewString()
}

// Package transcript implements the ASR Adapter: it streams mic PCM
// to a speech-to-text backend over WebSocket and turns the backend's
// partial/final transcripts into ASR_TOKEN/ASR_COMMIT IUs.
package transcript

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config carries the ASR Adapter's tunables.
type Config struct {
	SampleRate            int
	SilenceThreshold      time.Duration
	ContinuationExtension time.Duration
	StabilizationGrace    time.Duration
}

// Client streams audio to AssemblyAI's real-time transcription
// endpoint and exposes partial transcripts plus finalized deltas.
type Client struct {
	apiKey string
	cfg    Config
	log    zerolog.Logger

	conn        *websocket.Conn
	transcripts chan Partial
	finalizeCh  chan string
	audioData   chan []byte
	stopCh      chan struct{}
	mu          sync.RWMutex
	connected   bool

	// utterance accumulation
	accMu                   sync.Mutex
	latestFullTranscript    string
	committedFullTranscript string
	lastUpdateTime          time.Time
	silenceTimer            *time.Timer
	lastVoiceTime           time.Time
}

// BeginMessage, TurnMessage, TerminationMessage, and ErrorMessage
// mirror AssemblyAI's streaming v3 WebSocket message shapes.
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type                string  `json:"type"`
	Transcript          string  `json:"transcript"`
	TurnFormatted       bool    `json:"turn_is_formatted"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	AudioStartTime      int64   `json:"audio_start_time,omitempty"`
	AudioEndTime        int64   `json:"audio_end_time,omitempty"`
}

// Partial is one running transcript update together with AssemblyAI's
// own end-of-turn confidence, forwarded as the ASR_TOKEN's stability.
type Partial struct {
	Text      string
	Stability float64
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewClient returns a Client for apiKey, tuned by cfg.
func NewClient(apiKey string, cfg Config, log zerolog.Logger) *Client {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 700 * time.Millisecond
	}
	if cfg.ContinuationExtension <= 0 {
		cfg.ContinuationExtension = 1200 * time.Millisecond
	}
	if cfg.StabilizationGrace <= 0 {
		cfg.StabilizationGrace = 250 * time.Millisecond
	}
	return &Client{
		apiKey:      apiKey,
		cfg:         cfg,
		log:         log,
		transcripts: make(chan Partial, 100),
		finalizeCh:  make(chan string, 10),
		audioData:   make(chan []byte, 1000),
		stopCh:      make(chan struct{}),
	}
}

// Finalize returns a channel signaling end-of-utterance with the
// delta text since the last finalized transcript.
func (c *Client) Finalize() <-chan string { return c.finalizeCh }

// Partials returns the channel of running transcript fragments.
func (c *Client) Partials() <-chan Partial { return c.transcripts }

// Connect opens the WebSocket connection to AssemblyAI.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if c.apiKey == "" {
		return fmt.Errorf("transcript: AssemblyAI API key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", fmt.Sprintf("%d", c.cfg.SampleRate))
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")

	wsURL := fmt.Sprintf("wss://streaming.assemblyai.com/v3/ws?%s", params.Encode())
	headers := map[string][]string{"Authorization": {c.apiKey}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.Dial(wsURL, headers)
	if err != nil {
		if resp != nil {
			c.log.Error().Int("status", resp.StatusCode).Msg("assemblyai handshake rejected")
		}
		return fmt.Errorf("transcript: connect: %w", err)
	}

	c.conn = conn
	c.connected = true
	c.lastUpdateTime = time.Now()
	c.lastVoiceTime = time.Now()

	go c.handleMessages()
	go c.sendAudioData()

	c.log.Info().Msg("connected to assemblyai streaming")
	return nil
}

// SendPCM16KLE queues a frame of little-endian PCM16 mono audio for
// transmission and updates the voice-activity tracker.
func (c *Client) SendPCM16KLE(pcm []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return fmt.Errorf("transcript: not connected")
	}
	c.detectVoiceActivity(pcm)
	select {
	case c.audioData <- pcm:
		return nil
	default:
		c.log.Warn().Msg("audio buffer full, dropping packet")
		return nil
	}
}

// detectVoiceActivity updates lastVoiceTime if pcm's RMS crosses a
// fixed energy threshold. Expects 16-bit little-endian mono samples.
func (c *Client) detectVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	rms := math.Sqrt(sumSquares / float64(count))
	const voiceRMS = 250.0
	if rms >= voiceRMS {
		c.accMu.Lock()
		c.lastVoiceTime = time.Now()
		c.accMu.Unlock()
	}
}

// RecentlyDetectedVoice reports whether voice energy was observed
// within window, for barge-in/VAD consumers that don't want to
// re-derive their own VAD over the same audio.
func (c *Client) RecentlyDetectedVoice(window time.Duration) bool {
	c.accMu.Lock()
	last := c.lastVoiceTime
	c.accMu.Unlock()
	return time.Since(last) <= window
}

// Close tears down the connection and closes every output channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	close(c.stopCh)
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
	if c.conn != nil {
		_ = c.conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = c.conn.Close()
	}
	c.connected = false
	c.conn = nil
	c.flushPendingDelta()
	close(c.audioData)
	close(c.transcripts)
	close(c.finalizeCh)
	c.log.Info().Msg("assemblyai connection closed")
	return nil
}

func (c *Client) handleMessages() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("recovered in handleMessages")
		}
	}()
	for {
		select {
		case <-c.stopCh:
			return
		default:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			_, message, err := conn.ReadMessage()
			if err != nil {
				c.log.Warn().Err(err).Msg("assemblyai read failed")
				return
			}
			c.processMessage(message)
		}
	}
}

func (c *Client) processMessage(message []byte) {
	var base map[string]interface{}
	if err := json.Unmarshal(message, &base); err != nil {
		c.log.Warn().Err(err).Msg("unmarshal assemblyai message")
		return
	}
	msgType, ok := base["type"].(string)
	if !ok {
		return
	}
	switch msgType {
	case "Begin":
		var msg BeginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		c.log.Debug().Str("session", msg.ID).Int64("expires_at", msg.ExpiresAt).Msg("assemblyai session began")
	case "Turn":
		var msg TurnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		if msg.Transcript != "" {
			select {
			case c.transcripts <- Partial{Text: msg.Transcript, Stability: msg.EndOfTurnConfidence}:
			default:
			}
			c.accMu.Lock()
			c.latestFullTranscript = msg.Transcript
			c.lastUpdateTime = time.Now()
			if c.silenceTimer == nil {
				c.silenceTimer = time.AfterFunc(c.cfg.SilenceThreshold, c.finalizeDueToSilence)
			} else {
				c.silenceTimer.Stop()
				c.silenceTimer.Reset(c.cfg.SilenceThreshold)
			}
			c.accMu.Unlock()
		}
	case "Termination":
		c.flushPendingDelta()
	case "Error":
		var msg ErrorMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			c.log.Warn().Str("error", msg.Error).Msg("assemblyai reported an error")
		}
	}
}

// finalizeDueToSilence fires after the silence threshold elapses with
// no new transcript or voice energy. A continuation-word heuristic
// extends the threshold, and a stabilization grace period absorbs any
// late update before the delta is committed.
func (c *Client) finalizeDueToSilence() {
	select {
	case <-c.stopCh:
		return
	default:
	}

	c.accMu.Lock()
	now := time.Now()
	threshold := c.cfg.SilenceThreshold
	if isContinuationLikely(c.latestFullTranscript) {
		threshold += c.cfg.ContinuationExtension
	}
	sinceText := now.Sub(c.lastUpdateTime)
	sinceVoice := now.Sub(c.lastVoiceTime)
	if sinceText < threshold || sinceVoice < threshold {
		wait := threshold
		if rem := threshold - sinceText; sinceText < threshold && rem < wait {
			wait = rem
		}
		if rem := threshold - sinceVoice; sinceVoice < threshold && rem < wait {
			wait = rem
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		if c.silenceTimer == nil {
			c.silenceTimer = time.AfterFunc(wait, c.finalizeDueToSilence)
		} else {
			c.silenceTimer.Stop()
			c.silenceTimer.Reset(wait)
		}
		c.accMu.Unlock()
		return
	}

	lastUpdateAt := c.lastUpdateTime
	c.accMu.Unlock()

	time.Sleep(c.cfg.StabilizationGrace)

	c.accMu.Lock()
	now2 := time.Now()
	threshold2 := c.cfg.SilenceThreshold
	if isContinuationLikely(c.latestFullTranscript) {
		threshold2 += c.cfg.ContinuationExtension
	}
	if c.lastUpdateTime.After(lastUpdateAt) {
		wait := threshold2
		if rem := threshold2 - now2.Sub(c.lastUpdateTime); rem > 10*time.Millisecond && rem < wait {
			wait = rem
		}
		if c.silenceTimer == nil {
			c.silenceTimer = time.AfterFunc(wait, c.finalizeDueToSilence)
		} else {
			c.silenceTimer.Stop()
			c.silenceTimer.Reset(wait)
		}
		c.accMu.Unlock()
		return
	}

	latest := c.latestFullTranscript
	base := c.committedFullTranscript
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 && idx+len(base) <= len(latest) {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	c.committedFullTranscript = latest
	c.accMu.Unlock()

	if delta == "" {
		return
	}
	select {
	case <-c.stopCh:
	case c.finalizeCh <- delta:
	}
}

// flushPendingDelta delivers any remaining uncommitted delta, used on
// Termination/Close so the last words spoken are never lost.
func (c *Client) flushPendingDelta() {
	c.accMu.Lock()
	latest := c.latestFullTranscript
	base := c.committedFullTranscript
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 && idx+len(base) <= len(latest) {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	c.committedFullTranscript = latest
	c.accMu.Unlock()
	if delta == "" {
		return
	}
	select {
	case c.finalizeCh <- delta:
	case <-time.After(200 * time.Millisecond):
		c.log.Warn().Msg("timed out delivering final transcript delta")
	}
}

func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}

func (c *Client) sendAudioData() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("recovered in sendAudioData")
		}
	}()
	for {
		select {
		case <-c.stopCh:
			return
		case data, ok := <-c.audioData:
			if !ok {
				return
			}
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					c.log.Warn().Err(err).Msg("assemblyai write failed")
					return
				}
			}
		}
	}
}

// Package webui implements the avatar/UI bridge: a WebSocket endpoint
// that mirrors system.state and dialogue.text onto the event protocol
// a browser avatar client speaks, and accepts typed user_input as an
// alternative ASR source for text-only demo clients.
package webui

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/iu"
)

const (
	stateTopic  bus.Topic = "system.state"
	textTopic   bus.Topic = "dialogue.text"
	partialTopic bus.Topic = "asr.partial"
	commitTopic bus.Topic = "asr.commit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// event is the system→client message shape; omitempty keeps each
// concrete event (new_text, asr_token, system_state, ...) down to
// only the fields spec.md assigns it.
type event struct {
	Type        string  `json:"type"`
	Role        string  `json:"role,omitempty"`
	Text        string  `json:"text,omitempty"`
	Stability   float64 `json:"stability,omitempty"`
	Action      string  `json:"action,omitempty"`
	Expression  string  `json:"expression,omitempty"`
	Progress    float64 `json:"progress,omitempty"`
	CurrentText string  `json:"current_text,omitempty"`
	Concept     string  `json:"concept,omitempty"`
}

// clientMessage is the one client→system message shape: typed text
// standing in for audio ASR.
type clientMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// producerName is attached to every IU this bridge publishes, so it
// can tell its own echoed user_input apart from genuine audio ASR when
// the resulting ASR_TOKEN/ASR_COMMIT comes back around the bus.
const producerName = "webui"

// Bridge serves one WebSocket connection per browser/avatar client.
type Bridge struct {
	b   bus.Bus
	log zerolog.Logger
}

// NewBridge returns a Bridge publishing/subscribing through b.
func NewBridge(b bus.Bus, log zerolog.Logger) *Bridge {
	return &Bridge{b: b, log: log}
}

// ServeWS upgrades the request to a WebSocket and runs the bridge
// until the connection closes or ctx is done.
func (br *Bridge) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		br.log.Error().Err(err).Msg("webui: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	send := func(e event) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(e); err != nil {
			br.log.Debug().Err(err).Msg("webui: write failed")
		}
	}

	go br.pumpState(ctx, send)
	go br.pumpText(ctx, send)
	go br.pumpASR(ctx, send)

	br.readLoop(ctx, conn)
}

func (br *Bridge) pumpState(ctx context.Context, send func(event)) {
	ch, err := br.b.Subscribe(ctx, stateTopic)
	if err != nil {
		br.log.Error().Err(err).Msg("webui: subscribe system.state failed")
		return
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.UpdateType != iu.Add {
				continue
			}
			var payload struct {
				State string `json:"state"`
			}
			_ = json.Unmarshal(msg.Payload, &payload)
			send(event{Type: "system_state", Action: payload.State})
		case <-ctx.Done():
			return
		}
	}
}

func (br *Bridge) pumpText(ctx context.Context, send func(event)) {
	ch, err := br.b.Subscribe(ctx, textTopic)
	if err != nil {
		br.log.Error().Err(err).Msg("webui: subscribe dialogue.text failed")
		return
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch msg.UpdateType {
			case iu.Add:
				send(event{Type: "new_text", Role: "assistant", Text: string(msg.Payload)})
			case iu.Commit:
				send(event{Type: "system_finished_speaking"})
			case iu.Revoke:
				// The assistant's utterance was cancelled mid-generation;
				// the client already stops rendering on the next
				// system_state(listening) that follows.
			}
		case <-ctx.Done():
			return
		}
	}
}

// pumpASR forwards both asr.partial and asr.commit. It distinguishes
// this bridge's own echoed user_input (producerName) from genuine
// audio-ASR partials so a text-only client sees partial_user instead
// of asr_token for the input it just typed itself.
func (br *Bridge) pumpASR(ctx context.Context, send func(event)) {
	partials, err := br.b.Subscribe(ctx, partialTopic)
	if err != nil {
		br.log.Error().Err(err).Msg("webui: subscribe asr.partial failed")
		return
	}
	commits, err := br.b.Subscribe(ctx, commitTopic)
	if err != nil {
		br.log.Error().Err(err).Msg("webui: subscribe asr.commit failed")
		return
	}
	for {
		select {
		case msg, ok := <-partials:
			if !ok {
				return
			}
			br.handlePartial(msg, send)
		case msg, ok := <-commits:
			if !ok {
				return
			}
			br.handleCommit(msg, send)
		case <-ctx.Done():
			return
		}
	}
}

func (br *Bridge) handlePartial(msg iu.IU, send func(event)) {
	switch msg.UpdateType {
	case iu.Add:
		if msg.Producer == producerName {
			send(event{Type: "partial_user", Text: string(msg.Payload)})
			return
		}
		stability, _ := msg.Metadata["stability"].(float64)
		send(event{Type: "asr_token", Text: string(msg.Payload), Stability: stability})
	case iu.Revoke:
		send(event{Type: "asr_revoked"})
	}
}

func (br *Bridge) handleCommit(msg iu.IU, send func(event)) {
	if msg.UpdateType != iu.Commit {
		return
	}
	send(event{Type: "user_finished_speaking"})
}

func (br *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	var chain iu.IU
	hasChain := false

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m clientMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if strings.ToLower(m.Type) != "user_input" {
			continue
		}

		if !m.IsFinal {
			metadata := map[string]any{"stability": 1.0}
			var tok iu.IU
			if !hasChain {
				tok = iu.New(producerName, iu.AsrToken, []byte(m.Text), metadata)
				hasChain = true
			} else {
				tok = iu.NewRevision(producerName, chain, []byte(m.Text), metadata)
			}
			chain = tok
			_ = br.b.Publish(ctx, partialTopic, tok)
			continue
		}

		tip := chain
		if !hasChain {
			tip = iu.New(producerName, iu.AsrToken, nil, nil)
		}
		_ = br.b.Publish(ctx, commitTopic, iu.NewCommit(producerName, tip, []byte(m.Text)))
		hasChain = false
		chain = iu.IU{}
	}
}

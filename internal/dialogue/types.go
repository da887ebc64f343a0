// Package dialogue implements the Dialogue Controller: the turn-taking
// state machine that turns ASR/VAP/backchannel IUs into TEXT IUs for
// TTS and SYSTEM_STATE IUs for the avatar/UI.
package dialogue

import "time"

// State is one of the controller's turn-taking states.
type State string

const (
	Idle          State = "IDLE"
	Listening     State = "LISTENING"
	Thinking      State = "THINKING"
	Speaking      State = "SPEAKING"
	Backchannel   State = "BACKCHANNEL"
	TimeoutPrompt State = "TIMEOUT_PROMPT"
)

// Turn is one entry of dialogue history.
type Turn struct {
	Role      string // "user" or "assistant"
	Text      string
	StartedAt time.Time
	EndedAt   time.Time
}

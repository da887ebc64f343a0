// Package tts implements the TTS Adapter: it turns TEXT chunks from
// the Dialogue Controller into TTS_AUDIO IUs carrying streamed 48 kHz
// PCM16 audio, behind one Synthesizer interface so the Deepgram and
// ElevenLabs backends are interchangeable.
package tts

import "context"

// Synthesizer streams 48 kHz mono PCM16 audio for one line of text.
// The audio channel is closed when synthesis finishes; a buffered send
// on errCh (capacity 1) reports a backend failure, otherwise errCh is
// closed without a value.
type Synthesizer interface {
	Stream(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

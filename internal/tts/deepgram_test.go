package tts

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// Smoke test for Stream without an API key; it should error quickly.
func TestDeepgramSynthesizer_StreamNoKey(t *testing.T) {
	d := NewDeepgramSynthesizer("", "", zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	pcmCh, errCh := d.Stream(ctx, "hello")
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected error when api key missing")
		}
	case <-pcmCh:
		// ignore
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for error")
	}
}

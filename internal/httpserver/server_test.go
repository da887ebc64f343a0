package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/config"
	"github.com/leo-huovi/remdis/internal/iu"
)

type nopBus struct{}

func (nopBus) Publish(ctx context.Context, topic bus.Topic, msg iu.IU) error { return nil }
func (nopBus) Subscribe(ctx context.Context, topic bus.Topic) (<-chan iu.IU, error) {
	return make(chan iu.IU), nil
}
func (nopBus) Close() error { return nil }

func TestServer_Healthz(t *testing.T) {
	srv := New(config.Config{}, nopBus{}, zerolog.Nop())
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestServer_CallBadJSON(t *testing.T) {
	srv := New(config.Config{}, nopBus{}, zerolog.Nop())
	r := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader("not-json"))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestServer_TelephonyRoutesOnlyRegisteredWithCredentials(t *testing.T) {
	srv := New(config.Config{}, nopBus{}, zerolog.Nop())
	r := httptest.NewRequest(http.MethodPost, "/twilio/voice", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected /twilio/voice to be absent without credentials, got %d", w.Code)
	}

	cfg := config.Config{Secrets: config.Secrets{TwilioAccount: "AC123", TwilioAuth: "tok"}}
	srv2 := New(cfg, nopBus{}, zerolog.Nop())
	r2 := httptest.NewRequest(http.MethodPost, "/twilio/voice", nil)
	w2 := httptest.NewRecorder()
	srv2.Router.ServeHTTP(w2, r2)
	if w2.Code == http.StatusNotFound {
		t.Fatalf("expected /twilio/voice to be registered with credentials")
	}
}

// Package telephony implements the PSTN call driver: Twilio Voice
// webhooks with HMAC signature verification, call recording lifecycle,
// and upload of the finished recording to the storage archive. A call
// is answered with TwiML that records the caller's message; the driver
// does not publish call audio on the bus or play bus audio to the caller.
package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/leo-huovi/remdis/internal/storage"
)

// Config carries the Twilio account credentials this driver signs and
// authenticates webhook requests with.
type Config struct {
	AccountSID string
	AuthToken  string
}

// Driver registers the Twilio webhook routes and handles their
// recording lifecycle. One Driver serves every call; Twilio identifies
// the call by CallSid in each webhook body.
type Driver struct {
	cfg        Config
	archive    storage.Archiver
	client     *twilio.RestClient
	httpClient *http.Client
	log        zerolog.Logger
}

// NewDriver returns a Driver that archives recordings through archive.
func NewDriver(cfg Config, archive storage.Archiver, log zerolog.Logger) *Driver {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Driver{
		cfg:        cfg,
		archive:    archive,
		client:     client,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

// RegisterHandlers mounts the driver's webhook routes on e, each
// behind signature verification.
func (d *Driver) RegisterHandlers(e *echo.Echo) {
	e.POST("/twilio/voice", d.handleVoice, d.authMiddleware)
	e.POST("/twilio/recording-status", d.handleRecordingStatus, d.authMiddleware)
	e.POST("/twilio/recording-complete", d.handleRecordingComplete, d.authMiddleware)
}

func (d *Driver) handleVoice(c echo.Context) error {
	params := c.Get("twilioParams").(map[string]string)
	callSID := params["CallSid"]
	from := params["From"]
	d.log.Info().Str("call_sid", callSID).Str("from", from).Msg("incoming call")

	callbackURL := buildURL(c.Request(), "/twilio/recording-status")
	actionURL := buildURL(c.Request(), "/twilio/recording-complete")
	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Say>Hello! Your call is being recorded. Please speak your message after the beep, then hang up or press any key when done.</Say>
  <Record maxLength="120" action="%s" recordingStatusCallback="%s" recordingStatusCallbackMethod="POST" />
  <Say>Thank you for your call. Goodbye!</Say>
  <Hangup/>
</Response>`, actionURL, callbackURL)

	return c.XML(http.StatusOK, twiml)
}

func (d *Driver) handleRecordingStatus(c echo.Context) error {
	d.handleRecordingWebhook(c, "status")
	return c.String(http.StatusOK, "OK")
}

func (d *Driver) handleRecordingComplete(c echo.Context) error {
	d.handleRecordingWebhook(c, "complete")
	return c.String(http.StatusOK, "OK")
}

func (d *Driver) handleRecordingWebhook(c echo.Context, phase string) {
	params := c.Get("twilioParams").(map[string]string)
	recordingURL := params["RecordingUrl"]
	recordingSID := params["RecordingSid"]
	status := params["RecordingStatus"]

	d.log.Info().Str("phase", phase).Str("status", status).Str("recording_sid", recordingSID).Msg("recording webhook")

	if recordingURL == "" || d.archive == nil {
		return
	}
	callID := recordingSID
	if callID == "" {
		callID = fmt.Sprintf("call_%d", time.Now().Unix())
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.archiveRecording(ctx, recordingURL, callID); err != nil {
			d.log.Error().Err(err).Str("call_id", callID).Msg("failed to archive recording")
		}
	}()
}

// StartCallRecording creates a single continuous recording on an
// in-progress call via Twilio's REST API.
func (d *Driver) StartCallRecording(callSID, statusCallbackURL string) error {
	params := &twilioapi.CreateCallRecordingParams{}
	params.SetRecordingStatusCallback(statusCallbackURL)
	params.SetRecordingStatusCallbackMethod("POST")
	params.SetRecordingStatusCallbackEvent([]string{"completed"})
	params.SetRecordingChannels("mono")

	if _, err := d.client.Api.CreateCallRecording(callSID, params); err != nil {
		return fmt.Errorf("telephony: start recording: %w", err)
	}
	return nil
}

func (d *Driver) archiveRecording(ctx context.Context, recordingURL, callID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL+".wav", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(d.cfg.AccountSID, d.cfg.AuthToken)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download recording: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return d.archive.UploadRecording(ctx, callID, data)
}

func (d *Driver) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if d.cfg.AuthToken == "" {
			return c.String(http.StatusInternalServerError, "missing Twilio auth token")
		}

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.String(http.StatusBadRequest, "failed to read body")
		}
		formData, err := url.ParseQuery(string(body))
		if err != nil {
			return c.String(http.StatusBadRequest, "failed to parse form")
		}

		params := make(map[string]string, len(formData))
		for key, values := range formData {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}

		signature := c.Request().Header.Get("X-Twilio-Signature")
		requestURL := buildURL(c.Request(), c.Request().URL.Path)
		if !VerifySignature(d.cfg.AuthToken, signature, requestURL, params) {
			return c.String(http.StatusUnauthorized, "invalid Twilio signature")
		}

		c.Set("twilioParams", params)
		return next(c)
	}
}

// VerifySignature checks signature against the HMAC-SHA1 Twilio
// computes over fullURL plus every request parameter sorted by key,
// base64-encoded. The single implementation every Twilio webhook
// handler in this package (and any future one) shares.
func VerifySignature(authToken, signature, fullURL string, params map[string]string) bool {
	if authToken == "" || signature == "" {
		return false
	}

	data := fullURL
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + params[k]
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

func buildURL(r *http.Request, path string) string {
	scheme := "https"
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
		if strings.Contains(host, "localhost") || strings.Contains(host, "127.0.0.1") {
			scheme = "http"
		}
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}

package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/config"
	"github.com/leo-huovi/remdis/internal/storage"
	"github.com/leo-huovi/remdis/internal/telephony"
	"github.com/leo-huovi/remdis/internal/webrtcio"
	"github.com/leo-huovi/remdis/internal/webui"
)

// Server bundles the HTTP/WebSocket surface every bridge driver is
// reached through: browser WebRTC signaling, the avatar/UI WebSocket,
// and (when Twilio credentials are configured) PSTN webhooks.
type Server struct {
	Router *echo.Echo
}

// New wires every AIN/AOUT bridge driver onto one Echo instance.
// Telephony routes are only registered when cfg.Secrets carries
// Twilio credentials; the recording archive is only constructed when
// Supabase credentials are present too, since neither is required for
// the browser-only path.
func New(cfg config.Config, b bus.Bus, log zerolog.Logger) *Server {
	e := newRouter()

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	rtcDriver := webrtcio.NewDriver(b, log)
	e.POST("/call", func(c echo.Context) error {
		var offer webrtcio.SessionDescription
		if err := c.Bind(&offer); err != nil {
			return c.String(http.StatusBadRequest, "invalid offer")
		}
		answer, err := rtcDriver.HandleOffer(c.Request().Context(), offer)
		if err != nil {
			log.Error().Err(err).Msg("httpserver: webrtc offer failed")
			return c.String(http.StatusInternalServerError, "webrtc negotiation failed")
		}
		return c.JSON(http.StatusOK, answer)
	})

	uiBridge := webui.NewBridge(b, log)
	e.GET("/ws", func(c echo.Context) error {
		uiBridge.ServeWS(c.Response(), c.Request())
		return nil
	})

	if cfg.Secrets.TwilioAccount != "" && cfg.Secrets.TwilioAuth != "" {
		var archive storage.Archiver
		if cfg.Secrets.SupabaseURL != "" && cfg.Secrets.SupabaseKey != "" {
			a, err := storage.NewSupabaseArchiver(storage.Config{
				URL:            cfg.Secrets.SupabaseURL,
				ServiceRoleKey: cfg.Secrets.SupabaseKey,
			})
			if err != nil {
				log.Error().Err(err).Msg("httpserver: recording archive disabled")
			} else {
				archive = a
			}
		}
		telDriver := telephony.NewDriver(telephony.Config{
			AccountSID: cfg.Secrets.TwilioAccount,
			AuthToken:  cfg.Secrets.TwilioAuth,
		}, archive, log)
		telDriver.RegisterHandlers(e)
	}

	return &Server{Router: e}
}

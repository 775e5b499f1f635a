package events

import (
	"FunnelBot/entity"
	"FunnelBot/internal/lib/api/response"
	"FunnelBot/internal/lib/sl"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Ingest accepts one normalized inbound event. Replays of an already
// processed event succeed without side effects.
func Ingest(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.events")

		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		if handler == nil {
			logger.Error("event handler not available")
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, response.Error("Event processing not available"))
			return
		}

		var ev entity.InboundEvent
		if err := render.Bind(r, &ev); err != nil {
			logger.Debug("invalid event", sl.Err(err))
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("Invalid event: "+err.Error()))
			return
		}
		logger = logger.With(
			slog.String("tenant_id", ev.TenantID),
			slog.String("bot_id", ev.BotID),
			slog.String("event_id", ev.RawPlatformMessageID),
		)

		if err := handler.HandleEvent(r.Context(), &ev); err != nil {
			logger.Error("handle event", sl.Err(err))
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.Error("Event processing failed"))
			return
		}
		logger.Debug("event accepted", slog.String("kind", string(ev.Kind)))

		render.JSON(w, r, response.Ok("accepted"))
	}
}

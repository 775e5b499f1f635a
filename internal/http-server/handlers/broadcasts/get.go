package broadcasts

import (
	"FunnelBot/internal/lib/api/response"
	"FunnelBot/internal/lib/sl"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

func Get(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.broadcasts")

		id := chi.URLParam(r, "id")
		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("broadcast_id", id),
		)

		if handler == nil {
			logger.Error("broadcast service not available")
			render.JSON(w, r, response.Error("Broadcast service not available"))
			return
		}

		b, err := handler.GetBroadcast(r.Context(), id)
		if err != nil {
			if writeError(w, r, err) {
				logger.Error("get broadcast", sl.Err(err))
			}
			return
		}

		render.JSON(w, r, response.Ok(b))
	}
}

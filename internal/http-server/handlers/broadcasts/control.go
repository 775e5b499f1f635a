package broadcasts

import (
	"FunnelBot/internal/lib/api/response"
	"FunnelBot/internal/lib/sl"
	"FunnelBot/internal/service/broadcast"
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

type command func(ctx context.Context, id string) error

func Start(log *slog.Logger, handler Core) http.HandlerFunc {
	return control(log, handler, "start", func(h Core) command { return h.StartBroadcast })
}

func Pause(log *slog.Logger, handler Core) http.HandlerFunc {
	return control(log, handler, "pause", func(h Core) command { return h.PauseBroadcast })
}

func Resume(log *slog.Logger, handler Core) http.HandlerFunc {
	return control(log, handler, "resume", func(h Core) command { return h.ResumeBroadcast })
}

func Cancel(log *slog.Logger, handler Core) http.HandlerFunc {
	return control(log, handler, "cancel", func(h Core) command { return h.CancelBroadcast })
}

func control(log *slog.Logger, handler Core, name string, pick func(Core) command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.broadcasts")

		id := chi.URLParam(r, "id")
		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("broadcast_id", id),
			slog.String("command", name),
		)

		if handler == nil {
			logger.Error("broadcast service not available")
			render.JSON(w, r, response.Error("Broadcast service not available"))
			return
		}

		if err := pick(handler)(r.Context(), id); err != nil {
			if writeError(w, r, err) {
				logger.Error("broadcast command", sl.Err(err))
			}
			return
		}

		b, err := handler.GetBroadcast(r.Context(), id)
		if err != nil {
			logger.Error("get broadcast", sl.Err(err))
			render.JSON(w, r, response.Ok(nil))
			return
		}
		logger.Info("broadcast command applied", slog.String("status", string(b.Status)))
		render.JSON(w, r, response.Ok(b))
	}
}

// writeError renders a failed command and reports whether it was unexpected.
func writeError(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case errors.Is(err, broadcast.ErrNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("Broadcast not found"))
		return false
	case errors.Is(err, broadcast.ErrInvalidTransition):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, response.Error(err.Error()))
		return false
	}
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, response.Error("Broadcast command failed"))
	return true
}

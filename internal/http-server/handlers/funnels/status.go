package funnels

import (
	"FunnelBot/bot/funnel"
	"FunnelBot/internal/lib/api/response"
	"FunnelBot/internal/lib/sl"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

func Activate(log *slog.Logger, handler Core) http.HandlerFunc {
	return setStatus(log, handler, true)
}

func Deactivate(log *slog.Logger, handler Core) http.HandlerFunc {
	return setStatus(log, handler, false)
}

func setStatus(log *slog.Logger, handler Core, active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.funnels")

		id := chi.URLParam(r, "id")
		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("funnel_id", id),
			slog.Bool("active", active),
		)

		if handler == nil {
			logger.Error("funnel service not available")
			render.JSON(w, r, response.Error("Funnel service not available"))
			return
		}

		var fn func(context.Context, string) error = handler.DeactivateFunnel
		if active {
			fn = handler.ActivateFunnel
		}

		err := fn(r.Context(), id)
		var cfgErr *funnel.ConfigurationError
		switch {
		case err == nil:
		case errors.Is(err, funnel.ErrFunnelNotFound):
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, response.Error("Funnel not found"))
			return
		case errors.As(err, &cfgErr):
			logger.Warn("funnel rejected", sl.Err(err))
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, response.Error(err.Error()))
			return
		default:
			logger.Error("set funnel status", sl.Err(err))
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.Error(fmt.Sprintf("Failed to set funnel status: %v", err)))
			return
		}

		logger.Info("funnel status updated")
		render.JSON(w, r, response.Ok(map[string]any{"id": id, "active": active}))
	}
}

package conversations

import (
	"FunnelBot/bot/funnel"
	"FunnelBot/internal/lib/api/response"
	"FunnelBot/internal/lib/sl"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Release returns a handed-off conversation to the bot.
func Release(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.conversations")

		id := chi.URLParam(r, "id")
		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("conversation_id", id),
		)

		if handler == nil {
			logger.Error("conversation service not available")
			render.JSON(w, r, response.Error("Conversation service not available"))
			return
		}

		err := handler.ReleaseConversation(r.Context(), id)
		if errors.Is(err, funnel.ErrConversationNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, response.Error("Conversation not found"))
			return
		}
		if err != nil {
			logger.Error("release conversation", sl.Err(err))
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.Error("Release failed"))
			return
		}

		logger.Info("conversation released")
		render.JSON(w, r, response.Ok("released"))
	}
}

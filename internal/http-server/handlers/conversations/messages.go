package conversations

import (
	"FunnelBot/internal/lib/api/response"
	"FunnelBot/internal/lib/sl"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Messages returns the conversation log, oldest first. ?limit= caps the size.
func Messages(log *slog.Logger, handler Core) http.HandlerFunc {
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

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		messages, err := handler.ConversationMessages(r.Context(), id, limit)
		if err != nil {
			logger.Error("list messages", sl.Err(err))
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.Error("Failed to list messages"))
			return
		}

		render.JSON(w, r, response.Ok(messages))
	}
}
